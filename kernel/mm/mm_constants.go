package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// VirtAddrBits is the width of an Sv39 virtual address.
	VirtAddrBits = 39

	// PageLimit is the first page number that an Sv39 virtual address
	// cannot encode.
	PageLimit = Page(1) << (VirtAddrBits - PageShift)
)
