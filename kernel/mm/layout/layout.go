// Package layout describes the fixed physical and virtual memory layout that
// the boot code hands to the memory management core: kernel section bounds,
// trampoline and trap-context addresses, stack and heap sizes and the MMIO
// windows that must be identity-mapped into the kernel address space.
//
// Every value has a default matching the qemu virt board and can be
// overridden through KERNEL_* environment variables.
package layout

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"

	"github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel"
	"github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel/mm"
)

const envPrefix = "KERNEL_"

var errInvalidLayout = &kernel.Error{Module: "layout", Message: "invalid memory layout"}

// Addr is a physical or virtual address (or a byte size) that can be written
// in decimal or 0x-prefixed hex form.
type Addr uintptr

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Addr) UnmarshalText(text []byte) error {
	v, err := strconv.ParseUint(strings.TrimSpace(string(text)), 0, 64)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", text, err)
	}

	*a = Addr(v)
	return nil
}

// Section is a half-open [Start, End) range of the kernel image.
type Section struct {
	Start Addr `env:"START"`
	End   Addr `env:"END"`
}

// MMIOWindow is a memory-mapped device register window. It is written as
// "base:length" in the environment.
type MMIOWindow struct {
	Base   Addr
	Length Addr
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (w *MMIOWindow) UnmarshalText(text []byte) error {
	base, length, ok := strings.Cut(string(text), ":")
	if !ok {
		return fmt.Errorf("invalid mmio window %q: expected base:length", text)
	}

	if err := w.Base.UnmarshalText([]byte(base)); err != nil {
		return err
	}
	return w.Length.UnmarshalText([]byte(length))
}

// Layout collects the boot-time memory layout constants.
type Layout struct {
	Text   Section `envPrefix:"TEXT_"`
	Rodata Section `envPrefix:"RODATA_"`
	Data   Section `envPrefix:"DATA_"`
	BSS    Section `envPrefix:"BSS_"`

	// KernelEnd is the first physical address after the kernel image.
	// Frames in [KernelEnd, MemoryEnd) are handed to the frame pool.
	KernelEnd Addr `env:"KERNEL_END" envDefault:"0x80280000"`
	MemoryEnd Addr `env:"MEMORY_END" envDefault:"0x80800000"`

	MMIO []MMIOWindow `env:"MMIO" envDefault:"0x0c000000:0x3000,0x0c200000:0x1000,0x10000000:0x1000,0x10001000:0x1000"`

	// Physical addresses of the trampoline code pages inside .text.
	TrampolineCode       Addr `env:"TRAMPOLINE_CODE"        envDefault:"0x8023f000"`
	SignalTrampolineCode Addr `env:"SIGNAL_TRAMPOLINE_CODE" envDefault:"0x8023e000"`

	// Virtual addresses shared by every address space.
	Trampoline       Addr `env:"TRAMPOLINE"        envDefault:"0x7ffffff000"`
	SignalTrampoline Addr `env:"SIGNAL_TRAMPOLINE" envDefault:"0x7fffffe000"`
	TrapContext      Addr `env:"TRAP_CONTEXT"      envDefault:"0x7fffffd000"`

	UserStack       Addr `env:"USER_STACK"        envDefault:"0x7f00000000"`
	UserStackSize   Addr `env:"USER_STACK_SIZE"   envDefault:"0x8000"`
	UserSignalStack Addr `env:"USER_SIGNAL_STACK" envDefault:"0x7e00000000"`
	SignalStackSize Addr `env:"SIGNAL_STACK_SIZE" envDefault:"0x4000"`
	UserHeapSize    Addr `env:"USER_HEAP_SIZE"    envDefault:"0x40000"`

	// ClockTicks is the clock tick rate reported to user programs.
	ClockTicks uint64 `env:"CLOCK_TICKS" envDefault:"100"`
}

// sectionDefaults holds the default kernel section bounds. They are applied
// before parsing since nested structs cannot carry per-field defaults.
var sectionDefaults = map[string]string{
	envPrefix + "TEXT_START":   "0x80200000",
	envPrefix + "TEXT_END":     "0x80240000",
	envPrefix + "RODATA_START": "0x80240000",
	envPrefix + "RODATA_END":   "0x80250000",
	envPrefix + "DATA_START":   "0x80250000",
	envPrefix + "DATA_END":     "0x80260000",
	envPrefix + "BSS_START":    "0x80260000",
	envPrefix + "BSS_END":      "0x80280000",
}

// Parse builds a Layout from the process environment, falling back to the
// defaults for unset variables, and validates it.
func Parse() (Layout, error) {
	return parse(env.ToMap(os.Environ()))
}

// Default returns the default Layout ignoring the process environment.
func Default() Layout {
	l, err := parse(map[string]string{})
	if err != nil {
		panic(err)
	}
	return l
}

func parse(environment map[string]string) (Layout, error) {
	merged := make(map[string]string, len(environment)+len(sectionDefaults))
	for k, v := range sectionDefaults {
		merged[k] = v
	}
	for k, v := range environment {
		merged[k] = v
	}

	l, err := env.ParseAsWithOptions[Layout](env.Options{
		Prefix:      envPrefix,
		Environment: merged,
	})
	if err != nil {
		return Layout{}, err
	}

	if kerr := l.Validate(); kerr != nil {
		return Layout{}, kerr
	}
	return l, nil
}

// Validate checks that every address is page aligned and that the kernel
// sections and the fixed user-space addresses are correctly ordered.
func (l Layout) Validate() *kernel.Error {
	aligned := []Addr{
		l.Text.Start, l.Text.End, l.Rodata.Start, l.Rodata.End,
		l.Data.Start, l.Data.End, l.BSS.Start, l.BSS.End,
		l.KernelEnd, l.MemoryEnd, l.TrampolineCode, l.SignalTrampolineCode,
		l.Trampoline, l.SignalTrampoline, l.TrapContext,
		l.UserStack, l.UserStackSize, l.UserSignalStack, l.SignalStackSize, l.UserHeapSize,
	}
	for _, a := range aligned {
		if !mm.IsAligned(uintptr(a), mm.PageSize) {
			return errInvalidLayout
		}
	}

	sections := []Section{l.Text, l.Rodata, l.Data, l.BSS}
	for i, s := range sections {
		if s.Start > s.End || (i > 0 && s.Start < sections[i-1].End) {
			return errInvalidLayout
		}
	}

	switch {
	case l.BSS.End > l.KernelEnd, l.KernelEnd >= l.MemoryEnd:
		return errInvalidLayout
	case l.TrampolineCode < l.Text.Start, l.TrampolineCode >= l.Text.End:
		return errInvalidLayout
	case l.SignalTrampolineCode < l.Text.Start, l.SignalTrampolineCode >= l.Text.End:
		return errInvalidLayout
	case l.TrapContext >= l.SignalTrampoline, l.SignalTrampoline >= l.Trampoline:
		return errInvalidLayout
	case l.UserStack > l.TrapContext, l.UserStackSize > l.UserStack:
		return errInvalidLayout
	case l.UserSignalStack > l.UserStack-l.UserStackSize, l.SignalStackSize > l.UserSignalStack:
		return errInvalidLayout
	}

	return nil
}

// KernelFrames returns the range of frames [first, last) available to the
// physical frame pool.
func (l Layout) KernelFrames() (mm.Frame, mm.Frame) {
	return mm.FrameFromAddress(uintptr(l.KernelEnd)), mm.FrameFromAddress(uintptr(l.MemoryEnd))
}
