package cpu

import (
	"runtime"
	"sync"
	"testing"
)

func TestSATP(t *testing.T) {
	defer WriteSATP(0)

	token := SatpModeSv39<<SatpModeShift | 0x80321
	WriteSATP(token)

	if got := ReadSATP(); got != token {
		t.Fatalf("expected satp to be %x; got %x", token, got)
	}

	if exp, got := uint64(0x80321), SatpRootPPN(token); got != exp {
		t.Fatalf("expected root PPN to be %x; got %x", exp, got)
	}
}

func TestFlushTLB(t *testing.T) {
	before := TLBGeneration()
	FlushTLB()
	FlushTLBEntry(0x1000)

	if exp, got := before+2, TLBGeneration(); got != exp {
		t.Fatalf("expected TLB generation to be %d; got %d", exp, got)
	}
}

func TestHalt(t *testing.T) {
	defer func() { goexitFn = runtime.Goexit }()

	var (
		wg      sync.WaitGroup
		reached bool
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		Halt()
		reached = true
	}()
	wg.Wait()

	if reached {
		t.Fatal("expected Halt to terminate the calling execution context")
	}

	var haltCalled bool
	goexitFn = func() { haltCalled = true }
	Halt()
	if !haltCalled {
		t.Fatal("expected Halt to invoke goexitFn")
	}
}
