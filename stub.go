package main

import (
	"os"

	"github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel/kfmt"
	"github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel/kmain"
	"github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel/mm/layout"
)

// main boots the memory management core on the hosted hart. The layout is
// read from KERNEL_* environment variables and the optional first argument
// names an ELF image to load as the init program.
//
// The kernel runs on its own goroutine since halting the hart terminates the
// goroutine that executes Kmain.
func main() {
	kfmt.SetOutputSink(os.Stdout)

	halted := make(chan struct{})
	go func() {
		defer close(halted)

		l, err := layout.Parse()
		if err != nil {
			kfmt.Panic(err)
		}

		var initImage []byte
		if len(os.Args) > 1 {
			if initImage, err = os.ReadFile(os.Args[1]); err != nil {
				kfmt.Panic(err)
			}
		}

		kmain.Kmain(l, initImage)
	}()
	<-halted
}
