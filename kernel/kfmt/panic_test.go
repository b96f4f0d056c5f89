package kfmt

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel"
	"github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel/cpu"
)

func TestPanic(t *testing.T) {
	defer func() {
		cpuHaltFn = cpu.Halt
		SetOutputSink(nil)
	}()

	var cpuHaltCalled bool
	cpuHaltFn = func() {
		cpuHaltCalled = true
	}

	specs := []struct {
		name   string
		input  interface{}
		expMsg string
	}{
		{
			"with *kernel.Error",
			&kernel.Error{Module: "test", Message: "panic test"},
			"\n-----------------------------------\n[test] unrecoverable error: panic test\n",
		},
		{
			"with error",
			errors.New("go error"),
			"\n-----------------------------------\n[rt] unrecoverable error: go error\n",
		},
		{
			"with string",
			"string error",
			"\n-----------------------------------\n[rt] unrecoverable error: string error\n",
		},
		{
			"without error",
			nil,
			"\n-----------------------------------\n*** kernel panic: system halted ***",
		},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			var buf bytes.Buffer
			SetOutputSink(&buf)
			cpuHaltCalled = false

			Panic(spec.input)

			got := buf.String()
			if !strings.HasPrefix(got, spec.expMsg) {
				t.Fatalf("expected output to start with:\n%q\ngot:\n%q", spec.expMsg, got)
			}

			if !strings.Contains(got, "*** kernel panic: system halted ***\n-----------------------------------\n") {
				t.Fatalf("expected output to contain the halt banner; got:\n%q", got)
			}

			if !cpuHaltCalled {
				t.Fatal("expected cpu.Halt() to be called by Panic")
			}
		})
	}
}
