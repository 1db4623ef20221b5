package cortex

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/dapflash/daperr"
)

// xPSR's Thumb bit (bit 24); every flash algorithm is Thumb code and must
// be launched with it set or the core takes a usage fault immediately.
const xpsrThumb uint32 = 1 << 24

// InvocationFrame is the register state a flash algorithm entry point is
// launched with: R0-R3 are its arguments, SP/LR/PC set up so it runs to
// completion and traps into the halt shim, which leaves the core halted
// at a breakpoint for Invoke to detect.
type InvocationFrame struct {
	R0, R1, R2, R3 uint32
	SP             uint32
	PC             uint32
	// LR points at the breakpoint address (FlashAlgo.BreakPoint, with its
	// Thumb bit set) so a plain "bx lr" return lands on the halt shim.
	LR      uint32
	Timeout time.Duration
}

// Invoke programs regs into the core, releases it from halt, and polls
// DHCSR until it halts again (the algorithm hit the breakpoint
// instruction baked into the halt shim) or the timeout elapses. On
// success it returns the algorithm's R0 return code.
func (d *Debug) Invoke(ctx context.Context, f InvocationFrame) (uint32, error) {
	regs := &RegFile{}
	regs.R[0], regs.R[1], regs.R[2], regs.R[3] = f.R0, f.R1, f.R2, f.R3
	regs.R[SP] = f.SP
	regs.R[LR] = f.LR
	regs.R[PC] = f.PC
	regs.XPSR = xpsrThumb

	if err := d.SetRegs(ctx, regs); err != nil {
		return 0, errors.Annotatef(err, "failed to set up invocation frame")
	}

	timeout := f.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := d.Run(ctx, false); err != nil {
		return 0, errors.Annotatef(err, "failed to release core from halt")
	}

	for {
		select {
		case <-ctx.Done():
			return 0, daperr.New(daperr.AlgorithmTimeout, ctx.Err(), "algorithm did not halt within %s", timeout)
		default:
		}
		dhcsr, err := d.m.ReadTargetReg(ctx, RegDHCSR)
		if err != nil {
			return 0, errors.Annotatef(err, "failed to poll DHCSR")
		}
		if dhcsr&dhcsrSLockup != 0 {
			return 0, daperr.New(daperr.TargetUnresponsive, nil, "core locked up during algorithm invocation")
		}
		if dhcsr&dhcsrSHalt != 0 {
			break
		}
	}

	r0, err := d.getReg(ctx, 0)
	if err != nil {
		return 0, errors.Annotatef(err, "failed to read algorithm return value")
	}
	glog.V(2).Infof("algorithm returned 0x%x", r0)
	return r0, nil
}
