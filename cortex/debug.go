package cortex

import (
	"context"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/dapflash/daperr"
)

// MemAccess is the minimal target-memory interface the halt/reset
// controller and invoker need; *adiv5.MemAP satisfies it.
type MemAccess interface {
	ReadTargetReg(ctx context.Context, addr uint32) (uint32, error)
	WriteTargetReg(ctx context.Context, addr, value uint32) error
}

// Debug is the Cortex-M halt/reset controller: reset-and-halt, plain
// reset, register access and run/wait-halt, generalized across the whole
// Cortex-M family.
type Debug struct {
	m MemAccess
}

// New binds a Debug controller to a target's memory access.
func New(m MemAccess) *Debug {
	return &Debug{m: m}
}

// Identify reads CPUID/PID0 and returns the target's family name,
// surfacing TargetUnresponsive if the core doesn't answer at all.
func (d *Debug) Identify(ctx context.Context) (string, error) {
	cpuid, err := d.m.ReadTargetReg(ctx, RegCPUID)
	if err != nil {
		return "", daperr.New(daperr.TargetUnresponsive, err, "failed to read CPUID")
	}
	pid0, err := d.m.ReadTargetReg(ctx, RegPID0)
	if err != nil {
		return "", daperr.New(daperr.TargetUnresponsive, err, "failed to read PID0")
	}
	glog.V(1).Infof("CPUID: 0x%08x, PID0: 0x%08x", cpuid, pid0)
	return Name(cpuid, pid0), nil
}

// pollDHCSR polls DHCSR until ready reports true for the value it reads,
// failing fast on lockup or context cancellation. label names the wait for
// error messages.
func (d *Debug) pollDHCSR(ctx context.Context, label string, ready func(dhcsr uint32) bool) error {
	for {
		if err := ctxDone(ctx, label); err != nil {
			return err
		}
		dhcsr, err := d.m.ReadTargetReg(ctx, RegDHCSR)
		if err != nil {
			return errors.Annotatef(err, "failed to read DHCSR")
		}
		glog.V(3).Infof("%s DHCSR 0x%08x", label, dhcsr)
		if dhcsr&dhcsrSLockup != 0 {
			return daperr.New(daperr.TargetUnresponsive, nil, "core is locked up (DHCSR=0x%08x)", dhcsr)
		}
		if ready(dhcsr) {
			return nil
		}
	}
}

func ctxDone(ctx context.Context, label string) error {
	select {
	case <-ctx.Done():
		return daperr.New(daperr.Cancelled, ctx.Err(), "%s cancelled", label)
	default:
		return nil
	}
}

// applyResetVectors writes DHCSR then DEMCR then pulses AIRCR's
// SYSRESETREQ: the order a software reset with vector-catch control must
// be issued in, so the catch bits are armed before the reset actually
// fires.
func (d *Debug) applyResetVectors(ctx context.Context, dhcsr, demcr uint32) error {
	if err := d.m.WriteTargetReg(ctx, RegDHCSR, dhcsr); err != nil {
		return errors.Annotatef(err, "failed to set DHCSR")
	}
	if err := d.m.WriteTargetReg(ctx, RegDEMCR, demcr); err != nil {
		return errors.Annotatef(err, "failed to set DEMCR")
	}
	return d.m.WriteTargetReg(ctx, RegAIRCR, aircrKey|0x4 /* SYSRESETREQ */)
}

// ResetHalt performs a software reset with C_DEBUGEN and VC_CORERESET (and
// the other fault-catching vector-catch bits) set, so the core halts the
// instant it comes out of reset, then waits for that halt.
func (d *Debug) ResetHalt(ctx context.Context) error {
	if err := d.applyResetVectors(ctx, dhcsrKey|dhcsrCDebugEn, 0x3f1 /* VC_CORERESET + fault traps */); err != nil {
		return errors.Annotatef(err, "failed to reset the core")
	}
	return d.WaitHalt(ctx)
}

// ResetRun performs a plain software reset with debug disabled, letting
// the target boot normally.
func (d *Debug) ResetRun(ctx context.Context) error {
	return d.applyResetVectors(ctx, dhcsrKey, 0)
}

// WaitHalt blocks until S_HALT is set in DHCSR.
func (d *Debug) WaitHalt(ctx context.Context) error {
	return d.pollDHCSR(ctx, "wait-halt", func(dhcsr uint32) bool {
		return dhcsr&dhcsrSHalt != 0
	})
}

func (d *Debug) waitRegReady(ctx context.Context) error {
	return d.pollDHCSR(ctx, "wait-reg-ready", func(dhcsr uint32) bool {
		return dhcsr&dhcsrSRegReady != 0
	})
}

// SetReg writes one core register via DCRDR+DCRSR, reg following DCRSR's
// REGSEL encoding (0-15 = R0-R15, 0x10 = xPSR, 0x11 = MSP, 0x12 = PSP).
func (d *Debug) SetReg(ctx context.Context, reg int, value uint32) error {
	glog.V(4).Infof("SetReg(%d, 0x%x)", reg, value)
	if err := d.m.WriteTargetReg(ctx, RegDCRDR, value); err != nil {
		return errors.Annotatef(err, "failed to set DCRDR")
	}
	const regWrite = 1 << 16
	if err := d.m.WriteTargetReg(ctx, RegDCRSR, regWrite|uint32(reg)); err != nil {
		return errors.Annotatef(err, "failed to set DCRSR")
	}
	return errors.Trace(d.waitRegReady(ctx))
}

func (d *Debug) getReg(ctx context.Context, reg uint32) (uint32, error) {
	if err := d.m.WriteTargetReg(ctx, RegDCRSR, reg); err != nil {
		return 0, errors.Annotatef(err, "failed to set DCRSR")
	}
	if err := d.waitRegReady(ctx); err != nil {
		return 0, errors.Annotatef(err, "failed to wait for reg read")
	}
	value, err := d.m.ReadTargetReg(ctx, RegDCRDR)
	if err != nil {
		return 0, errors.Annotatef(err, "failed to read DCRDR")
	}
	glog.V(4).Infof("GetReg(%d) == 0x%x", reg, value)
	return value, nil
}

func (d *Debug) GetReg(ctx context.Context, reg int) (uint32, error) {
	return d.getReg(ctx, uint32(reg))
}

// regSelOrder is the sequence SetRegs/GetRegs walk: MSP and PSP first, so
// the R13 (SP) write that follows sets the active stack pointer instead of
// being overwritten by them, then R0-R15. xPSR is deliberately written
// last, after every GPR, so its Thumb bit isn't clobbered by an earlier
// register write.
var regSelOrder = func() []int {
	r := []int{regSelMSP, regSelPSP}
	for i := 0; i < 16; i++ {
		r = append(r, i)
	}
	return append(r, regSelXPSR)
}()

// SetRegs programs the entire RegFile in regSelOrder.
func (d *Debug) SetRegs(ctx context.Context, regs *RegFile) error {
	glog.V(3).Infof("SetRegs(%s)", regs)
	for _, sel := range regSelOrder {
		v, name := regFileField(regs, sel)
		if err := d.SetReg(ctx, sel, v); err != nil {
			return errors.Annotatef(err, "failed to set %s", name)
		}
	}
	return nil
}

func (d *Debug) GetRegs(ctx context.Context) (*RegFile, error) {
	glog.V(3).Infof("GetRegs()")
	regs := &RegFile{}
	for _, sel := range regSelOrder {
		v, err := d.getReg(ctx, uint32(sel))
		if err != nil {
			_, name := regFileField(regs, sel)
			return nil, errors.Annotatef(err, "failed to get %s", name)
		}
		setRegFileField(regs, sel, v)
	}
	glog.V(3).Infof("Regs: %s", regs)
	return regs, nil
}

// regFileField and setRegFileField translate a DCRSR REGSEL value to/from
// the matching RegFile slot, so SetRegs/GetRegs can share one field order
// instead of hand-rolling two parallel sequences of assignments.
func regFileField(regs *RegFile, sel int) (uint32, string) {
	switch sel {
	case regSelXPSR:
		return regs.XPSR, "xPSR"
	case regSelMSP:
		return regs.MSP, "MSP"
	case regSelPSP:
		return regs.PSP, "PSP"
	default:
		return regs.R[sel], fmt_R(sel)
	}
}

func setRegFileField(regs *RegFile, sel int, v uint32) {
	switch sel {
	case regSelXPSR:
		regs.XPSR = v
	case regSelMSP:
		regs.MSP = v
	case regSelPSP:
		regs.PSP = v
	default:
		regs.R[sel] = v
	}
}

func fmt_R(sel int) string {
	const hexDigits = "0123456789abcdef"
	if sel < 10 {
		return "R" + string(rune('0'+sel))
	}
	return "R1" + string(rune(hexDigits[sel-10]))
}

// Run releases the core from halt; if waitHalt is set it then waits for
// the core to halt again (used after launching a flash algorithm that
// ends by executing a breakpoint instruction).
func (d *Debug) Run(ctx context.Context, waitHalt bool) error {
	glog.V(3).Infof("Run(%t)", waitHalt)
	if err := d.m.WriteTargetReg(ctx, RegDHCSR, dhcsrKey|dhcsrCDebugEn); err != nil {
		return errors.Annotatef(err, "failed to set DHCSR")
	}
	if !waitHalt {
		return nil
	}
	return errors.Trace(d.WaitHalt(ctx))
}
