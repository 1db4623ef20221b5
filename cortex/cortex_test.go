package cortex

import (
	"context"
	"testing"
	"time"

	"github.com/mongoose-os/dapflash/adiv5"
	"github.com/mongoose-os/dapflash/dap"
	"github.com/mongoose-os/dapflash/daperr"
)

func newTestDebug(t *testing.T) (*Debug, *dap.NullClient, *adiv5.MemAP) {
	t.Helper()
	nc := dap.NewNullClient()
	dp := adiv5.NewDP(nc)
	m := adiv5.NewMemAP(dp, 0)
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("MemAP Init: %v", err)
	}
	return New(m), nc, m
}

func TestIdentify(t *testing.T) {
	d, nc, _ := newTestDebug(t)
	nc.SetMem(RegCPUID, 0x410fc241) // ARM Cortex-M4, r0p1
	nc.SetMem(RegPID0, 0)

	name, err := d.Identify(context.Background())
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	if name != "ARM Cortex-M4 r0p1" {
		t.Errorf("Identify() = %q, want %q", name, "ARM Cortex-M4 r0p1")
	}
}

func TestSetRegGetRegRoundTrip(t *testing.T) {
	d, nc, _ := newTestDebug(t)
	// NullClient has no DHCSR-driven register machinery of its own, so
	// S_REGRDY must read back set for SetReg/getReg's poll to terminate.
	nc.SetMem(RegDHCSR, dhcsrSRegReady)

	ctx := context.Background()
	if err := d.SetReg(ctx, 0, 0x12345678); err != nil {
		t.Fatalf("SetReg: %v", err)
	}
	if nc.Mem(RegDCRDR) != 0x12345678 {
		t.Errorf("DCRDR = 0x%x, want 0x12345678", nc.Mem(RegDCRDR))
	}

	nc.SetMem(RegDCRDR, 0xcafebabe)
	v, err := d.GetReg(ctx, 3)
	if err != nil {
		t.Fatalf("GetReg: %v", err)
	}
	if v != 0xcafebabe {
		t.Errorf("GetReg(3) = 0x%x, want 0xcafebabe", v)
	}
}

func TestWaitHaltDetectsLockup(t *testing.T) {
	d, nc, _ := newTestDebug(t)
	nc.SetMem(RegDHCSR, dhcsrSLockup)

	err := d.WaitHalt(context.Background())
	if err == nil {
		t.Fatalf("WaitHalt should fail on lockup")
	}
}

func TestWaitHaltCancellation(t *testing.T) {
	d, _, _ := newTestDebug(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := d.WaitHalt(ctx); err == nil {
		t.Fatalf("WaitHalt should fail on an already-cancelled context")
	}
}

// neverHalts reads DHCSR back as S_REGRDY only, whatever was written to it:
// a core that accepts register transfers but never halts again. NullClient
// alone stores DHCSR writes as plain memory, so Run's write would read back
// with S_HALT and S_LOCKUP set.
type neverHalts struct{ MemAccess }

func (m neverHalts) ReadTargetReg(ctx context.Context, addr uint32) (uint32, error) {
	if addr == RegDHCSR {
		return dhcsrSRegReady, nil
	}
	return m.MemAccess.ReadTargetReg(ctx, addr)
}

func TestInvokeTimesOutWhenCoreNeverHalts(t *testing.T) {
	_, _, m := newTestDebug(t)
	// S_REGRDY lets SetRegs complete; nothing ever sets S_HALT, so the
	// core "runs" forever as far as Invoke can tell.
	d := New(neverHalts{m})

	_, err := d.Invoke(context.Background(), InvocationFrame{
		R0: 1, SP: 0x20001000, PC: 0x20000401, LR: 0x20000401,
		Timeout: 20 * time.Millisecond,
	})
	if err == nil {
		t.Fatalf("Invoke should fail when the core never reports halted")
	}
	if daperr.CodeOf(err) != daperr.AlgorithmTimeout {
		t.Errorf("CodeOf(err) = %v, want AlgorithmTimeout", daperr.CodeOf(err))
	}
}
