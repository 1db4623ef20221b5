// Package adiv5 implements the ADIv5 DP/AP transaction engine on top of the
// CMSIS-DAP command codec: DPIDR/CTRL-STAT/SELECT handling, AHB-AP memory
// access, and the pipelined block transfer contract.
package adiv5

import (
	"context"
	"fmt"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/dapflash/dap"
	"github.com/mongoose-os/dapflash/daperr"
)

// DPReg is a Debug Port register offset (DAP_Transfer's reg field).
type DPReg uint8

const (
	DPIDR      DPReg = 0x00
	DPCTRLSTAT DPReg = 0x04
	DPSELECT   DPReg = 0x08
	DPRDBUFF   DPReg = 0x0c
)

const (
	ctrlStatStickyErr    uint32 = 1 << 7
	ctrlStatReadOk       uint32 = 1 << 6
	ctrlStatCDBGPWRUPREQ uint32 = 1 << 28
	ctrlStatCDBGPWRUPACK uint32 = 1 << 29
	ctrlStatCSYSPWRUPREQ uint32 = 1 << 30
	ctrlStatCSYSPWRUPACK uint32 = 1 << 31
)

// DP is a Debug Port client: DPIDR/CTRL-STAT/SELECT plus AP register
// access through the SELECT bank-caching discipline ADIv5 requires (only
// write SELECT when the target bank actually changes).
type DP struct {
	dapc dap.Client

	lastSelect uint32
	poweredUp  bool
}

// NewDP wraps a dap.Client as a Debug Port.
func NewDP(dapc dap.Client) *DP {
	return &DP{dapc: dapc}
}

// classifyTransferErr maps a failed DAP_Transfer into the daperr taxonomy
// so callers (flash.Orchestrator retry policy) can branch on Code instead
// of string-matching.
func classifyTransferErr(st dap.TransferStatus, cause error, format string, args ...interface{}) error {
	switch {
	case st.AckValue() == dap.AckWait:
		return daperr.New(daperr.DpWait, cause, format, args...)
	case st.AckValue() == dap.AckFault:
		return daperr.New(daperr.DpFault, cause, format, args...)
	case st.SWDError():
		return daperr.New(daperr.DpProtocol, cause, format, args...)
	case st.ValueMismatch():
		return daperr.New(daperr.DpMismatch, cause, format, args...)
	case st.AckValue() == dap.AckNoAck || st.AckValue() == 0:
		return daperr.New(daperr.DpNoAck, cause, format, args...)
	default:
		return daperr.New(daperr.ProbeProtocol, cause, format, args...)
	}
}

// abortClearStickyMask clears STKCMPCLR/STKERRCLR/WDERRCLR/ORUNERRCLR via
// DAP_WriteABORT. It deliberately leaves DAPABORT (bit 0) clear, since that
// bit aborts an AP transaction in flight rather than just the sticky flags
// a WAIT/FAULT leaves behind.
const abortClearStickyMask = 0x1e

// escalateOnStickyErr issues DAP_WriteABORT when a transfer comes back
// WAIT or FAULT after Session.Transfer's own single retry is exhausted, so
// the DP isn't left wedged for whatever access follows. It always returns
// err unchanged.
func (dp *DP) escalateOnStickyErr(ctx context.Context, err error) error {
	switch daperr.CodeOf(err) {
	case daperr.DpWait, daperr.DpFault:
		if aerr := dp.dapc.WriteAbort(ctx, 0, abortClearStickyMask); aerr != nil {
			glog.Warningf("DAP_WriteABORT after %s failed: %s", daperr.CodeOf(err), aerr)
		}
	}
	return err
}

// dapRegAccess issues a single DAP_Transfer request for one DP or AP
// register. A read returns the register's value; a write always returns 0.
func (dp *DP) dapRegAccess(ctx context.Context, op dap.TransferOp, reg uint8, isAP bool, value uint32) (uint32, error) {
	st, words, err := dp.dapc.Transfer(ctx, 0, []dap.TransferRequest{
		{Op: op, AP: isAP, Reg: reg, Data: value},
	})
	if err != nil {
		verb := "write"
		if op == dap.OpRead {
			verb = "read"
		}
		cerr := classifyTransferErr(st, err, "failed to %s reg 0x%x (ap=%t)", verb, reg, isAP)
		return 0, dp.escalateOnStickyErr(ctx, cerr)
	}
	if op == dap.OpRead {
		return words[0], nil
	}
	return 0, nil
}

func (dp *DP) ReadDPReg(ctx context.Context, reg DPReg) (uint32, error) {
	v, err := dp.dapRegAccess(ctx, dap.OpRead, uint8(reg), false, 0)
	glog.V(4).Infof("%s == 0x%08x", reg, v)
	return v, err
}

func (dp *DP) WriteDPReg(ctx context.Context, reg DPReg, value uint32) error {
	glog.V(4).Infof("%s = 0x%08x", reg, value)
	_, err := dp.dapRegAccess(ctx, dap.OpWrite, uint8(reg), false, value)
	return err
}

// GetIDR reads DPIDR, the one register that is always readable even before
// the power-up handshake completes.
func (dp *DP) GetIDR(ctx context.Context) (IDR, error) {
	v, err := dp.ReadDPReg(ctx, DPIDR)
	if err != nil {
		return 0, errors.Annotatef(err, "failed to read DPIDR")
	}
	return IDR(v), nil
}

// ctxDone returns a Cancelled error if ctx is done, nil otherwise; used by
// the poll loops below so they don't spin forever past a caller-initiated
// cancellation.
func ctxDone(ctx context.Context, action string) error {
	select {
	case <-ctx.Done():
		return daperr.New(daperr.Cancelled, ctx.Err(), "%s cancelled", action)
	default:
		return nil
	}
}

// Init performs the standard ADIv5 bring-up: read DPIDR, clear sticky
// errors with DAP_WriteABORT, reset SELECT, bring up debug and system
// power, and set CTRL/STAT's MASKLANE bits.
func (dp *DP) Init(ctx context.Context) error {
	if _, err := dp.GetIDR(ctx); err != nil {
		return errors.Annotatef(err, "failed to read DP ID")
	}
	if err := dp.dapc.WriteAbort(ctx, 0, abortClearStickyMask); err != nil {
		return errors.Annotatef(err, "failed to clear sticky errors")
	}
	if err := dp.WriteDPReg(ctx, DPSELECT, 0); err != nil {
		return errors.Trace(err)
	}
	dp.lastSelect = 0
	if err := dp.SetDbgPower(ctx, true, true); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(dp.WriteDPReg(ctx, DPCTRLSTAT, 0x50000f00))
}

// SetDbgPower requests debug and/or system power-up and polls CTRL/STAT
// until the corresponding ACK bits come back set.
func (dp *DP) SetDbgPower(ctx context.Context, dbg, sys bool) error {
	var req, ack uint32
	if dbg {
		req |= ctrlStatCDBGPWRUPREQ
		ack |= ctrlStatCDBGPWRUPACK
	}
	if sys {
		req |= ctrlStatCSYSPWRUPREQ
		ack |= ctrlStatCSYSPWRUPACK
	}
	target := req | ack
	for {
		if err := ctxDone(ctx, "power-up"); err != nil {
			return err
		}
		cur, err := dp.ReadDPReg(ctx, DPCTRLSTAT)
		if err != nil {
			return errors.Annotatef(err, "failed to read DPCTRLSTAT")
		}
		if cur&0xf0000000 == target {
			dp.poweredUp = true
			return nil
		}
		if err := dp.WriteDPReg(ctx, DPCTRLSTAT, (cur&0x07ffffff)|req); err != nil {
			return errors.Annotatef(err, "failed to write DPCTRLSTAT")
		}
	}
}

// CheckHealth reads CTRL/STAT: healthy iff STICKYERR is clear and READOK
// is set.
func (dp *DP) CheckHealth(ctx context.Context) error {
	v, err := dp.ReadDPReg(ctx, DPCTRLSTAT)
	if err != nil {
		return errors.Annotatef(err, "failed to read DPCTRLSTAT")
	}
	if v&ctrlStatStickyErr != 0 || v&ctrlStatReadOk == 0 {
		return daperr.New(daperr.DpFault, nil, "DP health check failed, CTRL/STAT=0x%08x", v)
	}
	return nil
}

// DbgReset pulses the DP's CDBGRSTREQ bit and waits for CDBGRSTACK to
// assert then de-assert, per ADIv5's debug reset request sequence.
func (dp *DP) DbgReset(ctx context.Context) error {
	cur, err := dp.ReadDPReg(ctx, DPCTRLSTAT)
	if err != nil {
		return errors.Annotatef(err, "failed to read DPCTRLSTAT")
	}
	if err := dp.WriteDPReg(ctx, DPCTRLSTAT, (cur&0xf3ffffff)|0x04000000); err != nil {
		return errors.Annotatef(err, "failed to write DPCTRLSTAT")
	}
	for cur&0x08000000 == 0 {
		if err := ctxDone(ctx, "debug reset assert"); err != nil {
			return err
		}
		if cur, err = dp.ReadDPReg(ctx, DPCTRLSTAT); err != nil {
			return errors.Annotatef(err, "failed to read DPCTRLSTAT")
		}
	}
	if err := dp.WriteDPReg(ctx, DPCTRLSTAT, cur&0xf3ffffff); err != nil {
		return errors.Annotatef(err, "failed to write DPCTRLSTAT")
	}
	for cur&0x08000000 != 0 {
		if err := ctxDone(ctx, "debug reset de-assert"); err != nil {
			return err
		}
		if cur, err = dp.ReadDPReg(ctx, DPCTRLSTAT); err != nil {
			return errors.Annotatef(err, "failed to read DPCTRLSTAT")
		}
	}
	return nil
}

// selectAP writes SELECT only when the requested AP/bank differs from
// what's cached, the bank-caching discipline ADIv5 access is built around.
func (dp *DP) selectAP(ctx context.Context, ap, bank uint8) error {
	next := (dp.lastSelect &^ 0xff0000f0) | (uint32(ap) << 24) | (uint32(bank&0xf) << 4)
	if next == dp.lastSelect {
		return nil
	}
	if err := dp.WriteDPReg(ctx, DPSELECT, next); err != nil {
		return errors.Annotatef(err, "failed to select AP %d bank %d", ap, bank)
	}
	dp.lastSelect = next
	return nil
}

func (dp *DP) ReadAPReg(ctx context.Context, apSel, apReg uint8) (uint32, error) {
	if err := dp.selectAP(ctx, apSel, apReg/16); err != nil {
		return 0, errors.Trace(err)
	}
	return dp.dapRegAccess(ctx, dap.OpRead, apReg%16, true, 0)
}

func (dp *DP) WriteAPReg(ctx context.Context, apSel, apReg uint8, value uint32) error {
	if err := dp.selectAP(ctx, apSel, apReg/16); err != nil {
		return errors.Trace(err)
	}
	_, err := dp.dapRegAccess(ctx, dap.OpWrite, apReg%16, true, value)
	return err
}

// ReadAPRegMulti and WriteAPRegMulti move length/len(values) words through
// apReg (typically DRW, with TAR auto-incrementing on the caller's side),
// batched into DAP_TransferBlock requests no larger than the probe's
// negotiated block size.
func (dp *DP) ReadAPRegMulti(ctx context.Context, apSel, apReg uint8, length int) ([]uint32, error) {
	if err := dp.selectAP(ctx, apSel, apReg/16); err != nil {
		return nil, errors.Trace(err)
	}
	reg := apReg % 16
	blockMax := dp.dapc.GetTransferBlockMaxSize()
	out := make([]uint32, 0, length)
	for remaining := length; remaining > 0; {
		n := remaining
		if n > blockMax {
			n = blockMax
		}
		words, err := dp.dapc.TransferBlockRead(ctx, 0, true, reg, n)
		if err != nil {
			return nil, daperr.New(daperr.ProbeProtocol, err, "block read of %d words from reg 0x%x failed", n, reg)
		}
		out = append(out, words...)
		remaining -= n
	}
	return out, nil
}

func (dp *DP) WriteAPRegMulti(ctx context.Context, apSel, apReg uint8, values []uint32) error {
	if err := dp.selectAP(ctx, apSel, apReg/16); err != nil {
		return errors.Trace(err)
	}
	reg := apReg % 16
	blockMax := dp.dapc.GetTransferBlockMaxSize()
	for len(values) > 0 {
		n := len(values)
		if n > blockMax {
			n = blockMax
		}
		if err := dp.dapc.TransferBlockWrite(ctx, 0, true, reg, values[:n]); err != nil {
			return daperr.New(daperr.ProbeProtocol, err, "block write of %d words to reg 0x%x failed", n, reg)
		}
		values = values[n:]
	}
	return nil
}

// IDR is DPIDR's value, decoded per ADIv5 §2.3.5.
type IDR uint32

type Designer uint16

func (v IDR) Designer() Designer { return Designer(v & 0xfff) }
func (v IDR) Version() uint8     { return uint8((v >> 12) & 0xf) }
func (v IDR) Minimal() bool      { return (v>>16)&1 != 0 }
func (v IDR) PartNumber() uint8  { return uint8((v >> 20) & 0xff) }
func (v IDR) Revision() uint8    { return uint8((v >> 28) & 0xf) }

func (v Designer) String() string {
	if v == 0x477 {
		return "ARM"
	}
	return fmt.Sprintf("0x%03x", uint16(v))
}

func (r DPReg) String() string {
	switch r {
	case DPIDR:
		return "DPIDR"
	case DPCTRLSTAT:
		return "DPCTRLSTAT"
	case DPSELECT:
		return "DPSELECT"
	case DPRDBUFF:
		return "RDBUFF"
	}
	return fmt.Sprintf("0x%x", uint8(r))
}
