// Package swd builds the line-level bit sequences needed to bring a
// target's debug port into SWD mode: line reset, the legacy JTAG-to-SWD
// switch, and the ADIv6 dormant-state fallback for probes/targets that
// don't recognize the legacy switch sequence.
package swd

import (
	"context"
	"encoding/binary"

	"github.com/juju/errors"

	"github.com/mongoose-os/dapflash/dap"
)

// lineResetBits is at least 50 cycles of SWDIO=1, per ARM ADI: 51 one-bits
// gives one cycle of margin; the data is padded out to 7 whole bytes.
const lineResetBits = 51

func onesSequence(numBits int) []byte {
	data := make([]byte, (numBits+7)/8)
	for i := range data {
		data[i] = 0xff
	}
	return data
}

func le16(v uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return b
}

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

// LineReset drives SWDIO high for at least 50 clock cycles, resetting the
// SWD line state machine.
func LineReset(ctx context.Context, dapc dap.Client) error {
	return errors.Trace(dapc.SWJSequence(ctx, lineResetBits, onesSequence(lineResetBits)))
}

// JTAGToSWD performs the legacy switch sequence: line reset, the 16-bit
// 0xE79E switch code, then another line reset and at least 2 idle cycles,
// per ARM's deprecated-but-widely-supported JTAG-to-SWD sequence.
func JTAGToSWD(ctx context.Context, dapc dap.Client) error {
	if err := LineReset(ctx, dapc); err != nil {
		return errors.Annotatef(err, "JTAG-to-SWD: line reset")
	}
	if err := dapc.SWJSequence(ctx, 16, le16(0xe79e)); err != nil {
		return errors.Annotatef(err, "JTAG-to-SWD: switch sequence")
	}
	if err := LineReset(ctx, dapc); err != nil {
		return errors.Annotatef(err, "JTAG-to-SWD: trailing line reset")
	}
	return errors.Trace(Idle(ctx, dapc))
}

// Idle clocks a handful of idle (SWDIO=0) cycles, required after a line
// reset before the first transaction.
func Idle(ctx context.Context, dapc dap.Client) error {
	return errors.Trace(dapc.SWJSequence(ctx, 8, []byte{0x00}))
}

// selectionAlert is the 128-bit ADIv6 Selection Alert sequence, sent LSB
// first as four little-endian 32-bit words.
var selectionAlert = func() []byte {
	words := []uint32{0x19bc0ea2, 0xe3ddafe9, 0x86852d95, 0x6209f392}
	b := make([]byte, 0, 16)
	for _, w := range words {
		b = append(b, le32(w)...)
	}
	return b
}()

const (
	activationCodeSWD  = 0xa1
	activationCodeJTAG = 0xa0
)

// SWDToDormant transitions from SWD into the dormant state, the first step
// of the ADIv6 fallback sequence used when the legacy JTAG-to-SWD switch
// doesn't take; JTAGToDormant covers the JTAG side.
func SWDToDormant(ctx context.Context, dapc dap.Client) error {
	if err := LineReset(ctx, dapc); err != nil {
		return errors.Annotatef(err, "SWD-to-dormant: line reset")
	}
	return errors.Trace(dapc.SWJSequence(ctx, 16, le16(0xe3bc)))
}

func JTAGToDormant(ctx context.Context, dapc dap.Client) error {
	// At least 5 TCK cycles with TMS high, then the 32-bit switch code.
	if err := dapc.SWJSequence(ctx, 8, []byte{0xff}); err != nil {
		return errors.Annotatef(err, "JTAG-to-dormant: TMS high")
	}
	return errors.Trace(dapc.SWJSequence(ctx, 32, le32(0x33bbbbba)))
}

// DormantToSWD wakes SWD from the dormant state: 8+ idle cycles, the
// 128-bit Selection Alert sequence, 4 low cycles, then the SWD activation
// code (0xA1) sent as an 8-bit sequence.
func DormantToSWD(ctx context.Context, dapc dap.Client) error {
	if err := dapc.SWJSequence(ctx, 8, []byte{0x00}); err != nil {
		return errors.Annotatef(err, "dormant-to-SWD: idle cycles")
	}
	if err := dapc.SWJSequence(ctx, 128, selectionAlert); err != nil {
		return errors.Annotatef(err, "dormant-to-SWD: selection alert")
	}
	if err := dapc.SWJSequence(ctx, 4, []byte{0x00}); err != nil {
		return errors.Annotatef(err, "dormant-to-SWD: low cycles")
	}
	return errors.Trace(dapc.SWJSequence(ctx, 8, []byte{activationCodeSWD}))
}

// ConnectAttempt reports whether the target answered after a bring-up
// sequence (typically: whether a DPIDR read succeeded).
type ConnectAttempt func(ctx context.Context) (ok bool, err error)

// ConnectWithFallback tries the legacy switch, and only walks the dormant
// sequence if checkConnected reports failure, matching the source's
// "don't bother with dormant unless the cheap path failed" structure.
func ConnectWithFallback(ctx context.Context, dapc dap.Client, checkConnected ConnectAttempt) error {
	if err := JTAGToSWD(ctx, dapc); err != nil {
		return errors.Trace(err)
	}
	ok, err := checkConnected(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if ok {
		return nil
	}

	if err := LineReset(ctx, dapc); err != nil {
		return errors.Trace(err)
	}
	if err := SWDToDormant(ctx, dapc); err != nil {
		return errors.Trace(err)
	}
	if err := LineReset(ctx, dapc); err != nil {
		return errors.Trace(err)
	}
	if err := JTAGToDormant(ctx, dapc); err != nil {
		return errors.Trace(err)
	}
	if err := DormantToSWD(ctx, dapc); err != nil {
		return errors.Trace(err)
	}
	if err := LineReset(ctx, dapc); err != nil {
		return errors.Trace(err)
	}
	if err := Idle(ctx, dapc); err != nil {
		return errors.Trace(err)
	}
	ok, err = checkConnected(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if !ok {
		return errors.Errorf("failed to bring up SWD via dormant-state fallback")
	}
	return nil
}
