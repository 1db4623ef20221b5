package adiv5

import (
	"context"
	"fmt"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/dapflash/daperr"
)

// MemAPReg is an AHB-AP register offset.
type MemAPReg uint8

const (
	CSW  MemAPReg = 0x00
	TAR  MemAPReg = 0x04
	DRW  MemAPReg = 0x0c
	BD0  MemAPReg = 0x10
	BD1  MemAPReg = 0x14
	BD2  MemAPReg = 0x18
	BD3  MemAPReg = 0x1c
	BASE MemAPReg = 0xf8
	IDR  MemAPReg = 0xfc
)

const cswDeviceEn = 0x40

// autoIncWindow is the span TAR auto-increments within before wrapping back
// to the start of the window on a real AHB-AP: bulk transfers must never
// cross this boundary in a single DAP_TransferBlock.
const autoIncWindow = 0x400

// MemAP is an AHB-AP: word-addressed target memory access through
// CSW/TAR/DRW, chunked at the auto-increment boundary real AHB-APs wrap at.
type MemAP struct {
	dp    *DP
	apSel uint8
}

// NewMemAP binds a MemAP to AP index apSel on dp.
func NewMemAP(dp *DP, apSel uint8) *MemAP {
	return &MemAP{dp: dp, apSel: apSel}
}

func (m *MemAP) ReadReg(ctx context.Context, reg MemAPReg) (uint32, error) {
	v, err := m.dp.ReadAPReg(ctx, m.apSel, uint8(reg))
	glog.V(4).Infof("%s == 0x%08x", reg, v)
	return v, err
}

func (m *MemAP) WriteReg(ctx context.Context, reg MemAPReg, value uint32) error {
	glog.V(4).Infof("%s = 0x%08x", reg, value)
	return m.dp.WriteAPReg(ctx, m.apSel, uint8(reg), value)
}

// Init checks the AP is enabled and configures it for basic mode, word
// access, TAR auto-increment.
func (m *MemAP) Init(ctx context.Context) error {
	csw, err := m.ReadReg(ctx, CSW)
	if err != nil {
		return errors.Trace(err)
	}
	if csw&cswDeviceEn == 0 {
		return daperr.New(daperr.TargetUnresponsive, nil, "MEM-AP is disabled")
	}
	return m.WriteReg(ctx, CSW, 0x23000052)
}

func (m *MemAP) ReadTargetReg(ctx context.Context, addr uint32) (uint32, error) {
	if err := m.WriteReg(ctx, TAR, addr); err != nil {
		return 0, errors.Trace(err)
	}
	value, err := m.ReadReg(ctx, DRW)
	glog.V(4).Infof("ReadTargetReg(0x%08x) == 0x%08x", addr, value)
	return value, errors.Trace(err)
}

func (m *MemAP) WriteTargetReg(ctx context.Context, addr, value uint32) error {
	if err := m.WriteReg(ctx, TAR, addr); err != nil {
		return errors.Trace(err)
	}
	glog.V(4).Infof("WriteTargetReg(0x%08x, 0x%08x)", addr, value)
	return m.WriteReg(ctx, DRW, value)
}

// wordsToWindowEnd returns how many words can be moved starting at addr
// before TAR's auto-increment wraps back to the start of its window,
// capped at want.
func wordsToWindowEnd(addr uint32, want int) int {
	bytesLeft := autoIncWindow - addr%autoIncWindow
	n := int(bytesLeft / 4)
	if n > want {
		return want
	}
	return n
}

func requireWordAligned(addr uint32) error {
	if addr%4 != 0 {
		return daperr.New(daperr.Misaligned, nil, "addr must be word-aligned, got 0x%x", addr)
	}
	return nil
}

func (m *MemAP) ReadTargetMem(ctx context.Context, addr uint32, length int) ([]uint32, error) {
	glog.V(4).Infof("ReadTargetMem(0x%08x, %d)", addr, length)
	if err := requireWordAligned(addr); err != nil {
		return nil, err
	}
	out := make([]uint32, 0, length)
	for done := 0; done < length; {
		if err := ctxDone(ctx, "target memory read"); err != nil {
			return nil, err
		}
		if err := m.WriteReg(ctx, TAR, addr); err != nil {
			return nil, errors.Trace(err)
		}
		n := wordsToWindowEnd(addr, length-done)
		words, err := m.dp.ReadAPRegMulti(ctx, m.apSel, uint8(DRW), n)
		if err != nil {
			return nil, errors.Trace(err)
		}
		out = append(out, words...)
		addr += uint32(n * 4)
		done += n
	}
	return out, nil
}

func (m *MemAP) WriteTargetMem(ctx context.Context, addr uint32, data []uint32) error {
	glog.V(4).Infof("WriteTargetMem(0x%08x, %d)", addr, len(data))
	if err := requireWordAligned(addr); err != nil {
		return err
	}
	for done := 0; done < len(data); {
		if err := ctxDone(ctx, "target memory write"); err != nil {
			return err
		}
		if err := m.WriteReg(ctx, TAR, addr); err != nil {
			return errors.Trace(err)
		}
		n := wordsToWindowEnd(addr, len(data)-done)
		if err := m.dp.WriteAPRegMulti(ctx, m.apSel, uint8(DRW), data[done:done+n]); err != nil {
			return errors.Trace(err)
		}
		addr += uint32(n * 4)
		done += n
	}
	return nil
}

func (r MemAPReg) String() string {
	switch r {
	case CSW:
		return "CSW"
	case TAR:
		return "TAR"
	case DRW:
		return "DRW"
	case BD0, BD1, BD2, BD3:
		return fmt.Sprintf("BD%d", (r-BD0)/4)
	case BASE:
		return "BASE"
	case IDR:
		return "IDR"
	}
	return fmt.Sprintf("0x%x", uint8(r))
}
