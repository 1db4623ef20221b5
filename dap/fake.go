package dap

import (
	"context"
	"time"

	"github.com/juju/errors"
)

// NullClient is an in-memory Client used by package tests in place of real
// probe hardware. It simulates just enough of a DP + single AHB-AP to
// exercise the adiv5, romtable and cortex packages end to end: DPIDR,
// the CTRL/STAT power-up handshake, SELECT bank switching, and a flat
// little-endian memory behind CSW/TAR/DRW with the 1KiB auto-increment
// wrap a real AHB-AP implements.
type NullClient struct {
	DPIDR uint32

	dpRegs  map[uint8]uint32
	apRegs  map[uint32]uint32 // key: apSel<<16 | apBank<<8 | reg
	selBank map[uint8]uint8   // apSel -> last selected bank, for AP reg addressing
	mem     map[uint32]uint32 // word-addressed target memory, key = addr/4

	// RequirePowerUp, if true, requires CDBGPWRUPREQ/CSYSPWRUPREQ to be
	// written before the corresponding ACK bits read back set; mirrors a
	// real DP's power-up handshake instead of always reporting powered.
	RequirePowerUp bool

	connected bool
}

// NewNullClient returns a NullClient with a minimal default DPIDR and an
// empty target memory (reads of unset addresses return 0).
func NewNullClient() *NullClient {
	return &NullClient{
		DPIDR:   0x2ba01477, // ARM, DPv1, MINDP unset
		dpRegs:  map[uint8]uint32{},
		apRegs:  map[uint32]uint32{},
		selBank: map[uint8]uint8{},
		mem:     map[uint32]uint32{},
	}
}

// SetMem seeds the simulated target memory at addr (must be word-aligned).
func (n *NullClient) SetMem(addr uint32, value uint32) { n.mem[addr/4] = value }

// Mem reads back the simulated target memory at addr.
func (n *NullClient) Mem(addr uint32) uint32 { return n.mem[addr/4] }

func (n *NullClient) apKey(apSel, apBank, reg uint8) uint32 {
	return uint32(apSel)<<16 | uint32(apBank)<<8 | uint32(reg)
}

func (n *NullClient) GetInfo(ctx context.Context, info uint8) ([]byte, error) {
	if info == 0xff {
		return []byte{2, 64, 0}, nil // report len, mps=64
	}
	return []byte{0}, nil
}
func (n *NullClient) GetVendorID(ctx context.Context) (string, error)        { return "fake", nil }
func (n *NullClient) GetProductID(ctx context.Context) (string, error)      { return "fake", nil }
func (n *NullClient) GetSerialNumber(ctx context.Context) (string, error)    { return "0", nil }
func (n *NullClient) GetFirmwareVersion(ctx context.Context) (string, error) { return "0.0", nil }
func (n *NullClient) GetTargetVendor(ctx context.Context) (string, error)    { return "", nil }
func (n *NullClient) GetTargetName(ctx context.Context) (string, error)      { return "", nil }

func (n *NullClient) SetHostStatus(ctx context.Context, st StatusType, value bool) error { return nil }

func (n *NullClient) Connect(ctx context.Context, mode ConnectMode) error {
	n.connected = true
	return nil
}

func (n *NullClient) Disconnect(ctx context.Context) error {
	n.connected = false
	return nil
}

func (n *NullClient) TransferConfigure(ctx context.Context, idleCycles uint8, waitRetry, matchRetry uint16) error {
	return nil
}

func (n *NullClient) Transfer(ctx context.Context, dapIndex uint8, reqs []TransferRequest) (TransferStatus, []uint32, error) {
	var data []uint32
	for _, req := range reqs {
		if req.Reg&3 != 0 {
			return 0, nil, errors.Errorf("invalid reg 0x%x", req.Reg)
		}
		if req.AP {
			apSel := uint8(0) // NullClient only simulates a single AP (AP 0)
			apBank := n.selBank[apSel]
			key := n.apKey(apSel, apBank, req.Reg)
			switch req.Op {
			case OpRead:
				data = append(data, n.readAPSim(apSel, apBank, req.Reg, key))
			case OpWrite:
				n.writeAPSim(apSel, apBank, req.Reg, req.Data)
			}
			continue
		}
		switch req.Reg {
		case 0x00: // DPIDR
			if req.Op == OpRead {
				data = append(data, n.DPIDR)
			}
		case 0x04: // CTRL/STAT
			if req.Op == OpRead {
				data = append(data, n.dpRegs[0x04]|0x40) // READOK: every simulated transfer succeeds
			} else {
				v := req.Data
				if n.RequirePowerUp {
					if v&0x10000000 != 0 {
						v |= 0x20000000
					}
					if v&0x40000000 != 0 {
						v |= 0x80000000
					}
				} else {
					v |= 0xa0000000
				}
				n.dpRegs[0x04] = v
			}
		case 0x08: // SELECT
			if req.Op == OpRead {
				data = append(data, n.dpRegs[0x08])
			} else {
				n.dpRegs[0x08] = req.Data
				n.selBank[uint8(req.Data>>24)] = uint8((req.Data >> 4) & 0xf)
			}
		}
	}
	return TransferStatus(AckOK), data, nil
}

// readAPSim/writeAPSim implement a single AHB-AP: CSW, TAR, DRW (with
// auto-increment within a 1KiB window), keyed by apKey for the rest.
func (n *NullClient) readAPSim(apSel, apBank, reg uint8, key uint32) uint32 {
	switch reg {
	case 0x0c: // DRW
		tar := n.apRegs[n.apKey(apSel, 0, 0x04)]
		v := n.mem[tar/4]
		n.apRegs[n.apKey(apSel, 0, 0x04)] = tar&^0x3ff | (tar+4)&0x3ff
		return v
	default:
		if reg == 0x00 { // CSW default: device enabled
			if v, ok := n.apRegs[key]; ok {
				return v
			}
			return 0x40
		}
		return n.apRegs[key]
	}
}

func (n *NullClient) writeAPSim(apSel, apBank, reg uint8, value uint32) {
	switch reg {
	case 0x0c: // DRW
		tar := n.apRegs[n.apKey(apSel, 0, 0x04)]
		n.mem[tar/4] = value
		n.apRegs[n.apKey(apSel, 0, 0x04)] = tar&^0x3ff | (tar+4)&0x3ff
	default:
		n.apRegs[n.apKey(apSel, apBank, reg)] = value
	}
}

func (n *NullClient) TransferAbort(ctx context.Context) error { return nil }
func (n *NullClient) WriteAbort(ctx context.Context, dapIndex uint8, value uint32) error {
	return nil
}

func (n *NullClient) GetTransferBlockMaxSize() int { return 15 }

func (n *NullClient) TransferBlockRead(ctx context.Context, dapIndex uint8, ap bool, reg uint8, length int) ([]uint32, error) {
	res := make([]uint32, 0, length)
	for i := 0; i < length; i++ {
		_, data, err := n.Transfer(ctx, dapIndex, []TransferRequest{{Op: OpRead, AP: ap, Reg: reg}})
		if err != nil {
			return nil, err
		}
		res = append(res, data[0])
	}
	return res, nil
}

func (n *NullClient) TransferBlockWrite(ctx context.Context, dapIndex uint8, ap bool, reg uint8, data []uint32) error {
	for _, v := range data {
		if _, _, err := n.Transfer(ctx, dapIndex, []TransferRequest{{Op: OpWrite, AP: ap, Reg: reg, Data: v}}); err != nil {
			return err
		}
	}
	return nil
}

func (n *NullClient) Delay(ctx context.Context, delay time.Duration) error { return nil }
func (n *NullClient) ResetTarget(ctx context.Context) error                { return nil }
func (n *NullClient) SWJPins(ctx context.Context, pinOutput, pinSelect uint8, waitUs uint32) (uint8, error) {
	return pinOutput, nil
}
func (n *NullClient) SWJClock(ctx context.Context, clockHz uint32) error        { return nil }
func (n *NullClient) SWJSequence(ctx context.Context, numBits int, data []uint8) error { return nil }
func (n *NullClient) SWDConfigure(ctx context.Context, config uint8) error      { return nil }
func (n *NullClient) Close(ctx context.Context) error                          { return nil }

var _ Client = (*NullClient)(nil)
