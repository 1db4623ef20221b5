// Package dap implements the CMSIS-DAP command codec: encoding commands
// and decoding responses on the wire format a probe's firmware speaks,
// independent of whether the probe is reached over HID or WinUSB.
package dap

import (
	"context"
	"time"
)

// Client is the full set of CMSIS-DAP commands this driver needs. A
// *Session implements it against a real probe.Channel; NullClient
// implements it in memory for tests.
type Client interface {
	// GetInfo returns the raw DAP_Info response payload (length byte
	// followed by info-specific data) for the given sub-ID.
	GetInfo(ctx context.Context, info uint8) ([]byte, error)
	GetVendorID(ctx context.Context) (string, error)
	GetProductID(ctx context.Context) (string, error)
	GetSerialNumber(ctx context.Context) (string, error)
	GetFirmwareVersion(ctx context.Context) (string, error)
	GetTargetVendor(ctx context.Context) (string, error)
	GetTargetName(ctx context.Context) (string, error)

	SetHostStatus(ctx context.Context, st StatusType, value bool) error
	Connect(ctx context.Context, mode ConnectMode) error
	Disconnect(ctx context.Context) error
	TransferConfigure(ctx context.Context, idleCycles uint8, waitRetry uint16, matchRetry uint16) error
	Transfer(ctx context.Context, dapIndex uint8, reqs []TransferRequest) (TransferStatus, []uint32, error)
	TransferAbort(ctx context.Context) error
	WriteAbort(ctx context.Context, dapIndex uint8, value uint32) error
	GetTransferBlockMaxSize() int
	TransferBlockRead(ctx context.Context, dapIndex uint8, ap bool, reg uint8, length int) ([]uint32, error)
	TransferBlockWrite(ctx context.Context, dapIndex uint8, ap bool, reg uint8, data []uint32) error
	Delay(ctx context.Context, delay time.Duration) error
	ResetTarget(ctx context.Context) error
	SWJPins(ctx context.Context, pinOutput, pinSelect uint8, waitUs uint32) (uint8, error)
	SWJClock(ctx context.Context, clockHz uint32) error
	SWJSequence(ctx context.Context, numBits int, data []uint8) error
	SWDConfigure(ctx context.Context, config uint8) error

	Close(ctx context.Context) error
}

// StatusType selects which host-status LED DAP_HostStatus toggles.
type StatusType uint8

const (
	StatusConnected StatusType = 0x00
	StatusRunning   StatusType = 0x01
)

// ConnectMode selects which wire protocol DAP_Connect should bring up.
type ConnectMode uint8

const (
	ConnectModeAuto ConnectMode = 0x00
	ConnectModeSWD  ConnectMode = 0x01
	ConnectModeJTAG ConnectMode = 0x02
)

// TransferOp is the access kind encoded in a DAP_Transfer request byte.
type TransferOp uint8

const (
	OpRead       TransferOp = 0
	OpReadMatch  TransferOp = 1
	OpWrite      TransferOp = 2
	OpWriteMatch TransferOp = 3
)

// TransferRequest is one element of a DAP_Transfer batch: a DP or AP
// register access, optionally masked (ReadMatch/WriteMatch).
type TransferRequest struct {
	Op   TransferOp
	AP   bool
	Reg  uint8 // register offset, must be a multiple of 4
	Data uint32
	Mask uint32 // only consulted for OpReadMatch
}

// TransferStatus is DAP_Transfer's ack byte: the low 3 bits are the SWD
// ack value, bit 3 is a protocol error, bit 4 is a value mismatch.
type TransferStatus uint8

const (
	AckOK      uint8 = 1
	AckWait    uint8 = 2
	AckFault   uint8 = 4
	AckNoAck   uint8 = 7 // no ack from the target: all three ack bits read back high
	TransferStatusWait TransferStatus = TransferStatus(AckWait)
)

func (ts TransferStatus) Ok() bool {
	return ts.AckValue() == AckOK && !ts.SWDError() && !ts.ValueMismatch()
}

func (ts TransferStatus) AckValue() uint8 { return uint8(ts & 7) }
func (ts TransferStatus) SWDError() bool  { return ts&8 != 0 }
func (ts TransferStatus) ValueMismatch() bool { return ts&0x10 != 0 }
