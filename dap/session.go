package dap

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/dapflash/probe"
)

// Session is a Client backed by a live probe.Channel: it owns nothing
// about the transport beyond writing command frames and reading replies
// off it.
type Session struct {
	ch            probe.Channel
	maxPacketSize int
}

// NewSession wraps ch and negotiates the probe's maximum packet size via
// DAP_Info(0xff) before returning.
func NewSession(ctx context.Context, ch probe.Channel) (*Session, error) {
	s := &Session{ch: ch, maxPacketSize: 64}
	payload, err := s.GetInfo(ctx, 0xff)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to negotiate packet size")
	}
	resp := newResponse(payload)
	resp.u8() // report length of the info value, unused here
	if mps := resp.u16(); mps > 0 {
		s.maxPacketSize = int(mps)
	}
	glog.V(2).Infof("max packet size: %d", s.maxPacketSize)
	return s, nil
}

// packetSize returns the smaller of the probe's negotiated max packet
// size and whatever ceiling the transport itself imposes.
func (s *Session) packetSize() int {
	if cs := s.ch.MaxPacketSize(); cs > 0 && cs < s.maxPacketSize {
		return cs
	}
	return s.maxPacketSize
}

// roundTrip writes req and blocks for the probe's reply, stripping the
// echoed command byte every CMSIS-DAP response is prefixed with.
func (s *Session) roundTrip(ctx context.Context, req *wireRequest) ([]byte, error) {
	glog.V(4).Infof(" -> %s", hex.EncodeToString(req.buf[1:]))
	if len(req.buf) > s.packetSize() {
		return nil, errors.Errorf("request too long for packet size %d: %d bytes", s.packetSize(), len(req.buf))
	}
	if err := s.ch.Write(req.buf); err != nil {
		return nil, errors.Annotatef(err, "probe write failed")
	}
	select {
	case <-ctx.Done():
		return nil, errors.Annotatef(ctx.Err(), "DAP round trip")
	case reply, ok := <-s.ch.ReadCh():
		if !ok {
			return nil, errors.Annotatef(s.ch.ReadError(), "probe read failed")
		}
		glog.V(4).Infof(" <- %s", hex.EncodeToString(reply))
		if len(reply) == 0 || reply[0] != req.cmd() {
			return nil, errors.Errorf("reply to wrong command (sent 0x%02x, got %v)", req.cmd(), reply)
		}
		return reply[1:], nil
	}
}

// ack round-trips req and checks the single-byte status every
// fire-and-forget command but Connect replies with.
func (s *Session) ack(ctx context.Context, req *wireRequest) error {
	payload, err := s.roundTrip(ctx, req)
	if err != nil {
		return errors.Trace(err)
	}
	if len(payload) == 0 {
		return errors.Errorf("command 0x%02x: empty response", req.cmd())
	}
	if payload[0] != 0 {
		return errors.Errorf("command 0x%02x: device error 0x%02x", req.cmd(), payload[0])
	}
	return nil
}

func (s *Session) GetInfo(ctx context.Context, info uint8) ([]byte, error) {
	glog.V(3).Infof("GetInfo(0x%02x)", info)
	payload, err := s.roundTrip(ctx, newRequest(cmdInfo).u8(info))
	return payload, errors.Annotatef(err, "DAP_Info(0x%02x)", info)
}

func (s *Session) infoString(ctx context.Context, info uint8) (string, error) {
	payload, err := s.GetInfo(ctx, info)
	if err != nil {
		return "", errors.Trace(err)
	}
	resp := newResponse(payload)
	n := resp.u8()
	str := string(resp.take(int(n)))
	if resp.short() {
		return "", errors.Errorf("DAP_Info(0x%02x) response too short", info)
	}
	return str, nil
}

func (s *Session) GetVendorID(ctx context.Context) (string, error)        { return s.infoString(ctx, 1) }
func (s *Session) GetProductID(ctx context.Context) (string, error)       { return s.infoString(ctx, 2) }
func (s *Session) GetSerialNumber(ctx context.Context) (string, error)    { return s.infoString(ctx, 3) }
func (s *Session) GetFirmwareVersion(ctx context.Context) (string, error) { return s.infoString(ctx, 4) }
func (s *Session) GetTargetVendor(ctx context.Context) (string, error)    { return s.infoString(ctx, 5) }
func (s *Session) GetTargetName(ctx context.Context) (string, error)      { return s.infoString(ctx, 6) }

func (s *Session) SetHostStatus(ctx context.Context, st StatusType, value bool) error {
	var v uint8
	if value {
		v = 1
	}
	req := newRequest(cmdSetHostStatus).u8(uint8(st)).u8(v)
	return errors.Trace(s.ack(ctx, req))
}

func (s *Session) Connect(ctx context.Context, mode ConnectMode) error {
	glog.V(3).Infof("Connect(%d)", mode)
	payload, err := s.roundTrip(ctx, newRequest(cmdConnect).u8(uint8(mode)))
	if err != nil {
		return errors.Trace(err)
	}
	if len(payload) == 0 || payload[0] == 0 {
		return errors.Errorf("Connect(%d) failed", mode)
	}
	return nil
}

func (s *Session) Disconnect(ctx context.Context) error {
	return errors.Trace(s.ack(ctx, newRequest(cmdDisconnect)))
}

func (s *Session) TransferConfigure(ctx context.Context, idleCycles uint8, waitRetry, matchRetry uint16) error {
	glog.V(3).Infof("TransferConfigure(%d, %d, %d)", idleCycles, waitRetry, matchRetry)
	req := newRequest(cmdTransferConfigure).u8(idleCycles).u16(waitRetry).u16(matchRetry)
	return errors.Trace(s.ack(ctx, req))
}

// encodeTransferRequest appends one DAP_Transfer request element to req
// and reports whether the probe will echo a data word back for it: only
// plain reads do, ReadMatch only ever returns pass/fail via the ack byte.
func encodeTransferRequest(req *wireRequest, tr TransferRequest) (returnsWord bool, err error) {
	if tr.Reg&3 != 0 {
		return false, errors.Errorf("register offset 0x%x is not a multiple of 4", tr.Reg)
	}
	treq := tr.Reg & 0xc
	if tr.AP {
		treq |= 1 << 0
	}
	switch tr.Op {
	case OpRead:
		req.u8(treq | 1<<1)
		return true, nil
	case OpReadMatch:
		req.u8(treq | 1<<1 | 1<<4).u32(tr.Mask)
		return false, nil
	case OpWrite:
		req.u8(treq).u32(tr.Data)
		return false, nil
	case OpWriteMatch:
		req.u8(treq | 1<<5).u32(tr.Data)
		return false, nil
	}
	return false, errors.Errorf("unknown transfer op %d", tr.Op)
}

func (s *Session) doTransfer(ctx context.Context, dapIndex uint8, reqs []TransferRequest) (TransferStatus, []uint32, error) {
	req := newRequest(cmdTransfer).u8(dapIndex).u8(uint8(len(reqs)))
	expect := 0
	for _, tr := range reqs {
		ret, err := encodeTransferRequest(req, tr)
		if err != nil {
			return 0, nil, errors.Trace(err)
		}
		if ret {
			expect++
		}
	}
	payload, err := s.roundTrip(ctx, req)
	if err != nil {
		return 0, nil, errors.Trace(err)
	}
	resp := newResponse(payload)
	done := resp.u8()
	st := TransferStatus(resp.u8())
	if resp.short() {
		return st, nil, errors.Errorf("DAP_Transfer response too short")
	}
	if !st.Ok() {
		return st, nil, errors.Errorf("DAP_Transfer failed after %d/%d (status 0x%02x)", done, len(reqs), st)
	}
	if int(done) != len(reqs) {
		return st, nil, errors.Errorf("DAP_Transfer completed %d/%d requests", done, len(reqs))
	}
	data := make([]uint32, expect)
	for i := range data {
		data[i] = resp.u32()
	}
	if resp.short() {
		return st, nil, errors.Errorf("DAP_Transfer response too short")
	}
	return st, data, nil
}

// Transfer retries once when the probe replies WAIT, since a real AP
// occasionally needs a second try to catch up on a slow clock; a WAIT
// that survives the retry is surfaced to the caller, whose layer decides
// whether it's worth a DAP_WriteABORT.
func (s *Session) Transfer(ctx context.Context, dapIndex uint8, reqs []TransferRequest) (TransferStatus, []uint32, error) {
	st, data, err := s.doTransfer(ctx, dapIndex, reqs)
	if err == nil || st != TransferStatusWait {
		return st, data, err
	}
	return s.doTransfer(ctx, dapIndex, reqs)
}

func (s *Session) TransferAbort(ctx context.Context) error {
	return s.ch.Write(newRequest(cmdTransferAbort).buf)
}

func (s *Session) WriteAbort(ctx context.Context, dapIndex uint8, value uint32) error {
	req := newRequest(cmdWriteAbort).u8(dapIndex).u32(value)
	return errors.Trace(s.ack(ctx, req))
}

// GetTransferBlockMaxSize returns the largest word count DAP_TransferBlock
// can move in one packet: the request header costs 6 bytes (report id,
// command, dapIndex, u16 count, request byte), the rest is 4-byte words.
func (s *Session) GetTransferBlockMaxSize() int {
	return (s.packetSize() - 6) / 4
}

func (s *Session) TransferBlockRead(ctx context.Context, dapIndex uint8, ap bool, reg uint8, length int) ([]uint32, error) {
	glog.V(3).Infof("TransferBlockRead(%d, %t, 0x%x, %d)", dapIndex, ap, reg, length)
	if reg&3 != 0 {
		return nil, errors.Errorf("register offset 0x%x is not a multiple of 4", reg)
	}
	if max := s.GetTransferBlockMaxSize(); length > max {
		return nil, errors.Errorf("block of %d words exceeds max size %d", length, max)
	}
	treq := uint8(reg&0xc) | 1<<1
	if ap {
		treq |= 1 << 0
	}
	req := newRequest(cmdTransferBlock).u8(dapIndex).u16(uint16(length)).u8(treq)
	payload, err := s.roundTrip(ctx, req)
	if err != nil {
		return nil, errors.Trace(err)
	}
	resp := newResponse(payload)
	done := resp.u16()
	st := TransferStatus(resp.u8())
	if resp.short() {
		return nil, errors.Errorf("DAP_TransferBlock response too short")
	}
	if !st.Ok() {
		return nil, errors.Errorf("DAP_TransferBlock failed after %d/%d (status 0x%02x)", done, length, st)
	}
	if int(done) != length {
		return nil, errors.Errorf("DAP_TransferBlock completed %d/%d words", done, length)
	}
	words := make([]uint32, length)
	for i := range words {
		words[i] = resp.u32()
	}
	if resp.short() {
		return nil, errors.Errorf("DAP_TransferBlock response too short")
	}
	return words, nil
}

func (s *Session) TransferBlockWrite(ctx context.Context, dapIndex uint8, ap bool, reg uint8, data []uint32) error {
	glog.V(3).Infof("TransferBlockWrite(%d, %t, 0x%x, %d)", dapIndex, ap, reg, len(data))
	if reg&3 != 0 {
		return errors.Errorf("register offset 0x%x is not a multiple of 4", reg)
	}
	treq := uint8(reg & 0xc)
	if ap {
		treq |= 1 << 0
	}
	req := newRequest(cmdTransferBlock).u8(dapIndex).u16(uint16(len(data))).u8(treq)
	for _, v := range data {
		req.u32(v)
	}
	payload, err := s.roundTrip(ctx, req)
	if err != nil {
		return errors.Trace(err)
	}
	resp := newResponse(payload)
	done := resp.u16()
	st := TransferStatus(resp.u8())
	if resp.short() {
		return errors.Errorf("DAP_TransferBlock response too short")
	}
	if !st.Ok() {
		return errors.Errorf("DAP_TransferBlock failed after %d/%d (status 0x%02x)", done, len(data), st)
	}
	if int(done) != len(data) {
		return errors.Errorf("DAP_TransferBlock completed %d/%d words", done, len(data))
	}
	return nil
}

func (s *Session) Delay(ctx context.Context, delay time.Duration) error {
	us := delay.Nanoseconds() / 1000
	if us < 0 || us > 0xffff {
		return errors.Errorf("delay %s out of range for a uint16 microsecond count", delay)
	}
	glog.V(3).Infof("Delay(%dus)", us)
	return errors.Trace(s.ack(ctx, newRequest(cmdDelay).u16(uint16(us))))
}

func (s *Session) ResetTarget(ctx context.Context) error {
	return errors.Trace(s.ack(ctx, newRequest(cmdResetTarget)))
}

func (s *Session) SWJPins(ctx context.Context, pinOutput, pinSelect uint8, waitUs uint32) (uint8, error) {
	req := newRequest(cmdSWJPins).u8(pinOutput).u8(pinSelect).u32(waitUs)
	payload, err := s.roundTrip(ctx, req)
	if err != nil {
		return 0, errors.Trace(err)
	}
	if len(payload) == 0 {
		return 0, errors.Errorf("DAP_SWJ_Pins response is empty")
	}
	return payload[0], nil
}

func (s *Session) SWJClock(ctx context.Context, clockHz uint32) error {
	glog.V(3).Infof("SWJClock(%d)", clockHz)
	return errors.Trace(s.ack(ctx, newRequest(cmdSWJClock).u32(clockHz)))
}

func (s *Session) SWJSequence(ctx context.Context, numBits int, data []uint8) error {
	glog.V(3).Infof("SWJSequence(%d bits)", numBits)
	if numBits < 1 || numBits > 256 {
		return errors.Errorf("sequence length must be 1-256 bits, got %d", numBits)
	}
	req := newRequest(cmdSWJSequence).u8(uint8(numBits)).raw(data)
	return errors.Trace(s.ack(ctx, req))
}

func (s *Session) SWDConfigure(ctx context.Context, config uint8) error {
	glog.V(3).Infof("SWDConfigure(0x%02x)", config)
	return errors.Trace(s.ack(ctx, newRequest(cmdSWDConfigure).u8(config)))
}

func (s *Session) Close(ctx context.Context) error {
	if s.ch == nil {
		return nil
	}
	return s.ch.Close()
}

var _ Client = (*Session)(nil)
