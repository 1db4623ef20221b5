package swd

import (
	"context"
	"testing"

	"github.com/mongoose-os/dapflash/dap"
)

// recordingClient wraps a NullClient and records every SWJSequence call, so
// sequence-construction logic can be checked without a real probe.
type recordingClient struct {
	*dap.NullClient
	calls []seqCall
}

type seqCall struct {
	numBits int
	data    []byte
}

func newRecordingClient() *recordingClient {
	return &recordingClient{NullClient: dap.NewNullClient()}
}

func (r *recordingClient) SWJSequence(ctx context.Context, numBits int, data []byte) error {
	cp := append([]byte(nil), data...)
	r.calls = append(r.calls, seqCall{numBits: numBits, data: cp})
	return nil
}

func TestLineResetDrivesAtLeast50OnesCycles(t *testing.T) {
	c := newRecordingClient()
	if err := LineReset(context.Background(), c); err != nil {
		t.Fatalf("LineReset: %v", err)
	}
	if len(c.calls) != 1 {
		t.Fatalf("expected 1 SWJSequence call, got %d", len(c.calls))
	}
	if c.calls[0].numBits < 50 {
		t.Errorf("numBits = %d, want >= 50", c.calls[0].numBits)
	}
	for _, b := range c.calls[0].data {
		if b != 0xff {
			t.Errorf("LineReset data byte = 0x%02x, want 0xff", b)
		}
	}
}

func TestJTAGToSWDSequenceShape(t *testing.T) {
	c := newRecordingClient()
	if err := JTAGToSWD(context.Background(), c); err != nil {
		t.Fatalf("JTAGToSWD: %v", err)
	}
	// line reset, 16-bit switch code, line reset, idle.
	if len(c.calls) != 4 {
		t.Fatalf("expected 4 SWJSequence calls, got %d", len(c.calls))
	}
	switchCall := c.calls[1]
	if switchCall.numBits != 16 {
		t.Errorf("switch code numBits = %d, want 16", switchCall.numBits)
	}
	if switchCall.data[0] != 0x9e || switchCall.data[1] != 0xe7 {
		t.Errorf("switch code bytes = %x, want e79e little-endian", switchCall.data)
	}
}

func TestDormantFallbackSequenceShape(t *testing.T) {
	c := newRecordingClient()
	if err := SWDToDormant(context.Background(), c); err != nil {
		t.Fatalf("SWDToDormant: %v", err)
	}
	if err := JTAGToDormant(context.Background(), c); err != nil {
		t.Fatalf("JTAGToDormant: %v", err)
	}
	if err := DormantToSWD(context.Background(), c); err != nil {
		t.Fatalf("DormantToSWD: %v", err)
	}
	// SWDToDormant: line reset + switch code (2)
	// JTAGToDormant: TMS-high + 32-bit code (2)
	// DormantToSWD: idle + alert(128 bit) + low cycles + activation (4)
	if len(c.calls) != 8 {
		t.Fatalf("expected 8 SWJSequence calls total, got %d", len(c.calls))
	}
	alertCall := c.calls[5]
	if alertCall.numBits != 128 || len(alertCall.data) != 16 {
		t.Errorf("selection alert call = %+v, want 128 bits / 16 bytes", alertCall)
	}
	activationCall := c.calls[7]
	if len(activationCall.data) != 1 || activationCall.data[0] != activationCodeSWD {
		t.Errorf("activation call = %+v, want a single 0xa1 byte", activationCall)
	}
}

func TestConnectWithFallbackSkipsDormantWhenCheapPathWorks(t *testing.T) {
	c := newRecordingClient()
	calls := 0
	check := func(ctx context.Context) (bool, error) {
		calls++
		return true, nil
	}
	if err := ConnectWithFallback(context.Background(), c, check); err != nil {
		t.Fatalf("ConnectWithFallback: %v", err)
	}
	if calls != 1 {
		t.Errorf("checkConnected called %d times, want 1 (no dormant fallback)", calls)
	}
	// JTAGToSWD alone issues 4 SWJSequence calls; the dormant path would add more.
	if len(c.calls) != 4 {
		t.Errorf("expected only the JTAGToSWD sequence (4 calls), got %d", len(c.calls))
	}
}

func TestConnectWithFallbackFallsBackToDormant(t *testing.T) {
	c := newRecordingClient()
	calls := 0
	check := func(ctx context.Context) (bool, error) {
		calls++
		return calls > 1, nil
	}
	if err := ConnectWithFallback(context.Background(), c, check); err != nil {
		t.Fatalf("ConnectWithFallback: %v", err)
	}
	if calls != 2 {
		t.Errorf("checkConnected called %d times, want 2 (cheap path failed, fallback succeeded)", calls)
	}
	if len(c.calls) <= 4 {
		t.Errorf("expected the dormant fallback to issue additional sequences, got %d calls total", len(c.calls))
	}
}

func TestConnectWithFallbackFailsWhenDormantAlsoFails(t *testing.T) {
	c := newRecordingClient()
	check := func(ctx context.Context) (bool, error) { return false, nil }
	if err := ConnectWithFallback(context.Background(), c, check); err == nil {
		t.Fatalf("expected an error when neither path brings up SWD")
	}
}
