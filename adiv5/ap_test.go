package adiv5

import (
	"context"
	"testing"

	"github.com/mongoose-os/dapflash/dap"
)

func TestMemAPInit(t *testing.T) {
	nc := dap.NewNullClient()
	dp := NewDP(nc)
	m := NewMemAP(dp, 0)
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
}

func TestMemAPReadWriteRoundTrip(t *testing.T) {
	nc := dap.NewNullClient()
	dp := NewDP(nc)
	m := NewMemAP(dp, 0)
	ctx := context.Background()

	if err := m.WriteTargetReg(ctx, 0x20000000, 0xdeadbeef); err != nil {
		t.Fatalf("WriteTargetReg: %v", err)
	}
	v, err := m.ReadTargetReg(ctx, 0x20000000)
	if err != nil {
		t.Fatalf("ReadTargetReg: %v", err)
	}
	if v != 0xdeadbeef {
		t.Errorf("got 0x%08x, want 0xdeadbeef", v)
	}
}

func TestMemAPBulkCrossesAutoIncrementBoundary(t *testing.T) {
	nc := dap.NewNullClient()
	dp := NewDP(nc)
	m := NewMemAP(dp, 0)
	ctx := context.Background()

	// 1KiB = 256 words; start 16 words before the boundary so the
	// transfer straddles it and exercises wordsToWindowEnd's wrap math.
	const base = 0x20000000 + 0x400 - 16*4
	data := make([]uint32, 64)
	for i := range data {
		data[i] = 0x1000 + uint32(i)
	}
	if err := m.WriteTargetMem(ctx, base, data); err != nil {
		t.Fatalf("WriteTargetMem: %v", err)
	}
	got, err := m.ReadTargetMem(ctx, base, len(data))
	if err != nil {
		t.Fatalf("ReadTargetMem: %v", err)
	}
	for i := range data {
		if got[i] != data[i] {
			t.Errorf("word %d = 0x%x, want 0x%x", i, got[i], data[i])
		}
	}
}

func TestMemAPUnalignedAddressRejected(t *testing.T) {
	nc := dap.NewNullClient()
	dp := NewDP(nc)
	m := NewMemAP(dp, 0)
	ctx := context.Background()

	if err := m.WriteTargetMem(ctx, 0x20000001, []uint32{1}); err == nil {
		t.Fatalf("expected an error writing to an unaligned address")
	}
}
