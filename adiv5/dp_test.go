package adiv5

import (
	"context"
	"testing"

	"github.com/mongoose-os/dapflash/dap"
)

func TestInitAndHealth(t *testing.T) {
	nc := dap.NewNullClient()
	dp := NewDP(nc)
	ctx := context.Background()

	if err := dp.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := dp.CheckHealth(ctx); err != nil {
		t.Fatalf("CheckHealth: %v", err)
	}
}

func TestGetIDR(t *testing.T) {
	nc := dap.NewNullClient()
	nc.DPIDR = 0x2ba01477
	dp := NewDP(nc)

	idr, err := dp.GetIDR(context.Background())
	if err != nil {
		t.Fatalf("GetIDR: %v", err)
	}
	if idr.Designer() != 0x477 {
		t.Errorf("Designer() = 0x%x, want 0x477", idr.Designer())
	}
	if idr.Designer().String() != "ARM" {
		t.Errorf("Designer().String() = %q, want ARM", idr.Designer().String())
	}
}

func TestSetDbgPowerWithHandshake(t *testing.T) {
	nc := dap.NewNullClient()
	nc.RequirePowerUp = true
	dp := NewDP(nc)
	ctx := context.Background()

	if err := dp.WriteDPReg(ctx, DPSELECT, 0); err != nil {
		t.Fatalf("WriteDPReg(SELECT): %v", err)
	}
	if err := dp.SetDbgPower(ctx, true, true); err != nil {
		t.Fatalf("SetDbgPower: %v", err)
	}
	v, err := dp.ReadDPReg(ctx, DPCTRLSTAT)
	if err != nil {
		t.Fatalf("ReadDPReg: %v", err)
	}
	if v&ctrlStatCDBGPWRUPACK == 0 || v&ctrlStatCSYSPWRUPACK == 0 {
		t.Errorf("power-up acks not set, CTRL/STAT=0x%08x", v)
	}
}

func TestCheckHealthFailsOnStickyErr(t *testing.T) {
	nc := dap.NewNullClient()
	dp := NewDP(nc)
	ctx := context.Background()

	if err := dp.WriteDPReg(ctx, DPCTRLSTAT, ctrlStatStickyErr); err != nil {
		t.Fatalf("WriteDPReg: %v", err)
	}
	if err := dp.CheckHealth(ctx); err == nil {
		t.Fatalf("CheckHealth should fail when STICKYERR is set")
	}
}

func TestReadWriteAPRegRoundTrip(t *testing.T) {
	nc := dap.NewNullClient()
	dp := NewDP(nc)
	ctx := context.Background()

	if err := dp.WriteAPReg(ctx, 0, 0x00, 0x23000052); err != nil {
		t.Fatalf("WriteAPReg(CSW): %v", err)
	}
	v, err := dp.ReadAPReg(ctx, 0, 0x00)
	if err != nil {
		t.Fatalf("ReadAPReg(CSW): %v", err)
	}
	if v != 0x23000052 {
		t.Errorf("CSW = 0x%08x, want 0x23000052", v)
	}
}

func TestAPRegMultiChunking(t *testing.T) {
	nc := dap.NewNullClient() // GetTransferBlockMaxSize() == 15
	dp := NewDP(nc)
	ctx := context.Background()

	want := make([]uint32, 40)
	for i := range want {
		want[i] = uint32(i) * 7
	}
	// WriteAPRegMulti against DRW (0x0c) auto-increments TAR as a side
	// effect of NullClient's AP simulation, so seed TAR first.
	if err := dp.WriteAPReg(ctx, 0, 0x04, 0x20000000); err != nil {
		t.Fatalf("WriteAPReg(TAR): %v", err)
	}
	if err := dp.WriteAPRegMulti(ctx, 0, 0x0c, want); err != nil {
		t.Fatalf("WriteAPRegMulti: %v", err)
	}
	if err := dp.WriteAPReg(ctx, 0, 0x04, 0x20000000); err != nil {
		t.Fatalf("WriteAPReg(TAR) reset: %v", err)
	}
	got, err := dp.ReadAPRegMulti(ctx, 0, 0x0c, len(want))
	if err != nil {
		t.Fatalf("ReadAPRegMulti: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("len(got) = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("word %d = 0x%x, want 0x%x", i, got[i], want[i])
		}
	}
}
