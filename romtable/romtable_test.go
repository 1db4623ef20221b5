package romtable

import (
	"context"
	"testing"

	"github.com/mongoose-os/dapflash/adiv5"
	"github.com/mongoose-os/dapflash/dap"
)

func TestWalkFallsBackToDefaultBase(t *testing.T) {
	nc := dap.NewNullClient()
	dp := adiv5.NewDP(nc)
	m := adiv5.NewMemAP(dp, 0)
	ctx := context.Background()

	nc.SetMem(DefaultBase+0, 0xfff0f003) // SCS at -0xf1000 from the table, present
	nc.SetMem(DefaultBase+4, 0)          // all-zero entry terminates the walk here

	table, err := Walk(ctx, m)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if table.Base != DefaultBase {
		t.Errorf("Base = 0x%08x, want 0x%08x (fallback)", table.Base, DefaultBase)
	}
	if table.SCS() != 0xe000e000 {
		t.Errorf("SCS() = 0x%08x, want 0xe000e000", table.SCS())
	}
	if table.Addresses[SlotDWT] != 0 {
		t.Errorf("DWT should be absent, got 0x%08x", table.Addresses[SlotDWT])
	}
}

func TestSlotString(t *testing.T) {
	if SlotSCS.String() != "SCS" {
		t.Errorf("SlotSCS.String() = %q, want SCS", SlotSCS.String())
	}
}
