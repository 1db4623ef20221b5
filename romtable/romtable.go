// Package romtable walks the CoreSight ROM table a Cortex-M debug port
// exposes at its MEM-AP's BASE register, resolving the fixed set of
// component addresses the rest of the driver needs (SCS in particular).
package romtable

import (
	"context"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/dapflash/adiv5"
)

// DefaultBase is the fixed address of the Cortex-M debug ROM table on
// every implementation that follows ARM's recommended memory map; it's
// usable directly when a target's MEM-AP BASE register reads back 0 or
// all-ones (legacy APs that don't implement BASE).
const DefaultBase uint32 = 0xe00ff000

// Slot names the six well-known ROM table entries CoreSight defines for a
// Cortex-M debug infrastructure.
type Slot int

const (
	SlotSCS Slot = iota
	SlotDWT
	SlotFPB
	SlotITM
	SlotTPIU
	SlotETM
	numSlots
)

func (s Slot) String() string {
	return [...]string{"SCS", "DWT", "FPB", "ITM", "TPIU", "ETM"}[s]
}

// Table is the resolved absolute address of each present ROM table slot;
// an entry is 0 if the corresponding component isn't implemented.
type Table struct {
	Base      uint32
	Addresses [numSlots]uint32
}

// Walk reads the MEM-AP's BASE register, then the six 32-bit entries that
// follow it. Each entry's bit 0 is the present flag; the component's
// absolute address is the entry (bits 31:2, word aligned) plus Base. An
// all-zero entry terminates the walk early, same as a real ROM table.
func Walk(ctx context.Context, m *adiv5.MemAP) (*Table, error) {
	base, err := m.ReadReg(ctx, adiv5.BASE)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to read ROM table BASE")
	}
	if base == 0 || base == 0xffffffff {
		glog.V(1).Infof("MEM-AP BASE unimplemented, falling back to 0x%08x", DefaultBase)
		base = DefaultBase
	}
	t := &Table{Base: base}
	for i := 0; i < int(numSlots); i++ {
		entry, err := m.ReadTargetReg(ctx, base+uint32(i*4))
		if err != nil {
			return nil, errors.Annotatef(err, "failed to read ROM table entry %d", i)
		}
		if entry == 0 {
			break
		}
		if entry&1 == 0 {
			continue // not present
		}
		addr := (entry &^ 3) + base
		glog.V(2).Infof("ROM table: %s @ 0x%08x", Slot(i), addr)
		t.Addresses[i] = addr
	}
	return t, nil
}

// SCS returns the System Control Space base address, which is always
// present on a Cortex-M and is the address romtable.Walk callers almost
// always want.
func (t *Table) SCS() uint32 { return t.Addresses[SlotSCS] }
