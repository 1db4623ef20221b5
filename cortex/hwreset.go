package cortex

import (
	"context"
	"time"

	"github.com/juju/errors"

	"github.com/mongoose-os/dapflash/dap"
)

// nRESET is bit 7 of DAP_SWJ_Pins' pin mask, the only pin CMSIS-DAP
// guarantees every probe implements.
const pinNReset uint8 = 1 << 7

// HardwareReset pulses the probe's nRESET line directly, for targets whose
// software reset path (AIRCR.SYSRESETREQ) doesn't bring the debug
// infrastructure back in a usable state. Unlike ResetHalt/ResetRun this
// doesn't touch any target registers - it drives the physical pin.
func HardwareReset(ctx context.Context, dapc dap.Client, assertFor time.Duration) error {
	if _, err := dapc.SWJPins(ctx, 0, pinNReset, uint32(assertFor.Microseconds())); err != nil {
		return errors.Annotatef(err, "failed to assert nRESET")
	}
	if _, err := dapc.SWJPins(ctx, pinNReset, pinNReset, 0); err != nil {
		return errors.Annotatef(err, "failed to release nRESET")
	}
	return nil
}
