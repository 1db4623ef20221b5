// Package probe discovers and opens CMSIS-DAP debug probes over USB, either
// as a HID device or as a vendor-specific (WinUSB) bulk interface, and
// exposes both behind a single framed Channel.
package probe

import "fmt"

// Kind selects which USB class a probe's DAP interface is exposed as.
type Kind int

const (
	// KindHID is a USB HID device; framing follows CMSIS-DAP's HID report
	// convention (fixed-size reports, report ID 0, zero-padded).
	KindHID Kind = iota
	// KindWinUSB is a vendor-specific (bulk) interface; frames are written
	// and read verbatim, with no report ID and no padding.
	KindWinUSB
)

func (k Kind) String() string {
	if k == KindWinUSB {
		return "WinUSB"
	}
	return "HID"
}

// Descriptor identifies one probe to open: a VID/PID pair, optionally
// narrowed by serial number, and (for WinUSB probes) the interface and
// endpoint numbers to claim.
type Descriptor struct {
	Kind Kind

	VendorID  uint16
	ProductID uint16
	Serial    string // empty matches any serial

	// Interface/EndpointIn/EndpointOut are only used for KindWinUSB; HID
	// probes are addressed purely by VID/PID/serial, as CMSIS-DAP's HID
	// report protocol doesn't distinguish interfaces.
	Interface   int
	EndpointIn  int
	EndpointOut int
}

func (d Descriptor) String() string {
	sp := ""
	if d.Serial != "" {
		sp = "/" + d.Serial
	}
	return fmt.Sprintf("%s %04x:%04x%s", d.Kind, d.VendorID, d.ProductID, sp)
}
