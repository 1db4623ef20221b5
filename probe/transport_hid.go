// +build !no_libudev

package probe

import (
	"github.com/cesanta/hid"
	"github.com/golang/glog"
	"github.com/juju/errors"
)

// hidChannel frames commands as CMSIS-DAP HID reports: a leading report ID
// byte (always 0, CMSIS-DAP probes don't use numbered reports) followed by
// the command bytes, the whole thing fixed at the device's report size.
type hidChannel struct {
	d  hid.Device
	di *hid.DeviceInfo
	// reportSize is the fixed HID report length, 64 bytes for every probe;
	// it bounds every Write regardless of what DAP_Info negotiates.
	reportSize int
}

// OpenHID enumerates HID devices and opens the first one matching d's
// VendorID/ProductID (and Serial, if set).
func OpenHID(d Descriptor) (Channel, error) {
	devs, err := hid.Devices()
	if err != nil {
		return nil, errors.Annotatef(err, "failed to enumerate HID devices")
	}
	for i, di := range devs {
		glog.V(1).Infof("%d: %04x:%04x %s", i, di.VendorID, di.ProductID, di.Path)
		if di.VendorID != d.VendorID || di.ProductID != d.ProductID {
			continue
		}
		if d.Serial != "" && di.Serial != d.Serial {
			continue
		}
		dev, err := di.Open()
		if err != nil {
			return nil, errors.Annotatef(err, "failed to open device %04x:%04x (%s)", di.VendorID, di.ProductID, di.Path)
		}
		glog.Infof("Opened %04x:%04x (%s)", di.VendorID, di.ProductID, di.Path)
		return &hidChannel{d: dev, di: di, reportSize: 64}, nil
	}
	return nil, errors.NotFoundf("HID device %04x:%04x", d.VendorID, d.ProductID)
}

func (c *hidChannel) Write(p []byte) error {
	if len(p) > c.reportSize {
		return errors.Errorf("report too long (max %d, got %d)", c.reportSize, len(p))
	}
	// HID reports are fixed-size; CMSIS-DAP probes expect the unused tail
	// zero-padded rather than short.
	padded := make([]byte, c.reportSize)
	copy(padded, p)
	return c.d.Write(padded)
}

func (c *hidChannel) ReadCh() <-chan []byte { return c.d.ReadCh() }
func (c *hidChannel) ReadError() error      { return c.d.ReadError() }
func (c *hidChannel) MaxPacketSize() int    { return c.reportSize }
func (c *hidChannel) Close() error          { return c.d.Close() }
