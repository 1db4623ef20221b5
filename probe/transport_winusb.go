// +build !no_libudev

package probe

import (
	"github.com/golang/glog"
	"github.com/google/gousb"
	"github.com/juju/errors"
)

// winusbChannel frames commands as raw bulk-endpoint writes/reads: no
// report ID byte, no padding, the buffer goes out exactly as built.
type winusbChannel struct {
	ctx      *gousb.Context
	dev      *gousb.Device
	iface    *gousb.Interface
	epIn     *gousb.InEndpoint
	epOut    *gousb.OutEndpoint
	readCh   chan []byte
	readErr  error
	done     chan struct{}
	maxPkt   int
}

// OpenWinUSB opens a vendor-class USB device, claims d.Interface and its
// in/out bulk endpoints, and starts a background reader goroutine feeding
// ReadCh, the same shape as the cesanta/hid channel API.
func OpenWinUSB(d Descriptor) (Channel, error) {
	uctx := gousb.NewContext()
	dev, err := openUSBDevice(uctx, gousb.ID(d.VendorID), gousb.ID(d.ProductID), d.Serial)
	if err != nil {
		uctx.Close()
		return nil, errors.Trace(err)
	}
	cfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		uctx.Close()
		return nil, errors.Annotatef(err, "failed to select USB config")
	}
	iface, err := cfg.Interface(d.Interface, 0)
	if err != nil {
		cfg.Close()
		dev.Close()
		uctx.Close()
		return nil, errors.Annotatef(err, "failed to claim interface %d", d.Interface)
	}
	epIn, err := iface.InEndpoint(d.EndpointIn)
	if err != nil {
		iface.Close()
		cfg.Close()
		dev.Close()
		uctx.Close()
		return nil, errors.Annotatef(err, "failed to open IN endpoint %d", d.EndpointIn)
	}
	epOut, err := iface.OutEndpoint(d.EndpointOut)
	if err != nil {
		iface.Close()
		cfg.Close()
		dev.Close()
		uctx.Close()
		return nil, errors.Annotatef(err, "failed to open OUT endpoint %d", d.EndpointOut)
	}
	c := &winusbChannel{
		ctx: uctx, dev: dev, iface: iface, epIn: epIn, epOut: epOut,
		readCh: make(chan []byte), done: make(chan struct{}),
		maxPkt: epOut.Desc.MaxPacketSize,
	}
	go c.readLoop()
	return c, nil
}

func (c *winusbChannel) readLoop() {
	defer close(c.readCh)
	buf := make([]byte, c.epIn.Desc.MaxPacketSize)
	for {
		n, err := c.epIn.Read(buf)
		if err != nil {
			c.readErr = errors.Annotatef(err, "WinUSB read failed")
			return
		}
		if n == 0 {
			c.readErr = errors.Errorf("WinUSB read returned zero bytes")
			return
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		select {
		case c.readCh <- frame:
		case <-c.done:
			return
		}
	}
}

func (c *winusbChannel) Write(p []byte) error {
	glog.V(4).Infof("winusb write %d bytes", len(p))
	_, err := c.epOut.Write(p)
	return errors.Annotatef(err, "WinUSB write failed")
}

func (c *winusbChannel) ReadCh() <-chan []byte { return c.readCh }
func (c *winusbChannel) ReadError() error      { return c.readErr }
func (c *winusbChannel) MaxPacketSize() int    { return c.maxPkt }

func (c *winusbChannel) Close() error {
	close(c.done)
	c.iface.Close()
	c.dev.Close()
	c.ctx.Close()
	return nil
}

// openUSBDevice opens a USB device with the specified VID, PID and
// (optionally) serial number. If multiple devices match, one is returned.
func openUSBDevice(uctx *gousb.Context, vid, pid gousb.ID, serial string) (*gousb.Device, error) {
	devs, err := uctx.OpenDevices(func(dd *gousb.DeviceDesc) bool {
		result := dd.Vendor == vid && dd.Product == pid
		glog.V(1).Infof("Dev %+v", dd)
		return result
	})
	if err != nil && len(devs) == 0 {
		return nil, errors.Annotatef(err, "failed to enumerate USB devices")
	}
	var res *gousb.Device
	for _, dev := range devs {
		if res != nil {
			dev.Close()
			continue
		}
		sn, _ := dev.SerialNumber()
		glog.V(1).Infof("Dev %+v sn '%s'", dev, sn)
		if serial == "" || sn == serial {
			res = dev
		} else {
			dev.Close()
		}
	}
	if res == nil {
		sp := ""
		if serial != "" {
			sp = "/"
		}
		return nil, errors.Errorf("no device matching %s:%s%s%s found", vid, pid, sp, serial)
	}
	return res, nil
}
