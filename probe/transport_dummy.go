// +build no_libudev

package probe

import "github.com/juju/errors"

// Builds tagged no_libudev (e.g. cross-compiling without cgo/libudev
// available) can't talk to real USB devices; OpenHID/OpenWinUSB report
// that plainly instead of failing to link.

func OpenHID(d Descriptor) (Channel, error) {
	return nil, errors.Errorf("HID probes are not supported in this build")
}

func OpenWinUSB(d Descriptor) (Channel, error) {
	return nil, errors.Errorf("WinUSB probes are not supported in this build")
}
