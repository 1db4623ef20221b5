package flm

import (
	"os"

	"github.com/golang/glog"
	"github.com/juju/errors"
)

// LoadOptions controls how an FLM's RAM placement is resolved.
type LoadOptions struct {
	// DeviceName, if set, is looked up in PDSC (when provided) to resolve
	// the algorithm's RAM base and to select the matching <algorithm>
	// entry's RAMstart/RAMsize override.
	DeviceName string
	// PDSC, if non-nil, supplies the device/algorithm/memory metadata used
	// to resolve RAM placement when RAMBase is left zero.
	PDSC map[string]*Device
	// RAMBase, when non-zero, overrides any PDSC-derived placement.
	RAMBase uint32
}

// Load parses the FLM at path and resolves its RAM placement per opts,
// returning a fully relocated Algo ready to be written into target memory.
func Load(path string, opts LoadOptions) (*Algo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to open FLM")
	}
	defer f.Close()

	ramBase := opts.RAMBase
	if ramBase == 0 {
		ramBase = resolveRAMBase(path, opts)
	}
	if ramBase == 0 {
		return nil, errors.Errorf("could not resolve a RAM base address for %s; pass LoadOptions.RAMBase explicitly", path)
	}
	glog.V(1).Infof("loading FLM %s at RAM base 0x%08x", path, ramBase)

	a, err := LoadELF(f, ramBase)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to load %s", path)
	}
	return a, nil
}

func resolveRAMBase(flmPath string, opts LoadOptions) uint32 {
	if opts.PDSC == nil || opts.DeviceName == "" {
		return 0
	}
	dev, ok := opts.PDSC[opts.DeviceName]
	if !ok {
		for _, d := range opts.PDSC {
			if d.Name == opts.DeviceName {
				dev = d
				ok = true
				break
			}
		}
	}
	if !ok {
		return 0
	}
	if ref, ok := dev.AlgorithmFor(flmPath); ok && ref.HasRAM && ref.RAMStart != 0 {
		return ref.RAMStart
	}
	if base, ok := dev.RAMBase(); ok {
		return base
	}
	return 0
}
