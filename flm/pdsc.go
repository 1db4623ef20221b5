package flm

import (
	"encoding/xml"
	"io"
	"strings"

	"github.com/juju/errors"
)

// MemoryRegion is one <memory> entry under a PDSC <device>.
type MemoryRegion struct {
	Name    string
	Start   uint32
	Size    uint32
	Read    bool
	Write   bool
	Execute bool
	Default bool
}

// AlgorithmRef is one <algorithm> entry: the FLM file this device uses and,
// when the pack overrides it, the RAM region to load it into.
type AlgorithmRef struct {
	FileName string
	Start    uint32
	Size     uint32
	Default  bool
	RAMStart uint32
	RAMSize  uint32
	HasRAM   bool
}

// Device is a <device> element's relevant fields: its memory map and the
// flash algorithms declared for it.
type Device struct {
	Name       string
	Vendor     string
	Family     string
	SubFamily  string
	Memories   []MemoryRegion
	Algorithms []AlgorithmRef
}

type pdscXML struct {
	XMLName xml.Name `xml:"package"`
	Vendor  string   `xml:"vendor"`
	Name    string   `xml:"name"`
	Families []pdscFamily `xml:"devices>family"`
}

type pdscFamily struct {
	Dfamily    string        `xml:"Dfamily,attr"`
	Dvendor    string        `xml:"Dvendor,attr"`
	SubFamily  []pdscSubFamily `xml:"subFamily"`
	Device     []pdscDevice  `xml:"device"`
}

type pdscSubFamily struct {
	DsubFamily string       `xml:"DsubFamily,attr"`
	Device     []pdscDevice `xml:"device"`
}

type pdscDevice struct {
	Dname     string        `xml:"Dname,attr"`
	Memory    []pdscMemory  `xml:"memory"`
	Algorithm []pdscAlgorithm `xml:"algorithm"`
}

type pdscMemory struct {
	Name   string `xml:"name,attr"`
	ID     string `xml:"id,attr"`
	Access string `xml:"access,attr"`
	Start  string `xml:"start,attr"`
	Size   string `xml:"size,attr"`
	Default string `xml:"default,attr"`
}

type pdscAlgorithm struct {
	Name     string `xml:"name,attr"`
	Start    string `xml:"start,attr"`
	Size     string `xml:"size,attr"`
	Default  string `xml:"default,attr"`
	RAMStart string `xml:"RAMstart,attr"`
	RAMSize  string `xml:"RAMsize,attr"`
}

// ParsePDSC reads a CMSIS-Pack PDSC descriptor and returns every device it
// declares, keyed by device name.
func ParsePDSC(r io.Reader) (map[string]*Device, error) {
	var doc pdscXML
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, errors.Annotatef(err, "failed to parse PDSC XML")
	}
	out := make(map[string]*Device)
	for _, fam := range doc.Families {
		addDevices(out, fam.Device, fam.Dvendor, fam.Dfamily, "")
		for _, sub := range fam.SubFamily {
			addDevices(out, sub.Device, fam.Dvendor, fam.Dfamily, sub.DsubFamily)
		}
	}
	return out, nil
}

func addDevices(out map[string]*Device, devs []pdscDevice, vendor, family, subFamily string) {
	for _, pd := range devs {
		if pd.Dname == "" {
			continue
		}
		d := &Device{Name: pd.Dname, Vendor: vendor, Family: family, SubFamily: subFamily}
		for _, m := range pd.Memory {
			name := m.Name
			if name == "" {
				name = m.ID
			}
			if name == "" {
				continue
			}
			access := m.Access
			if access == "" {
				access = "rwx"
			}
			d.Memories = append(d.Memories, MemoryRegion{
				Name:    name,
				Start:   parseHexOrDec(m.Start),
				Size:    parseHexOrDec(m.Size),
				Read:    strings.Contains(access, "r"),
				Write:   strings.Contains(access, "w"),
				Execute: strings.Contains(access, "x"),
				Default: m.Default == "1",
			})
		}
		for _, a := range pd.Algorithm {
			ref := AlgorithmRef{
				FileName: a.Name,
				Start:    parseHexOrDec(a.Start),
				Size:     parseHexOrDec(a.Size),
				Default:  a.Default == "1",
			}
			if a.RAMStart != "" {
				ref.RAMStart = parseHexOrDec(a.RAMStart)
				ref.HasRAM = true
			}
			if a.RAMSize != "" {
				ref.RAMSize = parseHexOrDec(a.RAMSize)
			}
			d.Algorithms = append(d.Algorithms, ref)
		}
		out[d.Name] = d
	}
}

func parseHexOrDec(s string) uint32 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
		base = 16
	} else if strings.HasPrefix(s, "0") && len(s) > 1 {
		s = s[1:]
		base = 8
	}
	var v uint64
	for _, c := range s {
		var digit uint64
		switch {
		case c >= '0' && c <= '9':
			digit = uint64(c - '0')
		case c >= 'a' && c <= 'f':
			digit = uint64(c-'a') + 10
		case c >= 'A' && c <= 'F':
			digit = uint64(c-'A') + 10
		default:
			return uint32(v)
		}
		if int(digit) >= base {
			return uint32(v)
		}
		v = v*uint64(base) + digit
	}
	return uint32(v)
}

// RAMBase picks the RAM region an algorithm should be loaded into: a region
// named "RAM" (or containing "ram") whose start address falls in SRAM space
// (bit 0x20000000 set, per the Cortex-M memory map), preferring the
// device's marked default region.
func (d *Device) RAMBase() (uint32, bool) {
	var fallback *MemoryRegion
	for i := range d.Memories {
		m := &d.Memories[i]
		if !strings.Contains(strings.ToLower(m.Name), "ram") {
			continue
		}
		if m.Start&0x20000000 == 0 {
			continue
		}
		if m.Default {
			return m.Start, true
		}
		if fallback == nil {
			fallback = m
		}
	}
	if fallback != nil {
		return fallback.Start, true
	}
	return 0, false
}

// AlgorithmFor finds the algorithm entry for flmFileName (matched on base
// name, since PDSC paths are pack-relative and the caller usually only has
// the bare .flm file).
func (d *Device) AlgorithmFor(flmFileName string) (*AlgorithmRef, bool) {
	for i := range d.Algorithms {
		if baseName(d.Algorithms[i].FileName) == baseName(flmFileName) {
			return &d.Algorithms[i], true
		}
	}
	return nil, false
}

func baseName(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}
	return p
}
