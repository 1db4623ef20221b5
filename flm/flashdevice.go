// Package flm loads Keil-style FLM flash loader modules: parsing the ELF
// container for its FlashDevice descriptor and algorithm code, and the
// companion PDSC XML for the RAM placement a loaded algorithm runs from.
package flm

import (
	"bytes"
	"encoding/binary"

	"github.com/juju/errors"

	"github.com/mongoose-os/dapflash/daperr"
)

const maxSectors = 512

// sectorEnd marks the end of FlashDevice.Sectors: both fields 0xFFFFFFFF.
const sectorEnd = 0xffffffff

// DeviceType is FlashDevice.DevType.
type DeviceType uint16

const (
	DevTypeUnknown DeviceType = 0
	DevTypeOnchip  DeviceType = 1
	DevTypeExt8Bit DeviceType = 2
	DevTypeExt16Bit DeviceType = 3
	DevTypeExt32Bit DeviceType = 4
	DevTypeExtSPI  DeviceType = 5
)

func (t DeviceType) String() string {
	names := [...]string{"UNKNOWN", "ONCHIP", "EXT8BIT", "EXT16BIT", "EXT32BIT", "EXTSPI"}
	if int(t) < len(names) {
		return names[t]
	}
	return "UNKNOWN"
}

// Sector is one entry of FlashDevice's sector map: every flash region from
// AddrSector to the start of the next entry (or DevAdr+szDev for the last)
// is erased/programmed in units of SzSector bytes.
type Sector struct {
	SzSector   uint32
	AddrSector uint32
}

// rawFlashDevice mirrors FlashOS.h's FlashDevice struct byte for byte,
// including the compiler padding a real ARM AAPCS build inserts before
// ToProg so it lands on a 4-byte boundary.
type rawFlashDevice struct {
	Vers     uint16
	DevName  [128]byte
	DevType  uint16
	DevAdr   uint32
	SzDev    uint32
	SzPage   uint32
	Reserved uint32
	ValEmpty uint8
	_        [3]byte
	ToProg   uint32
	ToErase  uint32
	Sectors  [maxSectors]struct {
		SzSector   uint32
		AddrSector uint32
	}
}

// FlashDevice is the decoded, symbol-free view of FlashOS.h's FlashDevice:
// target geometry (page size, sector map, erased-byte value) and the
// timeouts the invoker should apply to ProgramPage/EraseSector calls.
type FlashDevice struct {
	Vers     uint16
	Name     string
	Type     DeviceType
	Addr     uint32
	Size     uint32
	PageSize uint32
	Empty    byte
	ProgTimeoutMs  uint32
	EraseTimeoutMs uint32
	Sectors  []Sector
}

// SizeOfFlashDevice is the exact on-wire size of the FlashDevice struct the
// RO data segment must contain; used to validate the extracted segment is
// long enough before decoding.
const SizeOfFlashDevice = 2 + 128 + 2 + 4 + 4 + 4 + 4 + 1 + 3 + 4 + 4 + maxSectors*8

func decodeFlashDevice(data []byte) (*FlashDevice, error) {
	if len(data) < SizeOfFlashDevice {
		return nil, errors.Errorf("FlashDevice segment too short (want %d, got %d)", SizeOfFlashDevice, len(data))
	}
	var raw rawFlashDevice
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &raw); err != nil {
		return nil, errors.Annotatef(err, "failed to decode FlashDevice")
	}
	fd := &FlashDevice{
		Vers:           raw.Vers,
		Name:           string(bytes.TrimRight(raw.DevName[:], "\x00")),
		Type:           DeviceType(raw.DevType),
		Addr:           raw.DevAdr,
		Size:           raw.SzDev,
		PageSize:       raw.SzPage,
		Empty:          raw.ValEmpty,
		ProgTimeoutMs:  raw.ToProg,
		EraseTimeoutMs: raw.ToErase,
	}
	for _, s := range raw.Sectors {
		if s.SzSector == sectorEnd && s.AddrSector == sectorEnd {
			break
		}
		fd.Sectors = append(fd.Sectors, Sector{SzSector: s.SzSector, AddrSector: s.AddrSector})
	}
	return fd, nil
}

// SectorAt returns the sector covering addr, or an error if addr falls
// outside every declared sector (and thus outside the device, or in a gap
// the sector map doesn't describe).
func (fd *FlashDevice) SectorAt(addr uint32) (Sector, error) {
	var best *Sector
	for i := range fd.Sectors {
		s := &fd.Sectors[i]
		if s.AddrSector <= addr && (best == nil || s.AddrSector > best.AddrSector) {
			best = s
		}
	}
	if best == nil {
		return Sector{}, daperr.New(daperr.RangeOutOfDevice, nil, "address 0x%08x is before the first declared sector", addr)
	}
	if addr >= fd.Addr+fd.Size {
		return Sector{}, daperr.New(daperr.RangeOutOfDevice, nil, "address 0x%08x is outside device range [0x%08x, 0x%08x)", addr, fd.Addr, fd.Addr+fd.Size)
	}
	return *best, nil
}
