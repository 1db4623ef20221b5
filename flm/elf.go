package flm

import (
	"debug/elf"
	"io"
	"io/ioutil"

	"github.com/juju/errors"
)

// haltShim is 32 bytes of Thumb code appended ahead of every algorithm
// blob: after Init/EraseSector/ProgramPage/etc return, execution lands
// here via BreakPoint and the core hits a "bkpt" that halts it, giving
// Invoke a stable place to detect completion.
var haltShim = [8]uint32{
	0xE00ABE00, 0x062D780D, 0x24084068, 0xD3000040,
	0x1E644058, 0x1C49D1FA, 0x2A001E52, 0x4770D1F2,
}

const haltShimSize = 32

var requiredSymbols = []string{"Init", "UnInit", "EraseChip", "EraseSector", "ProgramPage", "FlashDevice"}

// Algo is everything a flash algorithm needs to run: the code blob ready
// to be written into target RAM at AlgoStart, the FlashDevice geometry it
// targets, and the function/stack/buffer addresses Invoke needs, all
// already relocated to the RAM base the algorithm will execute from.
type Algo struct {
	Device *FlashDevice

	AlgoStart uint32
	AlgoSize  uint32
	Blob      []byte

	Init        uint32
	UnInit      uint32
	EraseChip   uint32
	EraseSector uint32
	ProgramPage uint32

	StaticBase        uint32
	ProgramBuffer     uint32
	ProgramBufferSize uint32
	BreakPoint        uint32
	StackPointer      uint32
}

// LoadELF parses a Keil FLM (an ELF relocatable/executable image) and
// relocates its algorithm code and entry points to ramBase. ramBase is
// typically picked via a PDSC's <memory> RAM region (see ParsePDSC) or the
// algorithm's own RAMstart/RAMsize attributes.
func LoadELF(r io.ReaderAt, ramBase uint32) (*Algo, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, errors.Annotatef(err, "not a valid ELF file")
	}
	defer f.Close()

	symbols, err := f.Symbols()
	if err != nil {
		return nil, errors.Annotatef(err, "failed to read ELF symbol table")
	}
	byName := make(map[string]elf.Symbol, len(symbols))
	for _, s := range symbols {
		byName[s.Name] = s
	}
	var missing []string
	for _, name := range requiredSymbols {
		if _, ok := byName[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, errors.Errorf("FLM is missing required symbol(s): %v", missing)
	}

	fdSym := byName["FlashDevice"]
	fdData, err := readSegmentData(f, uint32(fdSym.Value), SizeOfFlashDevice)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to locate FlashDevice segment")
	}
	device, err := decodeFlashDevice(fdData)
	if err != nil {
		return nil, errors.Trace(err)
	}

	blob, algoSize, staticBase, err := algoCodeAndData(f)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to extract algorithm code")
	}

	const headerSize = haltShimSize
	a := &Algo{
		Device:    device,
		AlgoStart: ramBase,
		AlgoSize:  algoSize,
		Blob:      blob,

		Init:        uint32(byName["Init"].Value) + ramBase + headerSize,
		UnInit:      uint32(byName["UnInit"].Value) + ramBase + headerSize,
		EraseChip:   uint32(byName["EraseChip"].Value) + ramBase + headerSize,
		EraseSector: uint32(byName["EraseSector"].Value) + ramBase + headerSize,
		ProgramPage: uint32(byName["ProgramPage"].Value) + ramBase + headerSize,
		StaticBase:  staticBase + ramBase + headerSize,
	}
	a.ProgramBuffer = ramBase + headerSize + align4(algoSize)
	a.ProgramBufferSize = device.PageSize
	a.BreakPoint = ramBase | 1
	a.StackPointer = a.ProgramBuffer + a.ProgramBufferSize + 0x400
	return a, nil
}

func align4(n uint32) uint32 {
	if n%4 != 0 {
		n += 4 - n%4
	}
	return n
}

// algoCodeAndData locates the PrgCode(PROGBITS)/PrgData(PROGBITS)/PrgData(NOBITS)
// triple an FLM's linker script always produces, validates they're
// contiguous starting at address 0, and prepends the halt shim to the
// combined RO+RW bytes (the NOBITS/ZI tail is left zeroed by RAM reservation
// alone, since it holds no file content).
func algoCodeAndData(f *elf.File) ([]byte, uint32, uint32, error) {
	var ro, rw, zi *elf.Section
	for _, s := range f.Sections {
		switch {
		case s.Name == "PrgCode" && s.Type == elf.SHT_PROGBITS:
			if ro != nil {
				return nil, 0, 0, errors.Errorf("duplicate PrgCode section")
			}
			ro = s
		case s.Name == "PrgData" && s.Type == elf.SHT_PROGBITS:
			if rw != nil {
				return nil, 0, 0, errors.Errorf("duplicate PrgData (PROGBITS) section")
			}
			rw = s
		case s.Name == "PrgData" && s.Type == elf.SHT_NOBITS:
			if zi != nil {
				return nil, 0, 0, errors.Errorf("duplicate PrgData (NOBITS) section")
			}
			zi = s
		}
	}
	if ro == nil {
		return nil, 0, 0, errors.Errorf("PrgCode section is missing")
	}
	if rw == nil {
		return nil, 0, 0, errors.Errorf("PrgData (PROGBITS) section is missing")
	}
	if zi == nil {
		zi = &elf.Section{SectionHeader: elf.SectionHeader{Addr: rw.Addr + rw.Size, Size: 0}}
	}
	if ro.Addr != 0 {
		return nil, 0, 0, errors.Errorf("PrgCode does not start at address 0")
	}
	if ro.Addr+ro.Size != rw.Addr {
		return nil, 0, 0, errors.Errorf("PrgData does not immediately follow PrgCode")
	}
	if rw.Addr+rw.Size != zi.Addr {
		return nil, 0, 0, errors.Errorf("PrgData (NOBITS) does not immediately follow PrgData")
	}

	readSize := ro.Size + rw.Size
	algoSize := align4(uint32(ro.Size + rw.Size + zi.Size))
	staticBase := uint32(ro.Size)

	roData, err := ro.Data()
	if err != nil {
		return nil, 0, 0, errors.Annotatef(err, "failed to read PrgCode")
	}
	rwData, err := rw.Data()
	if err != nil {
		return nil, 0, 0, errors.Annotatef(err, "failed to read PrgData")
	}
	if uint64(len(roData))+uint64(len(rwData)) < readSize {
		return nil, 0, 0, errors.Errorf("algorithm code segment truncated")
	}

	blob := make([]byte, haltShimSize+int(algoSize))
	for i, w := range haltShim {
		putLE32(blob[i*4:], w)
	}
	copy(blob[haltShimSize:], roData)
	copy(blob[haltShimSize+len(roData):], rwData)
	return blob, algoSize, staticBase, nil
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// readSegmentData returns size bytes starting at addr from whichever
// PT_LOAD program header contains that range; FLM images place FlashDevice
// in a read-only data segment outside the PrgCode/PrgData sections used
// for the algorithm code itself.
func readSegmentData(f *elf.File, addr uint32, size int) ([]byte, error) {
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if p.Flags&elf.PF_R == 0 {
			continue
		}
		lo := uint32(p.Paddr)
		hi := lo + uint32(p.Filesz)
		if uint64(addr) >= uint64(lo) && uint64(addr)+uint64(size) <= uint64(hi) {
			data, err := ioutil.ReadAll(io.NewSectionReader(p, 0, int64(p.Filesz)))
			if err != nil {
				return nil, errors.Annotatef(err, "failed to read segment")
			}
			offset := addr - lo
			if uint64(offset)+uint64(size) > uint64(len(data)) {
				return nil, errors.Errorf("segment shorter than expected")
			}
			return data[offset : offset+uint32(size)], nil
		}
	}
	return nil, errors.Errorf("no PT_LOAD segment contains address 0x%08x size %d", addr, size)
}
