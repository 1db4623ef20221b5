package flm

import "testing"

func TestResolveRAMBasePrefersAlgorithmOverride(t *testing.T) {
	pdsc := map[string]*Device{
		"STM32F407VG": {
			Name: "STM32F407VG",
			Memories: []MemoryRegion{
				{Name: "IRAM1", Start: 0x20000000, Size: 0x20000, Default: true},
			},
			Algorithms: []AlgorithmRef{
				{FileName: "STM32F4xx_OPT.FLM", HasRAM: true, RAMStart: 0x20004000},
			},
		},
	}
	opts := LoadOptions{DeviceName: "STM32F407VG", PDSC: pdsc}

	got := resolveRAMBase("STM32F4xx_OPT.FLM", opts)
	if got != 0x20004000 {
		t.Errorf("resolveRAMBase() = 0x%08x, want the algorithm's RAMstart override 0x20004000", got)
	}
}

func TestResolveRAMBaseFallsBackToDeviceRAM(t *testing.T) {
	pdsc := map[string]*Device{
		"STM32F407VG": {
			Name: "STM32F407VG",
			Memories: []MemoryRegion{
				{Name: "IRAM1", Start: 0x20000000, Size: 0x20000, Default: true},
			},
			Algorithms: []AlgorithmRef{
				{FileName: "STM32F4xx_1024.FLM"},
			},
		},
	}
	opts := LoadOptions{DeviceName: "STM32F407VG", PDSC: pdsc}

	got := resolveRAMBase("STM32F4xx_1024.FLM", opts)
	if got != 0x20000000 {
		t.Errorf("resolveRAMBase() = 0x%08x, want device RAMBase 0x20000000", got)
	}
}

func TestResolveRAMBaseNoPDSCOrDeviceName(t *testing.T) {
	if got := resolveRAMBase("whatever.FLM", LoadOptions{}); got != 0 {
		t.Errorf("resolveRAMBase() = 0x%08x, want 0 with no PDSC/DeviceName", got)
	}
}

func TestResolveRAMBaseUnknownDevice(t *testing.T) {
	opts := LoadOptions{DeviceName: "NoSuchDevice", PDSC: map[string]*Device{}}
	if got := resolveRAMBase("whatever.FLM", opts); got != 0 {
		t.Errorf("resolveRAMBase() = 0x%08x, want 0 for an unknown device", got)
	}
}
