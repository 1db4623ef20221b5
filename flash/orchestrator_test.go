package flash

import (
	"context"
	"testing"

	"github.com/mongoose-os/dapflash/adiv5"
	"github.com/mongoose-os/dapflash/cortex"
	"github.com/mongoose-os/dapflash/dap"
	"github.com/mongoose-os/dapflash/daperr"
	"github.com/mongoose-os/dapflash/flm"
)

const (
	testFlashBase = 0x08000000
	testFlashSize = 0x10000
	testPageSize  = 0x100
	testRAMBase   = 0x20000000
)

// newTestOrchestrator builds an Orchestrator over a NullClient-backed
// MemAP, with every algorithm entry point left at 0 so invoke() takes its
// early-return path: NullClient has no CPU model, so Debug.Invoke would
// poll DHCSR forever for the S_REGRDY bit while setting up its registers.
func newTestOrchestrator(t *testing.T, sectors []flm.Sector) (*Orchestrator, *dap.NullClient) {
	t.Helper()
	nc := dap.NewNullClient()
	dp := adiv5.NewDP(nc)
	m := adiv5.NewMemAP(dp, 0)
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("MemAP Init: %v", err)
	}
	debug := cortex.New(m)

	algo := &flm.Algo{
		Device: &flm.FlashDevice{
			Addr:     testFlashBase,
			Size:     testFlashSize,
			PageSize: testPageSize,
			Empty:    0xff,
			Sectors:  sectors,
		},
		AlgoStart:         testRAMBase,
		ProgramBuffer:     testRAMBase + 0x1000,
		ProgramBufferSize: testPageSize,
		StackPointer:      testRAMBase + 0x2000,
		BreakPoint:        testRAMBase | 1,
	}
	return New(debug, m, algo, DefaultPolicy), nc
}

func uniformSectors(n int, size uint32) []flm.Sector {
	secs := make([]flm.Sector, n)
	for i := range secs {
		secs[i] = flm.Sector{SzSector: size, AddrSector: testFlashBase + uint32(i)*size}
	}
	return secs
}

func TestEraseRangeWalksSectorsAndReportsProgress(t *testing.T) {
	o, _ := newTestOrchestrator(t, uniformSectors(4, 0x4000))
	var seen []uint32
	o.SetProgress(func(p Progress) {
		if p.Stage == StageErase {
			seen = append(seen, p.Address)
		}
	})

	if err := o.EraseRange(context.Background(), testFlashBase, 0x8000); err != nil {
		t.Fatalf("EraseRange: %v", err)
	}
	want := []uint32{testFlashBase, testFlashBase + 0x4000}
	if len(seen) != len(want) {
		t.Fatalf("erased %d sectors, want %d (%v)", len(seen), len(want), seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("sector %d erased at 0x%08x, want 0x%08x", i, seen[i], want[i])
		}
	}
}

func TestEraseRangeDetectsStalledSectorMap(t *testing.T) {
	o, _ := newTestOrchestrator(t, []flm.Sector{{SzSector: 0, AddrSector: testFlashBase}})
	if err := o.EraseRange(context.Background(), testFlashBase, 0x1000); err == nil {
		t.Fatalf("expected an error when the sector map never advances")
	}
}

func TestEraseRangeCancellation(t *testing.T) {
	o, _ := newTestOrchestrator(t, uniformSectors(4, 0x4000))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := o.EraseRange(ctx, testFlashBase, 0x8000); err == nil {
		t.Fatalf("expected an error on an already-cancelled context")
	}
}

func TestProgramSkipsPageAlreadyMatching(t *testing.T) {
	o, nc := newTestOrchestrator(t, uniformSectors(4, 0x4000))
	data := make([]byte, testPageSize)
	for i := range data {
		data[i] = byte(i)
	}
	// Pre-seed target flash with the exact bytes Program will want to
	// write, so the pre-flight XOR check short-circuits the page.
	words, err := bytesToWords(data, 0xff)
	if err != nil {
		t.Fatalf("bytesToWords: %v", err)
	}
	for i, w := range words {
		nc.SetMem(testFlashBase+uint32(i)*4, w)
	}
	// Poison the staging buffer so a would-be write is detectable.
	nc.SetMem(o.algo.ProgramBuffer, 0xdeadbeef)

	var progressed bool
	o.SetProgress(func(p Progress) {
		if p.Stage == StageProgram {
			progressed = true
		}
	})
	if err := o.Program(context.Background(), testFlashBase, data); err != nil {
		t.Fatalf("Program: %v", err)
	}
	if !progressed {
		t.Errorf("expected a program progress callback even for a skipped page")
	}
	if nc.Mem(o.algo.ProgramBuffer) != 0xdeadbeef {
		t.Errorf("staging buffer was written even though the page already matched")
	}
}

func TestProgramStagesMismatchedPage(t *testing.T) {
	o, nc := newTestOrchestrator(t, uniformSectors(4, 0x4000))
	data := make([]byte, testPageSize)
	for i := range data {
		data[i] = byte(0xA0 + i%16)
	}
	// Target flash starts out erased (all 0xff), which won't match data.
	for i := uint32(0); i < testPageSize; i += 4 {
		nc.SetMem(testFlashBase+i, 0xffffffff)
	}

	if err := o.Program(context.Background(), testFlashBase, data); err != nil {
		t.Fatalf("Program: %v", err)
	}
	got, err := o.mem.ReadTargetMem(context.Background(), o.algo.ProgramBuffer, wordCount(len(data)))
	if err != nil {
		t.Fatalf("ReadTargetMem: %v", err)
	}
	if bytesToWordsMismatch(t, got, data) {
		t.Errorf("staged buffer does not match the page data")
	}
}

func bytesToWordsMismatch(t *testing.T, words []uint32, data []byte) bool {
	t.Helper()
	have := wordsToBytes(words)[:len(data)]
	for i := range data {
		if have[i] != data[i] {
			return true
		}
	}
	return false
}

func TestVerifySuccessAndMismatch(t *testing.T) {
	o, nc := newTestOrchestrator(t, uniformSectors(1, testFlashSize))
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	words, err := bytesToWords(data, 0xff)
	if err != nil {
		t.Fatalf("bytesToWords: %v", err)
	}
	for i, w := range words {
		nc.SetMem(testFlashBase+uint32(i)*4, w)
	}

	if err := o.Verify(context.Background(), testFlashBase, data); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	nc.SetMem(testFlashBase, 0x000000ff) // corrupt the first word
	err = o.Verify(context.Background(), testFlashBase, data)
	if err == nil {
		t.Fatalf("expected a verify mismatch")
	}
}

func TestFlashSucceedsWhenImageAlreadyPresent(t *testing.T) {
	o, nc := newTestOrchestrator(t, uniformSectors(1, testFlashSize))
	data := make([]byte, testPageSize)
	for i := range data {
		data[i] = byte(i)
	}
	words, err := bytesToWords(data, 0xff)
	if err != nil {
		t.Fatalf("bytesToWords: %v", err)
	}
	for i, w := range words {
		nc.SetMem(testFlashBase+uint32(i)*4, w)
	}

	if err := o.Flash(context.Background(), testFlashBase, data); err != nil {
		t.Fatalf("Flash: %v", err)
	}
}

func TestFlashPropagatesEraseRangeFailure(t *testing.T) {
	o, _ := newTestOrchestrator(t, []flm.Sector{{SzSector: 0, AddrSector: testFlashBase}})
	data := make([]byte, testPageSize)
	if err := o.Flash(context.Background(), testFlashBase, data); err == nil {
		t.Fatalf("expected Flash to propagate an EraseRange failure")
	}
}

func TestProgramRejectsRangeOutsideDevice(t *testing.T) {
	o, _ := newTestOrchestrator(t, uniformSectors(1, testFlashSize))
	data := make([]byte, testPageSize)
	err := o.Program(context.Background(), testFlashBase+testFlashSize, data)
	if err == nil {
		t.Fatalf("expected Program to reject a range past the end of the device")
	}
	if daperr.CodeOf(err) != daperr.RangeOutOfDevice {
		t.Errorf("CodeOf(err) = %v, want RangeOutOfDevice", daperr.CodeOf(err))
	}
}

func TestFlashPreEraseNoneRequiresBlankRange(t *testing.T) {
	o, nc := newTestOrchestrator(t, uniformSectors(1, testFlashSize))
	o.policy.PreErase = PreEraseNone
	// The erased pattern: with every entry point at 0 nothing is really
	// programmed, so Flash passes its readback verify only when the image
	// already matches the blank range.
	data := make([]byte, testPageSize)
	for i := range data {
		data[i] = 0xff
	}
	// NullClient memory reads back 0 until written, which is not blank;
	// the first word is set to 0 explicitly to trigger the blank check.
	nc.SetMem(testFlashBase, 0)
	if err := o.Flash(context.Background(), testFlashBase, data); err == nil {
		t.Fatalf("expected Flash to fail the pre-erase=none blank range check")
	}

	for i := uint32(0); i < testPageSize; i += 4 {
		nc.SetMem(testFlashBase+i, 0xffffffff)
	}
	if err := o.Flash(context.Background(), testFlashBase, data); err != nil {
		t.Fatalf("Flash with a genuinely blank range: %v", err)
	}
}

func TestFlashPreEraseChipCallsEraseChipNotEraseRange(t *testing.T) {
	o, _ := newTestOrchestrator(t, uniformSectors(1, testFlashSize))
	o.policy.PreErase = PreEraseChip
	o.algo.EraseChip = 0 // no entry point; EraseChip() must fail if called
	data := make([]byte, testPageSize)
	if err := o.Flash(context.Background(), testFlashBase, data); err == nil {
		t.Fatalf("expected Flash to fail when EraseChip has no entry point and policy asks for it")
	}
}

func TestFlashPostProgramResetRun(t *testing.T) {
	o, _ := newTestOrchestrator(t, uniformSectors(1, testFlashSize))
	o.policy.PostProgram = PostProgramResetRun
	data := make([]byte, testPageSize)
	// debug.ResetRun on a NullClient-backed MemAP always succeeds, so this
	// just confirms Flash doesn't error when asked to reset-and-run.
	if err := o.Flash(context.Background(), testFlashBase, data); err != nil {
		t.Fatalf("Flash with PostProgramResetRun: %v", err)
	}
}

func TestLoadAlgoWritesBlobToAlgoStart(t *testing.T) {
	o, nc := newTestOrchestrator(t, uniformSectors(1, testFlashSize))
	o.algo.Blob = []byte{1, 2, 3, 4, 5, 6, 7, 8}

	if err := o.LoadAlgo(context.Background()); err != nil {
		t.Fatalf("LoadAlgo: %v", err)
	}
	if nc.Mem(testRAMBase) != 0x04030201 {
		t.Errorf("word 0 at AlgoStart = 0x%08x, want 0x04030201", nc.Mem(testRAMBase))
	}
	if nc.Mem(testRAMBase+4) != 0x08070605 {
		t.Errorf("word 1 at AlgoStart = 0x%08x, want 0x08070605", nc.Mem(testRAMBase+4))
	}
}
