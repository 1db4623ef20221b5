// Package flash drives a Keil FLM algorithm loaded into target RAM through
// its Init/EraseChip/EraseSector/ProgramPage/UnInit entry points to erase,
// program and verify on-chip flash.
package flash

import (
	"bytes"
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/dapflash/cortex"
	"github.com/mongoose-os/dapflash/daperr"
	"github.com/mongoose-os/dapflash/flm"
	"github.com/mongoose-os/dapflash/internal/ourutil"
)

// Keil FLM function codes, passed to Init/UnInit to say which operation is
// about to run.
const (
	funcErase   uint32 = 1
	funcProgram uint32 = 2
)

// MemTarget is the raw target-memory access an Orchestrator needs: single
// registers for the algorithm invoker, bulk word transfers for loading the
// algorithm and moving program data.
type MemTarget interface {
	cortex.MemAccess
	ReadTargetMem(ctx context.Context, addr uint32, length int) ([]uint32, error)
	WriteTargetMem(ctx context.Context, addr uint32, data []uint32) error
}

// Orchestrator sequences a flash algorithm's entry points to erase, program
// and verify a range of target flash, under a caller-supplied Policy.
type Orchestrator struct {
	debug    *cortex.Debug
	mem      MemTarget
	algo     *flm.Algo
	policy   Policy
	progress ProgressFunc
}

// New binds an Orchestrator to a halted core (debug), its memory access
// (mem), an already-loaded-and-relocated algorithm (algo), and the policy
// that governs Flash's erase/verify/post-program behavior.
func New(debug *cortex.Debug, mem MemTarget, algo *flm.Algo, policy Policy) *Orchestrator {
	return &Orchestrator{debug: debug, mem: mem, algo: algo, policy: policy, progress: noopProgress}
}

// SetProgress installs a callback for per-page/per-sector progress
// updates; the default is a no-op.
func (o *Orchestrator) SetProgress(fn ProgressFunc) {
	if fn == nil {
		fn = noopProgress
	}
	o.progress = fn
}

// LoadAlgo writes the algorithm's code+data blob into target RAM at
// AlgoStart. It must be called once before Init/EraseChip/EraseSector/
// Program/UnInit.
func (o *Orchestrator) LoadAlgo(ctx context.Context) error {
	glog.V(1).Infof("loading algorithm (%d bytes) at 0x%08x", len(o.algo.Blob), o.algo.AlgoStart)
	words, err := bytesToWords(o.algo.Blob, o.algo.Device.Empty)
	if err != nil {
		return errors.Trace(err)
	}
	if err := o.mem.WriteTargetMem(ctx, o.algo.AlgoStart, words); err != nil {
		return daperr.New(daperr.BadFlm, err, "failed to load algorithm into target RAM")
	}
	return nil
}

func (o *Orchestrator) invoke(ctx context.Context, funcAddr, r0, r1, r2, r3 uint32, timeout time.Duration) error {
	if funcAddr == 0 {
		return nil
	}
	rc, err := o.debug.Invoke(ctx, cortex.InvocationFrame{
		R0: r0, R1: r1, R2: r2, R3: r3,
		SP:      o.algo.StackPointer,
		PC:      funcAddr | 1,
		LR:      o.algo.BreakPoint,
		Timeout: timeout,
	})
	if err != nil {
		return errors.Trace(err)
	}
	if rc != 0 {
		return daperr.New(daperr.AlgorithmFailed, nil, "algorithm at 0x%08x returned %d", funcAddr, rc)
	}
	return nil
}

// Init calls the algorithm's Init entry point, preparing it for a sequence
// of operations of the given function kind (erase or program).
func (o *Orchestrator) Init(ctx context.Context, fnc uint32) error {
	return errors.Trace(o.invoke(ctx, o.algo.Init, o.algo.Device.Addr, 0, fnc, 0, 0))
}

// UnInit calls the algorithm's UnInit entry point, the counterpart to Init
// for the same function kind.
func (o *Orchestrator) UnInit(ctx context.Context, fnc uint32) error {
	return errors.Trace(o.invoke(ctx, o.algo.UnInit, fnc, 0, 0, 0, 0))
}

func toMs(ms uint32) time.Duration {
	if ms == 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// EraseChip erases the whole device via the algorithm's EraseChip entry
// point; not every FLM implements it.
func (o *Orchestrator) EraseChip(ctx context.Context) error {
	if o.algo.EraseChip == 0 {
		return daperr.New(daperr.BadFlm, nil, "algorithm has no EraseChip entry point")
	}
	ourutil.Reportf("Erasing chip...")
	return errors.Trace(o.invoke(ctx, o.algo.EraseChip, 0, 0, 0, 0, toMs(o.algo.Device.EraseTimeoutMs)))
}

// EraseRange erases every sector that overlaps [addr, addr+length).
func (o *Orchestrator) EraseRange(ctx context.Context, addr uint32, length uint32) error {
	end := addr + length
	for cur := addr; cur < end; {
		sec, err := o.algo.Device.SectorAt(cur)
		if err != nil {
			return errors.Trace(err)
		}
		select {
		case <-ctx.Done():
			return daperr.New(daperr.Cancelled, ctx.Err(), "erase cancelled")
		default:
		}
		glog.V(2).Infof("erasing sector at 0x%08x (%d bytes)", cur, sec.SzSector)
		if err := o.invoke(ctx, o.algo.EraseSector, cur, 0, 0, 0, toMs(o.algo.Device.EraseTimeoutMs)); err != nil {
			return errors.Annotatef(err, "failed to erase sector at 0x%08x", cur)
		}
		o.progress(Progress{Stage: StageErase, Address: cur, Done: cur - addr + sec.SzSector, Total: length, ChunkSize: sec.SzSector})
		next := sec.AddrSector + sec.SzSector
		if next <= cur {
			return errors.Errorf("sector map did not advance past 0x%08x", cur)
		}
		cur = next
	}
	return nil
}

// checkRange rejects a [addr, addr+length) span that falls outside the
// algorithm's declared device range, before any write is attempted.
func (o *Orchestrator) checkRange(addr, length uint32) error {
	dev := o.algo.Device
	end := uint64(addr) + uint64(length)
	if uint64(addr) < uint64(dev.Addr) || end > uint64(dev.Addr)+uint64(dev.Size) {
		return daperr.New(daperr.RangeOutOfDevice, nil,
			"range [0x%08x, 0x%08x) is outside device range [0x%08x, 0x%08x)", addr, uint32(end), dev.Addr, dev.Addr+dev.Size)
	}
	return nil
}

// Program writes data starting at addr, page by page, skipping any page
// that already holds the target bytes (a cheap pre-flight check, not a
// substitute for Verify).
func (o *Orchestrator) Program(ctx context.Context, addr uint32, data []byte) error {
	page := o.algo.Device.PageSize
	if page == 0 {
		return daperr.New(daperr.BadFlm, nil, "algorithm reports a zero page size")
	}
	if err := o.checkRange(addr, uint32(len(data))); err != nil {
		return errors.Trace(err)
	}
	total := uint32(len(data))
	for off := uint32(0); off < total; {
		select {
		case <-ctx.Done():
			return daperr.New(daperr.Cancelled, ctx.Err(), "program cancelled")
		default:
		}
		n := page
		if remaining := total - off; n > remaining {
			n = remaining
		}
		chunk := data[off : off+n]
		pageAddr := addr + off

		same, err := o.pageAlreadyProgrammed(ctx, pageAddr, chunk)
		if err != nil {
			return errors.Trace(err)
		}
		if !same {
			words, err := bytesToWords(chunk, o.algo.Device.Empty)
			if err != nil {
				return errors.Trace(err)
			}
			if err := o.mem.WriteTargetMem(ctx, o.algo.ProgramBuffer, words); err != nil {
				return errors.Annotatef(err, "failed to stage page at 0x%08x", pageAddr)
			}
			if err := o.invoke(ctx, o.algo.ProgramPage, pageAddr, uint32(len(chunk)), o.algo.ProgramBuffer, 0, toMs(o.algo.Device.ProgTimeoutMs)); err != nil {
				return errors.Annotatef(err, "failed to program page at 0x%08x", pageAddr)
			}
		} else {
			glog.V(2).Infof("page at 0x%08x already matches, skipping", pageAddr)
		}
		off += n
		o.progress(Progress{Stage: StageProgram, Address: pageAddr, Done: off, Total: total, ChunkSize: n})
	}
	return nil
}

// pageAlreadyProgrammed reads the page's current content and XORs it
// against the desired bytes; a zero result means the page is already
// correct and programming it can be skipped.
func (o *Orchestrator) pageAlreadyProgrammed(ctx context.Context, addr uint32, want []byte) (bool, error) {
	words, err := o.mem.ReadTargetMem(ctx, addr, wordCount(len(want)))
	if err != nil {
		return false, errors.Annotatef(err, "failed to read current content at 0x%08x", addr)
	}
	have := wordsToBytes(words)[:len(want)]
	var xor byte
	for i := range want {
		xor |= have[i] ^ want[i]
	}
	return xor == 0, nil
}

// Verify reads back [addr, addr+len(data)) and compares it against data in
// full, returning VerifyMismatch at the first differing byte.
func (o *Orchestrator) Verify(ctx context.Context, addr uint32, data []byte) error {
	words, err := o.mem.ReadTargetMem(ctx, addr, wordCount(len(data)))
	if err != nil {
		return errors.Annotatef(err, "failed to read back for verification")
	}
	have := wordsToBytes(words)[:len(data)]
	if bytes.Equal(have, data) {
		o.progress(Progress{Stage: StageVerify, Address: addr, Done: uint32(len(data)), Total: uint32(len(data))})
		return nil
	}
	for i := range data {
		if have[i] != data[i] {
			return daperr.WithValue(daperr.VerifyMismatch, addr+uint32(i), nil,
				"verify mismatch at 0x%08x: want 0x%02x, got 0x%02x", addr+uint32(i), data[i], have[i])
		}
	}
	return nil
}

// checkAlreadyErased backs Policy.PreErase == PreEraseNone: it reads back
// [addr, addr+length) and requires every word to be 0xFFFFFFFF, since
// skipping erase is only valid if the range is already blank.
func (o *Orchestrator) checkAlreadyErased(ctx context.Context, addr, length uint32) error {
	words, err := o.mem.ReadTargetMem(ctx, addr, wordCount(int(length)))
	if err != nil {
		return errors.Annotatef(err, "failed to read range for erased check")
	}
	for i, w := range words {
		if w != 0xffffffff {
			return daperr.New(daperr.VerifyMismatch, nil,
				"range is not erased: word at 0x%08x is 0x%08x, want 0xffffffff", addr+uint32(i*4), w)
		}
	}
	return nil
}

// eraseForPolicy runs whichever erase Policy.PreErase calls for (or none,
// with a blank-range check instead) ahead of programming.
func (o *Orchestrator) eraseForPolicy(ctx context.Context, addr, length uint32) error {
	if o.policy.PreErase == PreEraseNone {
		return errors.Annotatef(o.checkAlreadyErased(ctx, addr, length), "pre-erase=none requires the range to already be blank")
	}
	if err := o.Init(ctx, funcErase); err != nil {
		return errors.Annotatef(err, "init (erase) failed")
	}
	var eraseErr error
	if o.policy.PreErase == PreEraseChip {
		eraseErr = o.EraseChip(ctx)
	} else {
		eraseErr = o.EraseRange(ctx, addr, length)
	}
	if err := o.UnInit(ctx, funcErase); err != nil {
		glog.Warningf("uninit (erase) failed: %s", err)
	}
	return errors.Trace(eraseErr)
}

// Flash is the full erase+program[+verify][+reset] sequence for one
// contiguous image, shaped by the Orchestrator's Policy: load the
// algorithm, erase per Policy.PreErase, program every page, optionally
// verify by readback, then optionally reset the target into run mode.
func (o *Orchestrator) Flash(ctx context.Context, addr uint32, data []byte) error {
	if err := o.LoadAlgo(ctx); err != nil {
		return errors.Trace(err)
	}

	if err := o.eraseForPolicy(ctx, addr, uint32(len(data))); err != nil {
		return errors.Trace(err)
	}

	if err := o.Init(ctx, funcProgram); err != nil {
		return errors.Annotatef(err, "init (program) failed")
	}
	progErr := o.Program(ctx, addr, data)
	if err := o.UnInit(ctx, funcProgram); err != nil {
		glog.Warningf("uninit (program) failed: %s", err)
	}
	if progErr != nil {
		return errors.Trace(progErr)
	}

	if o.policy.Verify == VerifyOn {
		ourutil.Reportf("Verifying %d bytes at 0x%08x...", len(data), addr)
		if err := o.Verify(ctx, addr, data); err != nil {
			return errors.Trace(err)
		}
	}

	if o.policy.PostProgram == PostProgramResetRun {
		if err := o.debug.ResetRun(ctx); err != nil {
			return errors.Annotatef(err, "failed to reset target into run mode")
		}
	}
	return nil
}

func wordCount(nbytes int) int {
	return (nbytes + 3) / 4
}

func bytesToWords(data []byte, fill byte) ([]uint32, error) {
	n := wordCount(len(data))
	words := make([]uint32, n)
	padded := data
	if len(data)%4 != 0 {
		padded = make([]byte, n*4)
		copy(padded, data)
		for i := len(data); i < len(padded); i++ {
			padded[i] = fill
		}
	}
	for i := 0; i < n; i++ {
		words[i] = uint32(padded[i*4]) | uint32(padded[i*4+1])<<8 | uint32(padded[i*4+2])<<16 | uint32(padded[i*4+3])<<24
	}
	return words, nil
}

func wordsToBytes(words []uint32) []byte {
	b := make([]byte, len(words)*4)
	for i, w := range words {
		b[i*4] = byte(w)
		b[i*4+1] = byte(w >> 8)
		b[i*4+2] = byte(w >> 16)
		b[i*4+3] = byte(w >> 24)
	}
	return b
}
