package flash

// PreEraseMode selects how Flash prepares target flash before programming.
type PreEraseMode int

const (
	// PreEraseSector erases only the sectors the program range overlaps.
	PreEraseSector PreEraseMode = iota
	// PreEraseNone skips erasing; the range must already read as erased,
	// checked by a pre-pass comparing every word to 0xFFFFFFFF.
	PreEraseNone
	// PreEraseChip mass-erases the whole device via the algorithm's
	// EraseChip entry point before programming.
	PreEraseChip
)

// VerifyMode selects whether Flash reads the programmed range back and
// compares it against the source after programming.
type VerifyMode int

const (
	VerifyOn VerifyMode = iota
	VerifyOff
)

// PostProgramAction selects what Flash does with the core once programming
// (and verification, if enabled) has succeeded.
type PostProgramAction int

const (
	PostProgramLeaveHalted PostProgramAction = iota
	PostProgramResetRun
)

// Policy bundles the caller-supplied knobs that shape Flash's
// erase/program/verify/reset sequence.
type Policy struct {
	PreErase    PreEraseMode
	Verify      VerifyMode
	PostProgram PostProgramAction
}

// DefaultPolicy erases only the touched sectors, verifies by readback, and
// leaves the core halted: the safest sequence when the caller hasn't
// expressed a preference.
var DefaultPolicy = Policy{
	PreErase:    PreEraseSector,
	Verify:      VerifyOn,
	PostProgram: PostProgramLeaveHalted,
}
