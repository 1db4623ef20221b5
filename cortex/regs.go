// Package cortex implements the Cortex-M halt/reset controller and the
// flash algorithm invoker: register access via DCRSR/DCRDR, halt control
// via DHCSR, and reset via AIRCR.
package cortex

import "fmt"

// SCS (System Control Space) debug register addresses. These are absolute
// addresses inside the SCS, which sits at 0xE000E000 on every Cortex-M.
const (
	RegCPUID uint32 = 0xe000ed00
	RegAIRCR uint32 = 0xe000ed0c
	RegDFSR  uint32 = 0xe000ed30
	RegDHCSR uint32 = 0xe000edf0
	RegDCRSR uint32 = 0xe000edf4
	RegDCRDR uint32 = 0xe000edf8
	RegDEMCR uint32 = 0xe000edfc
	RegPID0  uint32 = 0xe000efe0

	aircrKey uint32 = 0x05fa0000
	dhcsrKey uint32 = 0xa05f0000
)

// DHCSR bits.
const (
	dhcsrCDebugEn  uint32 = 1 << 0
	dhcsrCHalt     uint32 = 1 << 1
	dhcsrCStep     uint32 = 1 << 2
	dhcsrSRegReady uint32 = 1 << 16
	dhcsrSHalt     uint32 = 1 << 17
	dhcsrSLockup   uint32 = 1 << 19
)

// DEMCR vector-catch bits.
const (
	demcrVCCoreReset uint32 = 1 << 0
	demcrVCHardErr   uint32 = 1 << 10
)

// RegFile is the invocation frame a flash algorithm is launched with and
// read back from: R0-R15 plus xPSR, MSP and PSP, matching the Cortex-M
// core register file DCRSR/DCRDR expose one register at a time.
type RegFile struct {
	R    [16]uint32
	XPSR uint32
	MSP  uint32
	PSP  uint32
}

const (
	SP = 13
	LR = 14
	PC = 15
)

// DCRSR register selector codes beyond the 16 core registers.
const (
	regSelXPSR = 0x10
	regSelMSP  = 0x11
	regSelPSP  = 0x12
)

func (r RegFile) String() string {
	return fmt.Sprintf(
		"[R0=0x%x R1=0x%x R2=0x%x R3=0x%x R4=0x%x R5=0x%x R6=0x%x R7=0x%x "+
			"R8=0x%x R9=0x%x R10=0x%x R11=0x%x R12=0x%x SP=0x%x LR=0x%x PC=0x%x xPSR=0x%x MSP=0x%x PSP=0x%x]",
		r.R[0], r.R[1], r.R[2], r.R[3], r.R[4], r.R[5], r.R[6], r.R[7], r.R[8], r.R[9], r.R[10], r.R[11], r.R[12],
		r.R[SP], r.R[LR], r.R[PC], r.XPSR, r.MSP, r.PSP)
}

// Name identifies the Cortex-M variant from CPUID and PID0, generalizing
// the teacher's Cortex-M4-only gate to the whole family a Keil FLM can
// target.
func Name(cpuid, pid0 uint32) string {
	vendor := ""
	if cpuid>>24 == 0x41 {
		vendor = "ARM"
	}
	partno := (cpuid >> 4) & 0xfff
	rev := (cpuid >> 20) & 0xf
	patch := cpuid & 0xf
	part := ""
	switch partno {
	case 0xc20:
		part = "Cortex-M0"
	case 0xc60:
		part = "Cortex-M0+"
	case 0xc21:
		part = "Cortex-M1"
	case 0xc23:
		part = "Cortex-M3"
	case 0xc24:
		part = "Cortex-M4"
	case 0xc27:
		part = "Cortex-M7"
	case 0xd20:
		part = "Cortex-M23"
	case 0xd21:
		part = "Cortex-M33"
	}
	fpu := ""
	if pid0 == 0xc {
		fpu = "F"
	}
	return fmt.Sprintf("%s %s%s r%dp%d", vendor, part, fpu, rev, patch)
}
