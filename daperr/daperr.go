// Package daperr defines the error taxonomy shared by every layer of the
// driver, from the probe transport up to flash orchestration.
package daperr

import (
	"fmt"

	"github.com/juju/errors"
)

// Code classifies a failure so callers (and flash.Orchestrator retry
// policy) can decide whether it is worth retrying without parsing strings.
type Code int

const (
	// Unknown covers errors that did not originate in this package.
	Unknown Code = iota
	// TransportIO is a failure to write or read the probe's USB endpoints.
	TransportIO
	// ProbeProtocol is a malformed or unexpected CMSIS-DAP response.
	ProbeProtocol
	// DpFault is an AP/DP transfer that came back with the FAULT ack.
	DpFault
	// DpWait is an AP/DP transfer that came back WAIT on every retry.
	DpWait
	// DpNoAck is an AP/DP transfer the target did not acknowledge (NO_ACK,
	// or no ack bits set at all).
	DpNoAck
	// DpProtocol is a transfer response with the SWD protocol error bit set.
	DpProtocol
	// DpMismatch is a failed ReadMatch/WriteMatch comparison.
	DpMismatch
	// DpNotPowered is any DP/AP access attempted before CSYSPWRUPACK/CDBGPWRUPACK.
	DpNotPowered
	// TargetUnresponsive is a halt/reset/register operation that never completes.
	TargetUnresponsive
	// AlgorithmFailed is a flash algorithm call that returned non-zero in R0.
	AlgorithmFailed
	// AlgorithmTimeout is a flash algorithm invocation that never halted.
	AlgorithmTimeout
	// VerifyMismatch is a post-program readback that doesn't match the image.
	VerifyMismatch
	// BadFlm is a malformed FLM (ELF or PDSC) input.
	BadFlm
	// RangeOutOfDevice is a program/erase range outside any FlashDevice sector.
	RangeOutOfDevice
	// Misaligned is an address or length that violates a register's required
	// word (or other) alignment; distinct from RangeOutOfDevice, which is
	// about device bounds rather than alignment.
	Misaligned
	// Cancelled is a caller-initiated context cancellation.
	Cancelled
)

func (c Code) String() string {
	switch c {
	case TransportIO:
		return "TransportIO"
	case ProbeProtocol:
		return "ProbeProtocol"
	case DpFault:
		return "DpFault"
	case DpWait:
		return "DpWait"
	case DpNoAck:
		return "DpNoAck"
	case DpProtocol:
		return "DpProtocol"
	case DpMismatch:
		return "DpMismatch"
	case DpNotPowered:
		return "DpNotPowered"
	case TargetUnresponsive:
		return "TargetUnresponsive"
	case AlgorithmFailed:
		return "AlgorithmFailed"
	case AlgorithmTimeout:
		return "AlgorithmTimeout"
	case VerifyMismatch:
		return "VerifyMismatch"
	case BadFlm:
		return "BadFlm"
	case RangeOutOfDevice:
		return "RangeOutOfDevice"
	case Misaligned:
		return "Misaligned"
	case Cancelled:
		return "Cancelled"
	}
	return "Unknown"
}

// Error wraps an underlying cause (traced via juju/errors) with a Code and
// an optional associated value, e.g. the algorithm's R0 return code or the
// address of a verify mismatch.
type Error struct {
	Code  Code
	Value uint32
	cause error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.cause)
}

func (e *Error) Cause() error { return e.cause }

// New builds a daperr.Error, tracing the cause through juju/errors so
// annotations accumulated upstream are preserved in %+v output.
func New(code Code, cause error, format string, args ...interface{}) error {
	var wrapped error
	if cause != nil {
		wrapped = errors.Annotatef(cause, format, args...)
	} else {
		wrapped = errors.Errorf(format, args...)
	}
	return &Error{Code: code, cause: wrapped}
}

// WithValue is New with an associated numeric value attached (return code,
// mismatching address, and so on).
func WithValue(code Code, value uint32, cause error, format string, args ...interface{}) error {
	err := New(code, cause, format, args...)
	de := err.(*Error)
	de.Value = value
	return de
}

// CodeOf unwraps err (following the Underlying chain juju/errors'
// Trace/Annotate wrappers keep) and returns the Code of the first
// daperr.Error it reaches, or Unknown if none is attached.
func CodeOf(err error) Code {
	for err != nil {
		if de, ok := err.(*Error); ok {
			return de.Code
		}
		u, ok := err.(interface{ Underlying() error })
		if !ok {
			return Unknown
		}
		err = u.Underlying()
	}
	return Unknown
}
