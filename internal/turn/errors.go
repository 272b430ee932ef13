package turn

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks setup errors detected before any work starts.
	ErrConfiguration = errors.New("configuration error")
	// ErrProtocolViolation marks callers that broke the turn protocol. These
	// are wiring bugs and abort the run.
	ErrProtocolViolation = errors.New("protocol violation")

	ErrUnknownUnit         = errors.New("unit is not part of the global order")
	ErrTurnRetired         = errors.New("unit turn already retired")
	ErrDuplicateCompletion = errors.New("enqueuing already marked done")
	ErrUnitNotAssigned     = errors.New("unit is not assigned to this worker")
	ErrNoCurrentUnit       = errors.New("no current unit")
	ErrUnitCompleted       = errors.New("unit already marked done")
)

// ConfigError describes an invalid order or assignment.
type ConfigError struct {
	Reason string
	Unit   UnitID
}

func (e *ConfigError) Error() string {
	if e.Unit != "" {
		return fmt.Sprintf("turn: configuration: %s: %s", e.Reason, e.Unit)
	}
	return "turn: configuration: " + e.Reason
}

// Is lets errors.Is(err, ErrConfiguration) match any ConfigError.
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfiguration
}

// Configf builds a ConfigError without a unit.
func Configf(format string, args ...any) error {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}

// ProtocolError reports an operation that broke the turn protocol.
type ProtocolError struct {
	Op     string
	Worker string
	Unit   UnitID
	Err    error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("turn: %s: worker %q unit %q: %v", e.Op, e.Worker, e.Unit, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrProtocolViolation) match any ProtocolError.
func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocolViolation
}

// Violation wraps kind in a ProtocolError.
func Violation(op, worker string, unit UnitID, kind error) error {
	return &ProtocolError{Op: op, Worker: worker, Unit: unit, Err: kind}
}

// IsFatal reports whether err must abort the run.
func IsFatal(err error) bool {
	return errors.Is(err, ErrConfiguration) || errors.Is(err, ErrProtocolViolation)
}
