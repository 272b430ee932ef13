package eventbridge

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// ProtocolVersion identifies the status contract version exposed via /health.
	ProtocolVersion = "1.0.0"
	// EventSchemaVersion is the version stamped on every run event.
	EventSchemaVersion = 1
)

// Event types published during a run.
const (
	TypeRunStarted     = "run_started"
	TypeTurnWaiting    = "turn_waiting"
	TypeTurnGranted    = "turn_granted"
	TypeUnitStarted    = "unit_started"
	TypeUnitProduced   = "unit_produced"
	TypeRecordWritten  = "record_written"
	TypeUnitRetired    = "unit_retired"
	TypeWorkerState    = "worker_state"
	TypeWorkerFinished = "worker_finished"
	TypeFailure        = "failure"
	TypeRunFinished    = "run_finished"
)

// Event captures a single run progress notification.
type Event struct {
	Version  int       `json:"version"`
	EventID  string    `json:"event_id"`
	RunID    string    `json:"run_id"`
	Sequence int64     `json:"sequence"`
	Type     string    `json:"type"`
	Worker   string    `json:"worker,omitempty"`
	Unit     string    `json:"unit,omitempty"`
	Text     string    `json:"text,omitempty"`
	Time     time.Time `json:"time"`
}

// Normalize applies defaults and canonical formatting before validation.
func (e *Event) Normalize() {
	if e == nil {
		return
	}
	if e.Version == 0 {
		e.Version = EventSchemaVersion
	}
	e.EventID = strings.TrimSpace(e.EventID)
	e.RunID = strings.TrimSpace(e.RunID)
	e.Type = strings.TrimSpace(e.Type)
	e.Worker = strings.TrimSpace(e.Worker)
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
}

// Validate enforces baseline schema requirements.
func (e Event) Validate() error {
	if e.Version != EventSchemaVersion {
		return fmt.Errorf("version %d not supported", e.Version)
	}
	if e.EventID == "" {
		return errors.New("event_id is required")
	}
	if e.RunID == "" {
		return errors.New("run_id is required")
	}
	if e.Type == "" {
		return errors.New("type is required")
	}
	return nil
}

// Critical reports whether the event must survive subscriber overflow.
func (e Event) Critical() bool {
	return isCriticalEvent(e.Type)
}

// Logger records bridge status information. It matches logging.Logger's signature.
type Logger interface {
	Printf(format string, args ...any)
}

// StatusFunc returns the JSON-encodable state served on /status.
type StatusFunc func() any

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	StatusReady   bool   `json:"status_ready"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}
