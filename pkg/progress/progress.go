// Package progress defines the status and log events streamed from the
// server to clients while a pipeline runs, and the closed set of up-pipeline
// phases.
package progress

import "time"

// StatusKind drives client-side rendering of a status line.
type StatusKind string

const (
	KindProgress StatusKind = "progress"
	KindDone     StatusKind = "done"
	KindInfo     StatusKind = "info"
	KindWaiting  StatusKind = "waiting"
)

// UpPhase is one of the 13 steps of the up pipeline, in execution order.
type UpPhase int

const (
	PhaseSetup UpPhase = iota + 1
	PhaseValidation
	PhaseDatabase
	PhaseLabNetwork
	PhaseLinks
	PhaseContainerNetworks
	PhaseSharedBridges
	PhaseZTP
	PhaseBootContainer
	PhaseDiskClone
	PhaseVMCreate
	PhaseSSHConfig
	PhaseReadiness
)

// TotalPhases is the number of up-pipeline phases.
const TotalPhases = 13

var phaseNames = map[UpPhase]string{
	PhaseSetup:             "setup",
	PhaseValidation:        "manifest validation",
	PhaseDatabase:          "database records",
	PhaseLabNetwork:        "lab network setup",
	PhaseLinks:             "point-to-point links",
	PhaseContainerNetworks: "container link networks",
	PhaseSharedBridges:     "shared bridge creation",
	PhaseZTP:               "ztp generation",
	PhaseBootContainer:     "boot container creation",
	PhaseDiskClone:         "disk cloning",
	PhaseVMCreate:          "vm creation",
	PhaseSSHConfig:         "ssh config generation",
	PhaseReadiness:         "node readiness check",
}

// String returns the human-readable phase name.
func (p UpPhase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return "unknown"
}

// Critical reports whether a failure in this phase aborts the pipeline.
// Non-critical phases record the error and continue. PhaseContainerNetworks
// is non-critical at this baseline; the pipeline escalates it when container
// nodes depend on the networks.
func (p UpPhase) Critical() bool {
	switch p {
	case PhaseContainerNetworks, PhaseSharedBridges, PhaseSSHConfig, PhaseReadiness:
		return false
	default:
		return true
	}
}

// PhaseProgress carries the (n, total) counter attached to progress statuses.
type PhaseProgress struct {
	CurrentPhase string `json:"current_phase"`
	PhaseNumber  int    `json:"phase_number"`
	TotalPhases  int    `json:"total_phases"`
}

// Status is a streamed progress update.
type Status struct {
	Type      string         `json:"type"` // always "status"
	Kind      StatusKind     `json:"kind"`
	Message   string         `json:"message"`
	Timestamp string         `json:"timestamp"` // ISO-8601 UTC
	Phase     string         `json:"phase,omitempty"`
	Progress  *PhaseProgress `json:"progress,omitempty"`
}

// Log is a streamed structured log event.
type Log struct {
	Type      string            `json:"type"` // always "log"
	Level     string            `json:"level"`
	Message   string            `json:"message"`
	Timestamp string            `json:"timestamp"`
	Context   map[string]string `json:"context,omitempty"`
}

// Timestamp returns the current time formatted for the wire.
func Timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// NewStatus builds a status event with the current timestamp.
func NewStatus(kind StatusKind, message string) Status {
	return Status{
		Type:      "status",
		Kind:      kind,
		Message:   message,
		Timestamp: Timestamp(),
	}
}

// NewPhaseStatus builds the progress status emitted on phase entry.
func NewPhaseStatus(phase UpPhase, message string) Status {
	s := NewStatus(KindProgress, message)
	s.Phase = phase.String()
	s.Progress = &PhaseProgress{
		CurrentPhase: phase.String(),
		PhaseNumber:  int(phase),
		TotalPhases:  TotalPhases,
	}
	return s
}

// NewLog builds a log event with the current timestamp.
func NewLog(level, message string, context map[string]string) Log {
	return Log{
		Type:      "log",
		Level:     level,
		Message:   message,
		Timestamp: Timestamp(),
		Context:   context,
	}
}

// Sink receives streamed events from a running pipeline. Implementations
// must be safe for concurrent use; the pipeline emits from worker goroutines.
type Sink interface {
	Status(Status)
	Log(Log)
}

// NullSink discards all events. Used by tests and the clean path when no
// client is attached.
type NullSink struct{}

func (NullSink) Status(Status) {}

func (NullSink) Log(Log) {}

// Collector buffers events in memory for inspection. Test helper.
type Collector struct {
	Statuses []Status
	Logs     []Log
}

func (c *Collector) Status(s Status) { c.Statuses = append(c.Statuses, s) }

func (c *Collector) Log(l Log) { c.Logs = append(c.Logs, l) }
