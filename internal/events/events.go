// Package events turns raw analysis-stream messages into a small typed event
// algebra: stage events carrying one phase's data, and status events carrying
// progress, completion and failure signaling.
package events

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Stage names a phase of an analysis run that carries data
type Stage string

const (
	StageTenant      Stage = "tenant"
	StageCompetitors Stage = "competitors"
	StageChanges     Stage = "changes"
)

// Known returns true for the three data-carrying stages
func (s Stage) Known() bool {
	switch s {
	case StageTenant, StageCompetitors, StageChanges:
		return true
	}
	return false
}

// Status stage names emitted by the backend
const (
	StatusUnknown      = "unknown"
	StatusInitializing = "initializing"
	StatusComplete     = "complete"
	StatusFailed       = "failed"
)

// Event is either a StageEvent or a StatusEvent
type Event interface {
	event()
}

// StageEvent carries the payload of a recognized stage
type StageEvent struct {
	Stage    Stage
	Data     map[string]any
	Progress *float64
}

// StatusEvent carries progress, completion or failure signaling
type StatusEvent struct {
	Stage    string
	Progress *float64
	Message  string
	Data     map[string]any
}

func (StageEvent) event()  {}
func (StatusEvent) event() {}

// Failed returns true if the status reports a failed run
func (e StatusEvent) Failed() bool {
	switch strings.ToLower(e.Stage) {
	case StatusFailed, "error":
		return true
	}
	return false
}

// Completed returns true if the status reports a finished run
func (e StatusEvent) Completed() bool {
	switch strings.ToLower(e.Stage) {
	case StatusComplete, "completed":
		return true
	}
	return false
}

// Normalize maps one decoded message to an Event. It never fails: anything
// that is not a recognized stage message becomes a StatusEvent, so terminal
// signaling is never lost.
func Normalize(raw any) Event {
	msg, ok := raw.(map[string]any)
	if !ok {
		return StatusEvent{Stage: StatusUnknown}
	}

	stage, _ := msg["stage"].(string)
	progress := number(msg["progress"])
	data, _ := msg["data"].(map[string]any)

	if kind, _ := msg["type"].(string); kind == "stage" && Stage(stage).Known() {
		if data == nil {
			data = map[string]any{}
		}
		return StageEvent{Stage: Stage(stage), Data: data, Progress: progress}
	}

	if stage == "" {
		stage = StatusUnknown
	}
	message, _ := msg["message"].(string)
	return StatusEvent{Stage: stage, Progress: progress, Message: message, Data: data}
}

// Decode parses one transport frame. Frames that are not valid JSON are
// reported with ok=false and should be dropped.
func Decode(frame []byte) (ev Event, ok bool) {
	var raw any
	if err := json.Unmarshal(frame, &raw); err != nil {
		return nil, false
	}
	return Normalize(raw), true
}

// DecodeList normalizes an ordered list of already-decoded messages
func DecodeList(raw []any) []Event {
	out := make([]Event, 0, len(raw))
	for _, r := range raw {
		out = append(out, Normalize(r))
	}
	return out
}

func number(v any) *float64 {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case int:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return nil
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	return &f
}
