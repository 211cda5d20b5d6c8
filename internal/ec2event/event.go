// Package ec2event models EventBridge "EC2 Instance State-change Notification" events.
package ec2event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/aws/aws-lambda-go/events"
)

const (
	// Source is the EventBridge source for EC2 events.
	Source = "aws.ec2"
	// DetailType is the EventBridge detail-type for instance state changes.
	DetailType = "EC2 Instance State-change Notification"
)

// State is an EC2 instance lifecycle state as reported by EventBridge.
type State string

const (
	StateRunning    State = "running"
	StateStopping   State = "stopping"
	StateStopped    State = "stopped"
	StateTerminated State = "terminated"
)

// RecognizedStates lists the states the event rule forwards, in lifecycle order.
var RecognizedStates = []State{StateRunning, StateStopping, StateStopped, StateTerminated}

// Recognized reports whether s is one of RecognizedStates.
func (s State) Recognized() bool {
	switch s {
	case StateRunning, StateStopping, StateStopped, StateTerminated:
		return true
	}
	return false
}

// Label returns the state with its first letter upper-cased ("running" -> "Running").
func (s State) Label() string {
	if s == "" {
		return "Unknown"
	}
	first, size := utf8.DecodeRuneInString(string(s))
	return string(unicode.ToUpper(first)) + string(s[size:])
}

// Detail is the detail object of an EC2 state-change event.
type Detail struct {
	InstanceID string `json:"instance-id"`
	State      string `json:"state"`
}

// StateChangeEvent is the parsed form of one inbound notification.
type StateChangeEvent struct {
	ID         string
	Source     string
	DetailType string
	Account    string
	Region     string
	Time       time.Time
	Resources  []string
	InstanceID string
	State      State
}

// FromKnownSource reports whether the envelope carries the EC2 source and detail-type.
// Empty values are treated as unknown rather than mismatched.
func (e StateChangeEvent) FromKnownSource() bool {
	if e.Source != "" && e.Source != Source {
		return false
	}
	if e.DetailType != "" && e.DetailType != DetailType {
		return false
	}
	return true
}

// Parse decodes a raw EventBridge envelope and validates it.
func Parse(data []byte) (StateChangeEvent, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return StateChangeEvent{}, &MalformedError{Field: "event", Reason: "empty payload"}
	}
	var envelope events.CloudWatchEvent
	if err := json.Unmarshal(data, &envelope); err != nil {
		return StateChangeEvent{}, &MalformedError{Field: "event", Reason: "invalid JSON", Err: err}
	}
	return FromEnvelope(envelope)
}

// FromEnvelope extracts and validates the state-change fields from an EventBridge envelope.
func FromEnvelope(envelope events.CloudWatchEvent) (StateChangeEvent, error) {
	event := StateChangeEvent{
		ID:         envelope.ID,
		Source:     envelope.Source,
		DetailType: envelope.DetailType,
		Account:    envelope.AccountID,
		Region:     envelope.Region,
		Time:       envelope.Time,
		Resources:  append([]string(nil), envelope.Resources...),
	}

	trimmed := bytes.TrimSpace(envelope.Detail)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return event, &MalformedError{Field: "detail", Reason: "missing"}
	}

	var detail Detail
	if err := json.Unmarshal(trimmed, &detail); err != nil {
		return event, &MalformedError{Field: "detail", Reason: "invalid JSON", Err: err}
	}

	event.InstanceID = strings.TrimSpace(detail.InstanceID)
	if event.InstanceID == "" {
		event.InstanceID = instanceIDFromResources(envelope.Resources)
	}
	if event.InstanceID == "" {
		return event, &MalformedError{Field: "detail.instance-id", Reason: "missing"}
	}

	event.State = State(strings.ToLower(strings.TrimSpace(detail.State)))
	if event.State == "" {
		return event, &MalformedError{Field: "detail.state", Reason: "missing"}
	}

	return event, nil
}

// instanceIDFromResources pulls the id out of arn:aws:ec2:<region>:<account>:instance/<id>.
func instanceIDFromResources(resources []string) string {
	for _, arn := range resources {
		idx := strings.LastIndex(arn, ":instance/")
		if idx < 0 {
			continue
		}
		if id := strings.TrimSpace(arn[idx+len(":instance/"):]); id != "" {
			return id
		}
	}
	return ""
}

// MalformedError reports an event that cannot be turned into a notification.
type MalformedError struct {
	Field  string
	Reason string
	Err    error
}

func (e *MalformedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed event: %s %s: %v", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed event: %s %s", e.Field, e.Reason)
}

func (e *MalformedError) Unwrap() error {
	return e.Err
}
