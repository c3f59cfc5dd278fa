// Package msgs defines the inbound messages accepted by the simulation world
// and their wire encoding as protobuf Struct values.
package msgs

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/signalsfoundry/worldsim/model"
)

var (
	// ErrUnknownKind indicates a message kind with no registered meaning.
	ErrUnknownKind = errors.New("unknown message kind")
	// ErrMalformedMessage indicates a message whose payload does not match its kind.
	ErrMalformedMessage = errors.New("malformed message")
)

// Kind discriminates the payload of a Message.
type Kind string

const (
	KindInsertEntity Kind = "insert_entity"
	KindDeleteEntity Kind = "delete_entity"
	KindPause        Kind = "pause"
	KindStep         Kind = "step"
	KindSelect       Kind = "select"
	KindSetPose      Kind = "set_pose"
	KindReset        Kind = "reset"
)

// Kinds lists every known kind.
func Kinds() []Kind {
	return []Kind{KindInsertEntity, KindDeleteEntity, KindPause, KindStep, KindSelect, KindSetPose, KindReset}
}

// Known reports whether k is a recognized kind.
func (k Kind) Known() bool {
	for _, known := range Kinds() {
		if k == known {
			return true
		}
	}
	return false
}

// InsertPayload requests a new entity from description text or a parsed model.
type InsertPayload struct {
	Description string
	Model       *model.ModelDescription
	Replace     bool
	Initialize  bool
}

// SetPosePayload moves a named entity relative to its parent.
type SetPosePayload struct {
	Name string
	Pose model.Pose
}

// MaxSteps bounds the step count of one step request.
const MaxSteps = 1_000_000

// Message is one inbound request. Exactly the payload matching Kind is set;
// Name carries the target of delete and select, Paused the pause flag and
// Steps the step count.
type Message struct {
	ID    uuid.UUID
	Kind  Kind
	Stamp time.Time

	Insert *InsertPayload
	Pose   *SetPosePayload
	Name   string
	Paused bool
	Steps  int
}

// Init assigns a fresh ID and stamps the message with the current time.
func Init(m *Message) {
	m.ID = uuid.New()
	Stamp(m)
}

// Stamp sets the message time to now.
func Stamp(m *Message) {
	m.Stamp = time.Now()
}

func newMessage(kind Kind) Message {
	m := Message{Kind: kind}
	Init(&m)
	return m
}

// NewInsert builds an insert request from description text.
func NewInsert(description string, replace, initialize bool) Message {
	m := newMessage(KindInsertEntity)
	m.Insert = &InsertPayload{Description: description, Replace: replace, Initialize: initialize}
	return m
}

// NewInsertModel builds an insert request from a parsed description.
func NewInsertModel(desc *model.ModelDescription, replace, initialize bool) Message {
	m := newMessage(KindInsertEntity)
	m.Insert = &InsertPayload{Model: desc, Replace: replace, Initialize: initialize}
	return m
}

// NewDelete builds a delete request.
func NewDelete(name string) Message {
	m := newMessage(KindDeleteEntity)
	m.Name = name
	return m
}

// NewPause builds a pause or resume request.
func NewPause(paused bool) Message {
	m := newMessage(KindPause)
	m.Paused = paused
	return m
}

// NewStep builds a request for n single steps.
func NewStep(n int) Message {
	m := newMessage(KindStep)
	m.Steps = n
	return m
}

// NewSelect builds a selection request; an empty name clears the selection.
func NewSelect(name string) Message {
	m := newMessage(KindSelect)
	m.Name = name
	return m
}

// NewSetPose builds a pose update request.
func NewSetPose(name string, pose model.Pose) Message {
	m := newMessage(KindSetPose)
	m.Pose = &SetPosePayload{Name: name, Pose: pose}
	return m
}

// NewReset builds a world reset request.
func NewReset() Message {
	return newMessage(KindReset)
}

// Validate checks that the payload matches the kind.
func (m Message) Validate() error {
	switch m.Kind {
	case KindInsertEntity:
		if m.Insert == nil || (m.Insert.Description == "" && m.Insert.Model == nil) {
			return fmt.Errorf("%w: %s without description", ErrMalformedMessage, m.Kind)
		}
	case KindDeleteEntity, KindSetPose:
		name := m.Name
		if m.Kind == KindSetPose {
			if m.Pose == nil {
				return fmt.Errorf("%w: %s without pose", ErrMalformedMessage, m.Kind)
			}
			name = m.Pose.Name
		}
		if name == "" {
			return fmt.Errorf("%w: %s without name", ErrMalformedMessage, m.Kind)
		}
	case KindStep:
		if m.Steps < 1 || m.Steps > MaxSteps {
			return fmt.Errorf("%w: step count %d not in [1, %d]", ErrMalformedMessage, m.Steps, MaxSteps)
		}
	case KindPause, KindSelect, KindReset:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, m.Kind)
	}
	return nil
}
