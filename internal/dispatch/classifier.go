// Package dispatch classifies inbound messages into priority classes and
// drains them with class-aware scheduling: strict priority with an explicit
// anti-starvation tie-break so sustained high-priority load can never starve
// the background queue indefinitely.
package dispatch

import "time"

// Well-known inbound message types.
const (
	TypeStateUpdate      = "consciousness_state_update"
	TypeChat             = "chat"
	TypeSynthesisSuccess = "api_synthesis_success"
	TypeSynthesisFailed  = "api_synthesis_failed"
	TypeModuleActivity   = "module_activity"
)

// Class is a message priority class. Lower values drain first.
type Class int

const (
	// ClassUnspecified marks a message that has not been classified yet.
	ClassUnspecified Class = iota
	ClassConsciousness
	ClassHigh
	ClassNormal
	ClassBackground
)

func (c Class) String() string {
	switch c {
	case ClassConsciousness:
		return "consciousness"
	case ClassHigh:
		return "high"
	case ClassNormal:
		return "normal"
	case ClassBackground:
		return "background"
	default:
		return "unspecified"
	}
}

// drainOrder is the strict-priority drain sequence.
var drainOrder = []Class{ClassConsciousness, ClassHigh, ClassNormal, ClassBackground}

// Message is one inbound event. The class is derived exactly once, at
// enqueue time; reclassification requires re-submission.
type Message struct {
	ID       string
	Type     string
	Payload  any
	ModuleID string

	// Urgent forces the consciousness class regardless of type.
	Urgent bool

	// Hint pins the class explicitly, bypassing type-based rules. Used by
	// callers that already know the class (for example scheduled
	// normal-priority maintenance work).
	Hint Class

	// EnqueuedAt and Class are assigned by the dispatcher on submission.
	EnqueuedAt time.Time
	Class      Class
}

// Classifier maps a message to its priority class. Classification is total:
// every message gets exactly one class, and unrecognized types land in the
// background class rather than erroring.
type Classifier struct {
	// Engaged reports whether a module is currently actively engaged.
	// Activity of an engaged module is user-facing work and classifies
	// high. A nil func treats every module as not engaged.
	Engaged func(moduleID string) bool
}

// Classify derives the priority class for a message. Deterministic: the same
// message against the same engagement state always yields the same class.
func (c Classifier) Classify(msg Message) Class {
	if msg.Hint != ClassUnspecified {
		return msg.Hint
	}
	if msg.Urgent {
		return ClassConsciousness
	}
	switch msg.Type {
	case TypeStateUpdate:
		return ClassConsciousness
	case TypeChat, TypeSynthesisSuccess, TypeSynthesisFailed:
		return ClassHigh
	case TypeModuleActivity:
		if c.Engaged != nil && c.Engaged(msg.ModuleID) {
			return ClassHigh
		}
		return ClassBackground
	default:
		return ClassBackground
	}
}
