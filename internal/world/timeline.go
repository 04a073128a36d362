package world

import (
	"encoding/json"
	"fmt"
)

// EventKind discriminates timeline events.
type EventKind string

const (
	EventMessage          EventKind = "message"
	EventProcess          EventKind = "process"
	EventUpdateImportance EventKind = "update_importance"
)

// SenderInternal names the actor behind a displayed sender.
type SenderInternal struct {
	Actor       ActorType `json:"actor"`
	OriginHuman string    `json:"origin_human,omitempty"`
}

// MessageEvent records one generated message to a single target.
type MessageEvent struct {
	ID             string         `json:"id"`
	T              int            `json:"t"`
	SenderDisplay  string         `json:"sender_display"`
	SenderInternal SenderInternal `json:"sender_internal"`
	KindHi         ActorType      `json:"kind_hi"`
	KindLo         MessageKind    `json:"kind_lo"`
	Targets        []string       `json:"targets"`
	LevelSent      int            `json:"level_sent"`
	LevelReceived  int            `json:"level_received"`
}

// Reply describes the answer produced on a REPLY outcome.
type Reply struct {
	SenderDisplay  string         `json:"sender_display"`
	SenderInternal SenderInternal `json:"sender_internal"`
	KindHi         ActorType      `json:"kind_hi"`
	KindLo         MessageKind    `json:"kind_lo"`
	Targets        []string       `json:"targets"`
	ReplyLevel     int            `json:"reply_level"`
}

// ProcessEvent records how a receiver handled a message.
type ProcessEvent struct {
	MessageID   string    `json:"message_id"`
	T           int       `json:"t"`
	Receiver    string    `json:"receiver"`
	ProcessedBy ActorType `json:"processed_by"`
	Action      Action    `json:"action"`
	Reply       *Reply    `json:"reply,omitempty"`
}

// ImportanceDelta is one signed importance mutation.
type ImportanceDelta struct {
	From   string      `json:"from"`
	To     string      `json:"to"`
	Delta  float64     `json:"delta"`
	Reason DeltaReason `json:"reason"`
}

// ImportanceUpdate batches every delta produced in one step.
type ImportanceUpdate struct {
	T      int               `json:"t"`
	Deltas []ImportanceDelta `json:"deltas"`
}

// Event is a tagged union; exactly one payload matches Kind.
type Event struct {
	Kind    EventKind
	Message *MessageEvent
	Process *ProcessEvent
	Update  *ImportanceUpdate
}

type eventJSON struct {
	Kind EventKind       `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalJSON encodes the event as {"kind": ..., "data": ...}.
func (e Event) MarshalJSON() ([]byte, error) {
	var data any
	switch e.Kind {
	case EventMessage:
		data = e.Message
	case EventProcess:
		data = e.Process
	case EventUpdateImportance:
		data = e.Update
	default:
		return nil, fmt.Errorf("marshal event: unknown kind %q", e.Kind)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(eventJSON{Kind: e.Kind, Data: raw})
}

// UnmarshalJSON decodes the {"kind": ..., "data": ...} form.
func (e *Event) UnmarshalJSON(b []byte) error {
	var raw eventJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*e = Event{Kind: raw.Kind}
	switch raw.Kind {
	case EventMessage:
		e.Message = &MessageEvent{}
		return json.Unmarshal(raw.Data, e.Message)
	case EventProcess:
		e.Process = &ProcessEvent{}
		return json.Unmarshal(raw.Data, e.Process)
	case EventUpdateImportance:
		e.Update = &ImportanceUpdate{}
		return json.Unmarshal(raw.Data, e.Update)
	default:
		return fmt.Errorf("unmarshal event: unknown kind %q", raw.Kind)
	}
}

// StepFrame holds the events of one step in emission order.
type StepFrame struct {
	T      int     `json:"t"`
	Events []Event `json:"events"`
}

// MessageCount returns the number of message events in the frame.
func (f StepFrame) MessageCount() int {
	n := 0
	for _, ev := range f.Events {
		if ev.Kind == EventMessage {
			n++
		}
	}
	return n
}

// Timeline is the append-only log of step frames.
type Timeline struct {
	frames []StepFrame
}

// Append adds a completed frame.
func (tl *Timeline) Append(f StepFrame) {
	tl.frames = append(tl.frames, f)
}

// Len returns the number of frames.
func (tl *Timeline) Len() int { return len(tl.frames) }

// Frames returns a copy of the frame slice. Frames themselves are never
// mutated after being appended.
func (tl *Timeline) Frames() []StepFrame {
	out := make([]StepFrame, len(tl.frames))
	copy(out, tl.frames)
	return out
}

// Range returns frames with from <= t < to, clamped to the recorded range.
func (tl *Timeline) Range(from, to int) []StepFrame {
	if from < 0 {
		from = 0
	}
	if to > len(tl.frames) || to < 0 {
		to = len(tl.frames)
	}
	if from >= to {
		return []StepFrame{}
	}
	out := make([]StepFrame, to-from)
	copy(out, tl.frames[from:to])
	return out
}

// Last returns the most recent frame.
func (tl *Timeline) Last() (StepFrame, bool) {
	if len(tl.frames) == 0 {
		return StepFrame{}, false
	}
	return tl.frames[len(tl.frames)-1], true
}

// frameBuilder accumulates one step's events and importance deltas.
type frameBuilder struct {
	t      int
	events []Event
	deltas []ImportanceDelta
}

func newFrameBuilder(t int) *frameBuilder {
	return &frameBuilder{t: t, deltas: []ImportanceDelta{}}
}

func (b *frameBuilder) message(m *MessageEvent) {
	b.events = append(b.events, Event{Kind: EventMessage, Message: m})
}

func (b *frameBuilder) process(p *ProcessEvent) {
	b.events = append(b.events, Event{Kind: EventProcess, Process: p})
}

func (b *frameBuilder) delta(d ImportanceDelta) {
	b.deltas = append(b.deltas, d)
}

// finish closes the frame with the importance batch as its last event.
func (b *frameBuilder) finish() StepFrame {
	events := append(b.events, Event{
		Kind:   EventUpdateImportance,
		Update: &ImportanceUpdate{T: b.t, Deltas: b.deltas},
	})
	return StepFrame{T: b.t, Events: events}
}
