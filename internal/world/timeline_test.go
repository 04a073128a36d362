package world

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestEventJSONShape(t *testing.T) {
	fb := newFrameBuilder(2)
	fb.message(&MessageEvent{
		ID:             "m_000002_004",
		T:              2,
		SenderDisplay:  "h01",
		SenderInternal: SenderInternal{Actor: ActorHuman, OriginHuman: "h01"},
		KindHi:         ActorHuman,
		KindLo:         KindDiffuse,
		Targets:        []string{"h03"},
		LevelSent:      4,
		LevelReceived:  3,
	})
	fb.process(&ProcessEvent{MessageID: "m_000002_004", T: 2, Receiver: "h03", ProcessedBy: ActorHuman, Action: ActionIgnore})
	frame := fb.finish()

	raw, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(raw)
	for _, want := range []string{
		`"kind":"message"`,
		`"kind_lo":"DIFFUSE"`,
		`"kind":"update_importance","data":{"t":2,"deltas":[]}`,
	} {
		if !strings.Contains(s, want) {
			t.Errorf("missing %s in %s", want, s)
		}
	}
	if strings.Contains(s, `"reply"`) {
		t.Errorf("ignore must not carry a reply: %s", s)
	}

	var back StepFrame
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(back.Events) != 3 || back.Events[0].Message.Targets[0] != "h03" || back.Events[2].Update == nil {
		t.Fatalf("unexpected decoded frame: %+v", back)
	}
}

func TestProcessEventReplyPayload(t *testing.T) {
	aiReply := &Reply{
		SenderDisplay:  "h02",
		SenderInternal: SenderInternal{Actor: ActorAI, OriginHuman: "h02"},
		KindHi:         ActorAI,
		KindLo:         KindDirect,
		Targets:        []string{"h01"},
		ReplyLevel:     3,
	}
	tests := []struct {
		name      string
		event     ProcessEvent
		wantReply bool
	}{
		{"human reply", ProcessEvent{MessageID: "m_000001_001", T: 1, Receiver: "h02", ProcessedBy: ActorHuman, Action: ActionReply}, false},
		{"human ignore", ProcessEvent{MessageID: "m_000001_002", T: 1, Receiver: "h02", ProcessedBy: ActorHuman, Action: ActionIgnore}, false},
		{"ai reply", ProcessEvent{MessageID: "m_000001_003", T: 1, Receiver: "h02", ProcessedBy: ActorAI, Action: ActionReply, Reply: aiReply}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := json.Marshal(Event{Kind: EventProcess, Process: &tt.event})
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if got := strings.Contains(string(raw), `"reply"`); got != tt.wantReply {
				t.Errorf("reply present=%v, want %v: %s", got, tt.wantReply, raw)
			}
			var back Event
			if err := json.Unmarshal(raw, &back); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if back.Process == nil || back.Process.Action != tt.event.Action || (back.Process.Reply != nil) != tt.wantReply {
				t.Errorf("decoded: %+v", back.Process)
			}
		})
	}
}

func TestEventUnknownKind(t *testing.T) {
	var ev Event
	if err := json.Unmarshal([]byte(`{"kind":"nope","data":{}}`), &ev); err == nil {
		t.Fatal("expected error for unknown kind")
	}
	if _, err := json.Marshal(Event{Kind: "nope"}); err == nil {
		t.Fatal("expected error marshalling unknown kind")
	}
}

func TestTimelineRange(t *testing.T) {
	var tl Timeline
	for i := 0; i < 5; i++ {
		tl.Append(newFrameBuilder(i).finish())
	}

	tests := []struct {
		from, to  int
		wantFirst int
		wantLen   int
	}{
		{0, 5, 0, 5},
		{1, 3, 1, 2},
		{-4, 2, 0, 2},
		{3, 100, 3, 2},
		{4, 2, 0, 0},
		{2, -1, 2, 3},
	}
	for _, tt := range tests {
		got := tl.Range(tt.from, tt.to)
		if len(got) != tt.wantLen {
			t.Errorf("Range(%d,%d): got %d frames, want %d", tt.from, tt.to, len(got), tt.wantLen)
			continue
		}
		if tt.wantLen > 0 && got[0].T != tt.wantFirst {
			t.Errorf("Range(%d,%d): first t=%d, want %d", tt.from, tt.to, got[0].T, tt.wantFirst)
		}
	}

	last, ok := tl.Last()
	if !ok || last.T != 4 {
		t.Errorf("last: got %d, %v", last.T, ok)
	}
	var empty Timeline
	if _, ok := empty.Last(); ok {
		t.Error("empty timeline has no last frame")
	}
}
