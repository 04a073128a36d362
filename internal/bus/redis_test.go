package bus

import (
	"testing"

	"github.com/redis/go-redis/v9"
)

func TestStreamKey(t *testing.T) {
	if got := StreamKey("abc"); got != "delegate:run:abc:frames" {
		t.Errorf("got %q", got)
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		values  map[string]interface{}
		want    string
		wantErr bool
	}{
		{"frame", map[string]interface{}{"data": `{"type":"frame","run_id":"r","frame":{"t":3,"events":[]}}`}, TypeFrame, false},
		{"finish", map[string]interface{}{"data": `{"type":"finish","run_id":"r"}`}, TypeFinish, false},
		{"missing data", map[string]interface{}{"other": "x"}, "", true},
		{"bad json", map[string]interface{}{"data": "{"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := decode(redis.XMessage{ID: "1-0", Values: tt.values})
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if e.Type != tt.want || e.ID != "1-0" || e.RunID != "r" {
				t.Errorf("decoded %+v", e)
			}
		})
	}

	e, _ := decode(redis.XMessage{ID: "2-0", Values: map[string]interface{}{"data": `{"type":"frame","run_id":"r","frame":{"t":3,"events":[]}}`}})
	if e.Frame == nil || e.Frame.T != 3 {
		t.Errorf("frame not decoded: %+v", e.Frame)
	}
}
