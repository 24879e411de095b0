package remote

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"
)

type stubTransport struct{ open bool }

func (t *stubTransport) Open() bool                       { return t.open }
func (t *stubTransport) Write(context.Context, any) error { return nil }
func (t *stubTransport) Close(string) error               { return nil }

func newTestConn() *Conn {
	return NewRegistry().Register(&stubTransport{open: true})
}

func ack(t *testing.T, env Envelope) AckPayload {
	t.Helper()
	state, ok := env.Payload.(AckPayload)
	if !ok {
		t.Fatalf("payload type %T, want AckPayload", env.Payload)
	}
	return state
}

func errCode(t *testing.T, env Envelope) string {
	t.Helper()
	if env.Type != TypeError {
		t.Fatalf("frame type %q, want error", env.Type)
	}
	p, ok := env.Payload.(ErrorPayload)
	if !ok {
		t.Fatalf("payload type %T, want ErrorPayload", env.Payload)
	}
	return p.Code
}

func TestSubscribeAckReflectsCanonicalState(t *testing.T) {
	c := newTestConn()

	reply := processFrame(c, []byte(`{"type":"subscribe","payload":{"taskIds":["  task-123  ","task-9",""],"projectId":" p1 ","events":["task-log","not-a-real-event"]}}`))
	if reply.Type != TypeSubscribe {
		t.Fatalf("reply type = %q, want subscribe", reply.Type)
	}
	if reply.Timestamp == "" {
		t.Fatal("outbound frames must carry a timestamp")
	}
	state := ack(t, reply)
	if !reflect.DeepEqual(state.TaskIDs, []string{"task-123", "task-9"}) {
		t.Fatalf("taskIds = %v, want trimmed deduped [task-123 task-9]", state.TaskIDs)
	}
	if !reflect.DeepEqual(state.ProjectIDs, []string{"p1"}) {
		t.Fatalf("projectIds = %v", state.ProjectIDs)
	}
	// Unknown event names are dropped silently, not an error.
	if !reflect.DeepEqual(state.Events, []string{"task-log"}) {
		t.Fatalf("events = %v, want [task-log]", state.Events)
	}

	// Re-subscribing the same task id does not duplicate it.
	state = ack(t, processFrame(c, []byte(`{"type":"subscribe","payload":{"taskIds":["task-123"]}}`)))
	if !reflect.DeepEqual(state.TaskIDs, []string{"task-123", "task-9"}) {
		t.Fatalf("taskIds after repeat = %v", state.TaskIDs)
	}
}

func TestSubscribeWithoutPayload(t *testing.T) {
	c := newTestConn()
	if code := errCode(t, processFrame(c, []byte(`{"type":"subscribe"}`))); code != CodeInvalidPayload {
		t.Fatalf("code = %q, want INVALID_PAYLOAD", code)
	}
	if code := errCode(t, processFrame(c, []byte(`{"type":"subscribe","payload":null}`))); code != CodeInvalidPayload {
		t.Fatalf("null payload code = %q, want INVALID_PAYLOAD", code)
	}
}

func TestUnsubscribeRemovesListedEntries(t *testing.T) {
	c := newTestConn()
	processFrame(c, []byte(`{"type":"subscribe","payload":{"taskIds":["t1","t2"],"projectId":"p1","events":["task-log","task-error"]}}`))

	state := ack(t, processFrame(c, []byte(`{"type":"unsubscribe","payload":{"taskIds":["t1","never-subscribed"],"events":["task-error"]}}`)))
	if !reflect.DeepEqual(state.TaskIDs, []string{"t2"}) {
		t.Fatalf("taskIds = %v, want [t2]", state.TaskIDs)
	}
	if !reflect.DeepEqual(state.ProjectIDs, []string{"p1"}) {
		t.Fatalf("projectIds = %v, want [p1] untouched", state.ProjectIDs)
	}
	if !reflect.DeepEqual(state.Events, []string{"task-log"}) {
		t.Fatalf("events = %v, want [task-log]", state.Events)
	}
}

func TestUnsubscribeWithoutPayloadResetsEverything(t *testing.T) {
	c := newTestConn()
	processFrame(c, []byte(`{"type":"subscribe","payload":{"taskIds":["t"],"projectId":"p","events":["task-log"]}}`))

	state := ack(t, processFrame(c, []byte(`{"type":"unsubscribe"}`)))
	if len(state.TaskIDs) != 0 || len(state.ProjectIDs) != 0 || len(state.Events) != 0 {
		t.Fatalf("full reset left state %+v", state)
	}
	// Arrays serialize as [], never null.
	data, err := json.Marshal(state)
	if err != nil {
		t.Fatalf("marshal ack: %v", err)
	}
	want := `{"taskIds":[],"projectIds":[],"events":[]}`
	if string(data) != want {
		t.Fatalf("ack JSON = %s, want %s", data, want)
	}
}

func TestPingYieldsPong(t *testing.T) {
	c := newTestConn()
	before := c.LastActivity()
	reply := processFrame(c, []byte(`{"type":"ping"}`))
	if reply.Type != TypePong {
		t.Fatalf("reply type = %q, want pong", reply.Type)
	}
	if c.LastActivity().Before(before) {
		t.Fatal("ping must update lastActivity")
	}
}

func TestFrameErrors(t *testing.T) {
	c := newTestConn()
	tests := []struct {
		name string
		raw  string
		code string
	}{
		{"invalid json", `{not json`, CodeParseError},
		{"non-object frame", `[1,2,3]`, CodeInvalidMessage},
		{"missing type", `{"payload":{}}`, CodeInvalidMessage},
		{"numeric type", `{"type":42}`, CodeInvalidMessage},
		{"empty type", `{"type":""}`, CodeInvalidMessage},
		{"unknown type", `{"type":"restart"}`, CodeUnknownType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := errCode(t, processFrame(c, []byte(tt.raw))); code != tt.code {
				t.Fatalf("code = %q, want %q", code, tt.code)
			}
		})
	}

	// Unknown type errors carry the offending type name.
	reply := processFrame(c, []byte(`{"type":"restart"}`))
	if p := reply.Payload.(ErrorPayload); p.Message != "restart" {
		t.Fatalf("unknown type message = %q, want the type itself", p.Message)
	}
}

func TestConnectionUsableAfterParseError(t *testing.T) {
	c := newTestConn()
	if code := errCode(t, processFrame(c, []byte(`garbage`))); code != CodeParseError {
		t.Fatalf("code = %q, want PARSE_ERROR", code)
	}
	if reply := processFrame(c, []byte(`{"type":"ping"}`)); reply.Type != TypePong {
		t.Fatalf("connection unusable after parse error: got %q", reply.Type)
	}
}
