package remote_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/taskpilot/internal/agent"
	"github.com/basket/taskpilot/internal/events"
	"github.com/basket/taskpilot/internal/remote"
)

const testAPIKey = "remote-test-key"

type testEnv struct {
	server *remote.Server
	addr   string
	agent  *events.Emitter
}

func startTestServer(t *testing.T) *testEnv {
	t.Helper()
	agentEvents := events.NewEmitter()
	watcherEvents := events.NewEmitter()
	srv := remote.NewServer(remote.ServerConfig{
		APIKeys:       testAPIKey + ", spare-key",
		BindAddr:      "127.0.0.1:0",
		AgentEvents:   agentEvents,
		WatcherEvents: watcherEvents,
	})
	res := srv.Start(context.Background())
	if res.State != remote.StateEnabled {
		t.Fatalf("Start = %+v, want enabled", res)
	}
	t.Cleanup(func() { srv.Shutdown(context.Background()) })
	return &testEnv{server: srv, addr: res.Addr, agent: agentEvents}
}

func (e *testEnv) dial(t *testing.T, key string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	opts := &websocket.DialOptions{}
	if key != "" {
		opts.HTTPHeader = http.Header{"X-API-Key": []string{key}}
	}
	conn, _, err := websocket.Dial(ctx, "ws://"+e.addr+"/ws", opts)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close(websocket.StatusNormalClosure, "test done")
	})
	return conn
}

type frame struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp"`
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var f frame
	if err := wsjson.Read(ctx, conn, &f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func writeRaw(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(raw)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestStartDisabledWithoutKeys(t *testing.T) {
	srv := remote.NewServer(remote.ServerConfig{
		APIKeys:       "  ",
		BindAddr:      "127.0.0.1:0",
		AgentEvents:   events.NewEmitter(),
		WatcherEvents: events.NewEmitter(),
	})
	res := srv.Start(context.Background())
	if res.State != remote.StateDisabled {
		t.Fatalf("Start = %+v, want disabled", res)
	}
	if res.Reason == "" {
		t.Fatal("disabled result must carry a reason")
	}
	// Shutdown of a never-started server is a no-op.
	if sr := srv.Shutdown(context.Background()); !sr.Clean() {
		t.Fatalf("Shutdown = %+v", sr)
	}
}

func TestStartFailsOnBadBindAddr(t *testing.T) {
	srv := remote.NewServer(remote.ServerConfig{
		APIKeys:       "k",
		BindAddr:      "256.256.256.256:99999",
		AgentEvents:   events.NewEmitter(),
		WatcherEvents: events.NewEmitter(),
	})
	res := srv.Start(context.Background())
	if res.State != remote.StateFailed || res.Err == nil {
		t.Fatalf("Start = %+v, want structured failure", res)
	}
	// Feature stays disabled; no bridge registrations leak.
	if srv.Bridge().Active() {
		t.Fatal("bridge active after failed start")
	}
}

func TestStartIsIdempotent(t *testing.T) {
	env := startTestServer(t)
	again := env.server.Start(context.Background())
	if again.State != remote.StateEnabled || again.Addr != env.addr {
		t.Fatalf("re-entrant Start = %+v, want existing addr %s", again, env.addr)
	}
}

func TestUpgradeRequiresCredential(t *testing.T) {
	env := startTestServer(t)

	resp, err := http.Get("http://" + env.addr + "/ws")
	if err != nil {
		t.Fatalf("GET /ws: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no credential: status %d, want 401", resp.StatusCode)
	}
	if env.server.Registry().Count() != 0 {
		t.Fatal("rejected upgrade must not create connection state")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err = websocket.Dial(ctx, "ws://"+env.addr+"/ws", &websocket.DialOptions{
		HTTPHeader: http.Header{"X-API-Key": []string{"wrong"}},
	})
	if err == nil {
		t.Fatal("dial with invalid key should fail")
	}
}

func TestUpgradeViaQueryParameter(t *testing.T) {
	env := startTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, fmt.Sprintf("ws://%s/ws?api_key=%s", env.addr, testAPIKey), nil)
	if err != nil {
		t.Fatalf("dial with query credential: %v", err)
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")
}

func TestSubscribeAckOverWire(t *testing.T) {
	env := startTestServer(t)
	conn := env.dial(t, testAPIKey)

	writeRaw(t, conn, `{"type":"subscribe","payload":{"taskIds":["  task-123  "],"events":["task-log","bogus"]}}`)
	f := readFrame(t, conn)
	if f.Type != "subscribe" || f.Timestamp == "" {
		t.Fatalf("ack frame = %+v", f)
	}
	var state struct {
		TaskIDs    []string `json:"taskIds"`
		ProjectIDs []string `json:"projectIds"`
		Events     []string `json:"events"`
	}
	if err := json.Unmarshal(f.Payload, &state); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if len(state.TaskIDs) != 1 || state.TaskIDs[0] != "task-123" {
		t.Fatalf("taskIds = %v, want trimmed [task-123]", state.TaskIDs)
	}
	if len(state.Events) != 1 || state.Events[0] != "task-log" {
		t.Fatalf("events = %v, want [task-log] with bogus dropped", state.Events)
	}
	if state.ProjectIDs == nil {
		t.Fatal("projectIds must serialize as [], not null")
	}
}

func TestParseErrorThenPingStillWorks(t *testing.T) {
	env := startTestServer(t)
	conn := env.dial(t, testAPIKey)

	writeRaw(t, conn, `{definitely not json`)
	f := readFrame(t, conn)
	var errPayload struct {
		Code string `json:"code"`
	}
	if f.Type != "error" || json.Unmarshal(f.Payload, &errPayload) != nil || errPayload.Code != "PARSE_ERROR" {
		t.Fatalf("frame = %+v, want error PARSE_ERROR", f)
	}

	writeRaw(t, conn, `{"type":"ping"}`)
	if f := readFrame(t, conn); f.Type != "pong" {
		t.Fatalf("frame = %+v, want pong after recovering from parse error", f)
	}
}

func TestEndToEndEventFilter(t *testing.T) {
	env := startTestServer(t)
	conn := env.dial(t, testAPIKey)

	writeRaw(t, conn, `{"type":"subscribe","payload":{"events":["task-log"]}}`)
	readFrame(t, conn) // ack

	// A task-error for the same task must produce zero frames; the
	// following task-log must be the next frame the client sees.
	env.agent.Emit(agent.EventError, agent.ErrorEvent{TaskID: "t1", Text: "nope"})
	env.agent.Emit(agent.EventLog, agent.LogEvent{TaskID: "t1", Text: "hello log"})

	f := readFrame(t, conn)
	if f.Type != "task-log" {
		t.Fatalf("frame type = %q, want task-log (task-error filtered out)", f.Type)
	}
	var payload struct {
		TaskID string `json:"taskId"`
		Log    string `json:"log"`
	}
	if err := json.Unmarshal(f.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.TaskID != "t1" || payload.Log != "hello log" {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestShutdownCapturesStats(t *testing.T) {
	env := startTestServer(t)
	conn := env.dial(t, testAPIKey)
	writeRaw(t, conn, `{"type":"ping"}`)
	readFrame(t, conn)

	env.agent.Emit(agent.EventLog, agent.LogEvent{TaskID: "t1", Text: "one"})
	env.agent.Emit(agent.EventLog, agent.LogEvent{TaskID: "t1", Text: "two"})

	res := env.server.Shutdown(context.Background())
	if !res.Clean() {
		t.Fatalf("Shutdown errs = %v", res.Errs)
	}
	if res.Stats.Connections != 1 {
		t.Fatalf("stats connections = %d, want 1", res.Stats.Connections)
	}
	if res.Stats.BridgedEvents != 2 {
		t.Fatalf("stats bridged events = %d, want 2", res.Stats.BridgedEvents)
	}
	if env.server.Registry().Count() != 0 {
		t.Fatal("registry not cleared by shutdown")
	}
	if env.server.Bridge().Active() {
		t.Fatal("bridge still active after shutdown")
	}

	// Second shutdown is a no-op with zeroed stats.
	if again := env.server.Shutdown(context.Background()); again.Stats.Connections != 0 {
		t.Fatalf("redundant shutdown stats = %+v", again.Stats)
	}
}

func TestHealthzNeedsNoCredential(t *testing.T) {
	env := startTestServer(t)
	resp, err := http.Get("http://" + env.addr + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	var health struct {
		Healthy bool `json:"healthy"`
	}
	if err := json.Unmarshal(body, &health); err != nil || !health.Healthy {
		t.Fatalf("health body = %s", body)
	}
}

func TestAPIStatusRequiresCredential(t *testing.T) {
	env := startTestServer(t)

	resp, err := http.Get("http://" + env.addr + "/api/status")
	if err != nil {
		t.Fatalf("GET /api/status: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no key: status %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, "http://"+env.addr+"/api/status", nil)
	req.Header.Set("X-API-Key", testAPIKey)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("authed GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authed status = %d, want 200", resp.StatusCode)
	}
	var status struct {
		BridgeActive bool `json:"bridge_active"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil || !status.BridgeActive {
		t.Fatalf("status body decode err=%v active=%v", err, status.BridgeActive)
	}
}
