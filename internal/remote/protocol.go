package remote

import (
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// MessageType enumerates every frame type on the event feed, inbound
// and outbound.
type MessageType string

const (
	// Inbound client frames.
	TypeSubscribe   MessageType = "subscribe"
	TypeUnsubscribe MessageType = "unsubscribe"
	TypePing        MessageType = "ping"

	// Outbound control frames.
	TypePong  MessageType = "pong"
	TypeError MessageType = "error"

	// Outbound broadcast frames.
	TypeTaskProgress          MessageType = "task-progress"
	TypeTaskStatusChange      MessageType = "task-status-change"
	TypeTaskLog               MessageType = "task-log"
	TypeTaskError             MessageType = "task-error"
	TypeTaskExecutionProgress MessageType = "task-execution-progress"
)

// knownMessageTypes gates which event names a client may subscribe to.
var knownMessageTypes = map[string]struct{}{
	string(TypeSubscribe):             {},
	string(TypeUnsubscribe):           {},
	string(TypePing):                  {},
	string(TypePong):                  {},
	string(TypeError):                 {},
	string(TypeTaskProgress):          {},
	string(TypeTaskStatusChange):      {},
	string(TypeTaskLog):               {},
	string(TypeTaskError):             {},
	string(TypeTaskExecutionProgress): {},
}

// Protocol error codes sent in error frames.
const (
	CodeParseError     = "PARSE_ERROR"
	CodeInvalidMessage = "INVALID_MESSAGE"
	CodeUnknownType    = "UNKNOWN_TYPE"
	CodeInvalidPayload = "INVALID_PAYLOAD"
	CodeInternalError  = "INTERNAL_ERROR"
)

// Envelope is the frame unit exchanged over the event feed. Timestamp
// is set on outbound server frames only.
type Envelope struct {
	Type      MessageType `json:"type"`
	Payload   any         `json:"payload,omitempty"`
	Timestamp string      `json:"timestamp,omitempty"`
}

// NewEnvelope stamps an outbound envelope with the current UTC time.
func NewEnvelope(t MessageType, payload any) Envelope {
	return Envelope{
		Type:      t,
		Payload:   payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// ErrorPayload is the payload of an error frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func errorEnvelope(code, message string) Envelope {
	return NewEnvelope(TypeError, ErrorPayload{Code: code, Message: message})
}

// SubscriptionRequest is the payload of subscribe/unsubscribe frames.
type SubscriptionRequest struct {
	TaskIDs   []string `json:"taskIds"`
	ProjectID string   `json:"projectId"`
	Events    []string `json:"events"`
}

// AckPayload is the canonical post-mutation subscription state echoed
// back on subscribe/unsubscribe acks. Arrays are always present, sorted,
// and never null.
type AckPayload struct {
	TaskIDs    []string `json:"taskIds"`
	ProjectIDs []string `json:"projectIds"`
	Events     []string `json:"events"`
}

func ackFromSubscription(sub Subscription) AckPayload {
	return AckPayload{
		TaskIDs:    sortedKeys(sub.TaskIDs),
		ProjectIDs: sortedKeys(sub.ProjectIDs),
		Events:     sortedKeys(sub.EventTypes),
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// inboundFrame is the raw shape of a client frame before dispatch.
type inboundFrame struct {
	Type    json.RawMessage `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// processFrame handles one inbound frame and returns the reply
// envelope. Every frame terminates in exactly one reply; failures are
// reported to the sender only and never close the connection or reach
// the caller.
func processFrame(c *Conn, raw []byte) (reply Envelope) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("frame handler panicked", "conn_id", c.ID(), "panic", r)
			reply = errorEnvelope(CodeInternalError, "internal error")
		}
	}()

	if !json.Valid(raw) {
		return errorEnvelope(CodeParseError, "invalid JSON")
	}
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		// Valid JSON but not an object.
		return errorEnvelope(CodeInvalidMessage, "frame must be a JSON object")
	}

	var msgType string
	if len(frame.Type) == 0 || json.Unmarshal(frame.Type, &msgType) != nil || msgType == "" {
		return errorEnvelope(CodeInvalidMessage, "message type must be a non-empty string")
	}

	switch MessageType(msgType) {
	case TypeSubscribe:
		req, ok := decodeSubscriptionRequest(frame.Payload)
		if !ok {
			return errorEnvelope(CodeInvalidPayload, "subscribe requires a payload object")
		}
		state := c.applySubscribe(req)
		return NewEnvelope(TypeSubscribe, state)
	case TypeUnsubscribe:
		if len(frame.Payload) == 0 || string(frame.Payload) == "null" {
			// No payload: full reset back to wildcard.
			return NewEnvelope(TypeUnsubscribe, c.resetSubscription())
		}
		req, ok := decodeSubscriptionRequest(frame.Payload)
		if !ok {
			return errorEnvelope(CodeInvalidPayload, "unsubscribe payload must be an object")
		}
		return NewEnvelope(TypeUnsubscribe, c.applyUnsubscribe(req))
	case TypePing:
		c.touch()
		return NewEnvelope(TypePong, nil)
	default:
		return errorEnvelope(CodeUnknownType, msgType)
	}
}

func decodeSubscriptionRequest(raw json.RawMessage) (SubscriptionRequest, bool) {
	var req SubscriptionRequest
	if len(raw) == 0 || string(raw) == "null" {
		return req, false
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return req, false
	}
	return req, true
}

// applySubscribe merges the request into the connection's subscription
// and returns the canonical post-merge state. Entries are trimmed;
// blanks are dropped; unknown event names are silently ignored.
func (c *Conn) applySubscribe(req SubscriptionRequest) AckPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now()
	for _, id := range req.TaskIDs {
		if id = strings.TrimSpace(id); id != "" {
			c.sub.TaskIDs[id] = struct{}{}
		}
	}
	if id := strings.TrimSpace(req.ProjectID); id != "" {
		c.sub.ProjectIDs[id] = struct{}{}
	}
	for _, name := range req.Events {
		name = strings.TrimSpace(name)
		if _, known := knownMessageTypes[name]; known {
			c.sub.EventTypes[name] = struct{}{}
		}
	}
	return ackFromSubscription(c.sub)
}

// applyUnsubscribe removes the listed entries; absent entries are
// no-ops.
func (c *Conn) applyUnsubscribe(req SubscriptionRequest) AckPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now()
	for _, id := range req.TaskIDs {
		delete(c.sub.TaskIDs, strings.TrimSpace(id))
	}
	if id := strings.TrimSpace(req.ProjectID); id != "" {
		delete(c.sub.ProjectIDs, id)
	}
	for _, name := range req.Events {
		delete(c.sub.EventTypes, strings.TrimSpace(name))
	}
	return ackFromSubscription(c.sub)
}

// resetSubscription clears all three sets entirely.
func (c *Conn) resetSubscription() AckPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now()
	c.sub = newSubscription()
	return ackFromSubscription(c.sub)
}
