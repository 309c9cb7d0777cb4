package agent

import (
	"encoding/json"
	"time"

	"github.com/openziti/vmlab/kernel/model"
)

// MessageType discriminates JSONL lines on the control channel.
type MessageType string

const (
	// controller -> agent
	MsgHello       MessageType = "hello"
	MsgExec        MessageType = "exec"
	MsgAppStart    MessageType = "app_start"
	MsgAppStop     MessageType = "app_stop"
	MsgClock       MessageType = "clock"
	MsgClockAdjust MessageType = "clock_adjust"
	MsgFileGet     MessageType = "file_get"
	MsgFilePut     MessageType = "file_put"
	MsgShutdown    MessageType = "shutdown"

	// agent -> controller
	MsgReady    MessageType = "ready"
	MsgAck      MessageType = "ack"
	MsgExit     MessageType = "exit"
	MsgEvent    MessageType = "event"
	MsgLog      MessageType = "log"
	MsgData     MessageType = "data"
	MsgPreserve MessageType = "preserve"
	MsgFileData MessageType = "file_data"
	MsgError    MessageType = "error"
)

// Message is one line of the protocol. Replies carry the request's ID in Ref.
type Message struct {
	Type     MessageType     `json:"type"`
	ID       string          `json:"id,omitempty"`
	Ref      string          `json:"ref,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	ExitCode int             `json:"exit_code,omitempty"`
	Error    string          `json:"error,omitempty"`
}

type HelloPayload struct {
	Instance string `json:"instance"`
}

type ReadyPayload struct {
	Version  string `json:"version"`
	Hostname string `json:"hostname,omitempty"`
}

type ExecPayload struct {
	Command []string          `json:"cmd"`
	Env     map[string]string `json:"env,omitempty"`
	Timeout int64             `json:"timeout_ms,omitempty"`
}

// AppStartPayload asks the agent to start an Application at StartAt (controller clock, unix ns).
// Runtime 0 means unbounded.
type AppStartPayload struct {
	App          string            `json:"app"`
	Argv         []string          `json:"argv"`
	Env          map[string]string `json:"env,omitempty"`
	StartAt      int64             `json:"start_at"`
	Runtime      int64             `json:"runtime_ns,omitempty"`
	ReadyPattern string            `json:"ready_pattern,omitempty"`
	Builtin      string            `json:"builtin,omitempty"`
	Params       map[string]any    `json:"params,omitempty"`
}

type AppStopPayload struct {
	App string `json:"app"`
}

type ClockPayload struct {
	Now int64 `json:"now"`
}

type ClockAdjustPayload struct {
	Offset int64 `json:"offset_ns"`
}

type EventPayload struct {
	App       string          `json:"app"`
	Kind      model.EventKind `json:"kind"`
	Timestamp int64           `json:"ts"`
	ExitCode  int             `json:"exit_code,omitempty"`
}

type LogPayload struct {
	App    string `json:"app,omitempty"`
	Stream string `json:"stream,omitempty"`
	Line   string `json:"line"`
}

type DataPayload struct {
	App         string         `json:"app"`
	Measurement string         `json:"measurement"`
	Fields      map[string]any `json:"fields"`
	Tags        map[string]any `json:"tags,omitempty"`
	Timestamp   int64          `json:"ts"`
}

type PreservePayload struct {
	App  string `json:"app,omitempty"`
	Path string `json:"path"`
}

type FilePayload struct {
	Path string `json:"path"`
	Data []byte `json:"data,omitempty"`
	Mode uint32 `json:"mode,omitempty"`
}

// EventType classifies what an instance reported outside of a request/response exchange.
type EventType string

const (
	EventApp      EventType = "app"
	EventLog      EventType = "log"
	EventData     EventType = "data"
	EventPreserve EventType = "preserve"
)

// Event is one unsolicited report from an instance, delivered in arrival order.
type Event struct {
	Type     EventType
	Instance string
	App      string
	Received time.Time

	// EventApp
	Kind      model.EventKind
	Timestamp time.Time
	ExitCode  int

	// EventLog
	Stream string
	Line   string

	// EventData
	Measurement string
	Fields      map[string]any
	Tags        map[string]any

	// EventPreserve
	Path string
}

func newMessage(t MessageType, id string, payload any) (*Message, error) {
	msg := &Message{Type: t, ID: id}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		msg.Payload = raw
	}
	return msg, nil
}

func (m *Message) decode(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

func fromUnixNano(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
