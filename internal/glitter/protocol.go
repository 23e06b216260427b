// Package glitter is the reducer↔worker wire protocol: a strict
// request/reply action channel and a broadcast event channel, both carried
// as multipart frames inside WebSocket binary messages.
package glitter

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ProtocolVer is checked during the worker handshake. Bump it whenever the
// wire format or the projection semantics change incompatibly.
const ProtocolVer = "glitter.ws.v2"

const (
	CallTimeout = 5 * time.Second
	SyncTimeout = 7 * time.Second
)

// EventType tags an event frame. The byte values are part of the protocol.
type EventType byte

const (
	EventSync EventType = 0x01

	EventReloadGamePolicy EventType = 0x11
	EventReloadTrigger    EventType = 0x12

	EventUpdateAnnouncement EventType = 0x21
	EventUpdateChallenge    EventType = 0x22
	EventUpdateUser         EventType = 0x23
	EventUpdateSubmission   EventType = 0x24

	EventNewSubmission EventType = 0x31
	EventTickUpdate    EventType = 0x32
)

func (t EventType) String() string {
	switch t {
	case EventSync:
		return "SYNC"
	case EventReloadGamePolicy:
		return "RELOAD_GAME_POLICY"
	case EventReloadTrigger:
		return "RELOAD_TRIGGER"
	case EventUpdateAnnouncement:
		return "UPDATE_ANNOUNCEMENT"
	case EventUpdateChallenge:
		return "UPDATE_CHALLENGE"
	case EventUpdateUser:
		return "UPDATE_USER"
	case EventUpdateSubmission:
		return "UPDATE_SUBMISSION"
	case EventNewSubmission:
		return "NEW_SUBMISSION"
	case EventTickUpdate:
		return "TICK_UPDATE"
	default:
		return fmt.Sprintf("EVENT_%#02x", byte(t))
	}
}

func validEventType(t EventType) bool {
	switch t {
	case EventSync, EventReloadGamePolicy, EventReloadTrigger,
		EventUpdateAnnouncement, EventUpdateChallenge, EventUpdateUser,
		EventUpdateSubmission, EventNewSubmission, EventTickUpdate:
		return true
	}
	return false
}

// Event is what the reducer publishes to every worker. Data is an entity id,
// a tick number, or zero depending on Type.
type Event struct {
	Type         EventType
	StateCounter int64
	Data         int64
}

// Encode renders the three-part wire form: [type][ascii counter][ascii data].
func (e Event) Encode() [][]byte {
	return [][]byte{
		{byte(e.Type)},
		[]byte(strconv.FormatInt(e.StateCounter, 10)),
		[]byte(strconv.FormatInt(e.Data, 10)),
	}
}

func DecodeEvent(parts [][]byte) (Event, error) {
	if len(parts) != 3 {
		return Event{}, fmt.Errorf("event packet should contain three parts, got %d", len(parts))
	}
	if len(parts[0]) != 1 || !validEventType(EventType(parts[0][0])) {
		return Event{}, fmt.Errorf("bad event type part %q", parts[0])
	}
	cnt, err := strconv.ParseInt(string(parts[1]), 10, 64)
	if err != nil {
		return Event{}, fmt.Errorf("bad state counter part: %w", err)
	}
	data, err := strconv.ParseInt(string(parts[2]), 10, 64)
	if err != nil {
		return Event{}, fmt.Errorf("bad data part: %w", err)
	}
	return Event{Type: EventType(parts[0][0]), StateCounter: cnt, Data: data}, nil
}

// ActionReq is a typed request on the action channel. Client is the sending
// process name, used for telemetry bookkeeping and logs.
type ActionReq interface {
	Type() string
	ClientName() string
}

type WorkerHelloReq struct {
	Client      string `json:"client"`
	ProtocolVer string `json:"protocol_ver"`
}

type WorkerHeartbeatReq struct {
	Client    string         `json:"client"`
	Telemetry map[string]any `json:"telemetry"`
}

type RegUserReq struct {
	Client          string         `json:"client"`
	LoginKey        string         `json:"login_key"`
	LoginProperties map[string]any `json:"login_properties"`
	Group           string         `json:"group"`
}

type UpdateProfileReq struct {
	Client  string            `json:"client"`
	UID     int64             `json:"uid"`
	Profile map[string]string `json:"profile"`
}

type AgreeTermReq struct {
	Client string `json:"client"`
	UID    int64  `json:"uid"`
}

type SubmitFlagReq struct {
	Client       string `json:"client"`
	UID          int64  `json:"uid"`
	ChallengeKey string `json:"challenge_key"`
	Flag         string `json:"flag"`
}

type SubmitFeedbackReq struct {
	Client       string `json:"client"`
	UID          int64  `json:"uid"`
	ChallengeKey string `json:"challenge_key"`
	Feedback     string `json:"feedback"`
}

func (r *WorkerHelloReq) Type() string     { return "WorkerHello" }
func (r *WorkerHeartbeatReq) Type() string { return "WorkerHeartbeat" }
func (r *RegUserReq) Type() string         { return "RegUser" }
func (r *UpdateProfileReq) Type() string   { return "UpdateProfile" }
func (r *AgreeTermReq) Type() string       { return "AgreeTerm" }
func (r *SubmitFlagReq) Type() string      { return "SubmitFlag" }
func (r *SubmitFeedbackReq) Type() string  { return "SubmitFeedback" }

func (r *WorkerHelloReq) ClientName() string     { return r.Client }
func (r *WorkerHeartbeatReq) ClientName() string { return r.Client }
func (r *RegUserReq) ClientName() string         { return r.Client }
func (r *UpdateProfileReq) ClientName() string   { return r.Client }
func (r *AgreeTermReq) ClientName() string       { return r.Client }
func (r *SubmitFlagReq) ClientName() string      { return r.Client }
func (r *SubmitFeedbackReq) ClientName() string  { return r.Client }

// ActionRep is the reply to any action. ErrorMsg is empty on success.
// StateCounter is the reducer's counter at the moment of reply, after any
// increment the action caused; -1 on malformed packets.
type ActionRep struct {
	ErrorMsg     string `json:"error_msg"`
	StateCounter int64  `json:"state_counter"`
}

type reqEnvelope struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

// EncodeReq serializes a request into its tagged envelope.
func EncodeReq(req ActionReq) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal %s body: %w", req.Type(), err)
	}
	return json.Marshal(reqEnvelope{Type: req.Type(), Body: body})
}

// DecodeReq parses a tagged envelope into the concrete request type.
func DecodeReq(data []byte) (ActionReq, error) {
	var env reqEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	var req ActionReq
	switch env.Type {
	case "WorkerHello":
		req = &WorkerHelloReq{}
	case "WorkerHeartbeat":
		req = &WorkerHeartbeatReq{}
	case "RegUser":
		req = &RegUserReq{}
	case "UpdateProfile":
		req = &UpdateProfileReq{}
	case "AgreeTerm":
		req = &AgreeTermReq{}
	case "SubmitFlag":
		req = &SubmitFlagReq{}
	case "SubmitFeedback":
		req = &SubmitFeedbackReq{}
	default:
		return nil, fmt.Errorf("unknown action type %q", env.Type)
	}
	if err := json.Unmarshal(env.Body, req); err != nil {
		return nil, fmt.Errorf("unmarshal %s body: %w", env.Type, err)
	}
	return req, nil
}

func EncodeRep(rep ActionRep) ([]byte, error) {
	return json.Marshal(rep)
}

func DecodeRep(data []byte) (ActionRep, error) {
	var rep ActionRep
	if err := json.Unmarshal(data, &rep); err != nil {
		return ActionRep{}, fmt.Errorf("unmarshal action rep: %w", err)
	}
	return rep, nil
}
