// Package controlplane carries live configuration changes into running
// tenant workers and pulls their state back. Both directions use the same
// envelope:
//
//	{"type":"process:msg","data":{"action":"...","requestId":"...", ...payload}}
//
// The daemon side is Hub; the worker side is Worker.
package controlplane

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType is the only envelope type on the wire.
const MessageType = "process:msg"

// Action names a request or reply kind.
type Action string

const (
	ActionUpdateProfile  Action = "updateProfile"
	ActionUpdatePresence Action = "updatePresence"
	ActionQueryProfile   Action = "queryProfile"
	ActionQueryMetrics   Action = "queryMetrics"

	ActionProfileData  Action = "profileData"
	ActionPresenceData Action = "presenceData"
	ActionMetricsData  Action = "metricsData"
	ActionRejected     Action = "rejected"
)

// ErrUnknownAction is returned when decoding an action this package does not
// model. Workers drop such messages.
var ErrUnknownAction = errors.New("unknown control action")

// Request is sent from the daemon to a worker.
type Request interface {
	Action() Action
	isRequest()
}

// Reply is sent from a worker back to the daemon.
type Reply interface {
	Action() Action
	isReply()
}

type UpdateProfile struct {
	BotName   string `json:"botName,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

type UpdatePresence struct {
	Status       string `json:"status,omitempty"` // online, idle, dnd, invisible
	Activity     string `json:"activity,omitempty"`
	ActivityType string `json:"activityType,omitempty"` // PLAYING, STREAMING, LISTENING, WATCHING, COMPETING
}

type QueryProfile struct{}

type QueryMetrics struct{}

func (UpdateProfile) Action() Action  { return ActionUpdateProfile }
func (UpdatePresence) Action() Action { return ActionUpdatePresence }
func (QueryProfile) Action() Action   { return ActionQueryProfile }
func (QueryMetrics) Action() Action   { return ActionQueryMetrics }

func (UpdateProfile) isRequest()  {}
func (UpdatePresence) isRequest() {}
func (QueryProfile) isRequest()   {}
func (QueryMetrics) isRequest()   {}

// Activity is one presence activity as the worker sees it.
type Activity struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// ProfileData answers updateProfile and queryProfile.
type ProfileData struct {
	BotName    string     `json:"botName"`
	Avatar     string     `json:"avatar,omitempty"`
	Status     string     `json:"status,omitempty"`
	Activities []Activity `json:"activities,omitempty"`
	Applied    bool       `json:"applied,omitempty"`
}

// PresenceData answers updatePresence.
type PresenceData struct {
	Status       string `json:"status,omitempty"`
	Activity     string `json:"activity,omitempty"`
	ActivityType string `json:"activityType,omitempty"`
}

type MemoryUsage struct {
	RSS      uint64 `json:"rss"`
	HeapUsed uint64 `json:"heapUsed"`
}

// CPUUsage is cumulative CPU time in microseconds.
type CPUUsage struct {
	User   int64 `json:"user"`
	System int64 `json:"system"`
}

// MetricsData answers queryMetrics. Uptime is in seconds.
type MetricsData struct {
	Memory     MemoryUsage `json:"memory"`
	CPU        CPUUsage    `json:"cpu"`
	Uptime     float64     `json:"uptime"`
	Goroutines int         `json:"goroutines,omitempty"`
}

// Rejected is an explicit refusal. Workers built on this package never send
// it, but the daemon understands it.
type Rejected struct {
	Reason string `json:"reason,omitempty"`
}

func (ProfileData) Action() Action  { return ActionProfileData }
func (PresenceData) Action() Action { return ActionPresenceData }
func (MetricsData) Action() Action  { return ActionMetricsData }
func (Rejected) Action() Action     { return ActionRejected }

func (ProfileData) isReply()  {}
func (PresenceData) isReply() {}
func (MetricsData) isReply()  {}
func (Rejected) isReply()     {}

// envelope is the outer frame.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// header holds the fields every payload carries.
type header struct {
	Action    Action `json:"action"`
	RequestID string `json:"requestId,omitempty"`
}

// Encode frames a request or reply with its action and requestID.
func Encode(requestID string, msg interface{ Action() Action }) ([]byte, error) {
	data, err := payload(requestID, msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: MessageType, Data: data})
}

// payload flattens msg into one object next to action and requestId.
func payload(requestID string, msg interface{ Action() Action }) (json.RawMessage, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Action(), err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Action(), err)
	}
	fields["action"], _ = json.Marshal(msg.Action())
	if requestID != "" {
		fields["requestId"], _ = json.Marshal(requestID)
	}
	return json.Marshal(fields)
}

// unwrap checks the envelope type and returns the header and raw payload.
func unwrap(frame []byte) (header, json.RawMessage, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return header{}, nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type != MessageType || len(env.Data) == 0 {
		return header{}, nil, fmt.Errorf("unexpected envelope type %q", env.Type)
	}
	var h header
	if err := json.Unmarshal(env.Data, &h); err != nil {
		return header{}, nil, fmt.Errorf("decode header: %w", err)
	}
	return h, env.Data, nil
}

// DecodeRequest parses a frame sent to a worker.
func DecodeRequest(frame []byte) (string, Request, error) {
	h, data, err := unwrap(frame)
	if err != nil {
		return "", nil, err
	}
	var req Request
	switch h.Action {
	case ActionUpdateProfile:
		var r UpdateProfile
		err = json.Unmarshal(data, &r)
		req = r
	case ActionUpdatePresence:
		var r UpdatePresence
		err = json.Unmarshal(data, &r)
		req = r
	case ActionQueryProfile:
		req = QueryProfile{}
	case ActionQueryMetrics:
		req = QueryMetrics{}
	default:
		return h.RequestID, nil, fmt.Errorf("%w: %q", ErrUnknownAction, h.Action)
	}
	if err != nil {
		return h.RequestID, nil, fmt.Errorf("decode %s: %w", h.Action, err)
	}
	return h.RequestID, req, nil
}

// DecodeReply parses a frame sent by a worker.
func DecodeReply(frame []byte) (string, Reply, error) {
	h, data, err := unwrap(frame)
	if err != nil {
		return "", nil, err
	}
	rep, err := decodeReply(h.Action, data)
	return h.RequestID, rep, err
}

func decodeReply(action Action, data json.RawMessage) (Reply, error) {
	var (
		rep Reply
		err error
	)
	switch action {
	case ActionProfileData:
		var r ProfileData
		err = json.Unmarshal(data, &r)
		rep = r
	case ActionPresenceData:
		var r PresenceData
		err = json.Unmarshal(data, &r)
		rep = r
	case ActionMetricsData:
		var r MetricsData
		err = json.Unmarshal(data, &r)
		rep = r
	case ActionRejected:
		var r Rejected
		err = json.Unmarshal(data, &r)
		rep = r
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", action, err)
	}
	return rep, nil
}

// expects reports whether rep is a valid answer to req.
func expects(req Action, rep Action) bool {
	if rep == ActionRejected {
		return true
	}
	switch req {
	case ActionUpdateProfile, ActionQueryProfile:
		return rep == ActionProfileData
	case ActionUpdatePresence:
		return rep == ActionPresenceData
	case ActionQueryMetrics:
		return rep == ActionMetricsData
	}
	return false
}

// Outcome classifies a control round trip.
type Outcome string

const (
	OutcomeReplied  Outcome = "replied"
	OutcomePending  Outcome = "pending"
	OutcomeRejected Outcome = "rejected"
)

// Result is what a caller of Hub.Send gets back. Reply is nil unless Outcome
// is replied or rejected.
type Result struct {
	Outcome   Outcome `json:"outcome"`
	RequestID string  `json:"requestId"`
	Reply     Reply   `json:"reply,omitempty"`
}

type resultJSON struct {
	Outcome   Outcome         `json:"outcome"`
	RequestID string          `json:"requestId"`
	Reply     json.RawMessage `json:"reply,omitempty"`
}

// MarshalJSON writes the reply with its action so it can be decoded again.
func (r Result) MarshalJSON() ([]byte, error) {
	out := resultJSON{Outcome: r.Outcome, RequestID: r.RequestID}
	if r.Reply != nil {
		data, err := payload("", r.Reply)
		if err != nil {
			return nil, err
		}
		out.Reply = data
	}
	return json.Marshal(out)
}

func (r *Result) UnmarshalJSON(b []byte) error {
	var in resultJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	*r = Result{Outcome: in.Outcome, RequestID: in.RequestID}
	if len(in.Reply) == 0 || string(in.Reply) == "null" {
		return nil
	}
	var h header
	if err := json.Unmarshal(in.Reply, &h); err != nil {
		return err
	}
	rep, err := decodeReply(h.Action, in.Reply)
	if err != nil {
		return err
	}
	r.Reply = rep
	return nil
}

// ParseRequest builds a Request from an action name and its JSON payload, as
// submitted through the operator API.
func ParseRequest(action Action, payload json.RawMessage) (Request, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	switch action {
	case ActionUpdateProfile:
		var r UpdateProfile
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil, err
		}
		return r, nil
	case ActionUpdatePresence:
		var r UpdatePresence
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil, err
		}
		return r, nil
	case ActionQueryProfile:
		return QueryProfile{}, nil
	case ActionQueryMetrics:
		return QueryMetrics{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
}
