// Package response implements the Response tagged union (spec.md §3): the
// Value/Status/Heartbeat/Error variants a Process emits as it executes, and
// the JSON wire shape polled by GET /request/responses/:id. The request-state
// envelope that accumulates them is job.RequestState.
package response

import (
	"encoding/json"
	"time"

	"github.com/dfm-io/dfm/internal/dfmerr"
)

const (
	ValueAPIClass     = "dfm.api.ValueResponse"
	StatusAPIClass    = "dfm.api.StatusResponse"
	HeartbeatAPIClass = "dfm.api.HeartbeatResponse"
	ErrorAPIClass     = "dfm.api.ErrorResponse"
)

// Response is a frozen record: one of Value, Status, Heartbeat or Error,
// carrying a server-assigned timestamp and an optional originating node
// identifier. Body holds the variant-specific payload.
type Response struct {
	NodeID    string
	Timestamp time.Time
	Body      Body
}

// Body is implemented by each response variant. APIClass returns the wire
// discriminator written into the Response's body.api_class field.
type Body interface {
	APIClass() string
}

// Value wraps an adapter's yielded value as JSON.
type Value struct {
	Data any `json:"data"`
}

func (Value) APIClass() string { return ValueAPIClass }

// Status carries a free-form progress message from a site.
type Status struct {
	Site    string `json:"site"`
	Message string `json:"message"`
}

func (Status) APIClass() string { return StatusAPIClass }

// Heartbeat signals that a site is alive and still working a request, with
// no value to report yet.
type Heartbeat struct {
	Site string `json:"site"`
}

func (Heartbeat) APIClass() string { return HeartbeatAPIClass }

// Error carries an HTTP-like numeric status, a message, and an optional
// traceback string. Constructed from a dfmerr.Error via FromError so every
// failure surfaced to a client uses the same status taxonomy the HTTP layer
// does (spec.md §7).
type Error struct {
	HTTPStatusCode int    `json:"http_status_code"`
	Message        string `json:"message"`
	Traceback      string `json:"traceback,omitempty"`
}

func (Error) APIClass() string { return ErrorAPIClass }

// NewValue builds a Value response for the given node.
func NewValue(nodeID string, data any) Response {
	return Response{NodeID: nodeID, Body: Value{Data: data}}
}

// NewStatus builds a Status response.
func NewStatus(nodeID, site, message string) Response {
	return Response{NodeID: nodeID, Body: Status{Site: site, Message: message}}
}

// NewHeartbeat builds a Heartbeat response.
func NewHeartbeat(nodeID, site string) Response {
	return Response{NodeID: nodeID, Body: Heartbeat{Site: site}}
}

// FromError builds an Error response from any error, classifying it via
// dfmerr.FromError first so a raw panic-recovered error still maps to a 500
// rather than losing its status entirely.
func FromError(nodeID string, err error, traceback string) Response {
	de := dfmerr.FromError(err)
	return Response{
		NodeID: nodeID,
		Body: Error{
			HTTPStatusCode: de.HTTPStatus(),
			Message:        de.Error(),
			Traceback:      traceback,
		},
	}
}

// IsTerminalValue reports whether r is a Value response — the only variant
// that counts toward satisfying a client's stop_node_ids wait set (spec.md
// §5, "Terminates when all stop_node_ids have each produced at least one
// Value response").
func (r Response) IsTerminalValue() bool {
	_, ok := r.Body.(Value)
	return ok
}

// wireResponse is the flat JSON shape: {node_id, timestamp, body:{api_class,...}}.
type wireResponse struct {
	NodeID    *string         `json:"node_id,omitempty"`
	Timestamp string          `json:"timestamp"`
	Body      json.RawMessage `json:"body"`
}

// MarshalJSON emits the Response wire document.
func (r Response) MarshalJSON() ([]byte, error) {
	bodyMap := map[string]any{"api_class": r.Body.APIClass()}
	raw, err := json.Marshal(r.Body)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		bodyMap[k] = v
	}
	bodyData, err := json.Marshal(bodyMap)
	if err != nil {
		return nil, err
	}

	w := wireResponse{Timestamp: r.Timestamp.Format(time.RFC3339Nano), Body: bodyData}
	if r.NodeID != "" {
		w.NodeID = &r.NodeID
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a Response, dispatching its body by api_class.
func (r *Response) UnmarshalJSON(data []byte) error {
	var w wireResponse
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	var peek struct {
		APIClass string `json:"api_class"`
	}
	if err := json.Unmarshal(w.Body, &peek); err != nil {
		return err
	}

	var body Body
	switch peek.APIClass {
	case ValueAPIClass:
		var v Value
		if err := json.Unmarshal(w.Body, &v); err != nil {
			return err
		}
		body = v
	case StatusAPIClass:
		var s Status
		if err := json.Unmarshal(w.Body, &s); err != nil {
			return err
		}
		body = s
	case HeartbeatAPIClass:
		var h Heartbeat
		if err := json.Unmarshal(w.Body, &h); err != nil {
			return err
		}
		body = h
	case ErrorAPIClass:
		var e Error
		if err := json.Unmarshal(w.Body, &e); err != nil {
			return err
		}
		body = e
	default:
		return dfmerr.Data("response: unknown body api_class %q", peek.APIClass)
	}

	if w.NodeID != nil {
		r.NodeID = *w.NodeID
	} else {
		r.NodeID = ""
	}
	r.Body = body
	if w.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
		if err != nil {
			return dfmerr.Data("response: bad timestamp %q: %v", w.Timestamp, err)
		}
		r.Timestamp = ts
	}
	return nil
}
