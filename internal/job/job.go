// Package job implements the unit of work passed over pubsub channels (Job,
// Package) and the per-request state record persisted in the keyed store
// (RequestState) — spec.md §3 "Job / Package" and "RequestState".
package job

import (
	"encoding/json"
	"time"

	"github.com/dfm-io/dfm/internal/dfmerr"
	"github.com/dfm-io/dfm/internal/ir"
	"github.com/dfm-io/dfm/internal/response"
)

// Job is the message published on the scheduler and execute channels: a
// request identifier, the originating site, an optional deadline, the
// Execute subgraph to run, and whether this is a discovery-mode request.
type Job struct {
	RequestID   string
	HomeSite    string
	Deadline    *time.Time
	Execute     *ir.Execute
	IsDiscovery bool
}

// Ready reports whether the job should be forwarded straight to the execute
// channel instead of parked in the scheduler's sorted set: spec.md §4.7,
// "if deadline <= now() OR deadline is non-positive OR absent".
func (j Job) Ready(now time.Time) bool {
	if j.Deadline == nil {
		return true
	}
	if j.Deadline.Unix() <= 0 {
		return true
	}
	return !j.Deadline.After(now)
}

// Package wraps a Job for cross-site relay over the uplink channel
// (spec.md §4.8, "repackages it into a Package{source_site, target_site,
// job}").
type Package struct {
	SourceSite string
	TargetSite string
	Job        Job
}

type wireJob struct {
	RequestID   string          `json:"request_id"`
	HomeSite    string          `json:"home_site"`
	Deadline    *string         `json:"deadline,omitempty"`
	Execute     json.RawMessage `json:"execute"`
	IsDiscovery bool            `json:"is_discovery"`
}

// MarshalJSON emits the Job wire document.
func (j Job) MarshalJSON() ([]byte, error) {
	execData, err := json.Marshal(j.Execute)
	if err != nil {
		return nil, err
	}
	w := wireJob{
		RequestID:   j.RequestID,
		HomeSite:    j.HomeSite,
		Execute:     execData,
		IsDiscovery: j.IsDiscovery,
	}
	if j.Deadline != nil {
		s := j.Deadline.Format(time.RFC3339Nano)
		w.Deadline = &s
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a Job wire document.
func (j *Job) UnmarshalJSON(data []byte) error {
	var w wireJob
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	var ex ir.Execute
	if err := json.Unmarshal(w.Execute, &ex); err != nil {
		return err
	}
	j.RequestID = w.RequestID
	j.HomeSite = w.HomeSite
	j.Execute = &ex
	j.IsDiscovery = w.IsDiscovery
	if w.Deadline != nil {
		t, err := ir.ParseDeadline(*w.Deadline)
		if err != nil {
			return err
		}
		j.Deadline = &t
	}
	return nil
}

type wirePackage struct {
	SourceSite string `json:"source_site"`
	TargetSite string `json:"target_site"`
	Job        Job    `json:"job"`
}

func (p Package) MarshalJSON() ([]byte, error) {
	return json.Marshal(wirePackage(p))
}

func (p *Package) UnmarshalJSON(data []byte) error {
	var w wirePackage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*p = Package(w)
	return nil
}

// RequestState is the per-request record persisted under request:<id>: the
// original Process body plus every Response appended to it so far.
type RequestState struct {
	RequestID string
	Body      *ir.Process
	Responses []response.Response
}

// NewRequestState starts an empty RequestState for a freshly ingested
// Process.
func NewRequestState(requestID string, body *ir.Process) *RequestState {
	return &RequestState{RequestID: requestID, Body: body, Responses: nil}
}

// Append records a response. Per spec.md §5, "appends are atomic per the
// store's contract" — that guarantee is the store's (internal/bus), not
// this in-memory type's; Append here just mirrors the same "array grows,
// never shrinks or reorders" invariant for callers holding a decoded copy.
func (s *RequestState) Append(r response.Response) {
	s.Responses = append(s.Responses, r)
}

// Slice returns responses in [index, index+size), matching the semantics of
// GET /request/responses/{id}?index=&size= (spec.md §4.6): size 0 means
// "all from index onward"; an index beyond the end yields an empty slice
// rather than an error.
func (s *RequestState) Slice(index, size int) []response.Response {
	if index < 0 {
		index = 0
	}
	if index >= len(s.Responses) {
		return nil
	}
	end := len(s.Responses)
	if size > 0 && index+size < end {
		end = index + size
	}
	return s.Responses[index:end]
}

type wireRequestState struct {
	RequestID string              `json:"request_id"`
	Body      *ir.Process         `json:"body"`
	Responses []response.Response `json:"responses"`
}

func (s *RequestState) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireRequestState{RequestID: s.RequestID, Body: s.Body, Responses: s.Responses})
}

func (s *RequestState) UnmarshalJSON(data []byte) error {
	var w wireRequestState
	if err := json.Unmarshal(data, &w); err != nil {
		return dfmerr.Server(err, "request state: decode failed")
	}
	s.RequestID = w.RequestID
	s.Body = w.Body
	s.Responses = w.Responses
	return nil
}
