package types

import (
	"fmt"
	"maps"
	"strings"
	"time"
)

// ActionRequest is a proposed agent action awaiting a verdict.
// Requests are passed by value; Clone detaches the parameter map so the
// submitter cannot mutate a request after it entered the pipeline.
type ActionRequest struct {
	AgentID     string            `json:"agent_id"`
	Action      string            `json:"action"`
	Devices     []string          `json:"devices"`
	Params      map[string]string `json:"params,omitempty"`
	Confidence  float64           `json:"confidence"`
	SubmittedAt time.Time         `json:"submitted_at"`
}

// Validate ensures the request is well formed
func (r ActionRequest) Validate() error {
	if strings.TrimSpace(r.AgentID) == "" {
		return &ValidationError{Field: "agent_id", Reason: "cannot be empty"}
	}
	if strings.TrimSpace(r.Action) == "" {
		return &ValidationError{Field: "action", Reason: "cannot be empty"}
	}
	for i, d := range r.Devices {
		if strings.TrimSpace(d) == "" {
			return &ValidationError{Field: fmt.Sprintf("devices[%d]", i), Reason: "cannot be empty"}
		}
	}
	if !(r.Confidence >= 0 && r.Confidence <= 1) {
		return &ValidationError{Field: "confidence", Reason: fmt.Sprintf("must be within [0,1], got %v", r.Confidence)}
	}
	return nil
}

// Clone returns a deep copy of the request
func (r ActionRequest) Clone() ActionRequest {
	out := r
	out.Devices = append([]string(nil), r.Devices...)
	if r.Params != nil {
		out.Params = maps.Clone(r.Params)
	}
	return out
}

// DeviceCount returns the number of distinct target devices
func (r ActionRequest) DeviceCount() int {
	return len(r.UniqueDevices())
}

// UniqueDevices returns the target devices without repeats, in request order
func (r ActionRequest) UniqueDevices() []string {
	seen := make(map[string]struct{}, len(r.Devices))
	out := make([]string, 0, len(r.Devices))
	for _, d := range r.Devices {
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}
