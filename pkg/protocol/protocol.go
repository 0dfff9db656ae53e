// Package protocol defines the wire messages exchanged between a Remote Job
// Handler and a Compute Resource over feed subfeeds, plus the Encode/Decode
// helpers that convert between a typed Go message and the value.Value a
// Subfeed.Append/GetNext carries.
//
// Standard library encoding/json is used for the same reason pkg/value
// documents — the grammar is closed and fully specified, so a schema
// library would fight the format rather than help express it.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/hither-run/hither/pkg/job"
	"github.com/hither-run/hither/pkg/value"
)

// Type discriminates a wire message.
type Type string

const (
	TypeAddJobHandler          Type = "ADD_JOB_HANDLER"
	TypeRemoveJobHandler       Type = "REMOVE_JOB_HANDLER"
	TypeComputeResourceStarted Type = "COMPUTE_RESOURCE_STARTED"

	TypeAddJob             Type = "ADD_JOB"
	TypeCancelJob          Type = "CANCEL_JOB"
	TypeReportAlive        Type = "REPORT_ALIVE"
	TypeJobHandlerFinished Type = "JOB_HANDLER_FINISHED"

	TypeJobHandlerRegistered Type = "JOB_HANDLER_REGISTERED"
	TypeJobQueued            Type = "JOB_QUEUED"
	TypeJobStarted           Type = "JOB_STARTED"
	TypeJobFinished          Type = "JOB_FINISHED"
	TypeJobError             Type = "JOB_ERROR"
)

// envelope is the common discriminator every message embeds, used by
// PeekType to demultiplex before decoding the full payload.
type envelope struct {
	Type Type `json:"type"`
}

// Registry subfeed messages.

type AddJobHandler struct {
	Type          Type   `json:"type"`
	JobHandlerURI string `json:"job_handler_uri"`
}

func NewAddJobHandler(uri string) AddJobHandler {
	return AddJobHandler{Type: TypeAddJobHandler, JobHandlerURI: uri}
}

type RemoveJobHandler struct {
	Type          Type   `json:"type"`
	JobHandlerURI string `json:"job_handler_uri"`
}

type ComputeResourceStarted struct {
	Type      Type  `json:"type"`
	Timestamp int64 `json:"timestamp"`
}

// Handler -> Resource messages.

type AddJob struct {
	Type          Type       `json:"type"`
	JobID         string     `json:"job_id"`
	JobSerialized job.Record `json:"job_serialized"`
}

type CancelJob struct {
	Type  Type   `json:"type"`
	JobID string `json:"job_id"`
}

type ReportAlive struct {
	Type Type `json:"type"`
}

type JobHandlerFinished struct {
	Type Type `json:"type"`
}

// Resource -> Handler messages.

type JobHandlerRegistered struct {
	Type Type `json:"type"`
}

type JobQueued struct {
	Type  Type   `json:"type"`
	JobID string `json:"job_id"`
}

type JobStarted struct {
	Type  Type   `json:"type"`
	JobID string `json:"job_id"`
}

// JobFinished carries exactly one of Result (inline) or ResultURI (fetched
// from the content store), per the result-size policy.
type JobFinished struct {
	Type      Type         `json:"type"`
	JobID     string       `json:"job_id"`
	Result    value.Value  `json:"result,omitempty"`
	ResultURI string       `json:"result_uri,omitempty"`
	Runtime   job.Snapshot `json:"runtime_info"`
}

type JobError struct {
	Type      Type         `json:"type"`
	JobID     string       `json:"job_id"`
	Exception string       `json:"exception"`
	Runtime   job.Snapshot `json:"runtime_info"`
}

// Encode converts a wire message struct into the value.Value a Subfeed
// accepts, round-tripping through JSON so any nested value.Value field
// (Kwargs, Result) keeps its own tagged-union encoding.
func Encode(msg any) (value.Value, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return value.Value{}, fmt.Errorf("protocol: marshal message: %w", err)
	}
	var v value.Value
	if err := json.Unmarshal(data, &v); err != nil {
		return value.Value{}, fmt.Errorf("protocol: decode message as value: %w", err)
	}
	return v, nil
}

// Decode converts a Value read off a Subfeed back into a typed message.
func Decode(v value.Value, out any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("protocol: marshal value: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("protocol: unmarshal message: %w", err)
	}
	return nil
}

// PeekType reads only the discriminator field.
func PeekType(v value.Value) (Type, error) {
	var e envelope
	if err := Decode(v, &e); err != nil {
		return "", err
	}
	return e.Type, nil
}
