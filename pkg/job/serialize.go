package job

import (
	"encoding/json"
	"time"

	"github.com/hither-run/hither/pkg/value"
)

// Record is the wire form of a Job, transported across process boundaries
// (pipe to a worker, feed message to a Compute Resource). It carries no
// handler/manager/cache references; those are supplied by whoever
// deserializes it.
type Record struct {
	JobID           string      `json:"job_id"`
	Function        string      `json:"function,omitempty"`
	CodeURI         string      `json:"code_uri,omitempty"`
	FunctionName    string      `json:"function_name"`
	FunctionVersion string      `json:"function_version"`
	Label           string      `json:"label,omitempty"`
	Kwargs          value.Value `json:"kwargs"`
	Container       string      `json:"container,omitempty"`
	JobTimeoutMS    int64       `json:"job_timeout_ms,omitempty"`

	ForceRun            bool `json:"force_run"`
	RerunFailing        bool `json:"rerun_failing"`
	CacheFailing        bool `json:"cache_failing"`
	NoResolveInputFiles bool `json:"no_resolve_input_files"`
	DownloadResults     bool `json:"download_results"`
}

// Serialize produces a self-contained Record for this job. codeURI is the
// content-store URI of transportable code the caller has already pushed,
// or empty; Serialize itself never touches the content store (that is
// the registry's / remote handler's responsibility).
func (j *Job) Serialize(codeURI string) (Record, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	return Record{
		JobID:               j.id.String(),
		CodeURI:             codeURI,
		FunctionName:        j.FunctionName,
		FunctionVersion:     j.FunctionVersion,
		Label:               j.Label,
		Kwargs:              j.Kwargs,
		Container:           j.Container,
		JobTimeoutMS:        j.JobTimeout.Milliseconds(),
		ForceRun:            j.ForceRun,
		RerunFailing:        j.RerunFailing,
		CacheFailing:        j.CacheFailing,
		NoResolveInputFiles: j.NoResolveInputFiles,
		DownloadResults:     j.DownloadResults,
	}, nil
}

// Deserialize rebuilds a Job from its wire Record. The caller attaches a
// Callable (if running locally) separately; a deserialized remote job has
// neither Callable nor any handler reference until dispatched.
func Deserialize(rec Record) (*Job, error) {
	id, err := ParseID(rec.JobID)
	if err != nil {
		return nil, DeserializationError("invalid job_id", err)
	}

	return &Job{
		id:                  id,
		FunctionName:        rec.FunctionName,
		FunctionVersion:     rec.FunctionVersion,
		Label:               rec.Label,
		CodeURI:             rec.CodeURI,
		Kwargs:              rec.Kwargs,
		Container:           rec.Container,
		JobTimeout:          time.Duration(rec.JobTimeoutMS) * time.Millisecond,
		ForceRun:            rec.ForceRun,
		RerunFailing:        rec.RerunFailing,
		CacheFailing:        rec.CacheFailing,
		NoResolveInputFiles: rec.NoResolveInputFiles,
		DownloadResults:     rec.DownloadResults,
		status:              StatusPending,
	}, nil
}

// MarshalRecord / UnmarshalRecord are convenience wrappers for transports
// (pipes, feed messages) that move raw bytes.
func MarshalRecord(rec Record) ([]byte, error) {
	return json.Marshal(rec)
}

func UnmarshalRecord(data []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, DeserializationError("malformed job record", err)
	}
	return rec, nil
}
