package job

import "go.jetify.com/typeid"

// Prefix tags job.ID as a "job_"-prefixed typeid, grounded on the pack's
// job-worker typeid usage: a fresh opaque, sortable, prefixed ID minted once
// at job creation.
type Prefix struct{}

func (Prefix) Prefix() string { return "job" }

// ID is a job's process-unique identity, distinct from its Fingerprint.
type ID struct {
	typeid.TypeID[Prefix]
}

// NewID mints a fresh job ID.
func NewID() (ID, error) {
	return typeid.New[ID]()
}

// ParseID parses a previously-minted ID's string form.
func ParseID(s string) (ID, error) {
	return typeid.Parse[ID](s)
}
