// Package feed implements the replicated append-only message log that
// handler and Compute Resource each subfeed communication happens over.
// Each message is a plain value.Value; a Feed is a namespace of
// independently ordered Subfeeds.
package feed

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/hither-run/hither/pkg/value"
)

// AccessRule grants or denies write access to a subfeed for one node.
type AccessRule struct {
	NodeID string `json:"node_id"`
	Write  bool   `json:"write"`
}

// Feed is a namespace of named Subfeeds. A Feed is identified by a URI,
// obtained from Create or resolved again via Load.
type Feed interface {
	URI() string
	Subfeed(key string) (Subfeed, error)
}

// Subfeed is a single totally-ordered, append-only log within a Feed.
type Subfeed interface {
	Append(ctx context.Context, msg value.Value) error
	AppendMany(ctx context.Context, msgs []value.Value) error

	// GetNext performs a bounded-blocking live tail: it returns as soon as
	// at least one message is available past the subfeed's read position,
	// or after waitMsec elapses, whichever comes first. waitMsec is clamped
	// to 3000ms per the feed transport contract.
	GetNext(ctx context.Context, waitMsec int) ([]value.Value, error)

	GetNumMessages() (int, error)
	SetPosition(n int)
	SetAccessRules(rules []AccessRule) error
}

// KeyToSubID hashes a structured subfeed key (e.g. a job fingerprint, or a
// handler feed URI) to the stable sub-ID identifying it within a Feed: a
// key is either a string or a structured value hashed to a sub-ID.
func KeyToSubID(key value.Value) (string, error) {
	data, err := json.Marshal(key)
	if err != nil {
		return "", fmt.Errorf("feed: hash subfeed key: %w", err)
	}
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:]), nil
}

// StringKey returns a plain string subfeed name (e.g. "main",
// "job_handler_registry") unchanged, for use as a Subfeed key.
func StringKey(name string) string {
	return name
}

const maxWaitMsec = 3000

func clampWaitMsec(waitMsec int) int {
	if waitMsec > maxWaitMsec {
		return maxWaitMsec
	}
	if waitMsec < 0 {
		return 0
	}
	return waitMsec
}
