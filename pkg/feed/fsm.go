package feed

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/hither-run/hither/pkg/value"
)

// feedFSM is the Raft state machine backing RaftFeed. It generalizes the
// Apply/Command/Snapshot/Restore triple used for cluster state to a single
// concern: appends into named subfeeds. Every replica applies the same
// sequence of appends, so reads (GetNext, GetNumMessages) are served locally
// without going through Raft.
type feedFSM struct {
	mu       sync.RWMutex
	subfeeds map[string][]value.Value
	// wake is recreated (and the old one closed) whenever any subfeed grows,
	// so raftSubfeed.GetNext's blocking poll loop doesn't need the clamp
	// interval to be tiny.
	wake chan struct{}
}

func newFeedFSM() *feedFSM {
	return &feedFSM{
		subfeeds: make(map[string][]value.Value),
		wake:     make(chan struct{}),
	}
}

// fsmCommand is the Raft log entry payload: append one or more messages to
// a named subfeed.
type fsmCommand struct {
	Op       string         `json:"op"`
	Subfeed  string         `json:"subfeed"`
	Messages []value.Value  `json:"messages,omitempty"`
	Rules    []AccessRule   `json:"rules,omitempty"`
}

const (
	fsmOpAppend      = "append"
	fsmOpAccessRules = "set_access_rules"
)

func (f *feedFSM) Apply(log *raft.Log) interface{} {
	var cmd fsmCommand
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("feed: unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case fsmOpAppend:
		f.subfeeds[cmd.Subfeed] = append(f.subfeeds[cmd.Subfeed], cmd.Messages...)
		old := f.wake
		f.wake = make(chan struct{})
		close(old)
		return nil
	case fsmOpAccessRules:
		// Access rules are advisory metadata only; this FSM does not enforce
		// them, matching the opaque-access-rule-list contract.
		return nil
	default:
		return fmt.Errorf("feed: unknown command op %q", cmd.Op)
	}
}

func (f *feedFSM) messagesFrom(key string, position int) []value.Value {
	f.mu.RLock()
	defer f.mu.RUnlock()
	msgs := f.subfeeds[key]
	if position >= len(msgs) {
		return nil
	}
	return append([]value.Value(nil), msgs[position:]...)
}

func (f *feedFSM) numMessages(key string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subfeeds[key])
}

func (f *feedFSM) waitChan() <-chan struct{} {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.wake
}

// Snapshot dumps every subfeed's full message list.
func (f *feedFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	copied := make(map[string][]value.Value, len(f.subfeeds))
	for k, v := range f.subfeeds {
		copied[k] = append([]value.Value(nil), v...)
	}
	return &feedSnapshot{subfeeds: copied}, nil
}

// Restore replaces the FSM's state with a snapshot's contents.
func (f *feedFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snapshot map[string][]value.Value
	if err := json.NewDecoder(rc).Decode(&snapshot); err != nil {
		return fmt.Errorf("feed: decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.subfeeds = snapshot
	old := f.wake
	f.wake = make(chan struct{})
	close(old)
	return nil
}

type feedSnapshot struct {
	subfeeds map[string][]value.Value
}

func (s *feedSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s.subfeeds); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *feedSnapshot) Release() {}
