package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/hither-run/hither/pkg/value"
)

// RaftFeedConfig configures a replicated feed resource. It is the feed
// analogue of the teacher's cluster Manager bootstrap config: a node ID, a
// bind address for the Raft transport, and a data directory for the Raft
// log/stable/snapshot stores.
type RaftFeedConfig struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// RaftFeed is a Feed replicated via Raft: every subfeed append is a Raft log
// entry, so all cluster members converge on the same message order. This
// backs the Compute Resource, whose handler-registry subfeed and per-handler
// subfeeds must be durable and consistently ordered across restarts.
type RaftFeed struct {
	uri string
	cfg RaftFeedConfig

	raft *raft.Raft
	fsm  *feedFSM
}

// NewRaftFeed bootstraps a new single-node Raft cluster backing a feed. Use
// AddVoter on a running RaftFeed to grow the cluster.
func NewRaftFeed(cfg RaftFeedConfig) (*RaftFeed, error) {
	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(cfg.NodeID)

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("feed: resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("feed: create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("feed: create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "feed-raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("feed: create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "feed-raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("feed: create stable store: %w", err)
	}

	fsm := newFeedFSM()

	r, err := raft.NewRaft(raftConfig, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("feed: create raft: %w", err)
	}

	future := r.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{
			{ID: raftConfig.LocalID, Address: transport.LocalAddr()},
		},
	})
	if err := future.Error(); err != nil && err != raft.ErrCantBootstrap {
		return nil, fmt.Errorf("feed: bootstrap cluster: %w", err)
	}

	return &RaftFeed{
		uri:  "raftfeed://" + cfg.NodeID,
		cfg:  cfg,
		raft: r,
		fsm:  fsm,
	}, nil
}

func (f *RaftFeed) URI() string { return f.uri }

func (f *RaftFeed) Subfeed(key string) (Subfeed, error) {
	return &raftSubfeed{feed: f, key: key}, nil
}

// AddVoter admits a new replica to the cluster. Only callable on the leader.
func (f *RaftFeed) AddVoter(nodeID, address string) error {
	if f.raft.State() != raft.Leader {
		return fmt.Errorf("feed: not the leader")
	}
	future := f.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	return future.Error()
}

// Shutdown releases the underlying Raft instance.
func (f *RaftFeed) Shutdown() error {
	return f.raft.Shutdown().Error()
}

type raftSubfeed struct {
	feed     *RaftFeed
	key      string
	position int
}

func (s *raftSubfeed) Append(ctx context.Context, msg value.Value) error {
	return s.AppendMany(ctx, []value.Value{msg})
}

func (s *raftSubfeed) AppendMany(_ context.Context, msgs []value.Value) error {
	if len(msgs) == 0 {
		return nil
	}
	cmd := fsmCommand{Op: fsmOpAppend, Subfeed: s.key, Messages: msgs}
	data, err := marshalCommand(cmd)
	if err != nil {
		return err
	}
	future := s.feed.raft.Apply(data, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("feed: apply append: %w", err)
	}
	if err, ok := future.Response().(error); ok && err != nil {
		return fmt.Errorf("feed: fsm append: %w", err)
	}
	return nil
}

// GetNext performs a bounded-blocking tail read served from the FSM's local
// replicated state. Every replica can read without going through Raft
// consensus, since the FSM already reflects the committed log.
func (s *raftSubfeed) GetNext(ctx context.Context, waitMsec int) ([]value.Value, error) {
	waitMsec = clampWaitMsec(waitMsec)

	if msgs := s.feed.fsm.messagesFrom(s.key, s.position); len(msgs) > 0 {
		s.position += len(msgs)
		return msgs, nil
	}

	wake := s.feed.fsm.waitChan()
	timer := time.NewTimer(time.Duration(waitMsec) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-wake:
	case <-timer.C:
	case <-ctxDone(ctx):
		return nil, ctxErr(ctx)
	}

	msgs := s.feed.fsm.messagesFrom(s.key, s.position)
	s.position += len(msgs)
	return msgs, nil
}

func (s *raftSubfeed) GetNumMessages() (int, error) {
	return s.feed.fsm.numMessages(s.key), nil
}

func (s *raftSubfeed) SetPosition(n int) {
	s.position = n
}

func (s *raftSubfeed) SetAccessRules(rules []AccessRule) error {
	cmd := fsmCommand{Op: fsmOpAccessRules, Subfeed: s.key, Rules: rules}
	data, err := marshalCommand(cmd)
	if err != nil {
		return err
	}
	future := s.feed.raft.Apply(data, 10*time.Second)
	return future.Error()
}

func marshalCommand(cmd fsmCommand) ([]byte, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("feed: marshal command: %w", err)
	}
	return data, nil
}
