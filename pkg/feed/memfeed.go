package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hither-run/hither/pkg/value"
)

// MemFeed is an in-memory, non-replicated Feed. It backs in-process Compute
// Resources, Remote Job Handlers and tests; a single process is both the only writer and the only
// reader, so no replication is needed. Live-tail blocking uses a wake
// channel per subfeed, closed and replaced on every append, mirroring the
// reader.Wake()/Iterator pattern of a goroutine-safe streaming buffer.
type MemFeed struct {
	uri string

	mu       sync.Mutex
	subfeeds map[string]*memSubfeed
}

// NewMemFeed creates a fresh in-memory feed with a random URI.
func NewMemFeed() *MemFeed {
	return &MemFeed{
		uri:      "mem://" + uuid.NewString(),
		subfeeds: make(map[string]*memSubfeed),
	}
}

func (f *MemFeed) URI() string { return f.uri }

func (f *MemFeed) Subfeed(key string) (Subfeed, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sf, ok := f.subfeeds[key]
	if !ok {
		sf = &memSubfeed{wake: make(chan struct{})}
		f.subfeeds[key] = sf
	}
	return sf, nil
}

type memSubfeed struct {
	mu       sync.Mutex
	messages []value.Value
	position int
	wake     chan struct{}
	rules    []AccessRule
}

func (s *memSubfeed) Append(_ context.Context, msg value.Value) error {
	return s.AppendMany(nil, []value.Value{msg})
}

func (s *memSubfeed) AppendMany(_ context.Context, msgs []value.Value) error {
	if len(msgs) == 0 {
		return nil
	}
	s.mu.Lock()
	s.messages = append(s.messages, msgs...)
	old := s.wake
	s.wake = make(chan struct{})
	s.mu.Unlock()
	close(old)
	return nil
}

func (s *memSubfeed) GetNext(ctx context.Context, waitMsec int) ([]value.Value, error) {
	waitMsec = clampWaitMsec(waitMsec)

	s.mu.Lock()
	if s.position < len(s.messages) {
		out := append([]value.Value(nil), s.messages[s.position:]...)
		s.position = len(s.messages)
		s.mu.Unlock()
		return out, nil
	}
	wake := s.wake
	s.mu.Unlock()

	timer := time.NewTimer(time.Duration(waitMsec) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-wake:
	case <-timer.C:
	case <-ctxDone(ctx):
		return nil, ctxErr(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.position >= len(s.messages) {
		return nil, nil
	}
	out := append([]value.Value(nil), s.messages[s.position:]...)
	s.position = len(s.messages)
	return out, nil
}

func (s *memSubfeed) GetNumMessages() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages), nil
}

func (s *memSubfeed) SetPosition(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.position = n
}

func (s *memSubfeed) SetAccessRules(rules []AccessRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = rules
	return nil
}

func ctxDone(ctx context.Context) <-chan struct{} {
	if ctx == nil {
		return nil
	}
	return ctx.Done()
}

func ctxErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("feed: %w", err)
	}
	return nil
}
