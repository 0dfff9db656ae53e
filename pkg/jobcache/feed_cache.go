package jobcache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hither-run/hither/pkg/feed"
	"github.com/hither-run/hither/pkg/value"
)

// FeedCache is a feed-backed Cache: one subfeed per fingerprint, newest
// message wins. This is the same memoization mechanism the Compute
// Resource uses for its own per-fingerprint memoization subfeed;
// pkg/computeresource reuses this type directly rather than
// reimplementing the lookup.
type FeedCache struct {
	f feed.Feed
}

// NewFeedCache wraps f as a Cache.
func NewFeedCache(f feed.Feed) *FeedCache {
	return &FeedCache{f: f}
}

type feedCacheMessage struct {
	Finished bool        `json:"finished"`
	Result   value.Value `json:"result,omitempty"`
	ErrMsg   string      `json:"err_msg,omitempty"`
	Runtime  json.RawMessage `json:"runtime,omitempty"`
}

func (c *FeedCache) subfeed(fingerprint string) (feed.Subfeed, error) {
	subID, err := feed.KeyToSubID(value.NewString(fingerprint))
	if err != nil {
		return nil, fmt.Errorf("jobcache: subfeed key: %w", err)
	}
	return c.f.Subfeed(subID)
}

func (c *FeedCache) Lookup(fingerprint string, opts LookupOptions) (Hit, error) {
	sf, err := c.subfeed(fingerprint)
	if err != nil {
		return Hit{}, err
	}
	n, err := sf.GetNumMessages()
	if err != nil {
		return Hit{}, err
	}
	if n == 0 {
		return Hit{Found: false}, nil
	}

	sf.SetPosition(n - 1)
	msgs, err := sf.GetNext(context.Background(), 0)
	if err != nil {
		return Hit{}, err
	}
	if len(msgs) == 0 {
		return Hit{Found: false}, nil
	}

	state, err := decodeFeedCacheState(msgs[len(msgs)-1])
	if err != nil {
		return Hit{}, err
	}
	return applyPolicy(opts, state, nil), nil
}

func (c *FeedCache) Record(fingerprint string, state TerminalState) error {
	sf, err := c.subfeed(fingerprint)
	if err != nil {
		return err
	}

	// Read the last message to enforce the monotone-write invariant before
	// appending; the subfeed itself never overwrites (it's append-only).
	if n, err := sf.GetNumMessages(); err == nil && n > 0 {
		sf.SetPosition(n - 1)
		if msgs, err := sf.GetNext(context.Background(), 0); err == nil && len(msgs) > 0 {
			if prior, err := decodeFeedCacheState(msgs[len(msgs)-1]); err == nil {
				if prior.Finished && !state.Finished {
					return nil
				}
			}
		}
	}

	msg, err := encodeFeedCacheState(state)
	if err != nil {
		return err
	}
	return sf.Append(context.Background(), msg)
}

func encodeFeedCacheState(state TerminalState) (value.Value, error) {
	runtime, err := json.Marshal(state.Runtime)
	if err != nil {
		return value.Value{}, fmt.Errorf("jobcache: marshal runtime: %w", err)
	}
	payload := feedCacheMessage{
		Finished: state.Finished,
		Result:   state.Result,
		ErrMsg:   state.ErrMsg,
		Runtime:  runtime,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return value.Value{}, fmt.Errorf("jobcache: marshal state: %w", err)
	}
	return value.NewString(string(data)), nil
}

func decodeFeedCacheState(msg value.Value) (TerminalState, error) {
	s, ok := msg.AsString()
	if !ok {
		return TerminalState{}, fmt.Errorf("jobcache: malformed feed cache message")
	}
	var payload feedCacheMessage
	if err := json.Unmarshal([]byte(s), &payload); err != nil {
		return TerminalState{}, fmt.Errorf("jobcache: unmarshal state: %w", err)
	}
	state := TerminalState{Finished: payload.Finished, Result: payload.Result, ErrMsg: payload.ErrMsg}
	_ = json.Unmarshal(payload.Runtime, &state.Runtime)
	return state, nil
}
