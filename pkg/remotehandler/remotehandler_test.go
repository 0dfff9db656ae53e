package remotehandler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hither-run/hither/pkg/contentstore"
	"github.com/hither-run/hither/pkg/feed"
	"github.com/hither-run/hither/pkg/job"
	"github.com/hither-run/hither/pkg/protocol"
	"github.com/hither-run/hither/pkg/registry"
	"github.com/hither-run/hither/pkg/value"
)

// fakeResource plays the Compute Resource side of the wire protocol by hand,
// so these tests exercise the Handler in isolation from pkg/computeresource.
type fakeResource struct {
	t            *testing.T
	resourceFeed feed.Feed
	registry     feed.Subfeed
}

func newFakeResource(t *testing.T) *fakeResource {
	t.Helper()
	rf := feed.CreateMemFeed()
	reg, err := rf.Subfeed(registrySubfeedName)
	require.NoError(t, err)
	return &fakeResource{t: t, resourceFeed: rf, registry: reg}
}

// acceptOneHandler waits for an ADD_JOB_HANDLER on the registry subfeed and
// acks it, returning the accepted handler's inbound/outbound subfeeds.
func (r *fakeResource) acceptOneHandler() (inbound, outbound feed.Subfeed) {
	r.t.Helper()
	msgs, err := r.registry.GetNext(context.Background(), 2000)
	require.NoError(r.t, err)
	require.Len(r.t, msgs, 1)

	var add protocol.AddJobHandler
	require.NoError(r.t, protocol.Decode(msgs[0], &add))

	out, err := r.resourceFeed.Subfeed(add.JobHandlerURI)
	require.NoError(r.t, err)

	in, err := feed.Load(add.JobHandlerURI)
	require.NoError(r.t, err)
	inSub, err := in.Subfeed(mainSubfeed)
	require.NoError(r.t, err)

	ack, err := protocol.Encode(protocol.JobHandlerRegistered{Type: protocol.TypeJobHandlerRegistered})
	require.NoError(r.t, err)
	require.NoError(r.t, out.Append(context.Background(), ack))

	return out, inSub
}

func TestQueueJobRegistersAndMirrorsFinished(t *testing.T) {
	res := newFakeResource(t)
	store, err := contentstore.Open(t.TempDir())
	require.NoError(t, err)
	h := New(res.resourceFeed.URI(), store, registry.New(), time.Second)

	j, err := job.New("add_one", "1.0", value.NewMap(value.NewOrderedMap()))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- h.QueueJob(j) }()

	inbound, outbound := res.acceptOneHandler()
	require.NoError(t, <-done)
	assert.True(t, h.ID() != "")

	// the handler should have appended exactly one ADD_JOB message.
	msgs, err := outbound.GetNext(context.Background(), 1000)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	var addJob protocol.AddJob
	require.NoError(t, protocol.Decode(msgs[0], &addJob))
	assert.Equal(t, j.ID().String(), addJob.JobID)

	// resource reports queued, then started, then finished with an inline result.
	for _, msg := range []any{
		protocol.JobQueued{Type: protocol.TypeJobQueued, JobID: addJob.JobID},
		protocol.JobStarted{Type: protocol.TypeJobStarted, JobID: addJob.JobID},
	} {
		enc, err := protocol.Encode(msg)
		require.NoError(t, err)
		require.NoError(t, inbound.Append(context.Background(), enc))
	}
	h.Iterate()
	assert.Equal(t, job.StatusRunning, j.Status())

	finished, err := protocol.Encode(protocol.JobFinished{
		Type:   protocol.TypeJobFinished,
		JobID:  addJob.JobID,
		Result: value.NewInt(2),
	})
	require.NoError(t, err)
	require.NoError(t, inbound.Append(context.Background(), finished))
	h.Iterate()

	require.Equal(t, job.StatusFinished, j.Status())
	n, ok := j.Result().AsInt()
	require.True(t, ok)
	assert.Equal(t, int64(2), n)
}

func TestFinishedResultHydratedFromContentStore(t *testing.T) {
	res := newFakeResource(t)
	store, err := contentstore.Open(t.TempDir())
	require.NoError(t, err)
	h := New(res.resourceFeed.URI(), store, registry.New(), time.Second)

	j, err := job.New("big_fn", "1.0", value.NewMap(value.NewOrderedMap()))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- h.QueueJob(j) }()
	inbound, outbound := res.acceptOneHandler()
	require.NoError(t, <-done)

	msgs, err := outbound.GetNext(context.Background(), 1000)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	var addJob protocol.AddJob
	require.NoError(t, protocol.Decode(msgs[0], &addJob))

	uri, err := store.PutObject(value.NewString("a large result"))
	require.NoError(t, err)

	finished, err := protocol.Encode(protocol.JobFinished{
		Type:      protocol.TypeJobFinished,
		JobID:     addJob.JobID,
		ResultURI: uri,
	})
	require.NoError(t, err)
	require.NoError(t, inbound.Append(context.Background(), finished))
	h.Iterate()

	require.Equal(t, job.StatusFinished, j.Status())
	s, ok := j.Result().AsString()
	require.True(t, ok)
	assert.Equal(t, "a large result", s)
}

func TestJobErrorMirrored(t *testing.T) {
	res := newFakeResource(t)
	store, err := contentstore.Open(t.TempDir())
	require.NoError(t, err)
	h := New(res.resourceFeed.URI(), store, registry.New(), time.Second)

	j, err := job.New("fails", "1.0", value.NewMap(value.NewOrderedMap()))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- h.QueueJob(j) }()
	inbound, outbound := res.acceptOneHandler()
	require.NoError(t, <-done)

	msgs, err := outbound.GetNext(context.Background(), 1000)
	require.NoError(t, err)
	var addJob protocol.AddJob
	require.NoError(t, protocol.Decode(msgs[0], &addJob))

	errMsg, err := protocol.Encode(protocol.JobError{
		Type:      protocol.TypeJobError,
		JobID:     addJob.JobID,
		Exception: "intentional failure",
	})
	require.NoError(t, err)
	require.NoError(t, inbound.Append(context.Background(), errMsg))
	h.Iterate()

	require.Equal(t, job.StatusError, j.Status())
	require.NotNil(t, j.Err())
	assert.Contains(t, j.Err().Error(), "intentional failure")
}

func TestCancelJobAppendsCancelMessage(t *testing.T) {
	res := newFakeResource(t)
	store, err := contentstore.Open(t.TempDir())
	require.NoError(t, err)
	h := New(res.resourceFeed.URI(), store, registry.New(), time.Second)

	j, err := job.New("sleep", "1.0", value.NewMap(value.NewOrderedMap()))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- h.QueueJob(j) }()
	_, outbound := res.acceptOneHandler()
	require.NoError(t, <-done)

	_, err = outbound.GetNext(context.Background(), 1000) // drain ADD_JOB
	require.NoError(t, err)

	require.NoError(t, h.CancelJob(j.ID()))

	msgs, err := outbound.GetNext(context.Background(), 1000)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	var cancel protocol.CancelJob
	require.NoError(t, protocol.Decode(msgs[0], &cancel))
	assert.Equal(t, j.ID().String(), cancel.JobID)
}

func TestCancelJobBeforeRegistrationIsNoop(t *testing.T) {
	res := newFakeResource(t)
	store, err := contentstore.Open(t.TempDir())
	require.NoError(t, err)
	h := New(res.resourceFeed.URI(), store, registry.New(), time.Second)

	var j job.ID
	assert.NoError(t, h.CancelJob(j))
}

func TestIsRemote(t *testing.T) {
	h := New("mem://nowhere", nil, registry.New(), time.Second)
	assert.True(t, h.IsRemote())
}

func TestRegistrationTimeout(t *testing.T) {
	store, err := contentstore.Open(t.TempDir())
	require.NoError(t, err)
	// Register the target feed, but never answer ADD_JOB_HANDLER.
	rf := feed.CreateMemFeed()
	h := New(rf.URI(), store, registry.New(), 50*time.Millisecond)

	j, err := job.New("add_one", "1.0", value.NewMap(value.NewOrderedMap()))
	require.NoError(t, err)

	err = h.QueueJob(j)
	require.Error(t, err)
	assert.Equal(t, job.StatusError, j.Status())
}
