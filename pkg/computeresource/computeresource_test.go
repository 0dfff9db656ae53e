package computeresource

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hither-run/hither/pkg/feed"
	"github.com/hither-run/hither/pkg/handler"
	"github.com/hither-run/hither/pkg/job"
	"github.com/hither-run/hither/pkg/registry"
	"github.com/hither-run/hither/pkg/remotehandler"
	"github.com/hither-run/hither/pkg/value"
)

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// TestRemoteDeduplication mirrors spec.md §8 scenario 5: two Remote Job
// Handlers submit jobs with an identical fingerprint to the same Compute
// Resource; the function body runs exactly once, and both handlers observe
// the same finished result.
func TestRemoteDeduplication(t *testing.T) {
	var calls int64
	slowFn := func(kwargs value.Value) (value.Value, error) {
		atomic.AddInt64(&calls, 1)
		time.Sleep(150 * time.Millisecond)
		return value.NewInt(42), nil
	}

	serverReg := registry.New()
	require.NoError(t, serverReg.Register(registry.Registration{Name: "slow_fn", Version: "1.0", Callable: slowFn}))

	resourceFeed := feed.CreateMemFeed()
	resource, err := New(resourceFeed, handler.NewDefault(), nil, serverReg, Config{
		PollWaitMsec:    50,
		TickInterval:    5 * time.Millisecond,
		KeepAliveWindow: time.Minute,
	})
	require.NoError(t, err)
	resource.Start()
	defer resource.Stop()

	h1 := remotehandler.New(resourceFeed.URI(), nil, registry.New(), time.Second)
	h2 := remotehandler.New(resourceFeed.URI(), nil, registry.New(), time.Second)

	om := value.NewOrderedMap()
	om.Set("n", value.NewInt(7))
	kw := value.NewMap(om)

	j1, err := job.New("slow_fn", "1.0", kw)
	require.NoError(t, err)
	j2, err := job.New("slow_fn", "1.0", kw)
	require.NoError(t, err)

	errCh := make(chan error, 2)
	go func() { errCh <- h1.QueueJob(j1) }()
	go func() { errCh <- h2.QueueJob(j2) }()
	require.NoError(t, <-errCh)
	require.NoError(t, <-errCh)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			h1.Iterate()
			h2.Iterate()
			time.Sleep(5 * time.Millisecond)
		}
	}()

	waitUntil(t, 5*time.Second, func() bool {
		return j1.Status().Terminal() && j2.Status().Terminal()
	})

	require.Equal(t, job.StatusFinished, j1.Status())
	require.Equal(t, job.StatusFinished, j2.Status())

	r1, _ := j1.Result().AsInt()
	r2, _ := j2.Result().AsInt()
	assert.Equal(t, int64(42), r1)
	assert.Equal(t, int64(42), r2)

	assert.Equal(t, int64(1), atomic.LoadInt64(&calls), "the function body must run at most once per fingerprint while in flight")
}

func TestIsInlineablePredicate(t *testing.T) {
	assert.True(t, isInlineable(value.NewInt(5)))
	assert.True(t, isInlineable(value.NewString("short")))

	long := make([]byte, inlineMaxString+1)
	assert.False(t, isInlineable(value.NewString(string(long))))

	om := value.NewOrderedMap()
	om.Set("a", value.NewInt(1))
	om.Set("b", value.NewInt(2))
	om.Set("c", value.NewInt(3))
	assert.True(t, isInlineable(value.NewMap(om)))

	om.Set("d", value.NewInt(4))
	assert.False(t, isInlineable(value.NewMap(om)))

	assert.False(t, isInlineable(value.NewFile("sha1://x", value.ItemTypeFile)))
}
