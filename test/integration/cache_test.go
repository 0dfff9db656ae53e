package integration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hither-run/hither/pkg/config"
	"github.com/hither-run/hither/pkg/handler"
	"github.com/hither-run/hither/pkg/job"
	"github.com/hither-run/hither/pkg/jobcache"
	"github.com/hither-run/hither/pkg/jobmanager"
	"github.com/hither-run/hither/pkg/registry"
	"github.com/hither-run/hither/pkg/value"
	"github.com/hither-run/hither/test/framework"
)

// TestCacheHitAcrossManagersSkipsFunctionBody mirrors spec.md §8 scenario 3:
// two independent Job Managers sharing one Job Cache submit identical jobs;
// the second submission hits the cache instead of invoking the function.
func TestCacheHitAcrossManagersSkipsFunctionBody(t *testing.T) {
	cache := jobcache.NewMemCache()
	calls := 0
	fn := func(kwargs value.Value) (value.Value, error) {
		calls++
		return value.NewInt(99), nil
	}
	kw := framework.Kwargs(value.NewString("n"), value.NewInt(3))

	cfg := config.Default()
	cfg.TickInterval = time.Millisecond

	m1 := jobmanager.New(cfg, nil, cache, registry.New(), nil)
	h1 := handler.NewDefault()
	j1 := submit(t, m1, h1, "expensive", fn, kw)
	r1, err := j1.Wait(m1, 2*time.Second, false, nil)
	require.NoError(t, err)
	i1, _ := r1.AsInt()
	assert.Equal(t, int64(99), i1)
	assert.Equal(t, 1, calls)

	m2 := jobmanager.New(cfg, nil, cache, registry.New(), nil)
	h2 := handler.NewDefault()
	j2 := submit(t, m2, h2, "expensive", fn, kw)
	r2, err := j2.Wait(m2, 2*time.Second, false, nil)
	require.NoError(t, err)
	i2, _ := r2.AsInt()
	assert.Equal(t, int64(99), i2)
	assert.Equal(t, 1, calls, "second identical submission must not re-invoke the function")
}

func submit(t *testing.T, m *jobmanager.Manager, h handler.Handler, name string, fn job.Func, kw value.Value) *job.Job {
	t.Helper()
	j, err := job.New(name, "1.0", kw)
	require.NoError(t, err)
	j.Callable = fn
	m.Submit(j, h)
	return j
}
