package integration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hither-run/hither/pkg/value"
	"github.com/hither-run/hither/test/framework"
)

// TestThreeStagePipelineResolvesJobRefs mirrors spec.md §8 scenario 1: a
// three-stage pipeline chained purely through job-ref arguments resolves to
// the expected value with no container or feed involved.
func TestThreeStagePipelineResolvesJobRefs(t *testing.T) {
	h := framework.New(t)

	a := h.Submit("make_zeros", func(kwargs value.Value) (value.Value, error) {
		return value.NewInt(0), nil
	}, value.NewMap(nil))

	b := h.Submit("add_one", func(kwargs value.Value) (value.Value, error) {
		m, _ := kwargs.AsMap()
		x, _ := m.Get("x")
		i, _ := x.AsInt()
		return value.NewInt(i + 1), nil
	}, framework.Kwargs(value.NewString("x"), value.NewJobRef(a.ID().String())))

	c := h.Submit("readnpy", func(kwargs value.Value) (value.Value, error) {
		m, _ := kwargs.AsMap()
		x, _ := m.Get("x")
		return x, nil
	}, framework.Kwargs(value.NewString("x"), value.NewJobRef(b.ID().String())))

	result, err := h.WaitFor(c, 2*time.Second)
	require.NoError(t, err)
	i, ok := result.AsInt()
	require.True(t, ok)
	assert.Equal(t, int64(1), i)
}

// TestAncestorErrorPropagatesToDescendant mirrors spec.md §8 scenario 2.
func TestAncestorErrorPropagatesToDescendant(t *testing.T) {
	h := framework.New(t)

	a := h.Submit("broken", func(kwargs value.Value) (value.Value, error) {
		return value.Value{}, assertError("upstream failure")
	}, value.NewMap(nil))

	b := h.Submit("identity", func(kwargs value.Value) (value.Value, error) {
		m, _ := kwargs.AsMap()
		v, _ := m.Get("x")
		return v, nil
	}, framework.Kwargs(value.NewString("x"), value.NewJobRef(a.ID().String())))

	_, err := h.WaitFor(b, 2*time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream failure")
}

type assertError string

func (e assertError) Error() string { return string(e) }
