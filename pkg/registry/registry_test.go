package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hither-run/hither/pkg/job"
	"github.com/hither-run/hither/pkg/value"
)

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	fn := func(kwargs value.Value) (value.Value, error) { return kwargs, nil }

	require.NoError(t, r.Register(Registration{Name: "add_one", Version: "1.0", Callable: fn}))

	reg, ok := r.Lookup("add_one", "1.0")
	require.True(t, ok)
	assert.NotNil(t, reg.Callable)
}

func TestRegisterDuplicateFails(t *testing.T) {
	r := New()
	fn := func(kwargs value.Value) (value.Value, error) { return kwargs, nil }

	require.NoError(t, r.Register(Registration{Name: "add_one", Version: "1.0", Callable: fn}))
	err := r.Register(Registration{Name: "add_one", Version: "1.0", Callable: fn})

	require.Error(t, err)
	assert.ErrorIs(t, err, job.ErrDuplicateFunction)
}

func TestLookupMissingReturnsFalse(t *testing.T) {
	r := New()
	_, ok := r.Lookup("nope", "1.0")
	assert.False(t, ok)
}

func TestRegisterIdentityIsIdempotent(t *testing.T) {
	r := New()
	RegisterIdentity(r)
	RegisterIdentity(r)

	reg, ok := r.Lookup(IdentityFunctionName, IdentityFunctionVersion)
	require.True(t, ok)
	assert.NotNil(t, reg.Callable)
}

func TestIdentityCallableReturnsArgumentUnchanged(t *testing.T) {
	out, err := IdentityCallable(NewIdentityKwargs(value.NewInt(42)))
	require.NoError(t, err)
	i, ok := out.AsInt()
	require.True(t, ok)
	assert.Equal(t, int64(42), i)
}

func TestMustRegisterPanicsOnDuplicate(t *testing.T) {
	r := New()
	fn := func(kwargs value.Value) (value.Value, error) { return kwargs, nil }
	r.MustRegister(Registration{Name: "fn", Version: "1", Callable: fn})

	assert.Panics(t, func() {
		r.MustRegister(Registration{Name: "fn", Version: "1", Callable: fn})
	})
}
