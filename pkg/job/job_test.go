package job

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hither-run/hither/pkg/value"
)

func kwargs(t *testing.T, pairs ...value.Value) value.Value {
	t.Helper()
	om := value.NewOrderedMap()
	for i := 0; i < len(pairs); i += 2 {
		key, _ := pairs[i].AsString()
		om.Set(key, pairs[i+1])
	}
	return value.NewMap(om)
}

func TestNewMintsUniqueIDsAndPendingStatus(t *testing.T) {
	j1, err := New("fn", "v1", value.NewMap(nil))
	require.NoError(t, err)
	j2, err := New("fn", "v1", value.NewMap(nil))
	require.NoError(t, err)

	assert.NotEqual(t, j1.ID().String(), j2.ID().String())
	assert.Equal(t, StatusPending, j1.Status())
}

func TestFingerprintEqualForIdenticalInputs(t *testing.T) {
	kw := kwargs(t, value.NewString("x"), value.NewInt(6))

	j1, err := New("make_zeros", "1.0", kw)
	require.NoError(t, err)
	j2, err := New("make_zeros", "1.0", kw)
	require.NoError(t, err)

	fp1, err := j1.Fingerprint(kw)
	require.NoError(t, err)
	fp2, err := j2.Fingerprint(kw)
	require.NoError(t, err)

	assert.Equal(t, fp1, fp2)
}

func TestFingerprintDiffersOnArgumentChange(t *testing.T) {
	j1, err := New("fn", "v1", value.NewMap(nil))
	require.NoError(t, err)
	j2, err := New("fn", "v1", value.NewMap(nil))
	require.NoError(t, err)

	fp1, err := j1.Fingerprint(kwargs(t, value.NewString("x"), value.NewInt(1)))
	require.NoError(t, err)
	fp2, err := j2.Fingerprint(kwargs(t, value.NewString("x"), value.NewInt(2)))
	require.NoError(t, err)

	assert.NotEqual(t, fp1, fp2)
}

func TestFingerprintDiffersOnFunctionVersion(t *testing.T) {
	kw := value.NewMap(nil)
	j1, err := New("fn", "v1", kw)
	require.NoError(t, err)
	j2, err := New("fn", "v2", kw)
	require.NoError(t, err)

	fp1, err := j1.Fingerprint(kw)
	require.NoError(t, err)
	fp2, err := j2.Fingerprint(kw)
	require.NoError(t, err)

	assert.NotEqual(t, fp1, fp2)
}

func TestFingerprintIsStableAcrossMultipleCalls(t *testing.T) {
	j, err := New("fn", "v1", value.NewMap(nil))
	require.NoError(t, err)

	fp1, err := j.Fingerprint(value.NewMap(nil))
	require.NoError(t, err)
	// A second call, even with different (bogus) input, must return the
	// cached fingerprint: Fingerprint is computed at most once.
	fp2, err := j.Fingerprint(value.NewInt(999))
	require.NoError(t, err)

	assert.Equal(t, fp1, fp2)
}

func TestArgumentJobsFindsNestedJobRefs(t *testing.T) {
	depA, err := New("a", "v1", value.NewMap(nil))
	require.NoError(t, err)
	depB, err := New("b", "v1", value.NewMap(nil))
	require.NoError(t, err)

	om := value.NewOrderedMap()
	om.Set("x", value.NewJobRef(depA.ID().String()))
	om.Set("y", value.NewList([]value.Value{value.NewJobRef(depB.ID().String()), value.NewInt(1)}))

	j, err := New("fn", "v1", value.NewMap(om))
	require.NoError(t, err)

	ids := j.ArgumentJobs()
	var strIDs []string
	for _, id := range ids {
		strIDs = append(strIDs, id.String())
	}
	assert.ElementsMatch(t, []string{depA.ID().String(), depB.ID().String()}, strIDs)
}

func TestResolveArgumentsReplacesJobRefWithResult(t *testing.T) {
	dep, err := New("a", "v1", value.NewMap(nil))
	require.NoError(t, err)
	dep.Finish(value.NewInt(7))

	om := value.NewOrderedMap()
	om.Set("x", value.NewJobRef(dep.ID().String()))
	j, err := New("fn", "v1", value.NewMap(om))
	require.NoError(t, err)

	resolved, err := j.ResolveArguments(func(id ID) (*Job, bool) {
		if id.String() == dep.ID().String() {
			return dep, true
		}
		return nil, false
	})
	require.NoError(t, err)

	m, ok := resolved.AsMap()
	require.True(t, ok)
	x, _ := m.Get("x")
	i, _ := x.AsInt()
	assert.Equal(t, int64(7), i)
}

func TestResolveArgumentsFailsIfDependencyNotFinished(t *testing.T) {
	dep, err := New("a", "v1", value.NewMap(nil))
	require.NoError(t, err)

	om := value.NewOrderedMap()
	om.Set("x", value.NewJobRef(dep.ID().String()))
	j, err := New("fn", "v1", value.NewMap(om))
	require.NoError(t, err)

	_, err = j.ResolveArguments(func(id ID) (*Job, bool) { return dep, true })
	assert.Error(t, err)
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	kw := kwargs(t, value.NewString("shape"), value.NewInt(6))
	j, err := New("make_zeros", "1.0", kw)
	require.NoError(t, err)
	j.Label = "zeros job"
	j.Container = "hither/numpy:latest"
	j.ForceRun = true

	rec, err := j.Serialize("sha1://code")
	require.NoError(t, err)
	assert.Equal(t, j.ID().String(), rec.JobID)

	data, err := MarshalRecord(rec)
	require.NoError(t, err)

	gotRec, err := UnmarshalRecord(data)
	require.NoError(t, err)

	got, err := Deserialize(gotRec)
	require.NoError(t, err)

	assert.Equal(t, j.ID().String(), got.ID().String())
	assert.Equal(t, j.FunctionName, got.FunctionName)
	assert.Equal(t, j.FunctionVersion, got.FunctionVersion)
	assert.Equal(t, j.Label, got.Label)
	assert.Equal(t, j.Container, got.Container)
	assert.True(t, got.ForceRun)
	assert.Equal(t, StatusPending, got.Status())
}

func TestErrorKindMatchingWithErrorsIs(t *testing.T) {
	err := TimeoutError("job ran too long")
	assert.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrWorkerDied)
}
