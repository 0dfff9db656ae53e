package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hither-run/hither/pkg/job"
	"github.com/hither-run/hither/pkg/value"
)

func TestEncodeDecodeRoundTripsAddJob(t *testing.T) {
	msg := AddJob{
		Type:  TypeAddJob,
		JobID: "job-123",
		JobSerialized: job.Record{
			JobID:           "job-123",
			FunctionName:    "add_one",
			FunctionVersion: "1.0",
			Kwargs:          value.NewMap(nil),
		},
	}

	v, err := Encode(msg)
	require.NoError(t, err)

	var got AddJob
	require.NoError(t, Decode(v, &got))
	assert.Equal(t, msg.Type, got.Type)
	assert.Equal(t, msg.JobID, got.JobID)
}

func TestPeekTypeReadsDiscriminatorWithoutFullDecode(t *testing.T) {
	v, err := Encode(JobStarted{Type: TypeJobStarted, JobID: "abc"})
	require.NoError(t, err)

	typ, err := PeekType(v)
	require.NoError(t, err)
	assert.Equal(t, TypeJobStarted, typ)
}

func TestJobFinishedCarriesInlineResult(t *testing.T) {
	msg := JobFinished{
		Type:   TypeJobFinished,
		JobID:  "j1",
		Result: value.NewInt(7),
	}

	v, err := Encode(msg)
	require.NoError(t, err)

	var got JobFinished
	require.NoError(t, Decode(v, &got))
	i, ok := got.Result.AsInt()
	require.True(t, ok)
	assert.Equal(t, int64(7), i)
	assert.Empty(t, got.ResultURI)
}

func TestJobFinishedCarriesResultURIInstead(t *testing.T) {
	msg := JobFinished{
		Type:      TypeJobFinished,
		JobID:     "j1",
		ResultURI: "sha1://deadbeef",
	}

	v, err := Encode(msg)
	require.NoError(t, err)

	var got JobFinished
	require.NoError(t, Decode(v, &got))
	assert.Equal(t, "sha1://deadbeef", got.ResultURI)
}

func TestPeekTypeDistinguishesErrorFromFinished(t *testing.T) {
	v, err := Encode(JobError{Type: TypeJobError, JobID: "j2", Exception: "boom"})
	require.NoError(t, err)

	typ, err := PeekType(v)
	require.NoError(t, err)
	assert.Equal(t, TypeJobError, typ)
	assert.NotEqual(t, TypeJobFinished, typ)
}
