package job

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuntimeInfoAppendAndSnapshot(t *testing.T) {
	ri := NewRuntimeInfo(time.Now())
	ri.AppendLine("starting", time.Now())
	ri.AppendLine("done", time.Now())
	ri.Finish(time.Now(), 0)

	snap := ri.Snapshot()
	assert.Len(t, snap.Lines, 2)
	assert.Equal(t, 0, snap.ExitCode)
	assert.False(t, snap.Cancelled)
}

func TestRuntimeInfoRestoreSnapshotRoundTrip(t *testing.T) {
	ri := NewRuntimeInfo(time.Now())
	ri.AppendLine("intentional", time.Now())
	ri.Finish(time.Now(), 1)
	snap := ri.Snapshot()

	restored := NewRuntimeInfo(time.Time{})
	restored.RestoreSnapshot(snap)

	assert.Equal(t, snap.Lines, restored.Lines())
	assert.Equal(t, 1, restored.Snapshot().ExitCode)
}

func TestNextLinesUnblocksOnAppend(t *testing.T) {
	ri := NewRuntimeInfo(time.Now())

	done := make(chan []ConsoleLine, 1)
	go func() {
		lines, _ := ri.NextLines(0, 2*time.Second)
		done <- lines
	}()

	time.Sleep(20 * time.Millisecond)
	ri.AppendLine("hello", time.Now())

	select {
	case lines := <-done:
		require.Len(t, lines, 1)
		assert.Equal(t, "hello", lines[0].Text)
	case <-time.After(time.Second):
		t.Fatal("NextLines did not unblock on append")
	}
}

func TestTailClosesOnFinish(t *testing.T) {
	ri := NewRuntimeInfo(time.Now())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ch, stop := ri.Tail(ctx)
	defer stop()

	ri.AppendLine("line1", time.Now())
	ri.Finish(time.Now(), 0)

	var got []ConsoleLine
	for l := range ch {
		got = append(got, l)
	}
	require.Len(t, got, 1)
	assert.Equal(t, "line1", got[0].Text)
}
