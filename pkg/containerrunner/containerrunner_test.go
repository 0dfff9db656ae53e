package containerrunner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSplitLinesSplitsOnNewlineAndDropsTrailingEmpty(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, splitLines("a\nb\nc\n"))
	assert.Equal(t, []string{"a", "b"}, splitLines("a\nb"))
	assert.Nil(t, splitLines(""))
}

func TestMergeOutputInterleavesStreamsInOrderStdoutThenStderr(t *testing.T) {
	lines := mergeOutput(time.Time{}, "out1\nout2\n", "err1\n")
	require := assert.New(t)
	require.Len(lines, 3)
	require.Equal("stdout", lines[0].Stream)
	require.Equal("out1", lines[0].Text)
	require.Equal("stdout", lines[1].Stream)
	require.Equal("out2", lines[1].Text)
	require.Equal("stderr", lines[2].Stream)
	require.Equal("err1", lines[2].Text)
}

func TestMergeOutputEmptyStreamsProducesNoLines(t *testing.T) {
	lines := mergeOutput(time.Time{}, "", "")
	assert.Empty(t, lines)
}
