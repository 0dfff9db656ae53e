package feed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hither-run/hither/pkg/value"
)

func TestMemFeedAppendAndGetNext(t *testing.T) {
	f := NewMemFeed()
	sf, err := f.Subfeed("main")
	require.NoError(t, err)

	require.NoError(t, sf.Append(context.Background(), value.NewString("hello")))

	msgs, err := sf.GetNext(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	s, _ := msgs[0].AsString()
	assert.Equal(t, "hello", s)
}

func TestMemFeedSameKeyReturnsSameSubfeed(t *testing.T) {
	f := NewMemFeed()
	sf1, err := f.Subfeed("main")
	require.NoError(t, err)
	sf2, err := f.Subfeed("main")
	require.NoError(t, err)

	require.NoError(t, sf1.Append(context.Background(), value.NewInt(1)))

	n, err := sf2.GetNumMessages()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemFeedGetNextBlocksUntilAppend(t *testing.T) {
	f := NewMemFeed()
	sf, err := f.Subfeed("main")
	require.NoError(t, err)

	result := make(chan []value.Value, 1)
	go func() {
		msgs, _ := sf.GetNext(context.Background(), 3000)
		result <- msgs
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, sf.Append(context.Background(), value.NewInt(42)))

	select {
	case msgs := <-result:
		require.Len(t, msgs, 1)
		i, _ := msgs[0].AsInt()
		assert.Equal(t, int64(42), i)
	case <-time.After(2 * time.Second):
		t.Fatal("GetNext did not unblock on append")
	}
}

func TestMemFeedGetNextTimesOutWithoutMessages(t *testing.T) {
	f := NewMemFeed()
	sf, err := f.Subfeed("main")
	require.NoError(t, err)

	start := time.Now()
	msgs, err := sf.GetNext(context.Background(), 50)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestMemFeedSetPositionSkipsMessages(t *testing.T) {
	f := NewMemFeed()
	sf, err := f.Subfeed("main")
	require.NoError(t, err)

	require.NoError(t, sf.AppendMany(context.Background(), []value.Value{value.NewInt(1), value.NewInt(2), value.NewInt(3)}))
	sf.SetPosition(2)

	msgs, err := sf.GetNext(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	i, _ := msgs[0].AsInt()
	assert.Equal(t, int64(3), i)
}

func TestKeyToSubIDIsStableAndDistinguishesKeys(t *testing.T) {
	id1, err := KeyToSubID(value.NewString("abc"))
	require.NoError(t, err)
	id2, err := KeyToSubID(value.NewString("abc"))
	require.NoError(t, err)
	id3, err := KeyToSubID(value.NewString("xyz"))
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.NotEqual(t, id1, id3)
}
