package value

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	om := NewOrderedMap()
	om.Set("z", NewInt(1))
	om.Set("a", NewString("hi"))

	cases := []Value{
		Null(),
		NewBool(true),
		NewInt(42),
		NewFloat(3.5),
		NewString("hello"),
		NewList([]Value{NewInt(1), NewInt(2)}),
		NewTuple([]Value{NewInt(1), NewInt(2)}),
		NewMap(om),
		NewFile("sha1://abc", ItemTypeFile),
		NewNdarray("sha1://def"),
		NewJobRef("job_123"),
	}

	for _, orig := range cases {
		data, err := json.Marshal(orig)
		require.NoError(t, err)

		var got Value
		require.NoError(t, json.Unmarshal(data, &got))
		assert.Equal(t, orig.Kind(), got.Kind())
	}
}

func TestTupleListDistinctOnWire(t *testing.T) {
	list := NewList([]Value{NewInt(1), NewInt(2)})
	tuple := NewTuple([]Value{NewInt(1), NewInt(2)})

	listJSON, err := json.Marshal(list)
	require.NoError(t, err)
	tupleJSON, err := json.Marshal(tuple)
	require.NoError(t, err)

	assert.NotEqual(t, string(listJSON), string(tupleJSON))
	assert.Equal(t, "[1,2]", string(listJSON))

	var roundTripped Value
	require.NoError(t, json.Unmarshal(tupleJSON, &roundTripped))
	assert.Equal(t, KindTuple, roundTripped.Kind())

	var roundTrippedList Value
	require.NoError(t, json.Unmarshal(listJSON, &roundTrippedList))
	assert.Equal(t, KindList, roundTrippedList.Kind())
}

func TestOrderedMapPreservesInsertionOrderThroughWire(t *testing.T) {
	om := NewOrderedMap()
	om.Set("z", NewInt(1))
	om.Set("a", NewInt(2))
	om.Set("m", NewInt(3))

	data, err := json.Marshal(NewMap(om))
	require.NoError(t, err)

	var got Value
	require.NoError(t, json.Unmarshal(data, &got))

	gotMap, ok := got.AsMap()
	require.True(t, ok)
	assert.Equal(t, []string{"z", "a", "m"}, gotMap.Keys())
}

func TestFileRoundTripPreservesItemType(t *testing.T) {
	data, err := json.Marshal(NewNdarray("sha1://xyz"))
	require.NoError(t, err)

	var got Value
	require.NoError(t, json.Unmarshal(data, &got))
	f, ok := got.AsFile()
	require.True(t, ok)
	assert.Equal(t, ItemTypeNdarray, f.ItemType)
	assert.Equal(t, "sha1://xyz", f.URI)
}

func TestWalkVisitsNestedJobRefs(t *testing.T) {
	om := NewOrderedMap()
	om.Set("a", NewJobRef("job_1"))
	om.Set("b", NewList([]Value{NewJobRef("job_2"), NewInt(3)}))
	tree := NewMap(om)

	var refs []string
	tree.Walk(func(v Value) {
		if id, ok := v.AsJobRef(); ok {
			refs = append(refs, id)
		}
	})

	assert.ElementsMatch(t, []string{"job_1", "job_2"}, refs)
}

func TestMapReplacesValuesBottomUp(t *testing.T) {
	om := NewOrderedMap()
	om.Set("a", NewJobRef("job_1"))
	om.Set("b", NewInt(2))
	tree := NewMap(om)

	out, err := tree.Map(func(v Value) (Value, error) {
		if _, ok := v.AsJobRef(); ok {
			return NewInt(99), nil
		}
		return v, nil
	})
	require.NoError(t, err)

	outMap, ok := out.AsMap()
	require.True(t, ok)
	a, _ := outMap.Get("a")
	i, _ := a.AsInt()
	assert.Equal(t, int64(99), i)
}

func TestMapPropagatesError(t *testing.T) {
	tree := NewList([]Value{NewInt(1), NewJobRef("job_1")})
	_, err := tree.Map(func(v Value) (Value, error) {
		if _, ok := v.AsJobRef(); ok {
			return Value{}, ErrNotSerializable
		}
		return v, nil
	})
	assert.ErrorIs(t, err, ErrNotSerializable)
}
