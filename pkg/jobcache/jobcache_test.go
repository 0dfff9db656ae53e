package jobcache

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hither-run/hither/pkg/value"
)

func TestApplyPolicyFinishedHitMissesWhenFileUnresolvable(t *testing.T) {
	state := TerminalState{Finished: true, Result: value.NewFile("sha1://missing", value.ItemTypeFile)}
	always := func(value.Value) bool { return false }

	hit := applyPolicy(LookupOptions{}, state, always)
	assert.False(t, hit.Found)
}

func TestApplyPolicyFinishedHitHitsWhenFileResolvable(t *testing.T) {
	state := TerminalState{Finished: true, Result: value.NewFile("sha1://present", value.ItemTypeFile)}
	always := func(value.Value) bool { return true }

	hit := applyPolicy(LookupOptions{}, state, always)
	assert.True(t, hit.Found)
}

func TestApplyPolicyNoFileCheckerAlwaysHitsOnFinished(t *testing.T) {
	state := TerminalState{Finished: true, Result: value.NewInt(3)}
	hit := applyPolicy(LookupOptions{}, state, nil)
	assert.True(t, hit.Found)
}
