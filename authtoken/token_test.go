package authtoken

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_GeneratesVerifiableToken(t *testing.T) {
	m := New(time.Hour, time.Minute)
	tok := m.CurrentToken()
	require.GreaterOrEqual(t, len(tok), MinTokenLength)
	assert.True(t, m.Verify(tok))
}

func TestVerify_RejectsShortCandidate(t *testing.T) {
	m := New(time.Hour, time.Minute)
	assert.False(t, m.Verify("short"))
}

func TestVerify_RejectsUnknownToken(t *testing.T) {
	m := New(time.Hour, time.Minute)
	assert.False(t, m.Verify("x"+m.CurrentToken()[1:]+"00000000000000000000"))
}

func TestRotation_PreviousTokenValidWithinGrace(t *testing.T) {
	clock := time.Now()
	m := New(time.Minute, 30*time.Second)
	m.now = func() time.Time { return clock }

	first := m.CurrentToken()

	clock = clock.Add(2 * time.Minute) // past TTL, triggers rotation
	second := m.CurrentToken()
	require.NotEqual(t, first, second)

	// previous token still verifies inside the grace window
	assert.True(t, m.Verify(first))

	clock = clock.Add(time.Minute) // past grace window too
	assert.False(t, m.Verify(first))
	assert.True(t, m.Verify(second))
}

func TestRotation_OnlyHappensOnceAcrossRepeatedAccess(t *testing.T) {
	clock := time.Now()
	m := New(time.Minute, time.Minute)
	m.now = func() time.Time { return clock }

	clock = clock.Add(5 * time.Minute)
	tok := m.CurrentToken()
	assert.Equal(t, tok, m.CurrentToken(), "second call should not rotate again")
}
