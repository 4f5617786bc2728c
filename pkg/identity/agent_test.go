package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAgentID(t *testing.T) {
	id, err := NewAgentID("Gateway", " Node-1 ")
	require.NoError(t, err)
	assert.Equal(t, AgentID("did:veritas:gateway:node-1"), id)

	_, err = NewAgentID("gate way", "x")
	assert.ErrorIs(t, err, ErrMalformedAgentID)

	_, err = NewAgentID("sentinel", "")
	assert.ErrorIs(t, err, ErrMalformedAgentID)
}

func TestParseAgentID(t *testing.T) {
	role, instance, err := ParseAgentID("did:veritas:treasury:main")
	require.NoError(t, err)
	assert.Equal(t, "treasury", role)
	assert.Equal(t, "main", instance)

	_, _, err = ParseAgentID("did:other:treasury:main")
	assert.ErrorIs(t, err, ErrMalformedAgentID)

	_, _, err = ParseAgentID("unknown")
	assert.ErrorIs(t, err, ErrMalformedAgentID)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, Unknown, Normalize(""))
	assert.Equal(t, Unknown, Normalize("  UNKNOWN "))
	assert.True(t, IsUnknown("Unknown"))
	assert.False(t, IsUnknown("did:veritas:core:a"))

	// Decomposed e + combining acute composes to a single rune.
	assert.Equal(t, "caf\u00e9", Normalize("CAFE\u0301"))
}
