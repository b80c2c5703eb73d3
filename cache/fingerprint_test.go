package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprint_StableAcrossCalls(t *testing.T) {
	a, err := Fingerprint("deepseek", "deepseek-chat", "hello", 0.7, 1024, nil)
	require.NoError(t, err)
	b, err := Fingerprint("deepseek", "deepseek-chat", "hello", 0.7, 1024, nil)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestFingerprint_DiffersOnPrompt(t *testing.T) {
	a, err := Fingerprint("deepseek", "deepseek-chat", "hello", 0.7, 1024, nil)
	require.NoError(t, err)
	b, err := Fingerprint("deepseek", "deepseek-chat", "goodbye", 0.7, 1024, nil)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestFingerprint_ExtraKwargsOrderIndependent(t *testing.T) {
	a, err := Fingerprint("deepseek", "deepseek-chat", "hi", 0.5, 512, map[string]any{"top_p": 0.9, "seed": 42})
	require.NoError(t, err)
	b, err := Fingerprint("deepseek", "deepseek-chat", "hi", 0.5, 512, map[string]any{"seed": 42, "top_p": 0.9})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
