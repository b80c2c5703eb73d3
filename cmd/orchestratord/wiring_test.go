package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/types"
)

func TestEnvPrefixForProvider(t *testing.T) {
	assert.Equal(t, "DEEPSEEK", envPrefixForProvider(types.ProviderDeepSeek))
	assert.Equal(t, "PERPLEXITY", envPrefixForProvider(types.ProviderPerplexity))
	assert.Equal(t, "COPILOT", envPrefixForProvider(types.ProviderCopilot))
}

func TestLoadAPIKeysFromEnv_StopsAtFirstGap(t *testing.T) {
	t.Setenv("DEEPSEEK_API_KEY_1", "key-one")
	t.Setenv("DEEPSEEK_API_KEY_2", "key-two")
	t.Setenv("DEEPSEEK_API_KEY_4", "key-four") // gap at 3, never reached

	keys := loadAPIKeysFromEnv(types.ProviderDeepSeek)
	if assert.Len(t, keys, 2) {
		assert.Equal(t, "key-one", keys[0].Secret)
		assert.Equal(t, 1, keys[0].Index)
		assert.Equal(t, "key-two", keys[1].Secret)
		assert.Equal(t, types.KeyUnknown, keys[0].Health)
	}
}

func TestLoadAPIKeysFromEnv_EmptyWhenUnset(t *testing.T) {
	keys := loadAPIKeysFromEnv(types.ProviderCopilot)
	assert.Empty(t, keys)
}
