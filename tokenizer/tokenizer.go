// Package tokenizer estimates token counts for providers that never return
// usage fields of their own.
//
// Grounded on llm/tokenizer/tiktoken.go: the same
// sync.Once-guarded lazy *tiktoken.Tiktoken, the same cl100k_base fallback
// when a model has no known encoding, reduced to the one estimator the
// orchestration core actually needs (Copilot, whose bridge never reports
// usage at all).
package tokenizer

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator counts tokens with a single shared cl100k_base encoding, the
// encoding GPT-3.5/4-family models use and the closest available match for
// a bridge integration that names no model of its own.
type Estimator struct {
	once    sync.Once
	enc     *tiktoken.Tiktoken
	initErr error
}

// Default is the package-level estimator every provider can share; tiktoken
// encodings are immutable after load so one instance is safe for concurrent
// use across requests.
var Default = &Estimator{}

func (e *Estimator) init() error {
	e.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			e.initErr = err
			return
		}
		e.enc = enc
	})
	return e.initErr
}

// Count returns the number of cl100k_base tokens in text. On encoding
// initialization failure it falls back to a character-based estimate
// (roughly 4 characters per token) rather than returning an error, since
// callers use this for a best-effort TokenUsage.Estimated field, not a
// billing-accurate count.
func (e *Estimator) Count(text string) int {
	if err := e.init(); err != nil {
		return len(text) / 4
	}
	return len(e.enc.Encode(text, nil, nil))
}
