package memory

import (
	"fmt"
	"unicode/utf8"

	"github.com/tiktoken-go/tokenizer"
)

// Estimator estimates the token cost of a piece of text.
type Estimator interface {
	Count(text string) int
}

// EstimatorFunc adapts a function to the Estimator interface.
type EstimatorFunc func(text string) int

// Count calls f.
func (f EstimatorFunc) Count(text string) int { return f(text) }

// ApproxEstimator assumes four characters per token. It is used when no
// tokenizer encoding is available.
var ApproxEstimator = EstimatorFunc(func(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
})

// TokenizerEstimator counts tokens with a BPE encoding.
type TokenizerEstimator struct {
	codec tokenizer.Codec
}

// NewTokenizerEstimator loads the named encoding (e.g. "cl100k_base").
//
// Postcondition: Returns a ready estimator or an error for an unknown encoding.
func NewTokenizerEstimator(encoding string) (*TokenizerEstimator, error) {
	codec, err := tokenizer.Get(tokenizer.Encoding(encoding))
	if err != nil {
		return nil, fmt.Errorf("loading tokenizer encoding %q: %w", encoding, err)
	}
	return &TokenizerEstimator{codec: codec}, nil
}

// Count implements Estimator. Text the codec rejects is estimated with
// ApproxEstimator.
func (e *TokenizerEstimator) Count(text string) int {
	ids, _, err := e.codec.Encode(text)
	if err != nil {
		return ApproxEstimator.Count(text)
	}
	return len(ids)
}
