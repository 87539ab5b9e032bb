// Package hftokenizer implements engine.Tokenizer on top of
// daulet/tokenizers, a Hugging Face tokenizers binding that the teacher's
// go.mod already carries (go.mod: github.com/daulet/tokenizers v0.9.0) but
// never imports anywhere in its own source — an unwired dependency this
// module adopts for real, per §6's tokenizer collaborator contract.
package hftokenizer

import (
	"github.com/daulet/tokenizers"
	"github.com/pkg/errors"

	"github.com/nanocb/cbengine/engine"
)

// Tokenizer wraps a loaded HF tokenizer.json file.
type Tokenizer struct {
	inner *tokenizers.Tokenizer
	eos   int
	vocab int
}

var _ engine.Tokenizer = (*Tokenizer)(nil)

// Load opens tokenizerPath (a tokenizers.json file) and resolves eosToken
// to its id via the loaded vocabulary.
func Load(tokenizerPath, eosToken string) (*Tokenizer, error) {
	inner, err := tokenizers.FromFile(tokenizerPath)
	if err != nil {
		return nil, errors.Wrapf(engine.ErrInvalidArgument, "loading tokenizer from %s: %v", tokenizerPath, err)
	}

	vocab := int(inner.VocabSize())
	eosIDs, _ := inner.Encode(eosToken, false)
	eos := 0
	if len(eosIDs) > 0 {
		eos = int(eosIDs[0])
	}

	return &Tokenizer{inner: inner, eos: eos, vocab: vocab}, nil
}

func (t *Tokenizer) EOSTokenID() int { return t.eos }
func (t *Tokenizer) VocabSize() int  { return t.vocab }

func (t *Tokenizer) Encode(text string) ([]int, error) {
	ids, _ := t.inner.Encode(text, false)
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return out, nil
}

func (t *Tokenizer) Decode(ids []int) (string, error) {
	u32 := make([]uint32, len(ids))
	for i, id := range ids {
		u32[i] = uint32(id)
	}
	return t.inner.Decode(u32, true), nil
}

// Close releases the underlying tokenizer's native resources.
func (t *Tokenizer) Close() error {
	return t.inner.Close()
}
