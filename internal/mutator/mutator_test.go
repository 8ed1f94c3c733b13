package mutator

import (
	"bytes"
	"context"
	"testing"

	"snapfuzz/internal/corpus"
	"snapfuzz/internal/dict"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProposeEmptyCorpus(t *testing.T) {
	h := NewHavoc(corpus.New(), nil, 16, 1)
	for range 100 {
		data, err := h.Propose(context.Background())
		require.NoError(t, err)
		assert.NotEmpty(t, data)
		assert.LessOrEqual(t, len(data), 16)
	}
}

func TestProposeRespectsMaxSize(t *testing.T) {
	c := corpus.New()
	c.Add(bytes.Repeat([]byte("A"), 10), "seed")
	c.Add(bytes.Repeat([]byte("B"), 40), "seed")
	tokens := dict.NewTokens()
	tokens.Add([]byte("TOKEN"))
	h := NewHavoc(c, tokens, 32, 7)
	for range 2000 {
		data, err := h.Propose(context.Background())
		require.NoError(t, err)
		assert.LessOrEqual(t, len(data), 32)
	}
}

func TestMutateCopies(t *testing.T) {
	h := NewHavoc(corpus.New(), nil, 64, 3)
	orig := []byte("0123456789")
	in := append([]byte(nil), orig...)
	changed := false
	for range 100 {
		out := h.Mutate(in)
		if !bytes.Equal(out, orig) {
			changed = true
		}
	}
	assert.Equal(t, orig, in)
	assert.True(t, changed)
}

func TestMutateUsesTokens(t *testing.T) {
	tokens := dict.NewTokens()
	tokens.Add([]byte("MAGIC"))
	h := NewHavoc(corpus.New(), tokens, 64, 11)
	found := false
	for range 5000 {
		if bytes.Contains(h.Mutate([]byte("..........")), []byte("MAGIC")) {
			found = true
			break
		}
	}
	assert.True(t, found)
}

func TestDeterministicSeed(t *testing.T) {
	c := corpus.New()
	c.Add([]byte("hello world"), "seed")
	a := NewHavoc(c, nil, 64, 42)
	b := NewHavoc(c, nil, 64, 42)
	assert.Equal(t, a.Mutate([]byte("input")), b.Mutate([]byte("input")))
}

func TestProposeCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewHavoc(corpus.New(), nil, 8, 1).Propose(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInterestingIndex(t *testing.T) {
	assert.Equal(t, uint64(255), interestingValues[interestingIndex[1]-1])
	assert.Equal(t, uint64(65535), interestingValues[interestingIndex[2]-1])
	assert.Equal(t, uint64(1<<32-1), interestingValues[interestingIndex[4]-1])
	assert.Equal(t, len(interestingValues), interestingIndex[8])
}
