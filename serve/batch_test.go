package serve

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func gcWith(id string, promptLen, generated int) *GenerationContext {
	tokens := make([]int, promptLen)
	gc := NewGenerationContext(&Request{ID: id, InputTokens: tokens, Sampling: SamplingParams{MaxNewTokens: 100}})
	for i := 0; i < generated; i++ {
		gc.Append(i+1, fakeEOS)
	}
	return gc
}

func TestBatch_SumSeqLen(t *testing.T) {
	b := NewBatch([]*GenerationContext{
		gcWith("a", 4, 2),
		gcWith("b", 3, 0),
	})
	assert.Equal(t, 9, b.SumSeqLen())
}

func TestBatch_Remove(t *testing.T) {
	b := NewBatch([]*GenerationContext{gcWith("a", 1, 0), gcWith("b", 1, 0), gcWith("c", 1, 0)})

	got := b.Remove("b")
	assert.NotNil(t, got)
	assert.Equal(t, "b", got.Request.ID)
	assert.Equal(t, 2, b.Len())

	assert.Nil(t, b.Remove("b"), "second Remove of same id should be a no-op")
}

func TestBatch_EvictDone_KeepsAdmissionOrder(t *testing.T) {
	done := gcWith("done", 2, 0)
	done.Request.Sampling.MaxNewTokens = 1
	done.Append(1, fakeEOS)

	b := NewBatch([]*GenerationContext{gcWith("a", 1, 0), done, gcWith("b", 1, 0)})
	evicted := b.EvictDone()

	assert.Len(t, evicted, 1)
	assert.Equal(t, "done", evicted[0].Request.ID)
	assert.Equal(t, "a", b.Contexts[0].Request.ID)
	assert.Equal(t, "b", b.Contexts[1].Request.ID)
}

func TestGenerationContext_TerminatesOnEOS(t *testing.T) {
	gc := NewGenerationContext(&Request{ID: "x", InputTokens: []int{1, 2}, Sampling: SamplingParams{MaxNewTokens: 100}})
	assert.False(t, gc.Append(5, fakeEOS))
	assert.True(t, gc.Append(fakeEOS, fakeEOS))
	assert.True(t, gc.Done())
}

func TestGenerationContext_IgnoreEOSRunsToMaxTokens(t *testing.T) {
	gc := NewGenerationContext(&Request{ID: "x", Sampling: SamplingParams{MaxNewTokens: 2, IgnoreEOS: true}})
	assert.False(t, gc.Append(fakeEOS, fakeEOS))
	assert.True(t, gc.Append(7, fakeEOS))
}
