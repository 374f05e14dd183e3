// Defines the Batch struct which represents the group of requests executed
// together on a forward pass.

package serve

// Batch is the set of in-flight generation contexts the worker runs in one
// forward step. Under the continuous strategies membership changes between
// steps; under the dynamic strategy the member set is fixed at formation.
// Members are kept in admission order.
type Batch struct {
	Contexts []*GenerationContext
}

// NewBatch creates a Batch from a given slice of contexts.
func NewBatch(ctxs []*GenerationContext) *Batch {
	return &Batch{Contexts: ctxs}
}

// Len returns the number of active members.
func (b *Batch) Len() int {
	return len(b.Contexts)
}

// Add appends a newly admitted context, preserving admission order.
func (b *Batch) Add(gc *GenerationContext) {
	b.Contexts = append(b.Contexts, gc)
}

// Remove drops the member with the given request id, returning it, or nil
// if no such member exists.
func (b *Batch) Remove(id string) *GenerationContext {
	for i, gc := range b.Contexts {
		if gc.Request.ID == id {
			b.Contexts = append(b.Contexts[:i], b.Contexts[i+1:]...)
			return gc
		}
	}
	return nil
}

// EvictDone removes every member whose context reached a terminal state and
// returns the evicted contexts.
func (b *Batch) EvictDone() []*GenerationContext {
	var done []*GenerationContext
	kept := b.Contexts[:0]
	for _, gc := range b.Contexts {
		if gc.Done() {
			done = append(done, gc)
		} else {
			kept = append(kept, gc)
		}
	}
	b.Contexts = kept
	return done
}

// SumSeqLen is the aggregate sequence length across members, the quantity
// capped by BatchQueueConfig.TargetSumSeqLen.
func (b *Batch) SumSeqLen() int {
	total := 0
	for _, gc := range b.Contexts {
		total += gc.SeqLen()
	}
	return total
}

// ByID returns the member map keyed by request id, the shape the model
// executor consumes.
func (b *Batch) ByID() map[string]*GenerationContext {
	m := make(map[string]*GenerationContext, len(b.Contexts))
	for _, gc := range b.Contexts {
		m[gc.Request.ID] = gc
	}
	return m
}
