package replication

import "sync"

// ChangeBatch carries the variable and transform deltas for one object during
// one dispatch tick.
//
// Reuse contract: batches handed to subscriber callbacks and batch sinks are
// pooled. The dispatcher clears and recycles the structure as soon as every
// callback for the tick has returned; consumers must copy any values they
// need to retain past the callback. Within one tick every subscriber for the
// same object observes the same batch contents.
type ChangeBatch struct {
	Object ObjectID
	Tick   uint64
	Seq    uint64

	Changed map[VarKey]Value
	Removed map[VarKey]struct{}

	TransformChanged bool
	Transform        Transform

	OwnerHint ParticipantID
}

var batchPool = sync.Pool{
	New: func() any {
		return &ChangeBatch{
			Changed: make(map[VarKey]Value),
			Removed: make(map[VarKey]struct{}),
		}
	},
}

func acquireBatch() *ChangeBatch {
	return batchPool.Get().(*ChangeBatch)
}

func releaseBatch(b *ChangeBatch) {
	b.reset()
	batchPool.Put(b)
}

func (b *ChangeBatch) reset() {
	b.Object = ""
	b.Tick = 0
	b.Seq = 0
	clear(b.Changed)
	clear(b.Removed)
	b.TransformChanged = false
	b.Transform = Transform{}
	b.OwnerHint = ""
}

func (b *ChangeBatch) empty() bool {
	return len(b.Changed) == 0 && len(b.Removed) == 0 && !b.TransformChanged
}

// Clone copies a batch for consumers that must retain it past the callback.
func (b *ChangeBatch) Clone() *ChangeBatch {
	out := &ChangeBatch{
		Object:           b.Object,
		Tick:             b.Tick,
		Seq:              b.Seq,
		Changed:          make(map[VarKey]Value, len(b.Changed)),
		Removed:          make(map[VarKey]struct{}, len(b.Removed)),
		TransformChanged: b.TransformChanged,
		Transform:        b.Transform,
		OwnerHint:        b.OwnerHint,
	}
	for key, v := range b.Changed {
		out.Changed[key] = v
	}
	for key := range b.Removed {
		out.Removed[key] = struct{}{}
	}
	return out
}
