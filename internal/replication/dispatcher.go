package replication

import (
	"math"
	"sync"
	"sync/atomic"
)

// OwnerChange describes one ownership handover. An empty Next marks the
// object as orphaned.
type OwnerChange struct {
	Object   ObjectID
	Previous ParticipantID
	Next     ParticipantID
}

// BatchSink receives outbound batches assembled during Flush, typically to
// serialize them onto the transport. The batch is recycled once DeliverBatch
// returns; implementations copy what they keep.
type BatchSink interface {
	DeliverBatch(batch *ChangeBatch)
}

// BatchSinkFunc adapts a function to the BatchSink interface.
type BatchSinkFunc func(*ChangeBatch)

func (f BatchSinkFunc) DeliverBatch(batch *ChangeBatch) {
	if f != nil {
		f(batch)
	}
}

// VariablesFunc observes variable/transform deltas applied to one object.
// The batch argument is pooled; see the ChangeBatch reuse contract.
type VariablesFunc func(batch *ChangeBatch)

// OwnerChangedFunc observes ownership handovers for one object.
type OwnerChangedFunc func(object ObjectID, previous, next ParticipantID)

// ListenerHandle unregisters a subscription deterministically.
type ListenerHandle uint64

type listenerKind uint8

const (
	listenerVariables listenerKind = iota
	listenerOwner
)

type listenerSlot struct {
	object ObjectID
	kind   listenerKind
}

// DispatcherStats snapshots the dispatcher's delta accounting.
type DispatcherStats struct {
	DeltasSent           uint64
	TransformsSuppressed uint64
	RemoteApplied        uint64
	RemoteDropped        uint64
}

// ChangeDispatcher batches dirty object state once per tick, hands outbound
// batches to the sink, applies inbound deltas to the local mirror and raises
// change events to subscribers. Batches are pooled; per-object sequence
// numbers preserve the owner's causal order and let stale inbound deltas be
// dropped.
type ChangeDispatcher struct {
	dir     *ReplicationDirectory
	sink    BatchSink
	epsilon float64

	mu             sync.Mutex
	nextHandle     ListenerHandle
	varListeners   map[ObjectID]map[ListenerHandle]VariablesFunc
	ownerListeners map[ObjectID]map[ListenerHandle]OwnerChangedFunc
	handles        map[ListenerHandle]listenerSlot
	queuedOwner    []OwnerChange
	lastSent       map[ObjectID]Transform

	deltasSent           atomic.Uint64
	transformsSuppressed atomic.Uint64
	remoteApplied        atomic.Uint64
	remoteDropped        atomic.Uint64
}

// NewDispatcher creates a dispatcher over the directory. Transform deltas
// whose magnitude stays below epsilon are withheld until they accumulate past
// it; an epsilon of zero disables suppression.
func NewDispatcher(dir *ReplicationDirectory, sink BatchSink, epsilon float64) *ChangeDispatcher {
	if sink == nil {
		sink = BatchSinkFunc(nil)
	}
	return &ChangeDispatcher{
		dir:            dir,
		sink:           sink,
		epsilon:        epsilon,
		varListeners:   make(map[ObjectID]map[ListenerHandle]VariablesFunc),
		ownerListeners: make(map[ObjectID]map[ListenerHandle]OwnerChangedFunc),
		handles:        make(map[ListenerHandle]listenerSlot),
		lastSent:       make(map[ObjectID]Transform),
	}
}

// SubscribeVariables registers a callback for inbound deltas on one object.
func (d *ChangeDispatcher) SubscribeVariables(object ObjectID, fn VariablesFunc) ListenerHandle {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextHandle++
	handle := d.nextHandle
	listeners, ok := d.varListeners[object]
	if !ok {
		listeners = make(map[ListenerHandle]VariablesFunc)
		d.varListeners[object] = listeners
	}
	listeners[handle] = fn
	d.handles[handle] = listenerSlot{object: object, kind: listenerVariables}
	return handle
}

// SubscribeOwnerChanged registers a callback for ownership handovers on one
// object.
func (d *ChangeDispatcher) SubscribeOwnerChanged(object ObjectID, fn OwnerChangedFunc) ListenerHandle {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextHandle++
	handle := d.nextHandle
	listeners, ok := d.ownerListeners[object]
	if !ok {
		listeners = make(map[ListenerHandle]OwnerChangedFunc)
		d.ownerListeners[object] = listeners
	}
	listeners[handle] = fn
	d.handles[handle] = listenerSlot{object: object, kind: listenerOwner}
	return handle
}

// Unsubscribe removes a registration. Unknown handles are a no-op.
func (d *ChangeDispatcher) Unsubscribe(handle ListenerHandle) {
	d.mu.Lock()
	defer d.mu.Unlock()

	slot, ok := d.handles[handle]
	if !ok {
		return
	}
	delete(d.handles, handle)
	switch slot.kind {
	case listenerVariables:
		if listeners, ok := d.varListeners[slot.object]; ok {
			delete(listeners, handle)
			if len(listeners) == 0 {
				delete(d.varListeners, slot.object)
			}
		}
	case listenerOwner:
		if listeners, ok := d.ownerListeners[slot.object]; ok {
			delete(listeners, handle)
			if len(listeners) == 0 {
				delete(d.ownerListeners, slot.object)
			}
		}
	}
}

// QueueOwnerChanged stages a handover event for delivery on the next tick.
func (d *ChangeDispatcher) QueueOwnerChanged(change OwnerChange) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queuedOwner = append(d.queuedOwner, change)
}

// DropObject forgets listeners and transform history for a destroyed object.
func (d *ChangeDispatcher) DropObject(object ObjectID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for handle, slot := range d.handles {
		if slot.object == object {
			delete(d.handles, handle)
		}
	}
	delete(d.varListeners, object)
	delete(d.ownerListeners, object)
	delete(d.lastSent, object)
}

// Reset releases every listener and queued event at session teardown.
func (d *ChangeDispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	clear(d.varListeners)
	clear(d.ownerListeners)
	clear(d.handles)
	d.queuedOwner = nil
	clear(d.lastSent)
}

// Flush assembles one batch per dirty object, hands each to the sink and
// recycles it, then delivers queued ownership events to subscribers. It
// returns the drained ownership events (for the wire) and the number of
// batches sent. Flush runs once per simulation tick.
func (d *ChangeDispatcher) Flush(tick uint64) ([]OwnerChange, int) {
	batches := d.collectOutbound(tick)

	for _, batch := range batches {
		d.sink.DeliverBatch(batch)
		d.deltasSent.Add(1)
		releaseBatch(batch)
	}

	d.mu.Lock()
	changes := d.queuedOwner
	d.queuedOwner = nil
	d.mu.Unlock()

	for _, change := range changes {
		for _, fn := range d.ownerListenersFor(change.Object) {
			fn(change.Object, change.Previous, change.Next)
		}
	}

	return changes, len(batches)
}

// collectOutbound drains dirty state into pooled batches under the directory
// lock. Suppressed transforms stay dirty so small movements accumulate until
// they cross epsilon.
func (d *ChangeDispatcher) collectOutbound(tick uint64) []*ChangeBatch {
	d.dir.mu.Lock()
	defer d.dir.mu.Unlock()

	var batches []*ChangeBatch
	for _, obj := range d.dir.objectsLocked() {
		if !obj.dirtyLocked() {
			continue
		}

		batch := acquireBatch()
		batch.Object = obj.id
		batch.Tick = tick
		batch.OwnerHint = obj.ownership.Owner
		obj.vars.fillBatch(batch)

		if obj.transformDirty {
			last, sent := d.lastSentTransform(obj.id)
			if sent && d.epsilon > 0 && transformDelta(last, obj.transform) < d.epsilon {
				d.transformsSuppressed.Add(1)
			} else {
				batch.TransformChanged = true
				batch.Transform = obj.transform
				obj.transformDirty = false
				d.storeLastSent(obj.id, obj.transform)
			}
		}

		if batch.empty() {
			releaseBatch(batch)
			continue
		}

		obj.outSeq++
		batch.Seq = obj.outSeq
		batches = append(batches, batch)
	}
	return batches
}

func (d *ChangeDispatcher) lastSentTransform(object ObjectID) (Transform, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.lastSent[object]
	return t, ok
}

func (d *ChangeDispatcher) storeLastSent(object ObjectID, t Transform) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastSent[object] = t
}

// Delta is a transport-neutral inbound change set produced by a remote
// owner's dispatcher.
type Delta struct {
	Object       ObjectID
	Seq          uint64
	Changed      map[VarKey]Value
	Removed      []VarKey
	HasTransform bool
	Transform    Transform
}

// ApplyRemote applies an inbound delta to the local mirror and raises the
// object's variable listeners with a pooled batch. Deltas with a sequence at
// or below the last applied one are dropped and counted; per-object causal
// order from the owner is otherwise preserved by the transport contract.
func (d *ChangeDispatcher) ApplyRemote(tick uint64, delta Delta) error {
	obj, err := d.dir.resolve(delta.Object)
	if err != nil {
		d.remoteDropped.Add(1)
		return err
	}

	d.dir.mu.Lock()
	if obj.disposed {
		d.dir.mu.Unlock()
		d.remoteDropped.Add(1)
		return ErrObjectDisposed
	}
	if delta.Seq != 0 && delta.Seq <= obj.appliedSeq {
		d.dir.mu.Unlock()
		d.remoteDropped.Add(1)
		return nil
	}
	obj.vars.applyRemote(delta.Changed, delta.Removed)
	if delta.HasTransform {
		obj.transform = delta.Transform
	}
	if delta.Seq != 0 {
		obj.appliedSeq = delta.Seq
	}
	owner := obj.ownership.Owner
	d.dir.mu.Unlock()

	d.remoteApplied.Add(1)

	listeners := d.varListenersFor(delta.Object)
	if len(listeners) == 0 {
		return nil
	}

	batch := acquireBatch()
	batch.Object = delta.Object
	batch.Tick = tick
	batch.Seq = delta.Seq
	batch.OwnerHint = owner
	for key, v := range delta.Changed {
		batch.Changed[key] = v
	}
	for _, key := range delta.Removed {
		batch.Removed[key] = struct{}{}
	}
	batch.TransformChanged = delta.HasTransform
	batch.Transform = delta.Transform

	for _, fn := range listeners {
		fn(batch)
	}
	releaseBatch(batch)
	return nil
}

func (d *ChangeDispatcher) varListenersFor(object ObjectID) []VariablesFunc {
	d.mu.Lock()
	defer d.mu.Unlock()
	listeners := d.varListeners[object]
	if len(listeners) == 0 {
		return nil
	}
	out := make([]VariablesFunc, 0, len(listeners))
	for _, fn := range listeners {
		out = append(out, fn)
	}
	return out
}

func (d *ChangeDispatcher) ownerListenersFor(object ObjectID) []OwnerChangedFunc {
	d.mu.Lock()
	defer d.mu.Unlock()
	listeners := d.ownerListeners[object]
	if len(listeners) == 0 {
		return nil
	}
	out := make([]OwnerChangedFunc, 0, len(listeners))
	for _, fn := range listeners {
		out = append(out, fn)
	}
	return out
}

// Stats snapshots the delta counters.
func (d *ChangeDispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		DeltasSent:           d.deltasSent.Load(),
		TransformsSuppressed: d.transformsSuppressed.Load(),
		RemoteApplied:        d.remoteApplied.Load(),
		RemoteDropped:        d.remoteDropped.Load(),
	}
}

// transformDelta measures the magnitude of change between two transforms as
// the sum of the euclidean distances of position, rotation and scale.
func transformDelta(a, b Transform) float64 {
	return vecDistance(a.Position, b.Position) +
		vecDistance(a.Rotation, b.Rotation) +
		vecDistance(a.Scale, b.Scale)
}

func vecDistance(a, b Vec3) float64 {
	dx := a.X - b.X
	dy := a.Y - b.Y
	dz := a.Z - b.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}
