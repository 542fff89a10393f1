package replication

// ObjectID is the session-unique identifier of a replicated object. Ids are
// never reused within one session.
type ObjectID string

// ObjectType tags what kind of entity an object represents. The replication
// layer treats all types identically; the tag exists for collaborators.
type ObjectType string

const (
	ObjectAvatar ObjectType = "avatar"
	ObjectPrefab ObjectType = "prefab"
	ObjectCustom ObjectType = "custom"
)

// Transform is the spatial state replicated for objects spawned with
// FlagSyncTransform. Rotation is stored as Euler angles.
type Transform struct {
	Position Vec3 `json:"position"`
	Rotation Vec3 `json:"rotation"`
	Scale    Vec3 `json:"scale"`
}

// OwnershipState names the participants attached to one object. Exactly one
// participant owns the object at any instant; an empty Owner marks an
// orphaned object, which is unwritable until claimed.
type OwnershipState struct {
	Owner           ParticipantID
	Creator         ParticipantID
	TransferPending bool
}

// ReplicatedObject is the unit of replication: identity, transform, ownership
// and variable store. All mutable state is guarded by the owning directory's
// lock; mutation funnels through the single-writer ownership check.
type ReplicatedObject struct {
	dir *ReplicationDirectory

	id         ObjectID
	objectType ObjectType
	flags      ObjectFlags

	transform      Transform
	transformDirty bool

	ownership OwnershipState
	vars      *VariableStore

	disposed bool

	// outSeq numbers outbound deltas; appliedSeq tracks the last inbound
	// delta applied to this mirror so stale arrivals can be dropped.
	outSeq     uint64
	appliedSeq uint64
}

// ID returns the immutable object id.
func (o *ReplicatedObject) ID() ObjectID { return o.id }

// Type returns the immutable object type tag.
func (o *ReplicatedObject) Type() ObjectType { return o.objectType }

// Flags returns the spawn-time flag bitset.
func (o *ReplicatedObject) Flags() ObjectFlags { return o.flags }

// Ownership returns a copy of the current ownership state.
func (o *ReplicatedObject) Ownership() OwnershipState {
	o.dir.mu.Lock()
	defer o.dir.mu.Unlock()
	return o.ownership
}

// Owner returns the current authoritative participant, empty if orphaned.
func (o *ReplicatedObject) Owner() ParticipantID {
	return o.Ownership().Owner
}

// Creator returns the participant that spawned the object.
func (o *ReplicatedObject) Creator() ParticipantID {
	return o.Ownership().Creator
}

// Transform returns a copy of the current transform.
func (o *ReplicatedObject) Transform() Transform {
	o.dir.mu.Lock()
	defer o.dir.mu.Unlock()
	return o.transform
}

// Variable reads one key from the variable store. Reads observe the owner's
// local writes immediately, before any dispatch tick.
func (o *ReplicatedObject) Variable(key VarKey) (Value, bool) {
	o.dir.mu.Lock()
	defer o.dir.mu.Unlock()
	return o.vars.value(key)
}

// Variables copies the full variable store.
func (o *ReplicatedObject) Variables() map[VarKey]Value {
	o.dir.mu.Lock()
	defer o.dir.mu.Unlock()
	return o.vars.snapshot()
}

// VariableKeys returns the stored keys in ascending order.
func (o *ReplicatedObject) VariableKeys() []VarKey {
	o.dir.mu.Lock()
	defer o.dir.mu.Unlock()
	return o.vars.keys()
}

// Disposed reports whether the object has been destroyed. A disposed object
// is inert; every further operation returns ErrObjectDisposed.
func (o *ReplicatedObject) Disposed() bool {
	o.dir.mu.Lock()
	defer o.dir.mu.Unlock()
	return o.disposed
}

// SetVariable writes one key. Only the current owner may write; the value is
// visible to local reads immediately and dispatched to remotes on the next
// tick. Rejected writes have no partial effect.
func (o *ReplicatedObject) SetVariable(caller ParticipantID, key VarKey, value Value) error {
	if !value.Valid() {
		return ErrNotOwnerOrIneligible
	}
	o.dir.mu.Lock()
	defer o.dir.mu.Unlock()
	if err := o.writableLocked(caller); err != nil {
		return err
	}
	o.vars.set(key, value)
	return nil
}

// RemoveVariable drops one key under the same authority rules as SetVariable.
// Removing an absent key succeeds without marking anything dirty.
func (o *ReplicatedObject) RemoveVariable(caller ParticipantID, key VarKey) error {
	o.dir.mu.Lock()
	defer o.dir.mu.Unlock()
	if err := o.writableLocked(caller); err != nil {
		return err
	}
	o.vars.remove(key)
	return nil
}

// SetTransform writes the spatial state. The write always applies locally;
// it is only marked for replication when the object carries FlagSyncTransform.
func (o *ReplicatedObject) SetTransform(caller ParticipantID, t Transform) error {
	o.dir.mu.Lock()
	defer o.dir.mu.Unlock()
	if err := o.writableLocked(caller); err != nil {
		return err
	}
	o.transform = t
	if o.flags.Has(FlagSyncTransform) {
		o.transformDirty = true
	}
	return nil
}

func (o *ReplicatedObject) writableLocked(caller ParticipantID) error {
	if o.disposed {
		return ErrObjectDisposed
	}
	if o.ownership.Owner == "" || caller != o.ownership.Owner {
		return ErrAuthority
	}
	return nil
}

func (o *ReplicatedObject) dirtyLocked() bool {
	return o.vars.hasDirty() || o.transformDirty
}
