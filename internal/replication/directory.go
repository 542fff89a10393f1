package replication

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// DefaultCapacity bounds the number of live objects in a session when the
// caller does not configure a limit.
const DefaultCapacity = 1024

// ReplicationDirectory is the authoritative catalog of live objects in one
// session. It is created on session join, passed explicitly to every
// component that needs it, and torn down on session leave. One mutex guards
// all object state; mutation is serialized behind it per tick.
type ReplicationDirectory struct {
	mu       sync.Mutex
	objects  map[ObjectID]*ReplicatedObject
	tombs    map[ObjectID]struct{}
	roster   *Roster
	capacity int
	nextID   atomic.Uint64
	disposed bool
}

// NewDirectory creates a directory bound to the session roster. A capacity
// of zero or less falls back to DefaultCapacity.
func NewDirectory(roster *Roster, capacity int) *ReplicationDirectory {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &ReplicationDirectory{
		objects:  make(map[ObjectID]*ReplicatedObject),
		tombs:    make(map[ObjectID]struct{}),
		roster:   roster,
		capacity: capacity,
	}
}

// Spawn creates and registers an object with the requester as both owner and
// creator. Flag validation happens in the LifecycleManager; Spawn only
// enforces the capacity limit.
func (d *ReplicationDirectory) Spawn(objType ObjectType, flags ObjectFlags, initial Transform, requester ParticipantID) (*ReplicatedObject, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.disposed {
		return nil, ErrObjectDisposed
	}
	if len(d.objects) >= d.capacity {
		return nil, fmt.Errorf("%w: limit %d", ErrCapacityExceeded, d.capacity)
	}

	id := ObjectID(fmt.Sprintf("obj-%d", d.nextID.Add(1)))
	obj := &ReplicatedObject{
		dir:        d,
		id:         id,
		objectType: objType,
		flags:      flags,
		transform:  initial,
		ownership:  OwnershipState{Owner: requester, Creator: requester},
		vars:       newVariableStore(),
	}
	d.objects[id] = obj
	return obj, nil
}

// Destroy removes an object on behalf of a participant. Only the current
// owner or the session master may destroy. A second Destroy for the same id
// returns ErrObjectDisposed with no further effect.
func (d *ReplicationDirectory) Destroy(objectID ObjectID, requester ParticipantID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	obj, err := d.resolveLocked(objectID)
	if err != nil {
		return err
	}

	if obj.ownership.Owner != requester {
		master, ok := d.roster.Master()
		if !ok || master != requester {
			return ErrAuthority
		}
	}

	d.removeLocked(obj)
	return nil
}

// destroySystem removes an object as a consequence of lifecycle rules
// (owner/creator disconnect, session teardown). No authority check.
func (d *ReplicationDirectory) destroySystem(objectID ObjectID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	obj, err := d.resolveLocked(objectID)
	if err != nil {
		return err
	}
	d.removeLocked(obj)
	return nil
}

func (d *ReplicationDirectory) removeLocked(obj *ReplicatedObject) {
	obj.disposed = true
	obj.vars.clearAll()
	delete(d.objects, obj.id)
	d.tombs[obj.id] = struct{}{}
}

// Get is a pure lookup. Destroyed ids are not resolvable.
func (d *ReplicationDirectory) Get(objectID ObjectID) (*ReplicatedObject, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	obj, ok := d.objects[objectID]
	return obj, ok
}

// resolveLocked distinguishes destroyed ids from ids never seen.
func (d *ReplicationDirectory) resolveLocked(objectID ObjectID) (*ReplicatedObject, error) {
	if obj, ok := d.objects[objectID]; ok {
		return obj, nil
	}
	if _, ok := d.tombs[objectID]; ok {
		return nil, ErrObjectDisposed
	}
	if d.disposed {
		return nil, ErrObjectDisposed
	}
	return nil, ErrUnknownObject
}

// resolve is the lock-taking variant of resolveLocked.
func (d *ReplicationDirectory) resolve(objectID ObjectID) (*ReplicatedObject, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resolveLocked(objectID)
}

// Dispose marks every object disposed and empties the catalog on session
// end. Idempotent.
func (d *ReplicationDirectory) Dispose() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.disposed {
		return
	}
	d.disposed = true
	for id, obj := range d.objects {
		obj.disposed = true
		obj.vars.clearAll()
		d.tombs[id] = struct{}{}
	}
	clear(d.objects)
}

// Len counts live objects.
func (d *ReplicationDirectory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.objects)
}

// Objects copies the live object set ordered by id, for deterministic
// iteration during snapshots and disconnect scans.
func (d *ReplicationDirectory) Objects() []*ReplicatedObject {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.objectsLocked()
}

func (d *ReplicationDirectory) objectsLocked() []*ReplicatedObject {
	out := make([]*ReplicatedObject, 0, len(d.objects))
	for _, obj := range d.objects {
		out = append(out, obj)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
