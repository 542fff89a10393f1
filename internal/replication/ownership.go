package replication

import (
	"sync"
	"time"
)

// DefaultTransferTimeout bounds how long a transfer request stays pending
// before it resolves to TransferTimedOut.
const DefaultTransferTimeout = 3 * time.Second

// TransferResult is the terminal state of a pending ownership transfer.
type TransferResult int

const (
	// TransferUnresolved is the zero value of a still-pending handle.
	TransferUnresolved TransferResult = iota
	// TransferGranted means ownership moved to the candidate.
	TransferGranted
	// TransferTimedOut means the round trip never completed; the object
	// stays with its original owner. Retry after backoff.
	TransferTimedOut
)

func (r TransferResult) String() string {
	switch r {
	case TransferGranted:
		return "granted"
	case TransferTimedOut:
		return "timed_out"
	default:
		return "unresolved"
	}
}

// PendingTransfer is the handle returned by RequestTransfer. It resolves on
// a later tick, once the coordinator's round trip completes or times out.
type PendingTransfer struct {
	object    ObjectID
	candidate ParticipantID
	deadline  time.Time

	mu     sync.Mutex
	done   chan struct{}
	result TransferResult
}

// Object returns the id the transfer targets.
func (p *PendingTransfer) Object() ObjectID { return p.object }

// Candidate returns the participant that would become owner.
func (p *PendingTransfer) Candidate() ParticipantID { return p.candidate }

// Done closes when the transfer resolves.
func (p *PendingTransfer) Done() <-chan struct{} { return p.done }

// Result returns the terminal state; ok is false while still pending.
func (p *PendingTransfer) Result() (TransferResult, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result, p.result != TransferUnresolved
}

func (p *PendingTransfer) resolve(result TransferResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.result != TransferUnresolved {
		return
	}
	p.result = result
	close(p.done)
}

// CompletedTransfer reports one transfer resolved during a tick so the relay
// can notify the requester.
type CompletedTransfer struct {
	Object    ObjectID
	Candidate ParticipantID
	Previous  ParticipantID
	Result    TransferResult
}

// DisconnectReport summarises the lifecycle consequences of one participant
// leaving.
type DisconnectReport struct {
	Departed   ParticipantID
	NewMaster  ParticipantID
	HasMaster  bool
	Destroyed  []ObjectID
	Reassigned []OwnerChange
}

// OwnershipCoordinator resolves transfer requests against ownership state and
// the session authority rules, and applies the disconnect fallback chain.
// When the coordinator holds session authority (the relay process) transfers
// resolve locally on the next tick; otherwise they wait for a transport
// verdict or time out.
type OwnershipCoordinator struct {
	dir           *ReplicationDirectory
	roster        *Roster
	dispatcher    *ChangeDispatcher
	timeout       time.Duration
	authoritative bool

	mu      sync.Mutex
	pending map[ObjectID]*PendingTransfer
}

// NewCoordinator wires a coordinator to the session's directory, roster and
// dispatcher. A timeout of zero or less falls back to DefaultTransferTimeout.
func NewCoordinator(dir *ReplicationDirectory, roster *Roster, dispatcher *ChangeDispatcher, timeout time.Duration, authoritative bool) *OwnershipCoordinator {
	if timeout <= 0 {
		timeout = DefaultTransferTimeout
	}
	return &OwnershipCoordinator{
		dir:           dir,
		roster:        roster,
		dispatcher:    dispatcher,
		timeout:       timeout,
		authoritative: authoritative,
		pending:       make(map[ObjectID]*PendingTransfer),
	}
}

// RequestTransfer asks for ownership of an object on behalf of candidate.
// The first pending request per object wins; a second one fails with
// ErrTransferInProgress and may be retried after the first resolves.
// Objects without FlagAllowOwnershipTransfer reject the request with
// ErrNotOwnerOrIneligible unless they are orphaned: an orphan has no owner to
// protect and must remain claimable.
func (c *OwnershipCoordinator) RequestTransfer(objectID ObjectID, candidate ParticipantID, now time.Time) (*PendingTransfer, error) {
	obj, err := c.dir.resolve(objectID)
	if err != nil {
		return nil, err
	}

	c.dir.mu.Lock()
	if obj.disposed {
		c.dir.mu.Unlock()
		return nil, ErrObjectDisposed
	}
	if obj.ownership.Owner != "" && !obj.flags.Has(FlagAllowOwnershipTransfer) {
		c.dir.mu.Unlock()
		return nil, ErrNotOwnerOrIneligible
	}
	if obj.ownership.TransferPending {
		c.dir.mu.Unlock()
		return nil, ErrTransferInProgress
	}
	obj.ownership.TransferPending = true
	c.dir.mu.Unlock()

	transfer := &PendingTransfer{
		object:    objectID,
		candidate: candidate,
		deadline:  now.Add(c.timeout),
		done:      make(chan struct{}),
	}

	c.mu.Lock()
	c.pending[objectID] = transfer
	c.mu.Unlock()

	return transfer, nil
}

// Resolve applies a transport verdict for a pending transfer. A negative
// verdict is indistinguishable from silence and leaves the original owner,
// resolving the handle as timed out.
func (c *OwnershipCoordinator) Resolve(objectID ObjectID, granted bool) {
	c.mu.Lock()
	transfer, ok := c.pending[objectID]
	if ok {
		delete(c.pending, objectID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	if granted {
		c.commit(transfer)
		return
	}
	c.abandon(transfer, TransferTimedOut)
}

// Tick resolves pending transfers: locally when the coordinator is
// authoritative, by deadline otherwise. It returns the transfers completed
// during this tick.
func (c *OwnershipCoordinator) Tick(now time.Time) []CompletedTransfer {
	c.mu.Lock()
	var due []*PendingTransfer
	for id, transfer := range c.pending {
		if c.authoritative || !now.Before(transfer.deadline) {
			due = append(due, transfer)
			delete(c.pending, id)
		}
	}
	c.mu.Unlock()

	var completed []CompletedTransfer
	for _, transfer := range due {
		if c.authoritative {
			previous, ok := c.commit(transfer)
			if ok {
				completed = append(completed, CompletedTransfer{
					Object:    transfer.object,
					Candidate: transfer.candidate,
					Previous:  previous,
					Result:    TransferGranted,
				})
				continue
			}
		} else {
			c.abandon(transfer, TransferTimedOut)
		}
		completed = append(completed, CompletedTransfer{
			Object:    transfer.object,
			Candidate: transfer.candidate,
			Result:    TransferTimedOut,
		})
	}
	return completed
}

// commit swaps ownership atomically and queues the OwnerChanged event for the
// next dispatch tick. It reports the previous owner and whether the object
// still existed.
func (c *OwnershipCoordinator) commit(transfer *PendingTransfer) (ParticipantID, bool) {
	c.dir.mu.Lock()
	obj, ok := c.dir.objects[transfer.object]
	if !ok || obj.disposed {
		c.dir.mu.Unlock()
		transfer.resolve(TransferTimedOut)
		return "", false
	}
	previous := obj.ownership.Owner
	obj.ownership.Owner = transfer.candidate
	obj.ownership.TransferPending = false
	c.dir.mu.Unlock()

	c.dispatcher.QueueOwnerChanged(OwnerChange{
		Object:   transfer.object,
		Previous: previous,
		Next:     transfer.candidate,
	})
	transfer.resolve(TransferGranted)
	return previous, true
}

// abandon clears the pending flag without touching ownership.
func (c *OwnershipCoordinator) abandon(transfer *PendingTransfer, result TransferResult) {
	c.dir.mu.Lock()
	if obj, ok := c.dir.objects[transfer.object]; ok {
		obj.ownership.TransferPending = false
	}
	c.dir.mu.Unlock()
	transfer.resolve(result)
}

// HandleDisconnect scans the directory after a participant leaves and applies
// the flag-driven rules:
//
//  1. DestroyWhenCreatorLeaves destroys the object when its creator leaves,
//     regardless of current owner.
//  2. For objects the departed participant owned: DestroyWhenOwnerLeaves
//     destroys; MasterClientObject reverts to the (re-elected) master;
//     otherwise ownership passes to the creator if connected, else the
//     master, else the object is orphaned and unwritable until claimed.
//
// The roster must already have been marked disconnected so master election
// reflects the departure.
func (c *OwnershipCoordinator) HandleDisconnect(departed ParticipantID) DisconnectReport {
	report := DisconnectReport{Departed: departed}
	report.NewMaster, report.HasMaster = c.roster.Master()

	for _, obj := range c.dir.Objects() {
		c.dir.mu.Lock()
		if obj.disposed {
			c.dir.mu.Unlock()
			continue
		}
		ownership := obj.ownership
		flags := obj.flags
		c.dir.mu.Unlock()

		if flags.Has(FlagDestroyWhenCreatorLeaves) && ownership.Creator == departed {
			c.destroyFor(obj.id, &report)
			continue
		}

		if ownership.Owner != departed {
			continue
		}

		if flags.Has(FlagDestroyWhenOwnerLeaves) {
			c.destroyFor(obj.id, &report)
			continue
		}

		next := c.fallbackOwner(flags, ownership, report)
		c.reassign(obj, departed, next, &report)
	}

	// Pending transfers whose candidate left can never be delivered.
	c.mu.Lock()
	var stranded []*PendingTransfer
	for id, transfer := range c.pending {
		if transfer.candidate == departed {
			stranded = append(stranded, transfer)
			delete(c.pending, id)
		}
	}
	c.mu.Unlock()
	for _, transfer := range stranded {
		c.abandon(transfer, TransferTimedOut)
	}

	return report
}

func (c *OwnershipCoordinator) fallbackOwner(flags ObjectFlags, ownership OwnershipState, report DisconnectReport) ParticipantID {
	if flags.Has(FlagMasterClientObject) {
		if report.HasMaster {
			return report.NewMaster
		}
		return ""
	}
	if ownership.Creator != "" && c.roster.Connected(ownership.Creator) {
		return ownership.Creator
	}
	if report.HasMaster {
		return report.NewMaster
	}
	return ""
}

func (c *OwnershipCoordinator) destroyFor(objectID ObjectID, report *DisconnectReport) {
	if err := c.dir.destroySystem(objectID); err != nil {
		return
	}
	c.dropPending(objectID)
	c.dispatcher.DropObject(objectID)
	report.Destroyed = append(report.Destroyed, objectID)
}

func (c *OwnershipCoordinator) reassign(obj *ReplicatedObject, previous, next ParticipantID, report *DisconnectReport) {
	c.dir.mu.Lock()
	if obj.disposed {
		c.dir.mu.Unlock()
		return
	}
	obj.ownership.Owner = next
	obj.ownership.TransferPending = false
	c.dir.mu.Unlock()

	c.dropPending(obj.id)

	change := OwnerChange{Object: obj.id, Previous: previous, Next: next}
	c.dispatcher.QueueOwnerChanged(change)
	report.Reassigned = append(report.Reassigned, change)
}

// dropPending abandons any pending transfer for an object whose ownership was
// decided by lifecycle rules.
func (c *OwnershipCoordinator) dropPending(objectID ObjectID) {
	c.mu.Lock()
	transfer, ok := c.pending[objectID]
	if ok {
		delete(c.pending, objectID)
	}
	c.mu.Unlock()
	if ok {
		transfer.resolve(TransferTimedOut)
	}
}

// PendingCount reports the number of unresolved transfers.
func (c *OwnershipCoordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
