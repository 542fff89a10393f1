package replication

import "errors"

// Error taxonomy for the replication layer. Every failure surfaces as one of
// these sentinels (possibly wrapped with context); nothing in this package
// panics on a malformed request.
var (
	// ErrAuthority rejects a mutation attempted by a participant that is not
	// the object's current owner. Recoverable: the caller may request
	// ownership and retry.
	ErrAuthority = errors.New("caller is not the object owner")

	// ErrTransferInProgress rejects a transfer request while another request
	// for the same object is still pending. First request wins; retry later.
	ErrTransferInProgress = errors.New("ownership transfer already pending")

	// ErrTransferTimedOut resolves a pending transfer whose round trip never
	// completed. The object stays with its original owner.
	ErrTransferTimedOut = errors.New("ownership transfer timed out")

	// ErrCapacityExceeded rejects a spawn once the session object limit is
	// reached. No partial object is created.
	ErrCapacityExceeded = errors.New("session object capacity exceeded")

	// ErrNotOwnerOrIneligible rejects transfer requests against objects that
	// do not allow transfer, and spawn requests with conflicting flags.
	// Not retryable without changing the object's flags.
	ErrNotOwnerOrIneligible = errors.New("object flags do not permit the operation")

	// ErrObjectDisposed marks operations against an object that has already
	// been destroyed. Such operations are no-ops.
	ErrObjectDisposed = errors.New("object is disposed")

	// ErrUnknownObject marks operations against an id the directory has
	// never seen.
	ErrUnknownObject = errors.New("unknown object id")
)
