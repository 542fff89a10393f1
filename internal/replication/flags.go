package replication

import (
	"fmt"
	"strings"
)

// ObjectFlags configure an object's replication and disconnect behaviour.
// Flags are fixed at spawn time and combinable except where Validate says
// otherwise.
type ObjectFlags uint8

const (
	// FlagNone spawns a plain object with creator-fallback disconnect rules.
	FlagNone ObjectFlags = 0

	// FlagMasterClientObject reverts ownership to the session master when the
	// owner disconnects.
	FlagMasterClientObject ObjectFlags = 1 << 0

	// FlagDestroyWhenOwnerLeaves destroys the object when its current owner
	// disconnects.
	FlagDestroyWhenOwnerLeaves ObjectFlags = 1 << 1

	// FlagDestroyWhenCreatorLeaves destroys the object when its original
	// creator disconnects, regardless of who owns it at that point.
	FlagDestroyWhenCreatorLeaves ObjectFlags = 1 << 2

	// FlagAllowOwnershipTransfer permits RequestTransfer against a live owner.
	FlagAllowOwnershipTransfer ObjectFlags = 1 << 3

	// FlagSyncTransform replicates transform writes. Without it transform
	// writes stay local to the owning process.
	FlagSyncTransform ObjectFlags = 1 << 4
)

var flagNames = []struct {
	flag ObjectFlags
	name string
}{
	{FlagMasterClientObject, "MasterClientObject"},
	{FlagDestroyWhenOwnerLeaves, "DestroyWhenOwnerLeaves"},
	{FlagDestroyWhenCreatorLeaves, "DestroyWhenCreatorLeaves"},
	{FlagAllowOwnershipTransfer, "AllowOwnershipTransfer"},
	{FlagSyncTransform, "SyncTransform"},
}

// Has reports whether every bit of flag is set.
func (f ObjectFlags) Has(flag ObjectFlags) bool {
	return f&flag == flag
}

func (f ObjectFlags) String() string {
	if f == FlagNone {
		return "None"
	}
	parts := make([]string, 0, len(flagNames))
	for _, entry := range flagNames {
		if f.Has(entry.flag) {
			parts = append(parts, entry.name)
		}
	}
	if len(parts) == 0 {
		return fmt.Sprintf("ObjectFlags(%d)", uint8(f))
	}
	return strings.Join(parts, "|")
}

// Validate rejects flag combinations that would make disconnect handling
// ambiguous. A master-owned object is re-assigned on owner disconnect, never
// destroyed, so the two bits cannot coexist.
func (f ObjectFlags) Validate() error {
	if f.Has(FlagDestroyWhenOwnerLeaves) && f.Has(FlagMasterClientObject) {
		return fmt.Errorf("%w: DestroyWhenOwnerLeaves conflicts with MasterClientObject", ErrNotOwnerOrIneligible)
	}
	return nil
}
