package record

// lockAction is the lock-state write derived from a time-marker update.
type lockAction int

const (
	lockNone lockAction = iota
	lockEngage
	lockRelease
)

// deriveLock decides the lock-state write for an applyTimeMarkers call as a
// pure function of the old terminal-marker state, the terminal marker in the
// incoming set, and the current lock state.
//
//   - incoming is nil when the terminal marker is omitted from the update
//     entirely: lock state is left untouched, so partial marker updates
//     never implicitly unlock.
//   - incoming carries a valid time and the record is unlocked: lock. This
//     covers both a freshly reached end-of-care and the reconciliation of a
//     historically inconsistent record, so no "change" is required.
//   - incoming is present without a time while the old marker had one and
//     the record is locked: the time was explicitly cleared, unlock.
func deriveLock(old, incoming *TimeMarker, locked bool) lockAction {
	if incoming == nil {
		return lockNone
	}
	if incoming.HasValidTime() {
		if !locked {
			return lockEngage
		}
		return lockNone
	}
	if locked && old.HasValidTime() {
		return lockRelease
	}
	return lockNone
}

// mergeMarkers upserts incoming markers into the existing set by code,
// preserving the order of first appearance.
func mergeMarkers(existing, incoming []TimeMarker) []TimeMarker {
	merged := make([]TimeMarker, len(existing))
	copy(merged, existing)

	index := make(map[string]int, len(merged))
	for i, m := range merged {
		index[m.Code] = i
	}

	for _, m := range incoming {
		if i, ok := index[m.Code]; ok {
			merged[i] = m
			continue
		}
		index[m.Code] = len(merged)
		merged = append(merged, m)
	}
	return merged
}
