// Package recon implements the client-side message reconciliation engine:
// merging server-fetched pages with locally-pending placeholder messages,
// resolving placeholder identity, tombstone filtering, ordering, and the
// display grouping projection. All functions are pure over their inputs; the
// conversation controller owns serialization of concurrent callers.
package recon

import (
	"reflect"
	"sort"

	"github.com/parleyapp/parley/internal/chat"
)

// Tombstoned reports whether a message id has been deleted locally and must
// not be reintroduced by a later fetch or push.
type Tombstoned func(id string) bool

// Merge combines the current working set (newest-first) with a freshly
// fetched batch of server-truth records and returns a deduplicated,
// newest-first set.
//
// Placeholders in current are matched against incoming records first by
// ClientID, then by content heuristic (same text, sender and type; for image
// types also the same media reference). A matched placeholder is dropped --
// the incoming record replaces it. Unmatched placeholders survive. Any id in
// the tombstone set is excluded. Ties on timestamp keep the stable order of
// the concatenation.
func Merge(current, incoming []chat.Message, tombstoned Tombstoned) []chat.Message {
	survivors := make([]chat.Message, 0, len(current))
	for _, m := range current {
		if !m.IsPlaceholder() {
			continue
		}
		if findMatch(incoming, m) < 0 {
			survivors = append(survivors, m)
		}
	}

	merged := make([]chat.Message, 0, len(survivors)+len(incoming))
	for _, m := range append(survivors, incoming...) {
		if tombstoned != nil && tombstoned(m.ID) {
			continue
		}
		merged = append(merged, m)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.After(merged[j].Timestamp)
	})
	return merged
}

// MergeSilent is Merge for background refetches: when the merged result is
// structurally identical to current it returns current itself (same slice
// identity) and changed=false, so downstream consumers skip the re-render.
func MergeSilent(current, incoming []chat.Message, tombstoned Tombstoned) ([]chat.Message, bool) {
	merged := Merge(current, incoming, tombstoned)
	if reflect.DeepEqual(current, merged) {
		return current, false
	}
	return merged, true
}

// ApplyPush applies a single confirmed message arriving over the event
// channel to the working set. If the id is already present the set is
// returned unchanged. A placeholder matched by ClientID (or, failing that,
// by content heuristic) is replaced in place; otherwise the message is
// prepended, since a pushed message is guaranteed newest.
func ApplyPush(current []chat.Message, msg chat.Message, tombstoned Tombstoned) []chat.Message {
	if tombstoned != nil && tombstoned(msg.ID) {
		return current
	}
	for _, m := range current {
		if m.ID == msg.ID {
			return current
		}
	}

	if msg.ClientID != "" {
		for i, m := range current {
			if m.ID == msg.ClientID {
				out := make([]chat.Message, len(current))
				copy(out, current)
				out[i] = msg
				return out
			}
		}
	}

	for i, m := range current {
		if m.IsPlaceholder() && contentMatch(msg, m) {
			out := make([]chat.Message, len(current))
			copy(out, current)
			out[i] = msg
			return out
		}
	}

	out := make([]chat.Message, 0, len(current)+1)
	out = append(out, msg)
	return append(out, current...)
}

// findMatch returns the index of the incoming record that supersedes the
// given placeholder, or -1.
func findMatch(incoming []chat.Message, placeholder chat.Message) int {
	for i, in := range incoming {
		if in.ClientID != "" && in.ClientID == placeholder.ID {
			return i
		}
		if contentMatch(in, placeholder) {
			return i
		}
	}
	return -1
}

// contentMatch is the documented heuristic fallback for servers that do not
// echo the client id: identical text, sender and type, and for image types
// an identical media reference. Fragile by nature -- ClientID matching is
// the primary mechanism.
func contentMatch(in, placeholder chat.Message) bool {
	if in.Text != placeholder.Text ||
		in.SenderID != placeholder.SenderID ||
		in.Type != placeholder.Type {
		return false
	}
	if in.Type == chat.TypeImage && !in.MediaURL.Equal(placeholder.MediaURL) {
		return false
	}
	return true
}
