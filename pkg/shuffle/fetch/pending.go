// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package fetch

import "github.com/nishisan-dev/shuffle-fetcher/pkg/shuffle"

// PendingSet is the ordered, mutable copy of a host's remaining outputs
// that one host session works through. It is owned exclusively by the
// fetch goroutine driving that session; nothing else touches it.
type PendingSet struct {
	ids []shuffle.InputAttemptIdentifier
}

// NewPendingSet copies ids so the caller's slice (typically
// MapHost.Pending) is never mutated by the session.
func NewPendingSet(ids []shuffle.InputAttemptIdentifier) *PendingSet {
	cp := make([]shuffle.InputAttemptIdentifier, len(ids))
	copy(cp, ids)
	return &PendingSet{ids: cp}
}

// Len reports how many outputs remain.
func (p *PendingSet) Len() int { return len(p.ids) }

// Empty reports whether every output has been resolved.
func (p *PendingSet) Empty() bool { return len(p.ids) == 0 }

// Head returns the first remaining identifier, the one the put-back
// rule and the head-fallback disposition both key off of.
func (p *PendingSet) Head() (shuffle.InputAttemptIdentifier, bool) {
	if len(p.ids) == 0 {
		return shuffle.InputAttemptIdentifier{}, false
	}
	return p.ids[0], true
}

// Contains reports whether id is still outstanding.
func (p *PendingSet) Contains(id shuffle.InputAttemptIdentifier) bool {
	for _, x := range p.ids {
		if x == id {
			return true
		}
	}
	return false
}

// Remove drops id from the remaining set. Reports whether it was
// present.
func (p *PendingSet) Remove(id shuffle.InputAttemptIdentifier) bool {
	for i, x := range p.ids {
		if x == id {
			p.ids = append(p.ids[:i], p.ids[i+1:]...)
			return true
		}
	}
	return false
}

// Clear empties the set, used when a whole-host failure has already
// reported every remaining identifier and none should be put back.
func (p *PendingSet) Clear() { p.ids = nil }

// List returns a defensive copy of the remaining identifiers in order.
func (p *PendingSet) List() []shuffle.InputAttemptIdentifier {
	cp := make([]shuffle.InputAttemptIdentifier, len(p.ids))
	copy(cp, p.ids)
	return cp
}

// PutBackAll returns every remaining output to the scheduler via fn,
// preserving the legacy fairness rule: the original head of the list is
// put back last, not first. Calling code must not rely on fn's
// ordering for anything other than this invariant.
func (p *PendingSet) PutBackAll(fn func(shuffle.InputAttemptIdentifier)) {
	for i := len(p.ids) - 1; i >= 0; i-- {
		fn(p.ids[i])
	}
}
