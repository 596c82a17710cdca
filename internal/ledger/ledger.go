// Package ledger implements the approval ledger: the persisted record of
// human decisions on agent-proposed pending actions. Decisions annotate
// actions, they never delete them; the latest decision per id wins.
package ledger

import (
	"sort"
	"sync"
)

// Decision is the client-asserted verdict on a pending action id.
type Decision string

const (
	DecisionPending  Decision = "pending"
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Ledger maps pending action ids to decisions. An id is a member of at most
// one of the approved/rejected sets at any time; approving removes it from
// rejected and vice versa. Both mutators are idempotent.
//
// The ledger persists across runs by riding inside the shared state
// document; it is restored from each incoming request and re-read by the
// agent immediately before executing an action.
type Ledger struct {
	mu       sync.RWMutex
	approved map[string]struct{}
	rejected map[string]struct{}
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{
		approved: make(map[string]struct{}),
		rejected: make(map[string]struct{}),
	}
}

// Approve records approval for id, clearing any prior rejection.
func (l *Ledger) Approve(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.rejected, id)
	l.approved[id] = struct{}{}
}

// Reject records rejection for id, clearing any prior approval.
func (l *Ledger) Reject(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.approved, id)
	l.rejected[id] = struct{}{}
}

// Decision returns the current verdict for id. Pure read.
func (l *Ledger) Decision(id string) Decision {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if _, ok := l.approved[id]; ok {
		return DecisionApproved
	}
	if _, ok := l.rejected[id]; ok {
		return DecisionRejected
	}
	return DecisionPending
}

// Approved returns the approved ids, sorted.
func (l *Ledger) Approved() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return sortedKeys(l.approved)
}

// Rejected returns the rejected ids, sorted.
func (l *Ledger) Rejected() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return sortedKeys(l.rejected)
}

// Restore replaces the ledger contents from persisted id lists. Ids present
// in both inputs resolve to rejected, matching last-decision-wins for the
// order the lists are applied.
func (l *Ledger) Restore(approved, rejected []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.approved = make(map[string]struct{}, len(approved))
	l.rejected = make(map[string]struct{}, len(rejected))
	for _, id := range approved {
		l.approved[id] = struct{}{}
	}
	for _, id := range rejected {
		delete(l.approved, id)
		l.rejected[id] = struct{}{}
	}
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
