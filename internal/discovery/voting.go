// Package discovery — voting.go
//
// The enfranchised voter set and its quorum arithmetic.
//
// Quorum condition:
//
//	|{m ∈ view : m.addr ∈ seeds ∧ m.status = UP}| >= ⌊|seeds|/2⌋ + 1
//
// The denominator is the immutable seed set configured at startup,
// never the current membership: a shrinking view must make quorum
// harder to reach, not easier.

package discovery

import (
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/cgvarela/eskka/internal/cluster"
)

// VotingMembers is the immutable seed set.
type VotingMembers struct {
	seeds mapset.Set[string]
	order []string
}

// NewVotingMembers builds the voter set from resolved seed addresses.
func NewVotingMembers(seeds []string) VotingMembers {
	set := mapset.NewSet[string]()
	var order []string
	for _, s := range seeds {
		if set.Add(s) {
			order = append(order, s)
		}
	}
	return VotingMembers{seeds: set, order: order}
}

// Contains reports whether addr is a seed.
func (v VotingMembers) Contains(addr string) bool {
	return v.seeds.Contains(addr)
}

// Size returns the number of distinct seeds.
func (v VotingMembers) Size() int {
	return v.seeds.Cardinality()
}

// Addresses returns the seeds in configured order.
func (v VotingMembers) Addresses() []string {
	return append([]string(nil), v.order...)
}

// QuorumSize returns ⌊|seeds|/2⌋ + 1.
func (v VotingMembers) QuorumSize() int {
	return v.seeds.Cardinality()/2 + 1
}

// QuorumAvailable reports whether a quorum of seeds is UP in the given
// view.
func (v VotingMembers) QuorumAvailable(members []cluster.Member) bool {
	up := 0
	seen := mapset.NewThreadUnsafeSet[string]()
	for _, m := range members {
		if m.Status == cluster.StatusUp && v.seeds.Contains(m.Addr) && seen.Add(m.Addr) {
			up++
		}
	}
	return up >= v.QuorumSize()
}
