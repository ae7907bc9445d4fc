// Package cluster — events.go
//
// Typed membership events and member status for the eskka discovery core.
//
// Status transition graph (as observed by any single node):
//
//	JOINING ──→ UP ──→ LEAVING ──→ EXITING ──→ REMOVED
//	             │
//	             └──→ DOWN  (failure detector)
//
// Forced eviction of a DOWN member is reported by serf as a leave, so
// the evicted member projects to EXITING and then REMOVED.
//
// Absorbing invariant:
//   - DOWN never transitions back to UP. A downed process that restarts
//     joins with a fresh NodeId and a fresh gossip name, so from the
//     cluster's point of view it is a different member.
//   - Status changes are derived from the gossip substrate; this package
//     never writes member status, it only projects it.
//
// Event semantics:
//   MemberUp          — member observed alive (also used to replay the
//                       current view to a new subscriber).
//   MemberExited      — member left voluntarily or was forcibly evicted.
//   MemberRemoved     — membership record reaped; the member is gone.
//   UnreachableMember — local failure detector lost the member.
//   ReachableMember   — a previously unreachable member recovered.

package cluster

import (
	"fmt"

	"github.com/hashicorp/serf/serf"
)

// Status is the projected membership status of a single member.
type Status uint8

const (
	StatusJoining Status = 0
	StatusUp      Status = 1
	StatusLeaving Status = 2
	StatusExiting Status = 3
	StatusDown    Status = 4
	StatusRemoved Status = 5
)

// String returns the human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusJoining:
		return "JOINING"
	case StatusUp:
		return "UP"
	case StatusLeaving:
		return "LEAVING"
	case StatusExiting:
		return "EXITING"
	case StatusDown:
		return "DOWN"
	case StatusRemoved:
		return "REMOVED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

// Absorbing reports whether the status can never be left without a
// process restart. DOWN is the only absorbing status a live record can
// carry.
func (s Status) Absorbing() bool {
	return s == StatusDown
}

// Member is a read-only projection of one cluster member.
type Member struct {
	// Name is the unique gossip name (derived from the NodeID).
	Name string

	// Addr is the canonical host:port gossip address.
	Addr string

	// NodeID is the member's process-lifetime identity.
	NodeID string

	// TransportAddr is the member's discovery RPC address.
	TransportAddr string

	// MasterEligible and Voter are the member's roles.
	MasterEligible bool
	Voter          bool

	// StartedAt is the member's process start time in unix nanoseconds,
	// used for the deterministic oldest ordering.
	StartedAt int64

	Status Status
}

// EventType identifies a membership event.
type EventType uint8

const (
	EventMemberUp EventType = iota
	EventMemberExited
	EventMemberRemoved
	EventUnreachable
	EventReachable
)

// String returns the event type name.
func (t EventType) String() string {
	switch t {
	case EventMemberUp:
		return "member-up"
	case EventMemberExited:
		return "member-exited"
	case EventMemberRemoved:
		return "member-removed"
	case EventUnreachable:
		return "unreachable"
	case EventReachable:
		return "reachable"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Event is one membership event as delivered to subscribers.
type Event struct {
	Type   EventType
	Member Member
}

// mapStatus projects a serf member status onto the eskka status space.
// A failed member projects to DOWN, which is absorbing because rejoining
// requires a fresh identity. A forcibly evicted member is StatusLeft in
// serf and projects to EXITING.
func mapStatus(s serf.MemberStatus) Status {
	switch s {
	case serf.StatusAlive:
		return StatusUp
	case serf.StatusLeaving:
		return StatusLeaving
	case serf.StatusLeft:
		return StatusExiting
	case serf.StatusFailed:
		return StatusDown
	default:
		return StatusJoining
	}
}

// eventMapper turns the substrate's coalesced member events into the
// typed event stream. It remembers the last projected status per member
// so that a failed member which rejoins is re-announced as reachable
// rather than as a duplicate member-up.
type eventMapper struct {
	last map[string]Status
}

func newEventMapper() *eventMapper {
	return &eventMapper{last: make(map[string]Status)}
}

// mapEvent expands one serf member event into zero or more typed events.
func (em *eventMapper) mapEvent(ev serf.MemberEvent) []Event {
	var out []Event
	for _, sm := range ev.Members {
		m := memberFromSerf(sm)
		switch ev.EventType() {
		case serf.EventMemberJoin:
			m.Status = StatusUp
			if em.last[m.Name] == StatusDown {
				out = append(out, Event{Type: EventReachable, Member: m})
			} else {
				out = append(out, Event{Type: EventMemberUp, Member: m})
			}
			em.last[m.Name] = StatusUp
		case serf.EventMemberFailed:
			// The member was up until the failure detector lost it; the
			// event carries the pre-failure view so consumers can apply
			// their own status filters.
			m.Status = StatusUp
			out = append(out, Event{Type: EventUnreachable, Member: m})
			em.last[m.Name] = StatusDown
		case serf.EventMemberLeave:
			m.Status = StatusExiting
			out = append(out, Event{Type: EventMemberExited, Member: m})
			em.last[m.Name] = StatusExiting
		case serf.EventMemberReap:
			m.Status = StatusRemoved
			out = append(out, Event{Type: EventMemberRemoved, Member: m})
			delete(em.last, m.Name)
		}
	}
	return out
}
