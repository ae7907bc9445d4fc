package discovery

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/cgvarela/eskka/internal/cluster"
	"github.com/cgvarela/eskka/internal/observability"
	"github.com/cgvarela/eskka/internal/state"
	"github.com/cgvarela/eskka/internal/transport"
)

var testSeeds = []string{"s1:9400", "s2:9400", "s3:9400"}

func encodePublish(t *testing.T, st state.ClusterState) transport.PublishRequest {
	t.Helper()
	data, err := state.Codec{}.Encode(st)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return transport.PublishRequest{
		Version:      st.Version,
		CodecVersion: state.CodecVersion,
		State:        data,
	}
}

// newTestFollower builds a running follower on node n1 with the three
// test seeds up.
func newTestFollower(t *testing.T, fm *fakeMembership, sender Sender) (*Follower, *state.Store) {
	t.Helper()
	store := state.NewStore(state.Empty(), zap.NewNop())
	self := state.Node{ID: fm.Self().NodeID, Address: fm.Self().Addr, TransportAddr: fm.Self().TransportAddr}
	f := NewFollower(self, NewVotingMembers(testSeeds), fm, store, sender,
		observability.NewMetrics(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go f.Run(ctx)
	t.Cleanup(func() {
		f.Stop()
		cancel()
		store.Close()
	})
	return f, store
}

func fullMembership() *fakeMembership {
	self := upMember("n1:9400", "node-n1", false, false, 40)
	return newFakeMembership(self,
		upMember("s1:9400", "node-s1", true, true, 10),
		upMember("s2:9400", "node-s2", true, true, 20),
		upMember("s3:9400", "node-s3", true, true, 30),
	)
}

func TestFollowerAppliesPublish(t *testing.T) {
	fm := fullMembership()
	f, store := newTestFollower(t, fm, newFakeSender())

	st := state.ClusterState{
		Version:      1,
		MasterNodeID: "node-s1",
		Nodes: map[string]state.Node{
			"node-s1": {ID: "node-s1", Address: "s1:9400"},
			"node-n1": {ID: "node-n1", Address: "n1:9400"},
		},
	}
	ack := f.HandlePublish(context.Background(), encodePublish(t, st))
	if ack.Error != "" {
		t.Fatalf("publish rejected: %s", ack.Error)
	}
	if got := store.Current().Version; got != 1 {
		t.Fatalf("store version = %d, want 1", got)
	}

	select {
	case <-f.FirstSubmit():
	default:
		t.Fatal("first submit promise not completed")
	}
}

func TestFollowerStaleReplayIsNoOp(t *testing.T) {
	fm := fullMembership()
	f, store := newTestFollower(t, fm, newFakeSender())

	v2 := state.ClusterState{Version: 2, MasterNodeID: "node-s1"}
	if ack := f.HandlePublish(context.Background(), encodePublish(t, v2)); ack.Error != "" {
		t.Fatalf("v2 publish rejected: %s", ack.Error)
	}

	v1 := state.ClusterState{Version: 1, MasterNodeID: "node-s1"}
	ack := f.HandlePublish(context.Background(), encodePublish(t, v1))
	if ack.Error == "" {
		t.Fatal("stale replay should be rejected")
	}
	if got := store.Current().Version; got != 2 {
		t.Fatalf("store version = %d after stale replay, want 2", got)
	}
}

func TestFollowerRejectsOwnMasterID(t *testing.T) {
	fm := fullMembership()
	f, _ := newTestFollower(t, fm, newFakeSender())

	st := state.ClusterState{Version: 1, MasterNodeID: "node-n1"}
	ack := f.HandlePublish(context.Background(), encodePublish(t, st))
	if ack.Error == "" {
		t.Fatal("publish naming the local node as master should be rejected")
	}
}

func TestFollowerMergeKeepsUnchangedSegments(t *testing.T) {
	fm := fullMembership()
	f, store := newTestFollower(t, fm, newFakeSender())

	first := state.ClusterState{
		Version:      1,
		MasterNodeID: "node-s1",
		Routing:      state.RoutingTable{Version: 5, Shards: map[string][]string{"idx": {"node-s1"}}},
		Meta: state.Meta{
			Version: 7,
			Indices: map[string]state.IndexMeta{
				"idx":   {Version: 3, Settings: map[string]string{"replicas": "1"}},
				"other": {Version: 1},
			},
		},
	}
	if ack := f.HandlePublish(context.Background(), encodePublish(t, first)); ack.Error != "" {
		t.Fatalf("first publish rejected: %s", ack.Error)
	}

	// Same routing version with different content, bumped meta version
	// with one unchanged index: the unchanged segments must be kept.
	second := state.ClusterState{
		Version:      2,
		MasterNodeID: "node-s1",
		Routing:      state.RoutingTable{Version: 5, Shards: map[string][]string{"idx": {"node-s2"}}},
		Meta: state.Meta{
			Version: 8,
			Indices: map[string]state.IndexMeta{
				"idx":   {Version: 3, Settings: map[string]string{"replicas": "9"}},
				"other": {Version: 2},
			},
		},
	}
	if ack := f.HandlePublish(context.Background(), encodePublish(t, second)); ack.Error != "" {
		t.Fatalf("second publish rejected: %s", ack.Error)
	}

	cur := store.Current()
	if got := cur.Routing.Shards["idx"][0]; got != "node-s1" {
		t.Errorf("routing with unchanged version was replaced: shard owner %s", got)
	}
	if got := cur.Meta.Indices["idx"].Settings["replicas"]; got != "1" {
		t.Errorf("index meta with unchanged version was replaced: replicas %s", got)
	}
	if got := cur.Meta.Indices["other"].Version; got != 2 {
		t.Errorf("index meta with changed version was kept: version %d", got)
	}
	if got := cur.Meta.Version; got != 8 {
		t.Errorf("meta version = %d, want 8", got)
	}
}

func TestFollowerRejectsPublishWithoutQuorum(t *testing.T) {
	self := upMember("n1:9400", "node-n1", false, false, 40)
	// Only one of three seeds is up.
	fm := newFakeMembership(self, upMember("s1:9400", "node-s1", true, true, 10))
	f, store := newTestFollower(t, fm, newFakeSender())

	// Wait for the quorum check to observe the degraded view.
	if !waitFor(2*time.Second, func() bool {
		ack := f.HandlePublish(context.Background(),
			encodePublish(t, state.ClusterState{Version: 1, MasterNodeID: "node-s1"}))
		return strings.Contains(ack.Error, "quorum")
	}) {
		t.Fatal("publish was not rejected with a quorum error")
	}

	// The no-quorum transition also clears local state.
	if !waitFor(2*time.Second, func() bool {
		cur := store.Current()
		return cur.HasBlock(state.NoMasterBlock) && cur.HasBlock(state.StateNotRecoveredBlock)
	}) {
		t.Fatal("state was not cleared under quorum loss")
	}
	cur := store.Current()
	if len(cur.Routing.Shards) != 0 || len(cur.Meta.Indices) != 0 {
		t.Error("cleared state still carries routing or metadata")
	}
	if len(cur.Nodes) != 1 {
		t.Errorf("cleared state carries %d nodes, want only the local node", len(cur.Nodes))
	}
}

func TestFollowerRequestsPublishOnQuorumRegain(t *testing.T) {
	fm := fullMembership()
	sender := newFakeSender()
	f, store := newTestFollower(t, fm, sender)
	_ = f

	// Drop two seeds: quorum lost, state cleared.
	fm.setStatus("s2:9400", cluster.StatusDown)
	fm.setStatus("s3:9400", cluster.StatusDown)
	if !waitFor(2*time.Second, func() bool {
		return store.Current().HasBlock(state.NoMasterBlock)
	}) {
		t.Fatal("quorum loss not observed")
	}

	// Restore quorum: the follower must ask the oldest master-eligible
	// member (s1) to republish.
	fm.setStatus("s2:9400", cluster.StatusUp)
	fm.setStatus("s3:9400", cluster.StatusUp)

	if !waitFor(2*time.Second, func() bool {
		for _, addr := range sender.republishCalls() {
			if addr == "x-s1:9400" {
				return true
			}
		}
		return false
	}) {
		t.Fatal("no republish request reached the master after quorum regain")
	}
}
