package state

import "testing"

func TestCodecRoundTrip(t *testing.T) {
	st := ClusterState{
		Version:      42,
		MasterNodeID: "m1",
		Nodes: map[string]Node{
			"m1": {ID: "m1", Address: "10.0.0.1:9400", TransportAddr: "10.0.0.1:9401", Master: true},
		},
		Routing: RoutingTable{Version: 7, Shards: map[string][]string{"idx": {"m1"}}},
		Meta: Meta{Version: 3, Indices: map[string]IndexMeta{
			"idx": {Version: 2, Settings: map[string]string{"replicas": "1"}},
		}},
	}

	data, err := Codec{}.Encode(st)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Codec{}.Decode(CodecVersion, data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Version != st.Version || got.MasterNodeID != st.MasterNodeID {
		t.Errorf("round trip lost header fields: %+v", got)
	}
	if got.Routing.Shards["idx"][0] != "m1" {
		t.Error("round trip lost routing")
	}
	if got.Meta.Indices["idx"].Settings["replicas"] != "1" {
		t.Error("round trip lost index settings")
	}
}

func TestCodecRejectsUnknownVersion(t *testing.T) {
	data, err := Codec{}.Encode(ClusterState{Version: 1})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := (Codec{}).Decode(CodecVersion+1, data); err == nil {
		t.Fatal("unknown codec version must be rejected")
	}
}

func TestClearedState(t *testing.T) {
	self := Node{ID: "n1", Address: "10.0.0.5:9400"}
	st := Cleared(9, self)

	if st.Version != 9 {
		t.Errorf("version = %d, want 9", st.Version)
	}
	if !st.HasBlock(NoMasterBlock) || !st.HasBlock(StateNotRecoveredBlock) {
		t.Error("cleared state must carry both recovery blocks")
	}
	if st.MasterNodeID != "" {
		t.Error("cleared state must not name a master")
	}
	if len(st.Nodes) != 1 || st.Nodes["n1"].Address != self.Address {
		t.Errorf("cleared state nodes = %+v, want only the local node", st.Nodes)
	}
	if len(st.Routing.Shards) != 0 || len(st.Meta.Indices) != 0 {
		t.Error("cleared state must reset routing and metadata")
	}
}
