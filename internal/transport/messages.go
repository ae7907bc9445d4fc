// Package transport carries the discovery RPC between eskka nodes:
// master → follower state publishes, follower → master republish
// requests, and the partition monitor's ping votes. All messages are
// JSON over HTTP; the HTTP response body is the acknowledgement, so a
// transport-level failure and a negative acknowledgement stay distinct.

package transport

import "encoding/json"

// PublishRequest delivers an encoded cluster-state snapshot.
type PublishRequest struct {
	// Version is the snapshot version, repeated outside the payload so
	// the receiver can log and gate before decoding.
	Version int64 `json:"version"`

	// CodecVersion selects the payload wire format.
	CodecVersion int `json:"codec_version"`

	// State is the codec-encoded snapshot.
	State json.RawMessage `json:"state"`
}

// PublishAck is the follower's answer to a publish. An empty Error
// means the snapshot was applied.
type PublishAck struct {
	Node  string `json:"node"`
	Error string `json:"error,omitempty"`
}

// RepublishRequest asks the master to resend the current snapshot to
// the requester only.
type RepublishRequest struct {
	// Requester is the transport address the snapshot should be sent
	// back to.
	Requester string `json:"requester"`
}

// PingRequest asks a voter to probe target on the caller's behalf.
type PingRequest struct {
	ReqID string `json:"req_id"`

	// Target is the canonical gossip address to probe.
	Target string `json:"target"`

	// TimeoutMillis bounds the voter's own probe timer.
	TimeoutMillis int64 `json:"timeout_millis"`
}

// PingVote is a voter's affirmative answer to a PingRequest. TimedOut
// is true when the voter's probe failed: any failed failure-detector
// probe of a member in its view, or a timed-out dial of a target
// outside it. A successful probe, or a dial that fails fast, reports
// false. Silence is never a vote.
type PingVote struct {
	ReqID    string `json:"req_id"`
	Voter    string `json:"voter"`
	TimedOut bool   `json:"timed_out"`
}

// Identity names the node behind a transport address; used when the
// partition monitor enrolls a voter.
type Identity struct {
	Node string `json:"node"`
	Addr string `json:"addr"`
}
