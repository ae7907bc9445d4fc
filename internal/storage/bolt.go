// Package storage — bolt.go
//
// BoltDB-backed operational journal for eskka.
//
// Schema (BoltDB bucket layout):
//
//	/decisions
//	    key:   RFC3339Nano timestamp + "_" + target address  [sortable]
//	    value: JSON-encoded DowningRecord
//
//	/restarts
//	    key:   RFC3339Nano timestamp
//	    value: JSON-encoded RestartRecord
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//
// The journal is audit-only: cluster state itself is never persisted
// and is reconstructed from gossip after every restart. Losing the
// journal loses history, not correctness.
//
// Consistency model:
//   - Single-process, single-writer (BoltDB does not support concurrent writers).
//   - All writes use ACID transactions (bbolt Tx.Commit()).
//   - Reads use read-only transactions (bbolt.View()).
//
// Retention:
//   - Entries older than RetentionDays are pruned on open.
//
// Failure modes:
//   - File corruption: bbolt detects it on Open() and the daemon
//     refuses to start; remove the file to start with empty history.
//   - Disk full: writes return an error; downing and restarting
//     proceed regardless, the record is only logged.

package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// SchemaVersion is the current journal schema version.
	SchemaVersion = "1"

	// DefaultRetentionDays is the default journal retention period.
	DefaultRetentionDays = 30

	bucketDecisions = "decisions"
	bucketRestarts  = "restarts"
	bucketMeta      = "meta"
)

// DowningRecord is the audit record of one downing decision.
// Stored as JSON in the decisions bucket.
type DowningRecord struct {
	// Timestamp is the decision time (nanosecond precision).
	Timestamp time.Time `json:"timestamp"`

	// Target is the canonical address of the downed member.
	Target string `json:"target"`

	// Voters are the seed members whose affirmative timeouts convicted
	// the target.
	Voters []string `json:"voters"`

	// QuorumSize is the threshold that was in force.
	QuorumSize int `json:"quorum_size"`

	// NodeID is the node that executed the decision.
	NodeID string `json:"node_id"`

	// DecisionHash binds target, voters, and timestamp into a stable
	// fingerprint for cross-node audit comparison.
	DecisionHash string `json:"decision_hash"`
}

// RestartRecord is the audit record of one abdication restart.
type RestartRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
	NodeID    string    `json:"node_id"`
}

// Journal wraps a BoltDB instance with typed accessors for eskka
// operational records.
type Journal struct {
	db            *bolt.DB
	retentionDays int
}

// Open opens (or creates) the journal at the given path, initialises
// buckets, verifies the schema version, and prunes expired entries.
func Open(path string, retentionDays int) (*Journal, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	j := &Journal{db: bdb, retentionDays: retentionDays}

	if err := j.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketDecisions, bucketRestarts, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("journal initialisation failed: %w", err)
	}

	if err := j.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}
	if _, err := j.Prune(); err != nil {
		_ = bdb.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) checkSchemaVersion() error {
	return j.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf(
				"journal schema version mismatch: file has %q, daemon requires %q",
				string(v), SchemaVersion)
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (j *Journal) Close() error {
	return j.db.Close()
}

// ─── Downing decisions ────────────────────────────────────────────────────────

// decisionHash fingerprints a decision: sha256 over target, the sorted
// voter list, and the timestamp.
func decisionHash(target string, voters []string, ts time.Time) string {
	sorted := append([]string(nil), voters...)
	sort.Strings(sorted)
	h := sha256.Sum256([]byte(target + "|" + strings.Join(sorted, ",") + "|" +
		ts.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h[:])
}

// AppendDowning writes a downing decision record.
func (j *Journal) AppendDowning(rec DowningRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	rec.DecisionHash = decisionHash(rec.Target, rec.Voters, rec.Timestamp)

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("AppendDowning marshal: %w", err)
	}
	key := []byte(rec.Timestamp.UTC().Format(time.RFC3339Nano) + "_" + rec.Target)

	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketDecisions))
		if err := b.Put(key, data); err != nil {
			return fmt.Errorf("AppendDowning bolt.Put: %w", err)
		}
		return nil
	})
}

// ReadDownings returns all downing records in chronological order.
// Operational inspection only; not on the hot path.
func (j *Journal) ReadDownings() ([]DowningRecord, error) {
	var out []DowningRecord
	err := j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketDecisions))
		return b.ForEach(func(_, v []byte) error {
			var rec DowningRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// ─── Restarts ─────────────────────────────────────────────────────────────────

// AppendRestart writes a restart record.
func (j *Journal) AppendRestart(rec RestartRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("AppendRestart marshal: %w", err)
	}
	key := []byte(rec.Timestamp.UTC().Format(time.RFC3339Nano))

	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketRestarts))
		if err := b.Put(key, data); err != nil {
			return fmt.Errorf("AppendRestart bolt.Put: %w", err)
		}
		return nil
	})
}

// ReadRestarts returns all restart records in chronological order.
func (j *Journal) ReadRestarts() ([]RestartRecord, error) {
	var out []RestartRecord
	err := j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketRestarts))
		return b.ForEach(func(_, v []byte) error {
			var rec RestartRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// ─── Retention ────────────────────────────────────────────────────────────────

// Prune deletes records older than the retention period from both
// record buckets. Returns the number of entries deleted.
func (j *Journal) Prune() (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -j.retentionDays).Format(time.RFC3339Nano)

	var deleted int
	err := j.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketDecisions, bucketRestarts} {
			b := tx.Bucket([]byte(name))
			c := b.Cursor()

			// Collect keys first; bbolt forbids deleting mid-iteration.
			var toDelete [][]byte
			for k, _ := c.First(); k != nil; k, _ = c.Next() {
				if string(k) >= cutoff {
					break // Remaining keys are newer than the cutoff.
				}
				keyCopy := make([]byte, len(k))
				copy(keyCopy, k)
				toDelete = append(toDelete, keyCopy)
			}
			for _, k := range toDelete {
				if err := b.Delete(k); err != nil {
					return fmt.Errorf("Prune delete: %w", err)
				}
				deleted++
			}
		}
		return nil
	})
	return deleted, err
}
