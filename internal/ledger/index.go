// index.go — a derived bbolt index over the ledger, used only to make
// (drive, session_ref) dedup checks and session_key lookups fast without
// scanning events.jsonl on every call. Never authoritative: Rebuild
// reconstructs it from scratch by replaying the ledger, and
// cmd/emergence-agent does exactly that whenever the index file is
// missing at startup or fails to open, including when its schema
// version does not match, the same defensive posture the teacher's
// storage package applies to its own schema_version check.
package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	schemaVersion = "1"

	bucketDedup   = "dedup"   // key: drive + "\x00" + session_ref -> "1"
	bucketSpawn   = "spawn"   // key: session_key -> JSON SpawnRecord
	bucketMeta    = "meta"    // key: "schema_version"
)

// SpawnRecord is the derived, queryable projection of a drive's open
// spawn, kept current by Index.PutSpawn as the session tracker records
// lifecycle events (spec §4.4).
type SpawnRecord struct {
	SessionKey  string    `json:"session_key"`
	Drive       string    `json:"drive"`
	Status      string    `json:"status"` // spawned, active, completed, timeout
	SpawnedAt   time.Time `json:"spawned_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// Index wraps a bbolt database used as the ledger's derived cache.
type Index struct {
	db *bolt.DB
}

// OpenIndex opens (or creates) the index file. If the schema version
// stored inside does not match, the caller should delete the file and
// call OpenIndex again followed by Rebuild.
func OpenIndex(path string) (*Index, error) {
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("ledger.OpenIndex(%q): %w", path, err)
	}
	idx := &Index{db: bdb}

	if err := bdb.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketDedup, bucketSpawn, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			return meta.Put([]byte("schema_version"), []byte(schemaVersion))
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("ledger.OpenIndex: init buckets: %w", err)
	}

	if err := idx.checkSchema(); err != nil {
		_ = bdb.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *Index) checkSchema() error {
	return idx.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketMeta)).Get([]byte("schema_version"))
		if string(v) != schemaVersion {
			return fmt.Errorf("ledger index schema mismatch: have %q, want %q; delete the index file and it will be rebuilt from the ledger", v, schemaVersion)
		}
		return nil
	})
}

// Close closes the underlying bbolt file.
func (idx *Index) Close() error { return idx.db.Close() }

func dedupKey(drive, sessionRef string) []byte {
	return []byte(drive + "\x00" + sessionRef)
}

// SeenSatisfaction reports whether (drive, sessionRef) has already been
// applied, implementing the idempotency contract in spec §4.2.
func (idx *Index) SeenSatisfaction(driveName, sessionRef string) (bool, error) {
	if sessionRef == "" {
		return false, nil // no session_ref given, nothing to dedup against
	}
	var seen bool
	err := idx.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketDedup)).Get(dedupKey(driveName, sessionRef))
		seen = v != nil
		return nil
	})
	return seen, err
}

// MarkSatisfaction records (drive, sessionRef) as applied.
func (idx *Index) MarkSatisfaction(driveName, sessionRef string) error {
	if sessionRef == "" {
		return nil
	}
	return idx.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketDedup)).Put(dedupKey(driveName, sessionRef), []byte{1})
	})
}

// PutSpawn upserts a spawn record.
func (idx *Index) PutSpawn(rec SpawnRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("ledger.PutSpawn marshal: %w", err)
	}
	return idx.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketSpawn)).Put([]byte(rec.SessionKey), data)
	})
}

// GetSpawn retrieves a spawn record by session key. Returns (nil, nil)
// if not found.
func (idx *Index) GetSpawn(sessionKey string) (*SpawnRecord, error) {
	var rec SpawnRecord
	found := false
	err := idx.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketSpawn)).Get([]byte(sessionKey))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &rec, nil
}

// OpenSpawnForDrive returns the session key of an open (spawned or
// active) spawn for driveName, if any. Enforces "at most one open spawn
// per drive" (spec §4.4).
func (idx *Index) OpenSpawnForDrive(driveName string) (string, error) {
	var sessionKey string
	err := idx.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketSpawn))
		return b.ForEach(func(k, v []byte) error {
			var rec SpawnRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			if rec.Drive == driveName && (rec.Status == "spawned" || rec.Status == "active") {
				sessionKey = rec.SessionKey
			}
			return nil
		})
	})
	return sessionKey, err
}

// Rebuild wipes and reconstructs the index from the full ledger, per
// the "ledger is authoritative" contract (spec §8 property 2). Used on
// schema mismatch or explicit operator request.
func (idx *Index) Rebuild(ledgerPath string) error {
	if err := idx.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketDedup, bucketSpawn} {
			if err := tx.DeleteBucket([]byte(name)); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			if _, err := tx.CreateBucket([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return fmt.Errorf("ledger.Rebuild: reset buckets: %w", err)
	}

	return Replay(ledgerPath, func(ev Event) error {
		switch ev.Type {
		case EventSatisfaction:
			if !ev.Dedup {
				if err := idx.MarkSatisfaction(ev.Drive, ev.SessionRef); err != nil {
					return err
				}
			}
		case EventSpawn:
			return idx.PutSpawn(SpawnRecord{
				SessionKey: ev.SessionKey,
				Drive:      ev.Drive,
				Status:     "spawned",
				SpawnedAt:  ev.Timestamp,
			})
		case EventSessionActive:
			rec, err := idx.GetSpawn(ev.SessionKey)
			if err != nil || rec == nil {
				return err
			}
			rec.Status = "active"
			return idx.PutSpawn(*rec)
		case EventCompleted:
			rec, err := idx.GetSpawn(ev.SessionKey)
			if err != nil || rec == nil {
				return err
			}
			rec.Status = "completed"
			rec.CompletedAt = ev.Timestamp
			return idx.PutSpawn(*rec)
		case EventTimeout:
			rec, err := idx.GetSpawn(ev.SessionKey)
			if err != nil || rec == nil {
				return err
			}
			rec.Status = "timeout"
			rec.CompletedAt = ev.Timestamp
			return idx.PutSpawn(*rec)
		}
		return nil
	})
}
