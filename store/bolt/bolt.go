/*
Package bolt provides the bbolt-backed append-only audit log.

PURPOSE:
  Durable audit trail for state-changing operations. One bucket per
  entity, keyed by a big-endian sequence number so events iterate in
  append order. There is no update or delete path; the log only grows.

USAGE:
  log, err := bolt.Open("./data/audit.db")
  defer log.Close()
  engine := treasury.NewEngine(repo, log, zlog)

SEE ALSO:
  - treasury/store.go: AuditLog interface
  - treasury/store/memory_audit.go: In-memory implementation for tests
*/
package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/warp/treasury-engine/treasury"
)

const rootBucket = "audit"

type AuditLog struct {
	db *bbolt.DB
}

func Open(path string) (*AuditLog, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open audit db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(rootBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &AuditLog{db: db}, nil
}

func (l *AuditLog) Close() error { return l.db.Close() }

// Append writes one event under the entity's bucket with the next
// sequence number. Sequence numbers strictly increase per entity.
func (l *AuditLog) Append(_ context.Context, ev *treasury.AuditEvent) error {
	return l.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket([]byte(rootBucket))
		bucket, err := root.CreateBucketIfNotExists([]byte(ev.EntityID))
		if err != nil {
			return err
		}
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		ev.Seq = seq
		payload, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return bucket.Put(key[:], payload)
	})
}

// Events returns the entity's events in [from, to], in sequence order.
func (l *AuditLog) Events(_ context.Context, entityID treasury.EntityID, from, to time.Time) ([]*treasury.AuditEvent, error) {
	var out []*treasury.AuditEvent
	err := l.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket([]byte(rootBucket))
		bucket := root.Bucket([]byte(entityID))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, v []byte) error {
			var ev treasury.AuditEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			if !from.IsZero() && ev.Timestamp.Before(from) {
				return nil
			}
			if !to.IsZero() && ev.Timestamp.After(to) {
				return nil
			}
			out = append(out, &ev)
			return nil
		})
	})
	return out, err
}
