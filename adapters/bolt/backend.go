// Package bolt provides an embedded, file-backed cqrs.Backend on top of
// go.etcd.io/bbolt. Suitable for single-process deployments and tooling that
// needs durable streams without an external database.
package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/codewandler/cqrs-go/core/cqrs"
)

var (
	bucketStreams   = []byte("streams")
	bucketLog       = []byte("log")
	bucketSnapshots = []byte("snapshots")
)

const defaultFileMode os.FileMode = 0o600

type Config struct {
	// Path of the database file, created when missing.
	Path string
	// Log for diagnostics (optional).
	Log *slog.Logger
	// Timeout bounds waiting on a locked database file (default 5s).
	Timeout time.Duration
}

// Backend stores events and snapshots in a single bbolt file. bbolt's
// single-writer transactions make appends atomic; the optimistic version
// check runs inside the write transaction.
type Backend struct {
	db  *bbolt.DB
	log *slog.Logger
}

func New(cfg Config) (*Backend, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("bolt: path is required")
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("backend", "bolt"), slog.String("path", cfg.Path))

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	db, err := bbolt.Open(cfg.Path, defaultFileMode, &bbolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("bolt: open %s: %w", cfg.Path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketStreams, bucketLog, bucketSnapshots} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bolt: init buckets: %w", err)
	}

	log.Debug("opened")
	return &Backend{db: db, log: log}, nil
}

func (b *Backend) Close() error {
	return b.db.Close()
}

func (b *Backend) Append(ctx context.Context, streamID string, expected cqrs.Version, events []cqrs.Event) (*cqrs.AppendResult, error) {
	if len(events) == 0 {
		return nil, cqrs.ErrNoEvents
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var res *cqrs.AppendResult
	err := b.db.Update(func(tx *bbolt.Tx) error {
		stream, err := tx.Bucket(bucketStreams).CreateBucketIfNotExists([]byte(streamID))
		if err != nil {
			return err
		}

		cur := currentVersion(stream)
		if expected != cqrs.VersionAny && cur != expected {
			return fmt.Errorf("%w: expected version %d, got %d (stream=%s)",
				cqrs.ErrConcurrencyConflict, expected, cur, streamID)
		}

		logBucket := tx.Bucket(bucketLog)
		for i, ev := range events {
			ev.StreamID = streamID
			ev.Version = cur + cqrs.Version(i) + 1
			if err := ev.Validate(); err != nil {
				return err
			}

			data, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			if err := stream.Put(u64key(ev.Version.Uint64()), data); err != nil {
				return err
			}
			seq, err := logBucket.NextSequence()
			if err != nil {
				return err
			}
			if err := logBucket.Put(u64key(seq), data); err != nil {
				return err
			}
		}

		res = &cqrs.AppendResult{NewVersion: cur + cqrs.Version(len(events))}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (b *Backend) Read(ctx context.Context, streamID string) ([]cqrs.Event, error) {
	return b.ReadFrom(ctx, streamID, 0)
}

func (b *Backend) ReadFrom(ctx context.Context, streamID string, after cqrs.Version) ([]cqrs.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []cqrs.Event
	err := b.db.View(func(tx *bbolt.Tx) error {
		stream := tx.Bucket(bucketStreams).Bucket([]byte(streamID))
		if stream == nil {
			return nil
		}
		c := stream.Cursor()
		for k, v := c.Seek(u64key(after.Uint64() + 1)); k != nil; k, v = c.Next() {
			var ev cqrs.Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			out = append(out, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Backend) ReadAll(ctx context.Context) ([]cqrs.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []cqrs.Event
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketLog).ForEach(func(_, v []byte) error {
			var ev cqrs.Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			out = append(out, ev)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Backend) SaveSnapshot(ctx context.Context, snap *cqrs.Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		stream, err := tx.Bucket(bucketSnapshots).CreateBucketIfNotExists([]byte(snap.StreamID))
		if err != nil {
			return err
		}
		return stream.Put(u64key(snap.Version.Uint64()), data)
	})
}

func (b *Backend) LatestSnapshot(ctx context.Context, streamID string) (*cqrs.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var snap *cqrs.Snapshot
	err := b.db.View(func(tx *bbolt.Tx) error {
		stream := tx.Bucket(bucketSnapshots).Bucket([]byte(streamID))
		if stream == nil {
			return cqrs.ErrSnapshotNotFound
		}
		_, v := stream.Cursor().Last()
		if v == nil {
			return cqrs.ErrSnapshotNotFound
		}
		snap = &cqrs.Snapshot{}
		return json.Unmarshal(v, snap)
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (b *Backend) Flush(context.Context) error {
	return b.db.Sync()
}

func (b *Backend) Stats(ctx context.Context) (*cqrs.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stats := &cqrs.Stats{Extra: map[string]string{"backend": "bolt", "path": b.db.Path()}}
	err := b.db.View(func(tx *bbolt.Tx) error {
		stats.Events = uint64(tx.Bucket(bucketLog).Stats().KeyN)
		streams := tx.Bucket(bucketStreams)
		if err := streams.ForEachBucket(func(_ []byte) error {
			stats.Streams++
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket(bucketSnapshots).ForEachBucket(func(k []byte) error {
			stats.Snapshots += uint64(tx.Bucket(bucketSnapshots).Bucket(k).Stats().KeyN)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// currentVersion derives the stream's version from its highest key.
func currentVersion(stream *bbolt.Bucket) cqrs.Version {
	k, _ := stream.Cursor().Last()
	if k == nil {
		return 0
	}
	return cqrs.Version(binary.BigEndian.Uint64(k))
}

func u64key(v uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, v)
	return k
}

var _ cqrs.Backend = (*Backend)(nil)
