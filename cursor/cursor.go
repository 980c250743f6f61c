// Package cursor implements the per-stream cursor store (component C): a
// durable key/value row per ingestion stream (currently just the firehose),
// backed by Postgres with a local bbolt write-ahead cache so a restart can
// resume without waiting on a round-trip if Postgres is briefly unavailable.
package cursor

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"atview.dev/pgstore"
)

// Cursor is the last acknowledged position for one named stream.
type Cursor struct {
	Name      string
	Value     string
	UpdatedAt time.Time
}

var bucketName = []byte("cursors")

// Store is the cursor store. Writes are coalesced to at most once every
// CoalesceInterval per cursor name, per §4.C.
type Store struct {
	db   *pgstore.DB
	bolt *bbolt.DB

	coalesce time.Duration

	mu      sync.Mutex
	pending map[string]Cursor
	lastSet map[string]time.Time
}

const defaultCoalesceInterval = 5 * time.Second

// Open creates the cursor store, creating the Postgres table and bbolt
// bucket if missing.
func Open(ctx context.Context, db *pgstore.DB, boltPath string) (*Store, error) {
	if err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS cursors (
			name TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`); err != nil {
		return nil, fmt.Errorf("create cursors table: %w", err)
	}

	bdb, err := bbolt.Open(boltPath, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open local cursor cache: %w", err)
	}
	if err := bdb.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		bdb.Close()
		return nil, fmt.Errorf("create local cursor bucket: %w", err)
	}

	return &Store{
		db:       db,
		bolt:     bdb,
		coalesce: defaultCoalesceInterval,
		pending:  make(map[string]Cursor),
		lastSet:  make(map[string]time.Time),
	}, nil
}

// Get returns the last acknowledged cursor for name, preferring the local
// bbolt cache (kept on disk across restarts, filled from Postgres on a
// local miss) for low-latency reads on the hot path, falling back to
// Postgres if absent locally.
func (s *Store) Get(ctx context.Context, name string) (Cursor, bool, error) {
	if c, ok := s.getLocal(name); ok {
		return c, true, nil
	}

	row := s.db.QueryRow(ctx, `SELECT value, updated_at FROM cursors WHERE name = $1`, name)
	var c Cursor
	c.Name = name
	if err := row.Scan(&c.Value, &c.UpdatedAt); err != nil {
		if err.Error() == "no rows in result set" {
			return Cursor{}, false, nil
		}
		return Cursor{}, false, fmt.Errorf("get cursor %s: %w", name, err)
	}
	s.putLocal(c)
	return c, true, nil
}

// Set records the cursor both to Postgres and the local cache, but the
// Postgres write is coalesced: if called again within CoalesceInterval for
// the same name, only the local cache is updated immediately and the
// Postgres write is deferred to the next Flush.
func (s *Store) Set(ctx context.Context, name, value string, at time.Time) error {
	c := Cursor{Name: name, Value: value, UpdatedAt: at}
	s.putLocal(c)

	s.mu.Lock()
	last, seen := s.lastSet[name]
	due := !seen || at.Sub(last) >= s.coalesce
	s.pending[name] = c
	s.mu.Unlock()

	if !due {
		return nil
	}
	return s.flushOne(ctx, name)
}

func (s *Store) flushOne(ctx context.Context, name string) error {
	s.mu.Lock()
	c, ok := s.pending[name]
	if ok {
		delete(s.pending, name)
		s.lastSet[name] = c.UpdatedAt
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}
	return s.writeThrough(ctx, c)
}

func (s *Store) writeThrough(ctx context.Context, c Cursor) error {
	return s.db.Exec(ctx, `
		INSERT INTO cursors (name, value, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
	`, c.Name, c.Value, c.UpdatedAt)
}

// Flush writes every coalesced pending cursor through to Postgres. Intended
// to be called periodically (e.g. alongside the stall watchdog tick) so a
// crash between coalesce windows loses at most one interval of progress.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[string]Cursor)
	for name, c := range pending {
		s.lastSet[name] = c.UpdatedAt
	}
	s.mu.Unlock()

	for _, c := range pending {
		if err := s.writeThrough(ctx, c); err != nil {
			return fmt.Errorf("flush cursor %s: %w", c.Name, err)
		}
	}
	return nil
}

func (s *Store) getLocal(name string) (Cursor, bool) {
	var c Cursor
	var found bool
	s.bolt.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		v := b.Get([]byte(name))
		if v == nil {
			return nil
		}
		found = true
		c = decodeCursor(name, v)
		return nil
	})
	return c, found
}

func (s *Store) putLocal(c Cursor) {
	s.bolt.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		return b.Put([]byte(c.Name), encodeCursor(c))
	})
}

func encodeCursor(c Cursor) []byte {
	ts := make([]byte, 8)
	binary.BigEndian.PutUint64(ts, uint64(c.UpdatedAt.UnixNano()))
	return append(ts, []byte(c.Value)...)
}

func decodeCursor(name string, v []byte) Cursor {
	if len(v) < 8 {
		return Cursor{Name: name}
	}
	nanos := int64(binary.BigEndian.Uint64(v[:8]))
	return Cursor{Name: name, Value: string(v[8:]), UpdatedAt: time.Unix(0, nanos)}
}

// Close releases the local bbolt handle. The Postgres pool is owned by the
// caller and is not closed here.
func (s *Store) Close() error {
	return s.bolt.Close()
}
