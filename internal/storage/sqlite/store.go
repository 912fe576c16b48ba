package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"logship/internal/domain"
	"logship/internal/storage"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
	_ "modernc.org/sqlite"
)

const (
	filePrefix = "logs-"
	fileSuffix = ".db"

	recordsSchema = `
CREATE TABLE IF NOT EXISTS records (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	time_ms INTEGER NOT NULL,
	record_hash BLOB NOT NULL,
	payload BLOB NOT NULL,
	payload_encoding TEXT NOT NULL DEFAULT 'raw',
	size INTEGER NOT NULL,
	committed_at_utc_ns INTEGER NOT NULL,
	UNIQUE(time_ms, record_hash)
);

CREATE INDEX IF NOT EXISTS idx_records_time ON records(time_ms, seq);

CREATE TRIGGER IF NOT EXISTS trg_records_no_update
BEFORE UPDATE ON records
BEGIN
	SELECT RAISE(ABORT, 'records are append-only: UPDATE forbidden');
END;

CREATE TRIGGER IF NOT EXISTS trg_records_no_delete
BEFORE DELETE ON records
BEGIN
	SELECT RAISE(ABORT, 'records are append-only: DELETE forbidden');
END;
`
)

type Options struct {
	// PayloadEncoding is storage.EncodingRaw (default) or storage.EncodingZstd.
	PayloadEncoding string
}

// Store is an append-only sink with one sqlite database per UTC day of the
// record timestamp.
type Store struct {
	baseDir  string
	encoding string
	enc      *zstd.Encoder
	dec      *zstd.Decoder
	now      func() time.Time

	mu   sync.Mutex
	days map[string]*sql.DB
}

func NewStore(baseDir string, opts Options) (*Store, error) {
	encoding := opts.PayloadEncoding
	if encoding == "" {
		encoding = storage.EncodingRaw
	}
	if encoding != storage.EncodingRaw && encoding != storage.EncodingZstd {
		return nil, fmt.Errorf("unknown payload encoding %q", encoding)
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir base dir: %w", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &Store{
		baseDir:  baseDir,
		encoding: encoding,
		enc:      enc,
		dec:      dec,
		now:      time.Now,
		days:     make(map[string]*sql.DB),
	}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for day, db := range s.days {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(s.days, day)
	}
	if err := s.enc.Close(); err != nil {
		errs = append(errs, err)
	}
	s.dec.Close()
	return errors.Join(errs...)
}

// Append stores rec in its day file. A record already stored with the same
// timestamp and content hash is a no-op.
func (s *Store) Append(ctx context.Context, rec domain.LogRecord) error {
	db, err := s.dayDB(storage.Day(rec.Timestamp))
	if err != nil {
		return err
	}
	hash := blake3.Sum256(rec.RawPayload)
	payload := rec.RawPayload
	if s.encoding == storage.EncodingZstd {
		payload = s.enc.EncodeAll(rec.RawPayload, nil)
	}
	// time_ms keeps the timestamp's bits, so values above MaxInt64 come
	// back unchanged from Records.
	_, err = db.ExecContext(ctx, `
INSERT INTO records(time_ms, record_hash, payload, payload_encoding, size, committed_at_utc_ns)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(time_ms, record_hash) DO NOTHING`,
		int64(rec.Timestamp), hash[:], payload, s.encoding, len(rec.RawPayload), s.now().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("insert record time=%d: %w", rec.Timestamp, err)
	}
	return nil
}

// Records returns the records filed under day (YYYY-MM-DD) in commit order,
// with payloads decoded back to their original bytes.
func (s *Store) Records(ctx context.Context, day string) ([]storage.StoredRecord, error) {
	if _, err := time.Parse(time.DateOnly, day); err != nil {
		return nil, fmt.Errorf("invalid day %q: %w", day, err)
	}
	if _, err := os.Stat(s.dayPath(day)); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	db, err := s.dayDB(day)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
SELECT seq, time_ms, record_hash, payload, payload_encoding, committed_at_utc_ns
FROM records
ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.StoredRecord
	for rows.Next() {
		var item storage.StoredRecord
		var ts, committedNs int64
		if err := rows.Scan(&item.Seq, &ts, &item.RecordHash, &item.Payload, &item.Encoding, &committedNs); err != nil {
			return nil, err
		}
		item.Timestamp = domain.Timestamp(ts)
		item.CommittedAt = time.Unix(0, committedNs).UTC()
		if item.Encoding == storage.EncodingZstd {
			raw, err := s.dec.DecodeAll(item.Payload, nil)
			if err != nil {
				return nil, fmt.Errorf("decode record seq=%d: %w", item.Seq, err)
			}
			item.Payload = raw
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// Days lists the days that have a database file, oldest first.
func (s *Store) Days() ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, err
	}
	var days []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		day := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
		if _, err := time.Parse(time.DateOnly, day); err == nil {
			days = append(days, day)
		}
	}
	sort.Strings(days)
	return days, nil
}

func (s *Store) dayPath(day string) string {
	return filepath.Join(s.baseDir, filePrefix+day+fileSuffix)
}

func (s *Store) dayDB(day string) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.days[day]; ok {
		return db, nil
	}
	db, err := openSQLite(s.dayPath(day))
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(recordsSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.days[day] = db
	return db, nil
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}
