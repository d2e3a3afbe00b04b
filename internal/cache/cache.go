// Package cache persists probe results between runs so unchanged files are
// never re-probed. Entries are keyed by absolute path and validated against
// the file's current size and modification time; a mismatch invalidates the
// entry and forces a fresh probe.
//
// The cache also carries per-file bookkeeping that must survive restarts:
// the probe failure counter (capped at 9, at which point the file is
// permanently unprobeable for the run) and the anomaly code written after a
// conversion outcome ("Er1".."Er9" for failures, "OPT" for an accepted run
// that did not shrink enough).
package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/backmassage/debloat/internal/probe"
)

// MaxProbeFailures is the saturation point of the probe failure counter.
// A file at the cap is a hard failure and is excluded from scheduling.
const MaxProbeFailures = 9

const schema = `
CREATE TABLE IF NOT EXISTS probes (
	path           TEXT PRIMARY KEY,
	width          INTEGER NOT NULL DEFAULT 0,
	height         INTEGER NOT NULL DEFAULT 0,
	codec          TEXT    NOT NULL DEFAULT '',
	color_spec     TEXT    NOT NULL DEFAULT '',
	bitrate_kbps   INTEGER NOT NULL DEFAULT 0,
	duration_secs  REAL    NOT NULL DEFAULT 0,
	size_bytes     INTEGER NOT NULL DEFAULT 0,
	mtime_unix     INTEGER NOT NULL DEFAULT 0,
	probe_failures INTEGER NOT NULL DEFAULT 0,
	anomaly        TEXT    NOT NULL DEFAULT '',
	probed         INTEGER NOT NULL DEFAULT 0
);`

// Entry is one cached row. Probe is nil for rows that only record failures.
type Entry struct {
	Path          string
	Probe         *probe.Result
	ProbeFailures int
	Anomaly       string
	ModTime       time.Time
}

// HardFailure reports whether the entry has reached the probe failure cap
// without ever producing a usable probe.
func (e *Entry) HardFailure() bool {
	return e.Probe == nil && e.ProbeFailures >= MaxProbeFailures
}

// Cache is a SQLite-backed probe store. Reads and writes are serialized
// through a single mutex; the probe pool hands results to the cache one at
// a time, so finer-grained locking buys nothing here.
type Cache struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (creating if needed) the cache database at path.
func Open(path string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open probe cache %q: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init probe cache schema: %w", err)
	}
	return &Cache{db: db}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db.Close()
}

// Lookup returns the cached entry for path if it is still fresh: the stored
// size and mtime must match the file's current values. A stale row is
// deleted and reported as a miss so the caller re-probes.
func (c *Cache) Lookup(path string, size int64, mtime time.Time) (*Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, storedSize, err := c.load(path)
	if err != nil {
		return nil, false, err
	}
	if e == nil {
		return nil, false, nil
	}
	if storedSize != size || e.ModTime.Unix() != mtime.Unix() {
		if _, err := c.db.Exec(`DELETE FROM probes WHERE path = ?`, path); err != nil {
			return nil, false, fmt.Errorf("invalidate cache entry %q: %w", path, err)
		}
		return nil, false, nil
	}
	return e, true, nil
}

// StoreResult records a successful probe, resetting the failure counter and
// any previous anomaly for the (now changed or freshly probed) file.
func (c *Cache) StoreResult(path string, r *probe.Result, mtime time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.Exec(`
		INSERT INTO probes
			(path, width, height, codec, color_spec, bitrate_kbps,
			 duration_secs, size_bytes, mtime_unix, probe_failures, anomaly, probed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, '', 1)
		ON CONFLICT(path) DO UPDATE SET
			width = excluded.width,
			height = excluded.height,
			codec = excluded.codec,
			color_spec = excluded.color_spec,
			bitrate_kbps = excluded.bitrate_kbps,
			duration_secs = excluded.duration_secs,
			size_bytes = excluded.size_bytes,
			mtime_unix = excluded.mtime_unix,
			probe_failures = 0,
			anomaly = '',
			probed = 1`,
		path, r.Width, r.Height, r.Codec, r.ColorSpec, r.BitrateKbps,
		r.DurationSecs, r.SizeBytes, mtime.Unix())
	if err != nil {
		return fmt.Errorf("store probe for %q: %w", path, err)
	}
	return nil
}

// RecordFailure increments the probe failure counter for path, saturating
// at MaxProbeFailures, and returns the new count. The file's current size
// and mtime are stored so the counter survives restarts but resets when the
// file changes.
func (c *Cache) RecordFailure(path string, size int64, mtime time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, storedSize, err := c.load(path)
	if err != nil {
		return 0, err
	}

	count := 1
	if e != nil && e.Probe == nil && storedSize == size && e.ModTime.Unix() == mtime.Unix() {
		count = e.ProbeFailures + 1
		if count > MaxProbeFailures {
			count = MaxProbeFailures
		}
	}

	_, err = c.db.Exec(`
		INSERT INTO probes (path, size_bytes, mtime_unix, probe_failures, probed)
		VALUES (?, ?, ?, ?, 0)
		ON CONFLICT(path) DO UPDATE SET
			size_bytes = excluded.size_bytes,
			mtime_unix = excluded.mtime_unix,
			probe_failures = excluded.probe_failures,
			probed = 0`,
		path, size, mtime.Unix(), count)
	if err != nil {
		return 0, fmt.Errorf("record probe failure for %q: %w", path, err)
	}
	return count, nil
}

var errCodeRe = regexp.MustCompile(`^Er(\d)$`)

// SetAnomaly writes a conversion outcome code for path. Passing "Er"
// increments the stored failure code ("" -> Er1, Er3 -> Er4, capped at
// Er9); any other code ("OPT") is stored as given. Returns the code
// actually stored. The entry must already exist.
func (c *Cache) SetAnomaly(path, code string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, _, err := c.load(path)
	if err != nil {
		return "", err
	}
	if e == nil {
		return "", fmt.Errorf("no cache entry for %q", path)
	}

	if code == "Er" {
		code = "Er1"
		if m := errCodeRe.FindStringSubmatch(e.Anomaly); m != nil {
			n, _ := strconv.Atoi(m[1])
			if n < MaxProbeFailures {
				n++
			}
			code = fmt.Sprintf("Er%d", n)
		}
	}

	if e.Anomaly == code {
		return code, nil
	}
	if _, err := c.db.Exec(`UPDATE probes SET anomaly = ? WHERE path = ?`, code, path); err != nil {
		return "", fmt.Errorf("set anomaly for %q: %w", path, err)
	}
	return code, nil
}

// PurgeMissing deletes rows whose backing file no longer exists and returns
// how many were removed.
func (c *Cache) PurgeMissing() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.db.Query(`SELECT path FROM probes`)
	if err != nil {
		return 0, err
	}
	var gone []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return 0, err
		}
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			gone = append(gone, p)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, p := range gone {
		if _, err := c.db.Exec(`DELETE FROM probes WHERE path = ?`, p); err != nil {
			return 0, err
		}
	}
	return len(gone), nil
}

// load reads one row. Returns (nil, 0, nil) when absent. Caller holds mu.
func (c *Cache) load(path string) (*Entry, int64, error) {
	row := c.db.QueryRow(`
		SELECT width, height, codec, color_spec, bitrate_kbps, duration_secs,
		       size_bytes, mtime_unix, probe_failures, anomaly, probed
		FROM probes WHERE path = ?`, path)

	var (
		r          probe.Result
		mtimeUnix  int64
		failures   int
		anomaly    string
		probedFlag int
	)
	err := row.Scan(&r.Width, &r.Height, &r.Codec, &r.ColorSpec,
		&r.BitrateKbps, &r.DurationSecs, &r.SizeBytes, &mtimeUnix,
		&failures, &anomaly, &probedFlag)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("load cache entry %q: %w", path, err)
	}

	e := &Entry{
		Path:          path,
		ProbeFailures: failures,
		Anomaly:       anomaly,
		ModTime:       time.Unix(mtimeUnix, 0),
	}
	if probedFlag == 1 {
		e.Probe = &r
	}
	return e, r.SizeBytes, nil
}
