package repair

import (
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/datamesh/datamesh/pkg/meshid"
	"github.com/datamesh/datamesh/pkg/merrors"
)

// Ledger durably tracks per-ShardSet repair history across restarts: when it
// was last repaired and how many attempts have been made since it last
// reached full health. The RepairLoop's fairness ordering (ascending
// live_count, then oldest last_repaired_at) reads from here so a restart
// does not forget which ShardSets were already serviced recently. Backed by
// github.com/mattn/go-sqlite3, the one piece of durable accounting the
// teacher's health-monitoring loop (pkg/meshstorage/distributed.go
// monitorLoop/RepairChunk) kept only in memory.
type Ledger struct {
	db *sql.DB
}

// OpenLedger opens (creating if absent) a sqlite3-backed repair ledger at
// path. Pass ":memory:" for a non-persistent ledger in tests.
func OpenLedger(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, merrors.New(merrors.KindIoError, "repair.OpenLedger", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS repair_history (
	file_key TEXT PRIMARY KEY,
	last_repaired_at INTEGER NOT NULL,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	last_live_count INTEGER NOT NULL DEFAULT 0
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, merrors.New(merrors.KindInternal, "repair.OpenLedger", err)
	}
	return &Ledger{db: db}, nil
}

// Close releases the underlying sqlite3 connection.
func (l *Ledger) Close() error { return l.db.Close() }

// History is one ShardSet's repair bookkeeping.
type History struct {
	LastRepairedAt time.Time
	AttemptCount   int
	LastLiveCount  int
}

// Get returns the recorded history for fileKey, or the zero History if it
// has never been repaired.
func (l *Ledger) Get(fileKey meshid.FileKey) (History, error) {
	row := l.db.QueryRow(`SELECT last_repaired_at, attempt_count, last_live_count FROM repair_history WHERE file_key = ?`, fileKeyHex(fileKey))
	var unixNano int64
	var h History
	err := row.Scan(&unixNano, &h.AttemptCount, &h.LastLiveCount)
	if err == sql.ErrNoRows {
		return History{}, nil
	}
	if err != nil {
		return History{}, merrors.New(merrors.KindIoError, "repair.Ledger.Get", err)
	}
	h.LastRepairedAt = time.Unix(0, unixNano)
	return h, nil
}

// RecordAttempt increments the attempt counter and stamps the current live
// shard count, called before a repair attempt begins.
func (l *Ledger) RecordAttempt(fileKey meshid.FileKey, liveCount int, now time.Time) error {
	_, err := l.db.Exec(`
INSERT INTO repair_history (file_key, last_repaired_at, attempt_count, last_live_count)
VALUES (?, ?, 1, ?)
ON CONFLICT(file_key) DO UPDATE SET
	last_repaired_at = excluded.last_repaired_at,
	attempt_count = repair_history.attempt_count + 1,
	last_live_count = excluded.last_live_count
`, fileKeyHex(fileKey), now.UnixNano(), liveCount)
	if err != nil {
		return merrors.New(merrors.KindIoError, "repair.Ledger.RecordAttempt", err)
	}
	return nil
}

// RecordHealthy clears a ShardSet's attempt counter once it returns to full
// health, so a future transient dip doesn't inherit a stale backlog.
func (l *Ledger) RecordHealthy(fileKey meshid.FileKey, now time.Time) error {
	_, err := l.db.Exec(`
INSERT INTO repair_history (file_key, last_repaired_at, attempt_count, last_live_count)
VALUES (?, ?, 0, 0)
ON CONFLICT(file_key) DO UPDATE SET
	last_repaired_at = excluded.last_repaired_at,
	attempt_count = 0,
	last_live_count = 0
`, fileKeyHex(fileKey), now.UnixNano())
	if err != nil {
		return merrors.New(merrors.KindIoError, "repair.Ledger.RecordHealthy", err)
	}
	return nil
}

func fileKeyHex(k meshid.FileKey) string {
	const hextable = "0123456789abcdef"
	buf := make([]byte, len(k)*2)
	for i, b := range k {
		buf[i*2] = hextable[b>>4]
		buf[i*2+1] = hextable[b&0x0f]
	}
	return string(buf)
}
