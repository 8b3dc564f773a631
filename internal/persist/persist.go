// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package persist keeps the manifest: a SQLite record of every message
// whose attachments were backed up, what happened to it, and enough
// to find and restore the original later.
package persist

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var (
	createTableSql = []string{
		// The manifest_entries table holds one row per processed
		// message.
		//
		// Field: email_id
		//
		//   Gmail IMAP X-GM-MSGID in decimal.  Stable across
		//   folder moves, unlike imap_uid.
		//
		// Field: imap_uid
		//
		//   UID of the original in [Gmail]/All Mail when it was
		//   processed.  Meaningless once the original is trashed.
		//
		// Field: date
		//
		//   The message Date header, RFC 3339 in UTC.
		//
		// Field: processed_at
		//
		//   Time of the last status change, RFC 3339 in UTC.
		//
		// Field: status
		//
		//   One of "pending", "extracted", "completed", "failed"
		//   or "reverted".
		//
		// Field: stripped_size, stripped_uid
		//
		//   RFC822.SIZE and All Mail UID of the uploaded
		//   replacement.  NULL until the replacement is verified.
		//
		// Field: original_message_id
		//
		//   The Message-ID header, angle brackets included.  The
		//   original is found in Trash by this on revert, so an
		//   entry without one cannot be reverted.
		//
		// Field: gmail_thread_id
		//
		//   X-GM-THRID, stored with orderedToSigned so the full
		//   uint64 range fits an SQLite INTEGER.
		//
		// Field: reverted_at, reverted_uid
		//
		//   Set when the original has been restored to All Mail.
		`
CREATE TABLE IF NOT EXISTS manifest_entries (
email_id TEXT NOT NULL PRIMARY KEY,
imap_uid INTEGER NOT NULL,
subject TEXT NOT NULL DEFAULT '',
sender TEXT NOT NULL DEFAULT '',
date TEXT,
processed_at TEXT NOT NULL,
status TEXT NOT NULL,
original_size INTEGER NOT NULL DEFAULT 0,
stripped_size INTEGER,
error_message TEXT,
stripped_uid INTEGER,
original_message_id TEXT,
gmail_thread_id INTEGER,
reverted_at TEXT,
reverted_uid INTEGER
);`,
		`CREATE INDEX IF NOT EXISTS manifest_entries_status ON manifest_entries (status);`,
		`CREATE INDEX IF NOT EXISTS manifest_entries_uid ON manifest_entries (imap_uid);`,
		// The manifest_labels table holds the Gmail labels a
		// message had when it was processed, system labels
		// included.
		`
CREATE TABLE IF NOT EXISTS manifest_labels (
email_id TEXT NOT NULL,
label TEXT NOT NULL,
PRIMARY KEY (email_id, label)
FOREIGN KEY (email_id) REFERENCES manifest_entries (email_id)
);`,
		// The manifest_attachments table lists the backups of each
		// message in extraction order.
		//
		// Field: backup_path
		//
		//   Relative to the backup root.
		//
		// Field: hash
		//
		//   "sha256:" followed by the hex digest of the decoded
		//   content.
		`
CREATE TABLE IF NOT EXISTS manifest_attachments (
email_id TEXT NOT NULL,
seq INTEGER NOT NULL,
filename TEXT NOT NULL,
backup_path TEXT NOT NULL,
size INTEGER NOT NULL,
content_type TEXT NOT NULL,
hash TEXT NOT NULL,
PRIMARY KEY (email_id, seq)
FOREIGN KEY (email_id) REFERENCES manifest_entries (email_id)
);`,
		// The batch_checkpoints table records progress through a
		// batch after each message.  The row with the highest id
		// is the latest.
		`
CREATE TABLE IF NOT EXISTS batch_checkpoints (
id INTEGER PRIMARY KEY AUTOINCREMENT,
last_uid INTEGER NOT NULL,
created_at TEXT NOT NULL,
processed INTEGER NOT NULL,
successful INTEGER NOT NULL,
failed INTEGER NOT NULL,
skipped INTEGER NOT NULL,
bytes_saved INTEGER NOT NULL
);`,
	}
)

type DB struct {
	db  *sql.DB
	log zerolog.Logger
	now func() time.Time
}

type Tx struct {
	tx  *sql.Tx
	now time.Time
}

func dsnFromPath(path string, addValues url.Values) (string, error) {
	var u *url.URL
	if !strings.HasPrefix(path, "file:") {
		u = &url.URL{Scheme: "file", Path: path}
	} else {
		var err error
		u, err = url.Parse(path)
		if err != nil {
			return "", err
		}
	}
	values := u.Query()
	for k, v := range addValues {
		for _, item := range v {
			values.Add(k, item)
		}
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

func Open(ctx context.Context, path string, log zerolog.Logger) (*DB, error) {
	// The _busy_timeout is a SQLite extension that controls how
	// long SQLite will poll before giving up.  A batch holds the
	// database for the length of an IMAP round trip, so the
	// default of 5 seconds is too short; go with 5 minutes.
	var busyTimeout = int(5*time.Minute) / int(time.Millisecond)

	dsn, err := dsnFromPath(path, url.Values{
		"_busy_timeout": {fmt.Sprintf("%d", busyTimeout)}})
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not form a DB DSN from "+
				"the given path",
			path)
	}
	log.Debug().Str("dsn", dsn).Msg("opening manifest database")
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not open database at %q",
			path, dsn)
	}

	if err = initSchema(ctx, db, log); err != nil {
		db.Close()
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not initialize the "+
				"database schema", path)
	}

	return &DB{db: db, log: log, now: time.Now}, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) Begin(ctx context.Context) (*Tx, error) {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin transaction failed")
	}
	return &Tx{tx: tx, now: db.now().UTC()}, nil
}

func (tx *Tx) Commit() error {
	return tx.tx.Commit()
}

func (tx *Tx) Rollback() error {
	return tx.tx.Rollback()
}

// update runs fn in a transaction and commits it if fn succeeds.
func (db *DB) update(ctx context.Context, fn func(*Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "commit failed")
}

func initSchema(ctx context.Context, db *sql.DB, log zerolog.Logger) error {
	for _, sql := range createTableSql {
		log.Trace().Str("sql", sql).Msg("SQL Exec")
		if _, err := db.ExecContext(ctx, sql); err != nil {
			return errors.Wrapf(err, "while executing %q", sql)
		}
	}

	return nil
}

func orderedToSigned(u uint64) int64 {
	return int64(u - -math.MinInt64) // Imagine 0..255 -> -128..127
}

func orderedToUnsigned(s int64) uint64 {
	return uint64(s) + -math.MinInt64 // Imagine -128..127 -> 0..255
}

// Times are stored as RFC 3339 text in UTC, and the zero time as NULL.
func formatTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s sql.NullString) (time.Time, error) {
	if !s.Valid || s.String == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "bad stored time %q", s.String)
	}
	return t, nil
}

// nullIfZero maps the zero value of a column to NULL.
func nullIfZero(v interface{}) interface{} {
	switch x := v.(type) {
	case int64:
		if x == 0 {
			return nil
		}
	case uint32:
		if x == 0 {
			return nil
		}
		return int64(x)
	case string:
		if x == "" {
			return nil
		}
	case uint64:
		if x == 0 {
			return nil
		}
		return orderedToSigned(x)
	}
	return v
}
