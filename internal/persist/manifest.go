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

package persist

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/mwilczynska/gmail-clean-and-backup/internal/message"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusExtracted Status = "extracted"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusReverted  Status = "reverted"
)

// ErrNoEntry is returned for an email ID the manifest does not hold.
var ErrNoEntry = errors.New("no manifest entry")

// Entry is one message in the manifest.
type Entry struct {
	EmailID     string
	UID         uint32
	Subject     string
	Sender      string
	Date        time.Time
	Labels      []string
	Attachments []message.SavedAttachment
	ProcessedAt time.Time
	Status      Status

	OriginalSize int64
	StrippedSize int64
	Error        string

	// Set once the replacement is in place.
	StrippedUID       uint32
	OriginalMessageID string
	ThreadID          uint64

	RevertedAt  time.Time
	RevertedUID uint32
}

// CanRevert reports whether the original can be looked up in Trash.
func (e *Entry) CanRevert() bool {
	return e.Status == StatusCompleted && e.OriginalMessageID != ""
}

// Saved is what stripping this message freed, zero until it completes.
func (e *Entry) Saved() int64 {
	if e.Status != StatusCompleted || e.StrippedSize == 0 || e.StrippedSize > e.OriginalSize {
		return 0
	}
	return e.OriginalSize - e.StrippedSize
}

// Update holds the optional fields of a status change.  Zero fields
// leave the stored value alone.
type Update struct {
	StrippedSize      int64
	StrippedUID       uint32
	OriginalMessageID string
	ThreadID          uint64
	Error             string
}

// RecordExtraction creates or replaces the entry for a scanned message
// whose attachments were saved.  Labels and attachments are replaced
// wholesale.
func (db *DB) RecordExtraction(ctx context.Context, scan *message.ScanResult, saved []message.SavedAttachment, status Status) error {
	return db.update(ctx, func(tx *Tx) error {
		return tx.RecordExtraction(ctx, scan, saved, status)
	})
}

func (tx *Tx) RecordExtraction(ctx context.Context, scan *message.ScanResult, saved []message.SavedAttachment, status Status) error {
	id := scan.Gmail.ID()
	const upsertSql = `
INSERT INTO manifest_entries
(email_id, imap_uid, subject, sender, date, processed_at, status, original_size)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (email_id) DO UPDATE SET
(imap_uid, subject, sender, date, processed_at, status, original_size, error_message) =
($2, $3, $4, $5, $6, $7, $8, NULL)`
	_, err := tx.tx.ExecContext(ctx, upsertSql,
		id, int64(scan.Header.UID), scan.Header.Subject, scan.Header.Sender,
		formatTime(scan.Header.Date), formatTime(tx.now), string(status),
		scan.Header.Size)
	if err != nil {
		return errors.Wrap(err, "db upsert failed for manifest entry")
	}

	for _, q := range []string{
		`DELETE FROM manifest_labels WHERE email_id = $1`,
		`DELETE FROM manifest_attachments WHERE email_id = $1`,
	} {
		if _, err := tx.tx.ExecContext(ctx, q, id); err != nil {
			return errors.Wrap(err, "db delete failed")
		}
	}

	label, err := tx.tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO manifest_labels (email_id, label) VALUES ($1, $2)`)
	if err != nil {
		return errors.Wrap(err, "db prepare statement failed for labels")
	}
	defer label.Close()
	for _, l := range scan.Gmail.Labels {
		if _, err := label.ExecContext(ctx, id, l); err != nil {
			return errors.Wrap(err, "db insert failed for label")
		}
	}

	att, err := tx.tx.PrepareContext(ctx, `
INSERT INTO manifest_attachments
(email_id, seq, filename, backup_path, size, content_type, hash)
VALUES ($1, $2, $3, $4, $5, $6, $7)`)
	if err != nil {
		return errors.Wrap(err, "db prepare statement failed for attachments")
	}
	defer att.Close()
	for i, a := range saved {
		if _, err := att.ExecContext(ctx, id, i, a.OriginalFilename, a.Path, a.Size, a.ContentType, a.Hash); err != nil {
			return errors.Wrap(err, "db insert failed for attachment")
		}
	}
	return nil
}

// UpdateStatus moves an entry to status and stamps processed_at.
func (db *DB) UpdateStatus(ctx context.Context, emailID string, status Status, u Update) error {
	return db.update(ctx, func(tx *Tx) error {
		return tx.UpdateStatus(ctx, emailID, status, u)
	})
}

func (tx *Tx) UpdateStatus(ctx context.Context, emailID string, status Status, u Update) error {
	const q = `
UPDATE manifest_entries SET
status = $1,
processed_at = $2,
stripped_size = COALESCE($3, stripped_size),
stripped_uid = COALESCE($4, stripped_uid),
original_message_id = COALESCE($5, original_message_id),
gmail_thread_id = COALESCE($6, gmail_thread_id),
error_message = COALESCE($7, error_message)
WHERE email_id = $8`
	res, err := tx.tx.ExecContext(ctx, q, string(status), formatTime(tx.now),
		nullIfZero(u.StrippedSize), nullIfZero(u.StrippedUID),
		nullIfZero(u.OriginalMessageID), nullIfZero(u.ThreadID),
		nullIfZero(u.Error), emailID)
	if err != nil {
		return errors.Wrap(err, "db update failed for manifest status")
	}
	return expectOne(res, emailID)
}

// MarkReverted records that the original of emailID was restored as
// newUID.
func (db *DB) MarkReverted(ctx context.Context, emailID string, newUID uint32) error {
	return db.update(ctx, func(tx *Tx) error {
		const q = `
UPDATE manifest_entries SET (status, reverted_at, reverted_uid) = ($1, $2, $3)
WHERE email_id = $4`
		res, err := tx.tx.ExecContext(ctx, q, string(StatusReverted), formatTime(tx.now), int64(newUID), emailID)
		if err != nil {
			return errors.Wrap(err, "db update failed for revert")
		}
		return expectOne(res, emailID)
	})
}

func expectOne(res sql.Result, emailID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Wrapf(ErrNoEntry, "email %s", emailID)
	}
	return nil
}

// Delete removes one entry.  It reports whether the entry existed.
func (db *DB) Delete(ctx context.Context, emailID string) (bool, error) {
	var found bool
	err := db.update(ctx, func(tx *Tx) error {
		for _, q := range []string{
			`DELETE FROM manifest_labels WHERE email_id = $1`,
			`DELETE FROM manifest_attachments WHERE email_id = $1`,
		} {
			if _, err := tx.tx.ExecContext(ctx, q, emailID); err != nil {
				return errors.Wrap(err, "db delete failed")
			}
		}
		res, err := tx.tx.ExecContext(ctx, `DELETE FROM manifest_entries WHERE email_id = $1`, emailID)
		if err != nil {
			return errors.Wrap(err, "db delete failed")
		}
		n, err := res.RowsAffected()
		found = n > 0
		return err
	})
	return found, err
}

// Clear removes every entry and returns how many there were.
// Checkpoints are kept.
func (db *DB) Clear(ctx context.Context) (int, error) {
	var n int64
	err := db.update(ctx, func(tx *Tx) error {
		for _, q := range []string{
			`DELETE FROM manifest_labels`,
			`DELETE FROM manifest_attachments`,
		} {
			if _, err := tx.tx.ExecContext(ctx, q); err != nil {
				return errors.Wrap(err, "db delete failed")
			}
		}
		res, err := tx.tx.ExecContext(ctx, `DELETE FROM manifest_entries`)
		if err != nil {
			return errors.Wrap(err, "db delete failed")
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

const selectEntrySql = `
SELECT email_id, imap_uid, subject, sender, date, processed_at, status,
original_size, stripped_size, error_message, stripped_uid,
original_message_id, gmail_thread_id, reverted_at, reverted_uid
FROM manifest_entries`

func scanEntry(rows interface{ Scan(...interface{}) error }) (*Entry, error) {
	var (
		e                           Entry
		uid                         int64
		date, processed, reverted   sql.NullString
		status                      string
		strippedSize, strippedUID   sql.NullInt64
		thread, revertedUID         sql.NullInt64
		errorMessage, origMessageID sql.NullString
	)
	err := rows.Scan(&e.EmailID, &uid, &e.Subject, &e.Sender, &date, &processed, &status,
		&e.OriginalSize, &strippedSize, &errorMessage, &strippedUID,
		&origMessageID, &thread, &reverted, &revertedUID)
	if err != nil {
		return nil, errors.Wrap(err, "db scan failed for manifest entry")
	}
	e.UID = uint32(uid)
	e.Status = Status(status)
	e.StrippedSize = strippedSize.Int64
	e.StrippedUID = uint32(strippedUID.Int64)
	e.Error = errorMessage.String
	e.OriginalMessageID = origMessageID.String
	if thread.Valid {
		e.ThreadID = orderedToUnsigned(thread.Int64)
	}
	e.RevertedUID = uint32(revertedUID.Int64)
	for _, f := range []struct {
		dst *time.Time
		src sql.NullString
	}{{&e.Date, date}, {&e.ProcessedAt, processed}, {&e.RevertedAt, reverted}} {
		if *f.dst, err = parseTime(f.src); err != nil {
			return nil, err
		}
	}
	return &e, nil
}

func (db *DB) query(ctx context.Context, where string, args ...interface{}) ([]*Entry, error) {
	rows, err := db.db.QueryContext(ctx, selectEntrySql+" "+where, args...)
	if err != nil {
		return nil, errors.Wrap(err, "db query failed for manifest entries")
	}
	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, e := range entries {
		if err := db.fill(ctx, e); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// fill loads the labels and attachments of e.
func (db *DB) fill(ctx context.Context, e *Entry) error {
	rows, err := db.db.QueryContext(ctx,
		`SELECT label FROM manifest_labels WHERE email_id = $1`, e.EmailID)
	if err != nil {
		return errors.Wrap(err, "db query failed for labels")
	}
	for rows.Next() {
		var l string
		if err := rows.Scan(&l); err != nil {
			rows.Close()
			return errors.Wrap(err, "db scan failed for label")
		}
		e.Labels = append(e.Labels, l)
	}
	rows.Close()
	sort.Strings(e.Labels)

	rows, err = db.db.QueryContext(ctx, `
SELECT filename, backup_path, size, content_type, hash
FROM manifest_attachments WHERE email_id = $1 ORDER BY seq`, e.EmailID)
	if err != nil {
		return errors.Wrap(err, "db query failed for attachments")
	}
	defer rows.Close()
	for rows.Next() {
		var a message.SavedAttachment
		if err := rows.Scan(&a.OriginalFilename, &a.Path, &a.Size, &a.ContentType, &a.Hash); err != nil {
			return errors.Wrap(err, "db scan failed for attachment")
		}
		e.Attachments = append(e.Attachments, a)
	}
	return rows.Err()
}

// Get returns the entry for emailID, or ErrNoEntry.
func (db *DB) Get(ctx context.Context, emailID string) (*Entry, error) {
	entries, err := db.query(ctx, `WHERE email_id = $1`, emailID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, errors.Wrapf(ErrNoEntry, "email %s", emailID)
	}
	return entries[0], nil
}

// GetByUID returns the most recently processed entry for an All Mail
// UID, or ErrNoEntry.
func (db *DB) GetByUID(ctx context.Context, uid uint32) (*Entry, error) {
	entries, err := db.query(ctx, `WHERE imap_uid = $1 ORDER BY processed_at DESC LIMIT 1`, int64(uid))
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, errors.Wrapf(ErrNoEntry, "uid %d", uid)
	}
	return entries[0], nil
}

func (db *DB) ByStatus(ctx context.Context, status Status) ([]*Entry, error) {
	return db.query(ctx, `WHERE status = $1 ORDER BY processed_at, email_id`, string(status))
}

func (db *DB) All(ctx context.Context) ([]*Entry, error) {
	return db.query(ctx, `ORDER BY processed_at, email_id`)
}

// Revertible returns the completed entries whose originals can be
// looked up.
func (db *DB) Revertible(ctx context.Context) ([]*Entry, error) {
	return db.query(ctx, `
WHERE status = $1 AND original_message_id IS NOT NULL AND original_message_id != ''
ORDER BY processed_at, email_id`, string(StatusCompleted))
}

// IsProcessed reports whether emailID has completed.  Failed and
// extracted entries may be retried.
func (db *DB) IsProcessed(ctx context.Context, emailID string) (bool, error) {
	var status string
	err := db.db.QueryRowContext(ctx,
		`SELECT status FROM manifest_entries WHERE email_id = $1`, emailID).Scan(&status)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "db query failed for status")
	}
	return Status(status) == StatusCompleted, nil
}

// UnprocessedUIDs returns the uids, in order, that no completed entry
// was made from.
func (db *DB) UnprocessedUIDs(ctx context.Context, uids []uint32) ([]uint32, error) {
	rows, err := db.db.QueryContext(ctx,
		`SELECT imap_uid FROM manifest_entries WHERE status = $1`, string(StatusCompleted))
	if err != nil {
		return nil, errors.Wrap(err, "db query failed for processed uids")
	}
	defer rows.Close()
	done := map[uint32]bool{}
	for rows.Next() {
		var uid int64
		if err := rows.Scan(&uid); err != nil {
			return nil, errors.Wrap(err, "db scan failed for uid")
		}
		done[uint32(uid)] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var out []uint32
	for _, u := range uids {
		if !done[u] {
			out = append(out, u)
		}
	}
	return out, nil
}

// Stats summarizes the manifest.
type Stats struct {
	Total            int
	ByStatus         map[Status]int
	OriginalSize     int64
	StrippedSize     int64
	TotalAttachments int

	// Bytes freed by completed entries.
	Savings int64
}

func (db *DB) Stats(ctx context.Context) (Stats, error) {
	s := Stats{ByStatus: map[Status]int{}}
	rows, err := db.db.QueryContext(ctx, `
SELECT status, COUNT(*), COALESCE(SUM(original_size), 0), COALESCE(SUM(stripped_size), 0)
FROM manifest_entries GROUP BY status`)
	if err != nil {
		return s, errors.Wrap(err, "db query failed for stats")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status             string
			n                  int
			original, stripped int64
		)
		if err := rows.Scan(&status, &n, &original, &stripped); err != nil {
			return s, errors.Wrap(err, "db scan failed for stats")
		}
		s.Total += n
		s.ByStatus[Status(status)] = n
		s.OriginalSize += original
		s.StrippedSize += stripped
	}
	if err := rows.Err(); err != nil {
		return s, err
	}

	const savingsSql = `
SELECT COALESCE(SUM(original_size - stripped_size), 0) FROM manifest_entries
WHERE status = $1 AND stripped_size IS NOT NULL AND stripped_size <= original_size`
	if err := db.db.QueryRowContext(ctx, savingsSql, string(StatusCompleted)).Scan(&s.Savings); err != nil {
		return s, errors.Wrap(err, "db query failed for savings")
	}
	if err := db.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM manifest_attachments`).Scan(&s.TotalAttachments); err != nil {
		return s, errors.Wrap(err, "db query failed for attachment count")
	}
	return s, nil
}
