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
	"time"

	"github.com/pkg/errors"
)

// Checkpoint records how far a batch got.
type Checkpoint struct {
	LastUID    uint32
	Time       time.Time
	Processed  int
	Successful int
	Failed     int
	Skipped    int
	BytesSaved int64
}

func (db *DB) SaveCheckpoint(ctx context.Context, c Checkpoint) error {
	return db.update(ctx, func(tx *Tx) error {
		if c.Time.IsZero() {
			c.Time = tx.now
		}
		const q = `
INSERT INTO batch_checkpoints
(last_uid, created_at, processed, successful, failed, skipped, bytes_saved)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
		_, err := tx.tx.ExecContext(ctx, q, int64(c.LastUID), formatTime(c.Time),
			c.Processed, c.Successful, c.Failed, c.Skipped, c.BytesSaved)
		return errors.Wrap(err, "db insert failed for checkpoint")
	})
}

// LatestCheckpoint returns the last saved checkpoint.  ok is false if
// there is none.
func (db *DB) LatestCheckpoint(ctx context.Context) (c Checkpoint, ok bool, err error) {
	const q = `
SELECT last_uid, created_at, processed, successful, failed, skipped, bytes_saved
FROM batch_checkpoints ORDER BY id DESC LIMIT 1`
	var (
		uid     int64
		created sql.NullString
	)
	err = db.db.QueryRowContext(ctx, q).Scan(&uid, &created,
		&c.Processed, &c.Successful, &c.Failed, &c.Skipped, &c.BytesSaved)
	if err == sql.ErrNoRows {
		return Checkpoint{}, false, nil // a non-error
	}
	if err != nil {
		return Checkpoint{}, false, errors.Wrap(err, "db query failed for checkpoint")
	}
	c.LastUID = uint32(uid)
	if c.Time, err = parseTime(created); err != nil {
		return Checkpoint{}, false, err
	}
	return c, true, nil
}

// ClearCheckpoints is called once a batch finishes.
func (db *DB) ClearCheckpoints(ctx context.Context) error {
	_, err := db.db.ExecContext(ctx, `DELETE FROM batch_checkpoints`)
	return errors.Wrap(err, "db delete failed for checkpoints")
}
