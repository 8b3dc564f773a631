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

package replace

import (
	"context"

	"github.com/pkg/errors"

	"github.com/mwilczynska/gmail-clean-and-backup/internal/txlog"
)

// Recovery is what Recover did with one interrupted transaction.
type Recovery struct {
	TxnID   string
	EmailID string

	// Last phase logged before the interruption.
	From   txlog.Status
	Action txlog.Action

	// What the log knew about the message and its replacement.
	MessageID string
	NewUID    uint32
	NewSize   int64

	// Set when the uploaded copy could not be removed.  The
	// transaction is still failed.
	Warning string
}

// Recover ends every transaction of the log that has no terminal
// status.  What to do is decided by txlog.Classify alone.
func (r *Replacer) Recover(ctx context.Context) ([]Recovery, error) {
	states, err := r.tx.Incomplete()
	if err != nil {
		return nil, errors.Wrap(err, "reading transaction log")
	}
	var out []Recovery
	for _, st := range states {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		history, err := r.tx.History(st.TxnID)
		if err != nil {
			return out, err
		}
		rec := Recovery{
			TxnID:   st.TxnID,
			EmailID: st.EmailID,
			From:    st.Last,
			Action:  txlog.Classify(history),

			MessageID: st.Data.MsgID,
			NewUID:    st.Data.NewUID,
			NewSize:   st.Data.NewSize,
		}
		log := r.log.With().Str("txn_id", st.TxnID).Str("email_id", st.EmailID).Str("phase", string(st.Last)).Logger()
		log.Info().Stringer("action", rec.Action).Msg("recovering transaction")

		switch rec.Action {
		case txlog.MarkCompleted:
			err = r.tx.Complete(st.TxnID, &txlog.Data{Note: "recovered"})
		case txlog.DeleteUploaded:
			if werr := r.removeUpload(ctx, st.Data); werr != nil {
				rec.Warning = werr.Error()
				log.Warn().Err(werr).Uint32("new_uid", st.Data.NewUID).Msg("could not remove uploaded message")
			}
			err = r.tx.Fail(st.TxnID, errors.New(rec.Action.Reason()), nil)
		case txlog.MarkFailed, txlog.FailReplacementExists:
			err = r.tx.Fail(st.TxnID, errors.New(rec.Action.Reason()), nil)
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// removeUpload trashes an unverified replacement.
func (r *Replacer) removeUpload(ctx context.Context, d txlog.Data) error {
	if d.NewUID == 0 {
		return errors.New("no uploaded UID was logged")
	}
	if d.NewUID == d.UID {
		return errors.Errorf("uploaded UID %d is the original", d.NewUID)
	}
	if err := r.ensureAllMail(ctx); err != nil {
		return err
	}
	return r.mb.MoveToTrash(ctx, d.NewUID)
}
