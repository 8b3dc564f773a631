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

package batch

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/mwilczynska/gmail-clean-and-backup/internal/persist"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/replace"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/txlog"
)

// Reconcile brings the manifest in line with recovered transactions.
// Entries the manifest never heard of are skipped.
func Reconcile(ctx context.Context, manifest StatusRecorder, recs []replace.Recovery, log zerolog.Logger) error {
	for _, rec := range recs {
		var (
			status persist.Status
			u      persist.Update
		)
		switch rec.Action {
		case txlog.NoAction:
			continue
		case txlog.MarkCompleted:
			status = persist.StatusCompleted
			u = persist.Update{
				StrippedSize:      rec.NewSize,
				StrippedUID:       rec.NewUID,
				OriginalMessageID: rec.MessageID,
			}
		default:
			status = persist.StatusFailed
			u.Error = rec.Action.Reason()
			if rec.Warning != "" {
				u.Error += ": " + rec.Warning
			}
		}
		err := manifest.UpdateStatus(ctx, rec.EmailID, status, u)
		if errors.Is(err, persist.ErrNoEntry) {
			log.Warn().Str("email_id", rec.EmailID).Str("txn_id", rec.TxnID).Msg("recovered transaction has no manifest entry")
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "recording recovery of %s", rec.EmailID)
		}
	}
	return nil
}
