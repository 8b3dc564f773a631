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

// Package revert puts originals back: it finds a stripped message's
// original in Trash, restores it to All Mail with its labels, and
// trashes the stripped copy.
package revert

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/emersion/go-message/textproto"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/mwilczynska/gmail-clean-and-backup/internal/mailbox"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/message"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/persist"
)

var (
	// ErrNotRevertible is returned for entries that are not
	// completed or carry no Message-ID.
	ErrNotRevertible = errors.New("entry cannot be reverted")

	// ErrNotInTrash means the original is gone, most likely
	// because Trash was emptied.  Retrying will not help.
	ErrNotInTrash = errors.New("original not found in Trash")
)

// RestoreError is a failure to copy the original out of Trash.  The
// entry is unchanged and the revert may be retried.
type RestoreError struct {
	EmailID string
	Err     error
}

func (e *RestoreError) Error() string {
	return fmt.Sprintf("restoring %s from Trash: %v", e.EmailID, e.Err)
}

func (e *RestoreError) Cause() error  { return e.Err }
func (e *RestoreError) Unwrap() error { return e.Err }

// Manifest records finished reverts.  *persist.DB is one.
type Manifest interface {
	MarkReverted(ctx context.Context, emailID string, newUID uint32) error
}

// Result describes one revert.  In a dry run it describes what would
// be done.
type Result struct {
	EmailID         string
	TrashUID        uint32
	RestoredUID     uint32
	LabelsApplied   []string
	StrippedDeleted bool
	Warnings        []string
	DryRun          bool

	// Set by RevertAll.
	Err error
}

// Success reports whether the original is back, or would be.
func (r *Result) Success() bool {
	return r.Err == nil && (r.RestoredUID != 0 || r.DryRun && r.TrashUID != 0)
}

type Reverter struct {
	mb       mailbox.Mailbox
	manifest Manifest
	log      zerolog.Logger
}

func New(mb mailbox.Mailbox, manifest Manifest, log zerolog.Logger) *Reverter {
	return &Reverter{mb: mb, manifest: manifest, log: log.With().Str("component", "revert").Logger()}
}

// FindTrashFolder returns the account's Trash folder, whose name
// depends on the account language.
func (r *Reverter) FindTrashFolder(ctx context.Context) (string, error) {
	folders, err := r.mb.ListFolders(ctx)
	if err != nil {
		return "", errors.Wrap(err, "listing folders")
	}
	have := map[string]bool{}
	for _, f := range folders {
		have[f] = true
	}
	for _, t := range mailbox.TrashFolders {
		if have[t] {
			return t, nil
		}
	}
	return mailbox.Trash, nil
}

// findInTrash selects trash and returns the UID of the largest message
// with the Message-ID, or 0.  A stripped copy that was trashed shares
// the Message-ID but is smaller than the original.
func (r *Reverter) findInTrash(ctx context.Context, trash, messageID string, readOnly bool) (uint32, error) {
	if _, err := r.mb.SelectFolder(ctx, trash, readOnly); err != nil {
		return 0, errors.Wrapf(err, "selecting %s", trash)
	}
	uids, err := r.mb.Search(ctx, mailbox.Criteria{MessageID: messageID})
	if err != nil {
		return 0, errors.Wrap(err, "searching Trash")
	}
	var (
		best     uint32
		bestSize int64 = -1
	)
	for _, u := range uids {
		res, err := r.mb.Fetch(ctx, u, mailbox.ItemSize)
		if mailbox.IsNotFound(err) {
			continue
		}
		if err != nil {
			return 0, errors.Wrap(err, "sizing Trash match")
		}
		if res.Size > bestSize {
			best, bestSize = u, res.Size
		}
	}
	return best, nil
}

// CheckTrashAvailability reports, per email ID, whether the original
// is still in Trash.
func (r *Reverter) CheckTrashAvailability(ctx context.Context, entries []*persist.Entry) (map[string]bool, error) {
	trash, err := r.FindTrashFolder(ctx)
	if err != nil {
		return nil, err
	}
	out := map[string]bool{}
	for _, e := range entries {
		if e.OriginalMessageID == "" {
			out[e.EmailID] = false
			continue
		}
		uid, err := r.findInTrash(ctx, trash, e.OriginalMessageID, true)
		if err != nil {
			return out, err
		}
		out[e.EmailID] = uid != 0
	}
	return out, nil
}

// RevertEmail restores the original of e.  It fails with
// ErrNotRevertible or ErrNotInTrash before touching the mailbox, and
// with a *RestoreError if the original could not be copied back.
// Problems after the original is restored are reported as warnings.
func (r *Reverter) RevertEmail(ctx context.Context, e *persist.Entry, dryRun bool) (*Result, error) {
	res := &Result{EmailID: e.EmailID, DryRun: dryRun}
	log := r.log.With().Str("email_id", e.EmailID).Logger()
	if !e.CanRevert() {
		return res, errors.Wrapf(ErrNotRevertible, "email %s has status %s", e.EmailID, e.Status)
	}

	trash, err := r.FindTrashFolder(ctx)
	if err != nil {
		return res, &RestoreError{EmailID: e.EmailID, Err: err}
	}
	trashUID, err := r.findInTrash(ctx, trash, e.OriginalMessageID, dryRun)
	if err != nil {
		return res, &RestoreError{EmailID: e.EmailID, Err: err}
	}
	if trashUID == 0 {
		return res, errors.Wrapf(ErrNotInTrash, "Message-ID %s", e.OriginalMessageID)
	}
	res.TrashUID = trashUID
	log = log.With().Uint32("uid", trashUID).Logger()

	if dryRun {
		res.LabelsApplied = message.UserLabels(e.Labels)
		res.StrippedDeleted = e.StrippedUID != 0
		return res, nil
	}

	if err := r.restore(ctx, trash, e, res, log); err != nil {
		return res, &RestoreError{EmailID: e.EmailID, Err: err}
	}
	log.Info().Uint32("restored_uid", res.RestoredUID).Msg("original restored")

	r.relabel(ctx, e, res, log)
	if e.StrippedUID != 0 {
		r.deleteStripped(ctx, e, res, log)
	}

	if err := r.manifest.MarkReverted(ctx, e.EmailID, res.RestoredUID); err != nil {
		return res, errors.Wrap(err, "recording revert")
	}
	return res, nil
}

func (r *Reverter) warn(res *Result, log zerolog.Logger, err error, msg string) {
	log.Warn().Err(err).Msg(msg)
	res.Warnings = append(res.Warnings, msg+": "+err.Error())
}

// restore copies the Trash message res.TrashUID back to All Mail and
// only then deletes it from Trash for good, so a failed restore can be
// retried.  A copy left in All Mail by an earlier attempt is reused.
// Trash is selected for writing on entry and All Mail on return.
func (r *Reverter) restore(ctx context.Context, trash string, e *persist.Entry, res *Result, log zerolog.Logger) error {
	orig, err := r.mb.Fetch(ctx, res.TrashUID, mailbox.ItemRaw, mailbox.ItemFlags, mailbox.ItemInternalDate)
	if err != nil {
		return errors.Wrap(err, "fetching original")
	}
	if len(orig.Raw) == 0 {
		return errors.New("original has no content")
	}
	size := int64(len(orig.Raw))

	if err := mailbox.SelectWritable(ctx, r.mb, mailbox.AllMail); err != nil {
		return errors.Wrap(err, "selecting All Mail")
	}
	newUID, err := r.findRestored(ctx, e, size)
	if err != nil {
		return err
	}
	if newUID != 0 {
		log.Info().Uint32("restored_uid", newUID).Msg("original already restored")
	} else {
		newUID, err = r.mb.Append(ctx, mailbox.AllMail, orig.Raw, restoreFlags(orig.Flags), orig.InternalDate)
		if err != nil {
			return errors.Wrap(err, "restore append failed")
		}
		if newUID == 0 {
			if newUID, err = r.findRestored(ctx, e, size); err != nil {
				return err
			}
		}
		if newUID == 0 {
			return errors.New("restore append failed: no UID returned")
		}
	}
	res.RestoredUID = newUID

	r.purge(ctx, trash, res.TrashUID, res, log)
	if err := mailbox.SelectWritable(ctx, r.mb, mailbox.AllMail); err != nil {
		return errors.Wrap(err, "selecting All Mail")
	}
	return nil
}

// purge deletes uid from trash for good.
func (r *Reverter) purge(ctx context.Context, trash string, uid uint32, res *Result, log zerolog.Logger) {
	if _, err := r.mb.SelectFolder(ctx, trash, false); err != nil {
		r.warn(res, log, err, "could not delete Trash copy")
		return
	}
	if err := r.mb.StoreFlags(ctx, uid, []string{`\Deleted`}, true); err != nil {
		r.warn(res, log, err, "could not delete Trash copy")
		return
	}
	if err := r.mb.Expunge(ctx); err != nil {
		r.warn(res, log, err, "could not expunge Trash")
	}
}

// findRestored finds a restored original in All Mail: a message other
// than the stripped copy with the original's Message-ID and size.
func (r *Reverter) findRestored(ctx context.Context, e *persist.Entry, size int64) (uint32, error) {
	uids, err := r.mb.Search(ctx, mailbox.Criteria{MessageID: e.OriginalMessageID})
	if err != nil {
		return 0, errors.Wrap(err, "searching for restored message")
	}
	var found uint32
	for _, u := range uids {
		if u == e.StrippedUID || u <= found {
			continue
		}
		got, err := r.mb.Fetch(ctx, u, mailbox.ItemSize)
		if mailbox.IsNotFound(err) {
			continue
		}
		if err != nil {
			return 0, errors.Wrap(err, "sizing restored message")
		}
		if got.Size == size {
			found = u
		}
	}
	return found, nil
}

// restoreFlags keeps the original's flags, minus the one marking it
// for deletion.
func restoreFlags(orig []string) []string {
	flags := []string{}
	for _, f := range orig {
		switch f {
		case `\Recent`, `\Deleted`:
			continue
		}
		flags = append(flags, f)
	}
	if len(orig) == 0 {
		flags = append(flags, `\Seen`)
	}
	return flags
}

func (r *Reverter) relabel(ctx context.Context, e *persist.Entry, res *Result, log zerolog.Logger) {
	labels := message.UserLabels(e.Labels)
	if len(labels) == 0 {
		return
	}
	if err := r.mb.StoreLabels(ctx, res.RestoredUID, labels, mailbox.AddLabels); err != nil {
		r.warn(res, log, err, "could not apply labels")
		return
	}
	res.LabelsApplied = labels
}

// deleteStripped trashes the stripped copy, once it is confirmed to
// still be the message recorded for e.  All Mail is selected.
func (r *Reverter) deleteStripped(ctx context.Context, e *persist.Entry, res *Result, log zerolog.Logger) {
	log = log.With().Uint32("stripped_uid", e.StrippedUID).Logger()
	got, err := r.mb.Fetch(ctx, e.StrippedUID, mailbox.ItemHeader)
	if err != nil {
		r.warn(res, log, err, "stripped copy not found")
		return
	}
	if id := headerMessageID(got.Header); id != e.OriginalMessageID {
		r.warn(res, log, errors.Errorf("UID %d has Message-ID %q", e.StrippedUID, id), "stripped copy not found")
		return
	}
	if err := r.mb.MoveToTrash(ctx, e.StrippedUID); err != nil {
		r.warn(res, log, err, "could not delete stripped copy")
		return
	}
	if err := r.mb.Expunge(ctx); err != nil {
		r.warn(res, log, err, "could not expunge All Mail")
		return
	}
	res.StrippedDeleted = true
}

// RevertAll reverts entries one at a time.  A failed entry does not
// stop the rest; its error is in its Result.
func (r *Reverter) RevertAll(ctx context.Context, entries []*persist.Entry, dryRun bool) ([]*Result, error) {
	var out []*Result
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		res, err := r.RevertEmail(ctx, e, dryRun)
		if err != nil {
			res.Err = err
			r.log.Error().Err(err).Str("email_id", e.EmailID).Msg("revert failed")
		}
		out = append(out, res)
	}
	return out, nil
}

func headerMessageID(header []byte) string {
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(header)))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(h.Get("Message-Id"))
}
