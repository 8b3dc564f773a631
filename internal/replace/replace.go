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

// Package replace swaps a message for its attachment-stripped version
// as a logged sequence of phases, and recovers replacements that were
// interrupted part way.
//
// The original is only moved to Trash after the replacement has been
// uploaded, verified and labeled.  Every phase is written to the
// transaction log before the next one starts.  If a replacement fails
// after its upload, the upload is moved to Trash.
package replace

import (
	"bufio"
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/mwilczynska/gmail-clean-and-backup/internal/mailbox"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/message"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/reconstruct"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/txlog"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/validate"
)

// Upload verification accepts a stored size within either bound of
// what was sent, because Gmail may rewrite headers on APPEND.
const (
	sizeSlackBytes   = 1000
	sizeSlackPercent = 10
)

// Verifier rechecks saved backups.  *backup.Storage is one.
type Verifier interface {
	VerifyAll(ctx context.Context, saved []message.SavedAttachment) ([]message.SavedAttachment, error)
}

// Archiver keeps a local copy of an original before it is trashed.
// *backup.Archive is one.
type Archiver interface {
	Add(raw []byte, from string, now time.Time) (string, error)
}

type Config struct {
	// If set, backups are verified again before the mailbox is
	// changed.
	Backups Verifier

	// If set, originals are archived before they are trashed.
	Archive Archiver
}

type Replacer struct {
	mb  mailbox.Mailbox
	tx  *txlog.Log
	rc  *reconstruct.Reconstructor
	cfg Config
	log zerolog.Logger
	now func() time.Time
}

func New(mb mailbox.Mailbox, tx *txlog.Log, rc *reconstruct.Reconstructor, cfg Config, log zerolog.Logger) *Replacer {
	return &Replacer{
		mb:  mb,
		tx:  tx,
		rc:  rc,
		cfg: cfg,
		log: log.With().Str("component", "replace").Logger(),
		now: time.Now,
	}
}

// ensureAllMail selects All Mail for writing unless it is selected
// that way.
func (r *Replacer) ensureAllMail(ctx context.Context) error {
	return mailbox.SelectWritable(ctx, r.mb, mailbox.AllMail)
}

// replacement carries one Replace call through its phases.
type replacement struct {
	r    *Replacer
	scan *message.ScanResult
	res  *message.ReplaceResult
	log  zerolog.Logger
}

// step logs that phase completed.
func (p *replacement) step(status txlog.Status, data *txlog.Data) error {
	if err := p.r.tx.Log(p.res.TxnID, status, data); err != nil {
		return errors.Wrapf(err, "logging %s", status)
	}
	p.res.Phase = string(status)
	p.log.Debug().Str("phase", p.res.Phase).Msg("phase completed")
	return nil
}

func (p *replacement) fail(ctx context.Context, err error) (*message.ReplaceResult, error) {
	p.res.Success = false
	p.res.Error = err.Error()
	data := p.rollback(ctx)
	if ferr := p.r.tx.Fail(p.res.TxnID, err, data); ferr != nil {
		p.log.Error().Err(ferr).Msg("could not log failure")
	}
	p.log.Error().Err(err).Str("phase", p.res.Phase).Msg("replacement failed")
	return p.res, err
}

// rollback moves an upload to Trash unless the original was already
// trashed, leaving the mailbox as it was before the replacement.
func (p *replacement) rollback(ctx context.Context) *txlog.Data {
	d := &txlog.Data{Phase: p.res.Phase}
	if p.res.NewUID == 0 || p.res.Phase == string(txlog.Deleted) {
		return d
	}
	log := p.log.With().Uint32("new_uid", p.res.NewUID).Logger()
	up := txlog.Data{UID: p.res.OriginalUID, NewUID: p.res.NewUID}
	if err := p.r.removeUpload(context.WithoutCancel(ctx), up); err != nil {
		log.Warn().Err(err).Msg("could not roll back upload")
		d.Warnings = []string{"rollback failed: " + err.Error()}
		return d
	}
	log.Info().Msg("rolled back upload")
	p.res.RolledBack = true
	d.Note = "rolled back uploaded message"
	return d
}

// Replace strips the attachments recorded in extraction from the
// message described by scan.  On failure the returned result still
// tells how far the replacement got.
func (r *Replacer) Replace(ctx context.Context, scan *message.ScanResult, extraction *message.ExtractionResult) (*message.ReplaceResult, error) {
	uid := scan.Header.UID
	emailID := scan.Gmail.ID()
	res := &message.ReplaceResult{OriginalUID: uid}
	txn, err := r.tx.Begin(emailID, &txlog.Data{UID: uid, Subject: scan.Header.Subject, MsgID: scan.Header.MessageID})
	if err != nil {
		return res, errors.Wrap(err, "starting transaction")
	}
	res.TxnID = txn
	res.Phase = string(txlog.Started)
	p := &replacement{
		r:    r,
		scan: scan,
		res:  res,
		log:  r.log.With().Str("txn_id", txn).Str("email_id", emailID).Uint32("uid", uid).Logger(),
	}
	if err := p.run(ctx, extraction); err != nil {
		return p.fail(ctx, err)
	}
	if err := r.tx.Complete(txn, nil); err != nil {
		return p.fail(ctx, errors.Wrap(err, "completing transaction"))
	}
	res.Success = true
	res.Phase = string(txlog.Completed)
	p.log.Info().Uint32("new_uid", res.NewUID).Int64("saved", res.SizeSaved()).Msg("message replaced")
	return res, nil
}

func (p *replacement) run(ctx context.Context, extraction *message.ExtractionResult) error {
	r, uid := p.r, p.res.OriginalUID
	if err := r.ensureAllMail(ctx); err != nil {
		return err
	}

	orig, err := r.mb.Fetch(ctx, uid, mailbox.ItemRaw, mailbox.ItemFlags, mailbox.ItemInternalDate)
	if err != nil {
		return errors.Wrap(err, "fetching original")
	}
	raw := orig.Raw
	p.res.OriginalSize = int64(len(raw))
	reasons, err := validate.Preflight(raw)
	if err != nil {
		return err
	}
	if len(reasons) > 0 {
		return errors.Errorf("cannot process: %s", strings.Join(reasons, "; "))
	}

	stripped, err := r.rc.Reconstruct(raw, p.scan.Strippable(), extraction.Saved)
	if err != nil {
		return errors.Wrap(err, "reconstructing")
	}
	v := validate.Validate(raw, stripped)
	for _, w := range v.Warnings {
		p.log.Warn().Str("warning", w).Msg("validation warning")
	}
	if err := v.Err(); err != nil {
		return err
	}
	if err := p.step(txlog.Reconstructed, nil); err != nil {
		return err
	}

	if r.cfg.Backups != nil {
		bad, err := r.cfg.Backups.VerifyAll(ctx, extraction.Saved)
		if err != nil {
			return errors.Wrap(err, "verifying backups")
		}
		if len(bad) > 0 {
			return errors.Errorf("backup verification failed for %s", bad[0].OriginalFilename)
		}
	}

	newUID, err := r.upload(ctx, stripped, orig)
	if err != nil {
		return err
	}
	p.res.NewUID = newUID
	p.res.NewSize = int64(len(stripped))
	if err := p.step(txlog.Uploaded, &txlog.Data{NewUID: newUID, NewSize: p.res.NewSize}); err != nil {
		return err
	}

	if err := r.verifyUpload(ctx, newUID, p.res.NewSize); err != nil {
		return err
	}
	if err := p.step(txlog.Verified, nil); err != nil {
		return err
	}

	var warnings []string
	labels := message.UserLabels(p.scan.Gmail.Labels)
	if len(labels) > 0 {
		if err := r.mb.StoreLabels(ctx, newUID, labels, mailbox.AddLabels); err != nil {
			if mailbox.IsConnection(err) {
				return errors.Wrap(err, "applying labels")
			}
			p.log.Warn().Err(err).Strs("labels", labels).Msg("could not apply labels")
			warnings = append(warnings, "labels not applied: "+err.Error())
			labels = nil
		}
	}
	p.res.LabelsApplied = labels
	if err := p.step(txlog.Labeled, &txlog.Data{Labels: labels, Warnings: warnings}); err != nil {
		return err
	}

	var archived string
	if r.cfg.Archive != nil {
		archived, err = r.cfg.Archive.Add(raw, senderAddress(p.scan.Header.Sender), r.now())
		if err != nil {
			return errors.Wrap(err, "archiving original")
		}
	}
	if err := r.mb.MoveToTrash(ctx, uid); err != nil {
		return errors.Wrap(err, "moving original to Trash")
	}
	return p.step(txlog.Deleted, &txlog.Data{UID: uid, Archive: archived})
}

// upload appends the stripped message to All Mail with the original's
// flags and date, and finds its UID.
func (r *Replacer) upload(ctx context.Context, stripped []byte, orig *mailbox.FetchResult) (uint32, error) {
	flags := uploadFlags(orig.Flags)
	newUID, err := r.mb.Append(ctx, mailbox.AllMail, stripped, flags, orig.InternalDate)
	if err != nil {
		return 0, errors.Wrap(err, "uploading")
	}
	if newUID != 0 {
		return newUID, nil
	}
	newUID, err = r.findUpload(ctx, stripped, orig.UID)
	if err != nil {
		return 0, err
	}
	if newUID == 0 {
		return 0, errors.New("upload failed: no UID returned")
	}
	return newUID, nil
}

// findUpload locates an appended message by its Message-ID when the
// server did not report its UID: the highest match that is not the
// original.
func (r *Replacer) findUpload(ctx context.Context, stripped []byte, original uint32) (uint32, error) {
	id := headerMessageID(stripped)
	if id == "" {
		return 0, nil
	}
	uids, err := r.mb.Search(ctx, mailbox.Criteria{MessageID: id})
	if err != nil {
		return 0, errors.Wrap(err, "searching for uploaded message")
	}
	var found uint32
	for _, u := range uids {
		if u != original && u > found {
			found = u
		}
	}
	return found, nil
}

func uploadFlags(orig []string) []string {
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

func (r *Replacer) verifyUpload(ctx context.Context, newUID uint32, expected int64) error {
	res, err := r.mb.Fetch(ctx, newUID, mailbox.ItemSize)
	if err != nil {
		return errors.Wrap(err, "verifying upload")
	}
	if !sizeMatches(res.Size, expected) {
		return errors.Errorf("upload verification failed: stored %d bytes, sent %d", res.Size, expected)
	}
	return nil
}

func sizeMatches(got, want int64) bool {
	d := got - want
	if d < 0 {
		d = -d
	}
	return d < sizeSlackBytes || d*100 < want*sizeSlackPercent
}

func headerMessageID(raw []byte) string {
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(h.Get("Message-Id"))
}

func senderAddress(from string) string {
	a, err := mail.ParseAddress(from)
	if err != nil {
		return ""
	}
	return a.Address
}
