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

// Package batch runs the strip pipeline over scanned messages, one at
// a time, keeping the manifest current as each message moves through
// it.
package batch

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/mwilczynska/gmail-clean-and-backup/internal/mailbox"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/message"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/persist"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/scanner"
)

// MaxErrors bounds the errors a Result keeps.
const MaxErrors = 50

// Each message goes through extract, record, rebuild and finalize.
const stepsPerEmail = 4

// Error is one message that failed.
type Error struct {
	EmailID string
	UID     uint32
	Subject string
	Err     string
}

type Result struct {
	Total      int
	Successful int
	Failed     int
	Skipped    int
	BytesSaved int64

	// The first MaxErrors failures.
	Errors   []Error
	Duration time.Duration
	DryRun   bool
}

func (r *Result) addError(scan *message.ScanResult, err error) {
	r.Failed++
	if len(r.Errors) >= MaxErrors {
		return
	}
	r.Errors = append(r.Errors, Error{
		EmailID: scan.Gmail.ID(),
		UID:     scan.Header.UID,
		Subject: scan.Header.Subject,
		Err:     err.Error(),
	})
}

// Progress is called as a batch advances.  done counts steps, not
// messages.
type Progress func(done, total int, status string)

type Processor struct {
	mb       mailbox.Mailbox
	manifest Manifest
	ex       Extractor
	rp       Replacer
	log      zerolog.Logger
	now      func() time.Time
}

func New(mb mailbox.Mailbox, manifest Manifest, ex Extractor, rp Replacer, log zerolog.Logger) *Processor {
	return &Processor{
		mb:       mb,
		manifest: manifest,
		ex:       ex,
		rp:       rp,
		log:      log.With().Str("component", "batch").Logger(),
		now:      time.Now,
	}
}

func short(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// skip reports why scan is left alone, or "".
func (p *Processor) skip(ctx context.Context, scan *message.ScanResult) (string, error) {
	if !scan.CanProcess() {
		return "not processable", nil
	}
	done, err := p.manifest.IsProcessed(ctx, scan.Gmail.ID())
	if err != nil {
		return "", errors.Wrap(err, "checking manifest")
	}
	if done {
		return "already processed", nil
	}
	return "", nil
}

// Process strips every eligible message in results.  In a dry run
// nothing is changed and BytesSaved is an estimate.  A failed message
// does not stop the batch; cancellation does, returning what was done
// so far.
func (p *Processor) Process(ctx context.Context, results []*message.ScanResult, dryRun bool, progress Progress) (*Result, error) {
	start := p.now()
	res := &Result{Total: len(results), DryRun: dryRun}
	p.log.Info().Int("emails", len(results)).Bool("dry_run", dryRun).Msg("batch started")
	if progress == nil {
		progress = func(int, int, string) {}
	}
	totalSteps := len(results) * stepsPerEmail
	if dryRun {
		totalSteps = len(results)
	}

	if !dryRun && len(results) > 0 {
		if err := mailbox.SelectWritable(ctx, p.mb, mailbox.AllMail); err != nil {
			return res, errors.Wrap(err, "selecting All Mail")
		}
	}

	for i, scan := range results {
		if err := ctx.Err(); err != nil {
			res.Duration = p.now().Sub(start)
			return res, err
		}
		subject := short(scan.Header.Subject, 30)
		log := p.log.With().Uint32("uid", scan.Header.UID).Str("email_id", scan.Gmail.ID()).Logger()

		why, err := p.skip(ctx, scan)
		if err != nil {
			return res, err
		}
		if why != "" {
			res.Skipped++
			log.Debug().Str("reason", why).Msg("skipped")
			if dryRun {
				progress(i+1, totalSteps, "[DRY RUN] Skipped: "+subject)
			} else {
				progress((i+1)*stepsPerEmail, totalSteps, "Skipped: "+subject)
			}
			continue
		}

		if dryRun {
			progress(i+1, totalSteps, "[DRY RUN] Analyzing: "+subject)
			res.Successful++
			res.BytesSaved += scan.StrippableSize()
			continue
		}

		step := func(n int, what string) {
			progress(i*stepsPerEmail+n, totalSteps, what+": "+subject)
		}
		saved, err := p.processOne(ctx, scan, step)
		if err != nil {
			res.addError(scan, err)
			log.Error().Err(err).Msg("processing failed")
		} else {
			res.Successful++
			res.BytesSaved += saved
			log.Info().Int64("saved", saved).Msg("processed")
		}

		c := persist.Checkpoint{
			LastUID:    scan.Header.UID,
			Processed:  i + 1,
			Successful: res.Successful,
			Failed:     res.Failed,
			Skipped:    res.Skipped,
			BytesSaved: res.BytesSaved,
		}
		if err := p.manifest.SaveCheckpoint(ctx, c); err != nil {
			log.Warn().Err(err).Msg("could not save checkpoint")
		}
	}

	if !dryRun {
		if err := p.manifest.ClearCheckpoints(ctx); err != nil {
			p.log.Warn().Err(err).Msg("could not clear checkpoints")
		}
	}
	res.Duration = p.now().Sub(start)
	p.log.Info().
		Int("successful", res.Successful).
		Int("failed", res.Failed).
		Int("skipped", res.Skipped).
		Int64("bytes_saved", res.BytesSaved).
		Dur("duration", res.Duration).
		Msg("batch finished")
	return res, nil
}

// processOne runs one message through the pipeline and returns the
// bytes it freed.
func (p *Processor) processOne(ctx context.Context, scan *message.ScanResult, step func(int, string)) (int64, error) {
	id := scan.Gmail.ID()

	step(1, "Extracting")
	ext := p.ex.ExtractEmail(ctx, scan)
	if !ext.Success() {
		err := errors.Errorf("extraction failed: %s", strings.Join(ext.Errors, "; "))
		p.recordFailure(ctx, scan, ext.Saved, err)
		return 0, err
	}

	step(2, "Backing up")
	if err := p.manifest.RecordExtraction(ctx, scan, ext.Saved, persist.StatusExtracted); err != nil {
		return 0, errors.Wrap(err, "recording extraction")
	}

	step(3, "Rebuilding")
	rr, err := p.rp.Replace(ctx, scan, ext)
	if err == nil && !rr.Success {
		err = errors.New(rr.Error)
	}

	step(4, "Finalizing")
	if err != nil {
		if uerr := p.manifest.UpdateStatus(ctx, id, persist.StatusFailed, persist.Update{Error: err.Error()}); uerr != nil {
			p.log.Error().Err(uerr).Str("email_id", id).Msg("could not record failure")
		}
		return 0, err
	}

	u := persist.Update{
		StrippedSize:      rr.NewSize,
		StrippedUID:       rr.NewUID,
		OriginalMessageID: scan.Header.MessageID,
		ThreadID:          scan.Gmail.ThreadID,
	}
	if err := p.manifest.UpdateStatus(ctx, id, persist.StatusCompleted, u); err != nil {
		// The mailbox has already changed; the transaction log
		// still shows the replacement as completed.
		return 0, errors.Wrapf(err, "recording completion of txn %s", rr.TxnID)
	}
	return rr.SizeSaved(), nil
}

// recordFailure keeps whatever was backed up before extraction failed
// traceable from the manifest.
func (p *Processor) recordFailure(ctx context.Context, scan *message.ScanResult, saved []message.SavedAttachment, cause error) {
	id := scan.Gmail.ID()
	err := p.manifest.RecordExtraction(ctx, scan, saved, persist.StatusFailed)
	if err == nil {
		err = p.manifest.UpdateStatus(ctx, id, persist.StatusFailed, persist.Update{Error: cause.Error()})
	}
	if err != nil {
		p.log.Error().Err(err).Str("email_id", id).Msg("could not record failure")
	}
}

// Preview summarizes what Process would do with results.
type Preview struct {
	scanner.Statistics

	// Processable messages the manifest already has as completed.
	AlreadyProcessed int

	// Mailbox space the remaining messages would free.
	EstimatedSavings int64
}

func (p *Processor) Preview(ctx context.Context, results []*message.ScanResult) (*Preview, error) {
	pv := &Preview{Statistics: scanner.GenerateStatistics(results)}
	for _, scan := range results {
		if !scan.CanProcess() {
			continue
		}
		done, err := p.manifest.IsProcessed(ctx, scan.Gmail.ID())
		if err != nil {
			return nil, errors.Wrap(err, "checking manifest")
		}
		if done {
			pv.AlreadyProcessed++
			continue
		}
		pv.EstimatedSavings += scan.StrippableSize()
	}
	return pv, nil
}
