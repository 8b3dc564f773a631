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

// Package extract downloads the strippable attachments of a message
// part by part and hands them to backup storage.
package extract

import (
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/textproto"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/mwilczynska/gmail-clean-and-backup/internal/mailbox"
	msg "github.com/mwilczynska/gmail-clean-and-backup/internal/message"
)

// Store is where extracted attachments go.  *backup.Storage is one.
type Store interface {
	Path(h msg.EmailHeader, filename, contentType string, labels []string) (string, error)
	Save(data []byte, p, originalFilename, contentType string) (msg.SavedAttachment, error)
}

type Extractor struct {
	mb    mailbox.Mailbox
	store Store
	log   zerolog.Logger
}

func New(mb mailbox.Mailbox, store Store, log zerolog.Logger) *Extractor {
	return &Extractor{
		mb:    mb,
		store: store,
		log:   log.With().Str("component", "extract").Logger(),
	}
}

// Progress is called before each message of a batch.
type Progress func(done, total int, subject string)

// ExtractEmail saves every strippable attachment of the message
// described by scan, which must be in the selected folder.  A failed
// attachment is recorded in the result and the others are still
// tried.
func (e *Extractor) ExtractEmail(ctx context.Context, scan *msg.ScanResult) *msg.ExtractionResult {
	res := &msg.ExtractionResult{
		UID:     scan.Header.UID,
		EmailID: scan.Gmail.ID(),
	}
	log := e.log.With().Uint32("uid", res.UID).Str("email_id", res.EmailID).Logger()
	for _, a := range scan.Strippable() {
		saved, err := e.extract(ctx, scan, a)
		if err != nil {
			m := "failed to extract " + a.Filename + ": " + err.Error()
			res.Errors = append(res.Errors, m)
			log.Warn().Err(err).Str("filename", a.Filename).Str("part", a.PartNumber).Msg("extraction failed")
			continue
		}
		res.Saved = append(res.Saved, saved)
		res.TotalBytes += saved.Size
		log.Debug().Str("filename", a.Filename).Str("size", a.SizeHuman()).Str("path", saved.Path).Msg("extracted attachment")
	}
	return res
}

// ExtractBatch extracts the messages in order.  It stops early only
// when ctx is done.
func (e *Extractor) ExtractBatch(ctx context.Context, scans []*msg.ScanResult, progress Progress) ([]*msg.ExtractionResult, error) {
	var out []*msg.ExtractionResult
	for i, s := range scans {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if progress != nil {
			progress(i+1, len(scans), s.Header.Subject)
		}
		out = append(out, e.ExtractEmail(ctx, s))
	}
	return out, nil
}

func (e *Extractor) extract(ctx context.Context, scan *msg.ScanResult, a msg.Attachment) (msg.SavedAttachment, error) {
	raw, err := e.FetchPart(ctx, scan.Header.UID, a.PartNumber)
	if err != nil {
		return msg.SavedAttachment{}, err
	}
	data, err := DecodeContent(raw, a.Encoding)
	if message.IsUnknownEncoding(err) {
		e.log.Warn().Str("encoding", a.Encoding).Str("part", a.PartNumber).Msg("unknown transfer encoding, saving as is")
	} else if err != nil {
		return msg.SavedAttachment{}, errors.Wrapf(err, "decoding part %s", a.PartNumber)
	}
	p, err := e.store.Path(scan.Header, a.Filename, a.ContentType, scan.Gmail.Labels)
	if err != nil {
		return msg.SavedAttachment{}, err
	}
	return e.store.Save(data, p, a.Filename, a.ContentType)
}

// FetchPart returns the still encoded body of one part.
func (e *Extractor) FetchPart(ctx context.Context, uid uint32, part string) ([]byte, error) {
	r, err := e.mb.Fetch(ctx, uid, mailbox.PartItem(part))
	if err != nil {
		return nil, errors.Wrapf(err, "fetching part %s", part)
	}
	b, ok := r.Section(part)
	if !ok || len(b) == 0 {
		return nil, errors.Errorf("empty data for part %s", part)
	}
	return b, nil
}

// DecodeContent removes a Content-Transfer-Encoding.  Base64 may
// contain line breaks and other white space.  For an unknown encoding
// the data is returned unchanged together with an error for which
// message.IsUnknownEncoding is true.
func DecodeContent(data []byte, encoding string) ([]byte, error) {
	var h textproto.Header
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Content-Transfer-Encoding", strings.TrimSpace(encoding))
	ent, encErr := message.New(message.Header{Header: h}, bytes.NewReader(data))
	if encErr != nil {
		return data, encErr
	}
	b, err := io.ReadAll(ent.Body)
	if err != nil {
		return nil, err
	}
	return b, nil
}
