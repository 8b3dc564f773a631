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

// Package scanner finds messages with attachments and describes them
// from their headers and BODYSTRUCTURE, without downloading bodies.
package scanner

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

	"github.com/mwilczynska/gmail-clean-and-backup/internal/bodystructure"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/mailbox"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/message"
)

const (
	NoSubject     = "(No Subject)"
	UnknownSender = "(Unknown)"
)

// scanItems is everything ScanEmail needs, fetched in one command.
var scanItems = []mailbox.FetchItem{
	mailbox.ItemHeader,
	mailbox.ItemBodyStructure,
	mailbox.ItemGmailMsgID,
	mailbox.ItemGmailThreadID,
	mailbox.ItemGmailLabels,
	mailbox.ItemSize,
}

// Progress is called after each message of a batch.  err is the scan
// error for uid, if any.
type Progress func(done, total int, uid uint32, err error)

type Scanner struct {
	mb  mailbox.Mailbox
	log zerolog.Logger
	now func() time.Time
}

func New(mb mailbox.Mailbox, log zerolog.Logger) *Scanner {
	return &Scanner{
		mb:  mb,
		log: log.With().Str("component", "scanner").Logger(),
		now: time.Now,
	}
}

// Search returns the UIDs matching c in the selected folder.
func (s *Scanner) Search(ctx context.Context, c mailbox.Criteria) ([]uint32, error) {
	return s.mb.Search(ctx, c)
}

// ScanEmail describes one message of the selected folder.
func (s *Scanner) ScanEmail(ctx context.Context, uid uint32) (*message.ScanResult, error) {
	r, err := s.mb.Fetch(ctx, uid, scanItems...)
	if err != nil {
		return nil, errors.Wrapf(err, "scanning uid %d", uid)
	}
	res := &message.ScanResult{
		Header: s.parseHeader(uid, r.Header, r.Size),
		Gmail: message.GmailMetadata{
			MessageID: r.GmailMsgID,
			ThreadID:  r.GmailThreadID,
			Labels:    r.Labels,
		},
		Complexity: 1,
	}
	if r.BodyStructure != nil {
		a := bodystructure.Analyze(r.BodyStructure)
		res.Attachments = a.Attachments
		res.Encrypted = a.Encrypted
		res.Complexity = a.Depth
	}
	res.Header.HasAttachments = len(res.Attachments) > 0
	return res, nil
}

// ScanBatch scans uids in order.  A message that cannot be scanned is
// logged and left out; only cancellation stops the batch.
func (s *Scanner) ScanBatch(ctx context.Context, uids []uint32, progress Progress) ([]*message.ScanResult, error) {
	var out []*message.ScanResult
	for i, uid := range uids {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		r, err := s.ScanEmail(ctx, uid)
		if err != nil {
			s.log.Warn().Err(err).Uint32("uid", uid).Msg("skipping message")
		} else {
			out = append(out, r)
		}
		if progress != nil {
			progress(i+1, len(uids), uid, err)
		}
	}
	return out, nil
}

// parseHeader decodes the header block.  Missing or malformed fields
// get defaults instead of failing the scan.
func (s *Scanner) parseHeader(uid uint32, raw []byte, size int64) message.EmailHeader {
	eh := message.EmailHeader{
		UID:     uid,
		Subject: NoSubject,
		Sender:  UnknownSender,
		Date:    s.now(),
		Size:    size,
	}
	th, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil && th.Len() == 0 {
		s.log.Debug().Err(err).Uint32("uid", uid).Msg("unreadable header")
		return eh
	}
	var h mail.Header
	h.Header.Header = th

	eh.MessageID = strings.TrimSpace(h.Get("Message-Id"))
	eh.InReplyTo = strings.TrimSpace(h.Get("In-Reply-To"))
	eh.References = strings.Fields(h.Get("References"))
	if v := text(h, "Subject"); v != "" {
		eh.Subject = v
	}
	if v := text(h, "From"); v != "" {
		eh.Sender = v
	}
	if d, err := h.Date(); err == nil && !d.IsZero() {
		eh.Date = d
	}
	for _, k := range []string{"To", "Cc"} {
		eh.Recipients = append(eh.Recipients, addresses(h, k)...)
	}
	return eh
}

// text decodes RFC 2047 words, falling back to the raw value.
func text(h mail.Header, key string) string {
	v, err := h.Text(key)
	if err != nil {
		v = h.Get(key)
	}
	return strings.TrimSpace(v)
}

func addresses(h mail.Header, key string) []string {
	if h.Get(key) == "" {
		return nil
	}
	list, err := h.AddressList(key)
	if err == nil {
		out := make([]string, 0, len(list))
		for _, a := range list {
			out = append(out, a.Address)
		}
		return out
	}
	// Tolerate one bad address in a list.
	var out []string
	for _, f := range strings.Split(h.Get(key), ",") {
		if a, err := mail.ParseAddress(strings.TrimSpace(f)); err == nil {
			out = append(out, a.Address)
		}
	}
	return out
}
