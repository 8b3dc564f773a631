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

// Package message holds the data objects shared by the scanner,
// extractor, replacer and reverter.  Everything here is derived from a
// live IMAP session and rebuilt on every run.
package message

import (
	"strconv"
	"strings"
	"time"

	"github.com/mwilczynska/gmail-clean-and-backup/internal/units"
)

// GmailMetadata holds the Gmail IMAP extension attributes of a message.
type GmailMetadata struct {
	// X-GM-MSGID.  Unlike the UID this is stable across folder
	// moves and copies, so it is the identity anchor used by the
	// manifest.
	MessageID uint64

	// X-GM-THRID.
	ThreadID uint64

	// X-GM-LABELS, decoded from modified UTF-7.  Order carries no
	// meaning.
	Labels []string
}

// ID returns the Gmail message ID in the decimal form used as the
// manifest key.
func (g GmailMetadata) ID() string {
	return strconv.FormatUint(g.MessageID, 10)
}

// ThreadIDString returns the thread ID in decimal form.
func (g GmailMetadata) ThreadIDString() string {
	return strconv.FormatUint(g.ThreadID, 10)
}

// EmailHeader is the snapshot of a message's RFC 5322 header taken at
// scan time.
type EmailHeader struct {
	UID            uint32
	MessageID      string
	Subject        string
	Sender         string
	Recipients     []string
	Date           time.Time
	Size           int64
	HasAttachments bool
	InReplyTo      string
	References     []string
}

type Disposition string

const (
	DispositionAttachment Disposition = "attachment"
	DispositionInline     Disposition = "inline"
)

// Attachment describes one attachment found in a BODYSTRUCTURE.
type Attachment struct {
	Filename    string
	ContentType string
	Size        int64
	Disposition Disposition

	// Dotted IMAP section number, e.g. "2" or "1.3".  Reused
	// verbatim in BODY[<section>] fetches.
	PartNumber string

	// Content-ID without the angle brackets, if any.
	ContentID string

	// Content-Transfer-Encoding, upper case.
	Encoding string
}

func (a Attachment) IsInline() bool {
	return a.Disposition == DispositionInline
}

func (a Attachment) SizeHuman() string {
	return units.HumanSize(a.Size)
}

func (a Attachment) String() string {
	return a.Filename + " (" + a.ContentType + ", " + a.SizeHuman() + ")"
}

// ScanResult is everything the scanner learned about one message
// without downloading its body.
type ScanResult struct {
	Header      EmailHeader
	Gmail       GmailMetadata
	Attachments []Attachment
	Encrypted   bool

	// Maximum MIME nesting depth.
	Complexity int
}

// Strippable returns the attachments that may be removed, which are
// all non-inline attachments.
func (r *ScanResult) Strippable() []Attachment {
	var out []Attachment
	for _, a := range r.Attachments {
		if !a.IsInline() {
			out = append(out, a)
		}
	}
	return out
}

func (r *ScanResult) StrippableSize() int64 {
	var n int64
	for _, a := range r.Strippable() {
		n += a.Size
	}
	return n
}

// CanProcess reports whether the message is a candidate for stripping.
func (r *ScanResult) CanProcess() bool {
	return !r.Encrypted && len(r.Strippable()) > 0
}

// InlineOnly reports whether the message has attachments but none of
// them can be stripped.
func (r *ScanResult) InlineOnly() bool {
	return len(r.Attachments) > 0 && len(r.Strippable()) == 0
}

// SavedAttachment is the durable proof that an attachment's content
// has been written to backup storage.
type SavedAttachment struct {
	OriginalFilename string `json:"filename"`

	// Path relative to the backup root.
	Path        string `json:"backup_path"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`

	// "sha256:" followed by the hex digest.
	Hash string `json:"hash"`
}

// ExtractionResult collects the outcome of extracting every strippable
// attachment of one message.
type ExtractionResult struct {
	UID        uint32
	EmailID    string
	Saved      []SavedAttachment
	Errors     []string
	TotalBytes int64
}

// Success is true only if no attachment failed.
func (r *ExtractionResult) Success() bool {
	return len(r.Errors) == 0
}

// ReplaceResult records one replacement attempt.  Phase is the last
// phase that completed, which is what partial failures are diagnosed
// from.
type ReplaceResult struct {
	TxnID         string
	Success       bool
	OriginalUID   uint32
	NewUID        uint32
	OriginalSize  int64
	NewSize       int64
	LabelsApplied []string
	Phase         string
	Error         string

	// Set when a failed replacement's upload was moved to Trash.
	RolledBack bool
}

func (r *ReplaceResult) SizeSaved() int64 {
	if r.NewSize == 0 || r.NewSize > r.OriginalSize {
		return 0
	}
	return r.OriginalSize - r.NewSize
}

// IsSystemLabel reports whether a Gmail label is managed by the server
// and so cannot be applied directly.
func IsSystemLabel(label string) bool {
	if strings.HasPrefix(label, `\`) {
		return true
	}
	u := strings.ToUpper(label)
	for _, p := range []string{"INBOX", "SENT", "DRAFT", "SPAM", "TRASH"} {
		if strings.HasPrefix(u, p) {
			return true
		}
	}
	return false
}

// UserLabels filters out system labels.
func UserLabels(labels []string) []string {
	var out []string
	for _, l := range labels {
		if !IsSystemLabel(l) {
			out = append(out, l)
		}
	}
	return out
}
