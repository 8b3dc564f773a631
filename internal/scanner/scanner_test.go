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

package scanner

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwilczynska/gmail-clean-and-backup/internal/mailbox"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/mailbox/memory"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/message"
)

func crlf(s string) string {
	return strings.ReplaceAll(s, "\n", "\r\n")
}

var report = crlf(`Message-ID: <r1@example.com>
Date: Tue, 02 Jan 2024 10:00:00 +0000
From: =?UTF-8?Q?Zo=C3=AB?= <zoe@example.com>
To: bob@example.com, "Carol" <carol@example.com>
Cc: dave@example.com
Subject: =?UTF-8?B?UXVhcnRlcmx5IHLDqXN1bcOp?=
In-Reply-To: <p1@example.com>
References: <f1@example.com>
 <p1@example.com>
Content-Type: multipart/mixed; boundary="b"

--b
Content-Type: text/plain

Hello
--b
Content-Type: application/pdf; name="document.pdf"
Content-Disposition: attachment; filename="document.pdf"
Content-Transfer-Encoding: base64

JVBERi0xLjQKJcfsj6IKNSAwIG9iago=
--b--
`)

var smime = crlf(`Message-ID: <s1@example.com>
From: sec@example.com
Subject: secret
Content-Type: application/pkcs7-mime; smime-type=enveloped-data; name="smime.p7m"
Content-Disposition: attachment; filename="smime.p7m"
Content-Transfer-Encoding: base64

MIAGCSqGSIb3DQEHA6CAMIACAQAxggFA
`)

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T, raws ...string) (*Scanner, *memory.Mailbox, []uint32) {
	t.Helper()
	m := memory.New()
	var uids []uint32
	for _, r := range raws {
		uids = append(uids, m.Add([]byte(r), mailbox.LabelInbox, "Reports"))
	}
	_, err := m.SelectFolder(context.Background(), mailbox.AllMail, true)
	require.NoError(t, err)
	s := New(m, zerolog.Nop())
	s.now = func() time.Time { return fixedNow }
	return s, m, uids
}

func TestScanEmail(t *testing.T) {
	s, _, uids := setup(t, report)
	r, err := s.ScanEmail(context.Background(), uids[0])
	require.NoError(t, err)

	want := message.EmailHeader{
		UID:            uids[0],
		MessageID:      "<r1@example.com>",
		Subject:        "Quarterly résumé",
		Sender:         "Zoë <zoe@example.com>",
		Recipients:     []string{"bob@example.com", "carol@example.com", "dave@example.com"},
		Date:           time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC),
		Size:           int64(len(report)),
		HasAttachments: true,
		InReplyTo:      "<p1@example.com>",
		References:     []string{"<f1@example.com>", "<p1@example.com>"},
	}
	if diff := cmp.Diff(want, r.Header, cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) })); diff != "" {
		t.Errorf("Header mismatch (-want +got):\n%s", diff)
	}
	require.Len(t, r.Attachments, 1)
	assert.Equal(t, "document.pdf", r.Attachments[0].Filename)
	assert.Equal(t, "2", r.Attachments[0].PartNumber)
	assert.True(t, r.CanProcess())
	assert.Equal(t, 2, r.Complexity)
	assert.ElementsMatch(t, []string{`\Inbox`, "Reports"}, r.Gmail.Labels)
	assert.NotZero(t, r.Gmail.MessageID)
}

func TestRescanIsIdentical(t *testing.T) {
	s, _, uids := setup(t, report)
	a, err := s.ScanEmail(context.Background(), uids[0])
	require.NoError(t, err)
	b, err := s.ScanEmail(context.Background(), uids[0])
	require.NoError(t, err)
	if diff := cmp.Diff(a.Attachments, b.Attachments); diff != "" {
		t.Errorf("rescan attachments mismatch (-first +second):\n%s", diff)
	}
	assert.Equal(t, a.Header.Size, b.Header.Size)
}

func TestEncryptedCannotBeProcessed(t *testing.T) {
	s, _, uids := setup(t, smime)
	r, err := s.ScanEmail(context.Background(), uids[0])
	require.NoError(t, err)
	assert.True(t, r.Encrypted)
	assert.False(t, r.CanProcess())
}

func TestHeaderDefaults(t *testing.T) {
	s, _, uids := setup(t, crlf("X-Mailer: none\nDate: not a date\n\nbody\n"))
	r, err := s.ScanEmail(context.Background(), uids[0])
	require.NoError(t, err)
	assert.Equal(t, NoSubject, r.Header.Subject)
	assert.Equal(t, UnknownSender, r.Header.Sender)
	assert.Equal(t, fixedNow, r.Header.Date)
	assert.Empty(t, r.Header.Recipients)
	assert.False(t, r.Header.HasAttachments)
}

func TestScanBatchSkipsFailures(t *testing.T) {
	s, m, uids := setup(t, report, smime, report)
	m.Fail = func(op string, uid uint32) error {
		if op == "FETCH" && uid == uids[1] {
			return &mailbox.ProtocolError{Op: op, Err: errors.New("NO broken")}
		}
		return nil
	}
	var seen []uint32
	var failed int
	got, err := s.ScanBatch(context.Background(), uids, func(done, total int, uid uint32, err error) {
		assert.Equal(t, 3, total)
		seen = append(seen, uid)
		if err != nil {
			failed++
		}
	})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, uids, seen)
	assert.Equal(t, 1, failed)
}

func TestScanBatchCancelled(t *testing.T) {
	s, _, uids := setup(t, report)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got, err := s.ScanBatch(ctx, uids, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, got)
}

func attachment(name, ct string, size int64, disp message.Disposition) message.Attachment {
	return message.Attachment{Filename: name, ContentType: ct, Size: size, Disposition: disp, Encoding: "BASE64"}
}

func TestGenerateStatistics(t *testing.T) {
	d2023 := time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC)
	d2024 := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	results := []*message.ScanResult{
		{
			Header: message.EmailHeader{Sender: "Alice <alice@Example.com>", Date: d2023},
			Attachments: []message.Attachment{
				attachment("a.pdf", "application/pdf", 4000, message.DispositionAttachment),
				attachment("logo.png", "image/png", 100, message.DispositionInline),
			},
		},
		{
			Header:      message.EmailHeader{Sender: "bob@other.org", Date: d2024},
			Attachments: []message.Attachment{attachment("b.pdf", "application/pdf", 8000, message.DispositionAttachment)},
		},
		{
			Header:      message.EmailHeader{Sender: "carol@example.com", Date: d2024},
			Attachments: []message.Attachment{attachment("c.png", "image/png", 50, message.DispositionInline)},
		},
		{
			Header:      message.EmailHeader{Sender: "dan@example.com", Date: d2024},
			Attachments: []message.Attachment{attachment("smime.p7m", "application/pkcs7-mime", 900, message.DispositionAttachment)},
			Encrypted:   true,
		},
		{Header: message.EmailHeader{Sender: "eve@example.com", Date: d2024}},
	}
	got := GenerateStatistics(results)
	want := Statistics{
		TotalEmails:          5,
		WithAttachments:      4,
		NoAttachments:        1,
		Processable:          2,
		EncryptedSkipped:     1,
		InlineOnlySkipped:    1,
		TotalAttachments:     2,
		TotalAttachmentBytes: 12000,
		EstimatedBackupBytes: 9000,
		ByContentType:        map[string]int{"application/pdf": 2},
		ByYear:               map[int]int{2023: 1, 2024: 1},
		BySenderDomain:       map[string]int{"example.com": 1, "other.org": 1},
		TopSenders: []SenderCount{
			{Sender: "bob@other.org", Emails: 1, Bytes: 8000},
			{Sender: "alice@example.com", Emails: 1, Bytes: 4000},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("GenerateStatistics() mismatch (-want +got):\n%s", diff)
	}
	if got.EstimatedSavings() != 12000 {
		t.Errorf("EstimatedSavings() = %d, want 12000", got.EstimatedSavings())
	}
}
