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

package extract

import (
	"context"
	"encoding/base64"
	"os"
	"strings"
	"testing"

	"github.com/emersion/go-message"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwilczynska/gmail-clean-and-backup/internal/backup"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/mailbox"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/mailbox/memory"
	msg "github.com/mwilczynska/gmail-clean-and-backup/internal/message"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/scanner"
)

const pdfB64 = "JVBERi0xLjQKJcfsj6IKNSAwIG9iago="

var twoAttachments = strings.ReplaceAll(`Message-ID: <x1@example.com>
Date: Tue, 02 Jan 2024 10:00:00 +0000
From: Alice <alice@example.com>
Subject: Papers
Content-Type: multipart/mixed; boundary="b"

--b
Content-Type: text/plain

Hello
--b
Content-Type: application/pdf; name="document.pdf"
Content-Disposition: attachment; filename="document.pdf"
Content-Transfer-Encoding: base64

JVBERi0xLjQK
Jcfsj6IKNSAw
IG9iago=
--b
Content-Type: text/csv; name="data.csv"
Content-Disposition: attachment; filename="data.csv"
Content-Transfer-Encoding: quoted-printable

a,b=0A1,2
--b--
`, "\n", "\r\n")

func setup(t *testing.T, raw string) (*Extractor, *backup.Storage, *msg.ScanResult) {
	t.Helper()
	ctx := context.Background()
	m := memory.New()
	uid := m.Add([]byte(raw), mailbox.LabelInbox, "Receipts")
	_, err := m.SelectFolder(ctx, mailbox.AllMail, true)
	require.NoError(t, err)
	scan, err := scanner.New(m, zerolog.Nop()).ScanEmail(ctx, uid)
	require.NoError(t, err)
	store, err := backup.New(t.TempDir(), backup.ByLabel, zerolog.Nop())
	require.NoError(t, err)
	return New(m, store, zerolog.Nop()), store, scan
}

func TestExtractEmail(t *testing.T) {
	e, store, scan := setup(t, twoAttachments)
	require.Len(t, scan.Strippable(), 2)

	res := e.ExtractEmail(context.Background(), scan)
	require.True(t, res.Success(), "errors: %v", res.Errors)
	require.Len(t, res.Saved, 2)
	assert.Equal(t, scan.Gmail.ID(), res.EmailID)

	pdf, _ := base64.StdEncoding.DecodeString(pdfB64)
	want := map[string]string{
		"Receipts/Papers/document.pdf": string(pdf),
		"Receipts/Papers/data.csv":     "a,b\n1,2",
	}
	var total int64
	for _, s := range res.Saved {
		got, err := os.ReadFile(store.Abs(s.Path))
		require.NoError(t, err)
		assert.Equal(t, want[s.Path], string(got), s.Path)
		assert.Equal(t, backup.Hash(got), s.Hash)

		ok, err := store.Verify(s)
		require.NoError(t, err)
		assert.True(t, ok, "%s does not verify", s.Path)
		total += s.Size
	}
	assert.Equal(t, total, res.TotalBytes)
}

func TestExtractContinuesAfterFailure(t *testing.T) {
	e, _, scan := setup(t, twoAttachments)
	scan.Attachments[0].PartNumber = "9"

	res := e.ExtractEmail(context.Background(), scan)
	assert.False(t, res.Success())
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "document.pdf")
	require.Len(t, res.Saved, 1)
	assert.Equal(t, "data.csv", res.Saved[0].OriginalFilename)
}

func TestExtractBatch(t *testing.T) {
	e, _, scan := setup(t, twoAttachments)
	var calls int
	out, err := e.ExtractBatch(context.Background(), []*msg.ScanResult{scan}, func(done, total int, subject string) {
		calls++
		assert.Equal(t, "Papers", subject)
	})
	require.NoError(t, err)
	assert.Len(t, out, 1)
	assert.Equal(t, 1, calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err = e.ExtractBatch(ctx, []*msg.ScanResult{scan}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, out)
}

func TestDecodeContent(t *testing.T) {
	cases := []struct {
		in, enc, want string
	}{
		{"SGVs\r\n bG8=\r\n", "BASE64", "Hello"},
		{"SGVsbG8=", "base64", "Hello"},
		{"caf=C3=A9=\r\n!", "quoted-printable", "café!"},
		{"plain", "7BIT", "plain"},
		{"plain", "8bit", "plain"},
		{"\x00\x01", "binary", "\x00\x01"},
		{"plain", "", "plain"},
	}
	for _, tc := range cases {
		got, err := DecodeContent([]byte(tc.in), tc.enc)
		if err != nil || string(got) != tc.want {
			t.Errorf("DecodeContent(%q, %q) = %q, %v, want %q", tc.in, tc.enc, got, err, tc.want)
		}
	}
}

func TestDecodeUnknownEncoding(t *testing.T) {
	got, err := DecodeContent([]byte("begin 644 x"), "x-uuencode")
	if !message.IsUnknownEncoding(err) {
		t.Errorf("DecodeContent() error = %v, want unknown encoding", err)
	}
	if string(got) != "begin 644 x" {
		t.Errorf("DecodeContent() = %q, want input unchanged", got)
	}
}
