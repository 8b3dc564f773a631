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
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwilczynska/gmail-clean-and-backup/internal/backup"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/extract"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/mailbox"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/mailbox/memory"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/message"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/reconstruct"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/scanner"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/txlog"
)

func crlf(s string) string {
	return strings.ReplaceAll(s, "\n", "\r\n")
}

var pdfData = strings.Repeat("%PDF-1.4 lorem ipsum ", 200)

func wrapped(data string) string {
	enc := base64.StdEncoding.EncodeToString([]byte(data))
	var lines []string
	for len(enc) > 76 {
		lines = append(lines, enc[:76])
		enc = enc[76:]
	}
	return strings.Join(append(lines, enc), "\n")
}

func withPDF(headers string) string {
	return crlf(headers + `Date: Tue, 2 Jan 2024 10:00:00 +0000
From: Alice <alice@example.com>
To: bob@example.com
Subject: Invoice
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary="b"

--b
Content-Type: text/plain; charset=utf-8

Hello
--b
Content-Type: application/pdf; name="document.pdf"
Content-Disposition: attachment; filename="document.pdf"
Content-Transfer-Encoding: base64

` + wrapped(pdfData) + `
--b--
`)
}

var original = withPDF("Message-ID: <inv1@example.com>\n")

type fixture struct {
	m     *memory.Mailbox
	tx    *txlog.Log
	store *backup.Storage
	r     *Replacer
	uid   uint32
	scan  *message.ScanResult
	ext   *message.ExtractionResult
}

func setup(t *testing.T, raw string, cfg func(*fixture) Config) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{m: memory.New()}
	f.uid = f.m.Add([]byte(raw), mailbox.LabelInbox, "Receipts")
	_, err := f.m.SelectFolder(ctx, mailbox.AllMail, false)
	require.NoError(t, err)

	dir := t.TempDir()
	f.store, err = backup.New(filepath.Join(dir, "backup"), backup.ByDate, zerolog.Nop())
	require.NoError(t, err)
	f.tx, err = txlog.Open(filepath.Join(dir, "transactions.jsonl"), zerolog.Nop())
	require.NoError(t, err)

	f.scan, err = scanner.New(f.m, zerolog.Nop()).ScanEmail(ctx, f.uid)
	require.NoError(t, err)
	f.ext = extract.New(f.m, f.store, zerolog.Nop()).ExtractEmail(ctx, f.scan)
	require.True(t, f.ext.Success(), "extraction errors: %v", f.ext.Errors)

	opts := reconstruct.DefaultOptions()
	opts.Now = func() time.Time { return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC) }
	rc, err := reconstruct.New(opts, zerolog.Nop())
	require.NoError(t, err)
	var c Config
	if cfg != nil {
		c = cfg(f)
	}
	f.r = New(f.m, f.tx, rc, c, zerolog.Nop())
	return f
}

func (f *fixture) steps(t *testing.T, txn string) []txlog.Status {
	t.Helper()
	st, ok, err := f.tx.State(txn)
	require.NoError(t, err)
	require.True(t, ok)
	return st.Steps
}

func TestReplace(t *testing.T) {
	f := setup(t, original, nil)
	res, err := f.r.Replace(context.Background(), f.scan, f.ext)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "completed", res.Phase)
	assert.Equal(t, f.uid, res.OriginalUID)
	assert.NotEqual(t, f.uid, res.NewUID)
	assert.Equal(t, []string{"Receipts"}, res.LabelsApplied)
	assert.Positive(t, res.SizeSaved())

	all := f.m.Messages(mailbox.AllMail)
	require.Len(t, all, 1)
	got := all[0]
	assert.Equal(t, res.NewUID, got.UID)
	assert.Contains(t, got.Labels, "Receipts")
	assert.Contains(t, string(got.Raw), "Hello")
	assert.Contains(t, string(got.Raw), "document.pdf")
	assert.NotContains(t, string(got.Raw), wrapped(pdfData)[:76])

	trash := f.m.Messages(mailbox.Trash)
	require.Len(t, trash, 1)
	assert.Equal(t, original, string(trash[0].Raw))

	assert.Equal(t, []txlog.Status{
		txlog.Started, txlog.Reconstructed, txlog.Uploaded, txlog.Verified,
		txlog.Labeled, txlog.Deleted, txlog.Completed,
	}, f.steps(t, res.TxnID))
}

func TestReplaceWithoutAppendUID(t *testing.T) {
	f := setup(t, original, nil)
	f.m.NoAppendUID = true
	res, err := f.r.Replace(context.Background(), f.scan, f.ext)
	require.NoError(t, err)
	all := f.m.Messages(mailbox.AllMail)
	require.Len(t, all, 1)
	assert.Equal(t, all[0].UID, res.NewUID)
}

func TestReplaceRefusesWithoutMessageID(t *testing.T) {
	f := setup(t, withPDF(""), nil)
	res, err := f.r.Replace(context.Background(), f.scan, f.ext)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing Message-ID")
	assert.False(t, res.Success)
	assert.Equal(t, "started", res.Phase)

	all := f.m.Messages(mailbox.AllMail)
	require.Len(t, all, 1)
	assert.Equal(t, f.uid, all[0].UID)
	assert.Equal(t, []txlog.Status{txlog.Started, txlog.Failed}, f.steps(t, res.TxnID))
}

func TestReplaceChecksBackups(t *testing.T) {
	f := setup(t, original, func(f *fixture) Config {
		return Config{Backups: f.store}
	})
	saved := f.ext.Saved[0]
	require.NoError(t, os.WriteFile(f.store.Abs(saved.Path), []byte("truncated"), 0600))

	res, err := f.r.Replace(context.Background(), f.scan, f.ext)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backup verification failed for document.pdf")
	assert.Equal(t, "reconstructed", res.Phase)
	assert.Len(t, f.m.Messages(mailbox.AllMail), 1)
	assert.Empty(t, f.m.Messages(mailbox.Trash))
}

type recordingArchive struct {
	raws  [][]byte
	froms []string
}

func (a *recordingArchive) Add(raw []byte, from string, now time.Time) (string, error) {
	a.raws = append(a.raws, raw)
	a.froms = append(a.froms, from)
	return "archive.mbox", nil
}

func TestReplaceArchivesOriginal(t *testing.T) {
	a := &recordingArchive{}
	f := setup(t, original, func(*fixture) Config { return Config{Archive: a} })
	res, err := f.r.Replace(context.Background(), f.scan, f.ext)
	require.NoError(t, err)
	require.Len(t, a.raws, 1)
	assert.Equal(t, original, string(a.raws[0]))
	assert.Equal(t, []string{"alice@example.com"}, a.froms)

	st, _, err := f.tx.State(res.TxnID)
	require.NoError(t, err)
	assert.Equal(t, "archive.mbox", st.Data.Archive)
}

// A failed verification leaves the original in place and moves the
// upload to Trash.
func TestReplaceFailsAfterUpload(t *testing.T) {
	f := setup(t, original, nil)
	uploaded := uint32(0)
	f.m.Fail = func(op string, uid uint32) error {
		if op == "FETCH" && uid != f.uid {
			uploaded = uid
			return &mailbox.ConnectionError{Op: op, Err: errors.New("connection reset by peer")}
		}
		return nil
	}
	res, err := f.r.Replace(context.Background(), f.scan, f.ext)
	require.Error(t, err)
	assert.True(t, mailbox.IsConnection(err))
	assert.Equal(t, "uploaded", res.Phase)
	assert.NotZero(t, uploaded)
	f.m.Fail = nil

	uids, err := f.m.Search(context.Background(), mailbox.Criteria{MessageID: "<inv1@example.com>"})
	require.NoError(t, err)
	assert.Contains(t, uids, f.uid)

	assert.True(t, res.RolledBack)
	all := f.m.Messages(mailbox.AllMail)
	require.Len(t, all, 1)
	assert.Equal(t, f.uid, all[0].UID)
	trash := f.m.Messages(mailbox.Trash)
	require.Len(t, trash, 1)
	assert.NotEqual(t, original, string(trash[0].Raw))
	assert.NotContains(t, trash[0].Labels, "Receipts")

	st, _, err := f.tx.State(res.TxnID)
	require.NoError(t, err)
	assert.Equal(t, txlog.Failed, st.Last)
	assert.Equal(t, "rolled back uploaded message", st.Data.Note)
	assert.Equal(t, uploaded, st.Data.NewUID)
}

// An upload that cannot be moved to Trash is reported on the failure.
func TestReplaceRollbackFails(t *testing.T) {
	f := setup(t, original, nil)
	f.m.Fail = func(op string, uid uint32) error {
		switch {
		case op == "FETCH" && uid != f.uid:
			return &mailbox.ProtocolError{Op: op, Err: errors.New("NO try again")}
		case op == "MOVE":
			return &mailbox.ConnectionError{Op: op, Err: errors.New("connection reset by peer")}
		}
		return nil
	}
	res, err := f.r.Replace(context.Background(), f.scan, f.ext)
	require.Error(t, err)
	assert.False(t, res.RolledBack)
	assert.Empty(t, f.m.Messages(mailbox.Trash))

	st, _, err := f.tx.State(res.TxnID)
	require.NoError(t, err)
	assert.Equal(t, txlog.Failed, st.Last)
	require.Len(t, st.Data.Warnings, 1)
	assert.Contains(t, st.Data.Warnings[0], "rollback failed")
}

// A replacement that would remove nothing is not uploaded.
func TestReplaceNothingRemoved(t *testing.T) {
	f := setup(t, original, nil)
	// Names a part the message does not have.
	scan := *f.scan
	scan.Attachments = []message.Attachment{{
		Filename:    "logo.png",
		ContentType: "image/png",
		Size:        3000,
		Disposition: message.DispositionAttachment,
		PartNumber:  "3",
	}}
	res, err := f.r.Replace(context.Background(), &scan, f.ext)
	require.Error(t, err)
	assert.True(t, errors.Is(err, reconstruct.ErrNothingRemoved), "Replace() = %v, want ErrNothingRemoved", err)
	assert.Equal(t, "started", res.Phase)
	assert.Zero(t, res.NewUID)

	all := f.m.Messages(mailbox.AllMail)
	require.Len(t, all, 1)
	assert.Equal(t, f.uid, all[0].UID)
	assert.Empty(t, f.m.Messages(mailbox.Trash))
}

func TestRecover(t *testing.T) {
	ctx := context.Background()
	f := setup(t, original, nil)

	// A process killed right after the upload was logged.
	stripped := []byte(withPDF("Message-ID: <inv1@example.com>\n"))
	newUID, err := f.m.Append(ctx, mailbox.AllMail, stripped, nil, time.Time{})
	require.NoError(t, err)
	up, err := f.tx.Begin("1", &txlog.Data{UID: f.uid})
	require.NoError(t, err)
	require.NoError(t, f.tx.Log(up, txlog.Reconstructed, nil))
	require.NoError(t, f.tx.Log(up, txlog.Uploaded, &txlog.Data{NewUID: newUID}))

	early, err := f.tx.Begin("2", nil)
	require.NoError(t, err)
	late, err := f.tx.Begin("3", &txlog.Data{MsgID: "<inv3@example.com>"})
	require.NoError(t, err)
	for _, s := range []txlog.Status{txlog.Reconstructed, txlog.Uploaded, txlog.Verified, txlog.Labeled, txlog.Deleted} {
		require.NoError(t, f.tx.Log(late, s, nil))
	}
	done, err := f.tx.Begin("4", nil)
	require.NoError(t, err)
	require.NoError(t, f.tx.Complete(done, nil))

	got, err := f.r.Recover(ctx)
	require.NoError(t, err)
	want := []Recovery{
		{TxnID: up, EmailID: "1", From: txlog.Uploaded, Action: txlog.DeleteUploaded, NewUID: newUID},
		{TxnID: early, EmailID: "2", From: txlog.Started, Action: txlog.MarkFailed},
		{TxnID: late, EmailID: "3", From: txlog.Deleted, Action: txlog.MarkCompleted, MessageID: "<inv3@example.com>"},
	}
	assert.Equal(t, want, got)

	all := f.m.Messages(mailbox.AllMail)
	require.Len(t, all, 1)
	assert.Equal(t, f.uid, all[0].UID)

	for txn, status := range map[string]txlog.Status{up: txlog.Failed, early: txlog.Failed, late: txlog.Completed} {
		last, err := f.tx.LastStatus(txn)
		require.NoError(t, err)
		assert.Equal(t, status, last, txn)
	}

	again, err := f.r.Recover(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestSizeMatches(t *testing.T) {
	cases := []struct {
		got, want int64
		ok        bool
	}{
		{5000, 5000, true},
		{5999, 5000, true},
		{6000, 5000, false},
		{109000, 100000, true},
		{111000, 100000, false},
		{90500, 100000, true},
	}
	for _, tc := range cases {
		if got := sizeMatches(tc.got, tc.want); got != tc.ok {
			t.Errorf("sizeMatches(%d, %d) = %v, want %v", tc.got, tc.want, got, tc.ok)
		}
	}
}

func TestUploadFlags(t *testing.T) {
	cases := []struct {
		in, want []string
	}{
		{nil, []string{`\Seen`}},
		{[]string{`\Flagged`, `\Recent`}, []string{`\Flagged`}},
		{[]string{`\Seen`, `\Deleted`}, []string{`\Seen`}},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, uploadFlags(tc.in), "uploadFlags(%v)", tc.in)
	}
}
