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

package revert

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwilczynska/gmail-clean-and-backup/internal/mailbox"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/mailbox/memory"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/message"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/persist"
)

func crlf(s string) string {
	return strings.ReplaceAll(s, "\n", "\r\n")
}

var (
	original = crlf(`Message-ID: <inv1@example.com>
From: alice@example.com
Subject: Invoice
Content-Type: multipart/mixed; boundary="b"

--b
Content-Type: text/plain

Hello
--b
Content-Type: application/pdf; name="a.pdf"
Content-Disposition: attachment; filename="a.pdf"
Content-Transfer-Encoding: base64

` + strings.Repeat("JVBERi0xLjQK", 200) + `
--b--
`)
	stripped = crlf(`Message-ID: <inv1@example.com>
From: alice@example.com
Subject: Invoice
Content-Type: text/plain

Hello
[attachment a.pdf removed]
`)
)

type fakeManifest map[string]uint32

func (f fakeManifest) MarkReverted(ctx context.Context, emailID string, newUID uint32) error {
	f[emailID] = newUID
	return nil
}

// replaced sets up the state a completed replacement leaves: the
// original in Trash and the stripped copy in All Mail.
func replaced(t *testing.T) (*memory.Mailbox, *persist.Entry) {
	t.Helper()
	ctx := context.Background()
	m := memory.New()
	origUID := m.Add([]byte(original), mailbox.LabelInbox, "Receipts")
	strippedUID := m.Add([]byte(stripped), mailbox.LabelInbox, "Receipts")
	_, err := m.SelectFolder(ctx, mailbox.AllMail, false)
	require.NoError(t, err)
	require.NoError(t, m.MoveToTrash(ctx, origUID))
	return m, &persist.Entry{
		EmailID:           "17",
		Status:            persist.StatusCompleted,
		OriginalMessageID: "<inv1@example.com>",
		StrippedUID:       strippedUID,
		Labels:            []string{mailbox.LabelInbox, "Receipts"},
	}
}

func TestRevertEmail(t *testing.T) {
	m, e := replaced(t)
	fm := fakeManifest{}
	r := New(m, fm, zerolog.Nop())

	res, err := r.RevertEmail(context.Background(), e, false)
	require.NoError(t, err)
	assert.True(t, res.Success())
	assert.True(t, res.StrippedDeleted)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, []string{"Receipts"}, res.LabelsApplied)

	all := m.Messages(mailbox.AllMail)
	require.Len(t, all, 1)
	assert.Equal(t, res.RestoredUID, all[0].UID)
	assert.Equal(t, original, string(all[0].Raw))
	assert.Contains(t, all[0].Labels, "Receipts")
	assert.Contains(t, all[0].Flags, `\Seen`)

	// Only the stripped copy is left in Trash.
	trash := m.Messages(mailbox.Trash)
	require.Len(t, trash, 1)
	assert.Equal(t, stripped, string(trash[0].Raw))

	assert.Equal(t, fakeManifest{"17": res.RestoredUID}, fm)
}

func TestRevertPicksLargestTrashMatch(t *testing.T) {
	m, e := replaced(t)
	// An earlier stripped copy that was trashed by hand.
	m.Add([]byte(stripped), mailbox.LabelTrash)
	r := New(m, fakeManifest{}, zerolog.Nop())

	res, err := r.RevertEmail(context.Background(), e, false)
	require.NoError(t, err)
	got, ok := m.Lookup(mailbox.AllMail, res.RestoredUID)
	require.True(t, ok)
	assert.Equal(t, original, string(got.Raw))
}

func TestRevertWithoutAppendUID(t *testing.T) {
	m, e := replaced(t)
	m.NoAppendUID = true
	r := New(m, fakeManifest{}, zerolog.Nop())

	res, err := r.RevertEmail(context.Background(), e, false)
	require.NoError(t, err)
	got, ok := m.Lookup(mailbox.AllMail, res.RestoredUID)
	require.True(t, ok)
	assert.Equal(t, original, string(got.Raw))
}

func TestRevertDryRun(t *testing.T) {
	m, e := replaced(t)
	fm := fakeManifest{}
	r := New(m, fm, zerolog.Nop())

	res, err := r.RevertEmail(context.Background(), e, true)
	require.NoError(t, err)
	assert.True(t, res.Success())
	assert.NotZero(t, res.TrashUID)
	assert.Zero(t, res.RestoredUID)
	assert.True(t, res.StrippedDeleted)
	assert.Equal(t, []string{"Receipts"}, res.LabelsApplied)

	assert.Len(t, m.Messages(mailbox.Trash), 1)
	assert.Len(t, m.Messages(mailbox.AllMail), 1)
	assert.Empty(t, fm)
}

func TestRevertNotRevertible(t *testing.T) {
	m, e := replaced(t)
	r := New(m, fakeManifest{}, zerolog.Nop())
	for _, mod := range []func(*persist.Entry){
		func(e *persist.Entry) { e.Status = persist.StatusExtracted },
		func(e *persist.Entry) { e.Status = persist.StatusReverted },
		func(e *persist.Entry) { e.OriginalMessageID = "" },
	} {
		c := *e
		mod(&c)
		_, err := r.RevertEmail(context.Background(), &c, false)
		assert.True(t, errors.Is(err, ErrNotRevertible), "RevertEmail(%+v) = %v, want ErrNotRevertible", c, err)
	}
}

func TestRevertNotInTrash(t *testing.T) {
	m, e := replaced(t)
	fm := fakeManifest{}
	r := New(m, fm, zerolog.Nop())
	e.OriginalMessageID = "<gone@example.com>"

	_, err := r.RevertEmail(context.Background(), e, false)
	assert.True(t, errors.Is(err, ErrNotInTrash), "RevertEmail() = %v, want ErrNotInTrash", err)
	assert.Len(t, m.Messages(mailbox.AllMail), 1)
	assert.Empty(t, fm)
}

func TestRevertRestoreFails(t *testing.T) {
	m, e := replaced(t)
	m.Fail = func(op string, uid uint32) error {
		if op == "APPEND" {
			return &mailbox.ConnectionError{Op: op, Err: errors.New("connection reset")}
		}
		return nil
	}
	fm := fakeManifest{}
	r := New(m, fm, zerolog.Nop())

	_, err := r.RevertEmail(context.Background(), e, false)
	var re *RestoreError
	require.True(t, errors.As(err, &re), "RevertEmail() = %v, want *RestoreError", err)
	assert.Equal(t, "17", re.EmailID)
	assert.Len(t, m.Messages(mailbox.Trash), 1)
	assert.Empty(t, fm)
}

// The Trash copy survives until the restored message is found, and a
// retry reuses what the failed attempt appended.
func TestRevertRetryAfterLookupFailure(t *testing.T) {
	m, e := replaced(t)
	m.NoAppendUID = true
	var searches int
	m.Fail = func(op string, uid uint32) error {
		if op != "SEARCH" {
			return nil
		}
		searches++
		// Trash, then All Mail before the append, then after it.
		if searches == 3 {
			return &mailbox.ConnectionError{Op: op, Err: errors.New("connection reset")}
		}
		return nil
	}
	fm := fakeManifest{}
	r := New(m, fm, zerolog.Nop())

	_, err := r.RevertEmail(context.Background(), e, false)
	var re *RestoreError
	require.True(t, errors.As(err, &re), "RevertEmail() = %v, want *RestoreError", err)
	assert.Len(t, m.Messages(mailbox.Trash), 1)
	assert.Len(t, m.Messages(mailbox.AllMail), 2)
	assert.Empty(t, fm)

	m.Fail = nil
	res, err := r.RevertEmail(context.Background(), e, false)
	require.NoError(t, err)
	assert.True(t, res.Success())
	assert.True(t, res.StrippedDeleted)

	all := m.Messages(mailbox.AllMail)
	require.Len(t, all, 1)
	assert.Equal(t, res.RestoredUID, all[0].UID)
	assert.Equal(t, original, string(all[0].Raw))
	trash := m.Messages(mailbox.Trash)
	require.Len(t, trash, 1)
	assert.Equal(t, stripped, string(trash[0].Raw))
	assert.Equal(t, fakeManifest{"17": res.RestoredUID}, fm)
}

// The original is back even if the stripped copy cannot be removed.
func TestRevertStrippedCopyMissing(t *testing.T) {
	m, e := replaced(t)
	e.StrippedUID = 99
	r := New(m, fakeManifest{}, zerolog.Nop())

	res, err := r.RevertEmail(context.Background(), e, false)
	require.NoError(t, err)
	assert.False(t, res.StrippedDeleted)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "stripped copy not found")
	assert.Len(t, m.Messages(mailbox.AllMail), 2)
}

func TestCheckTrashAvailability(t *testing.T) {
	m, e := replaced(t)
	r := New(m, fakeManifest{}, zerolog.Nop())
	gone := &persist.Entry{EmailID: "18", OriginalMessageID: "<gone@example.com>"}
	noID := &persist.Entry{EmailID: "19"}

	got, err := r.CheckTrashAvailability(context.Background(), []*persist.Entry{e, gone, noID})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"17": true, "18": false, "19": false}, got)
}

func TestFindTrashFolder(t *testing.T) {
	m := memory.New()
	r := New(m, fakeManifest{}, zerolog.Nop())
	got, err := r.FindTrashFolder(context.Background())
	require.NoError(t, err)
	assert.Equal(t, mailbox.Trash, got)
}

func TestRevertAll(t *testing.T) {
	m, e := replaced(t)
	gone := *e
	gone.EmailID = "18"
	gone.OriginalMessageID = "<gone@example.com>"
	r := New(m, fakeManifest{}, zerolog.Nop())

	got, err := r.RevertAll(context.Background(), []*persist.Entry{&gone, e}, false)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, errors.Is(got[0].Err, ErrNotInTrash))
	assert.False(t, got[0].Success())
	assert.True(t, got[1].Success())
}

func TestRevertUpdatesManifest(t *testing.T) {
	ctx := context.Background()
	m, e := replaced(t)
	db, err := persist.Open(ctx, filepath.Join(t.TempDir(), "manifest.db"), zerolog.Nop())
	require.NoError(t, err)
	defer db.Close()
	scan := &message.ScanResult{
		Header: message.EmailHeader{UID: 1, Subject: "Invoice", Size: int64(len(original))},
		Gmail:  message.GmailMetadata{MessageID: 17, Labels: e.Labels},
	}
	require.NoError(t, db.RecordExtraction(ctx, scan, nil, persist.StatusExtracted))
	require.NoError(t, db.UpdateStatus(ctx, "17", persist.StatusCompleted, persist.Update{
		StrippedUID: e.StrippedUID, OriginalMessageID: e.OriginalMessageID,
	}))
	entries, err := db.Revertible(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	res, err := New(m, db, zerolog.Nop()).RevertEmail(ctx, entries[0], false)
	require.NoError(t, err)
	got, err := db.Get(ctx, "17")
	require.NoError(t, err)
	assert.Equal(t, persist.StatusReverted, got.Status)
	assert.Equal(t, res.RestoredUID, got.RevertedUID)
	assert.False(t, got.CanRevert())
}
