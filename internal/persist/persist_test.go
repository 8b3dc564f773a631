package persist

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"math"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwilczynska/gmail-clean-and-backup/internal/message"
)

func TestOrdered(t *testing.T) {
	cases := []struct {
		u uint64
		s int64
	}{
		{0, math.MinInt64},
		{math.MaxUint64, math.MaxInt64},
		{math.MaxInt64 + 1, 0},
	}
	for _, tc := range cases {
		s := orderedToSigned(tc.u)
		if s != tc.s {
			t.Errorf("orderedToSigned(%x) = %x, want %x", tc.u, s, tc.s)
		}
		u := orderedToUnsigned(tc.s)
		if u != tc.u {
			t.Errorf("orderedToUnsigned(%x) = %x, want %x", tc.s, u, tc.u)
		}
	}
}

func TestDsnFromPath(t *testing.T) {
	cases := []struct {
		path, want string
	}{
		{"/tmp/m.db", "file:///tmp/m.db?_busy_timeout=10"},
		{"file:m.db?mode=memory", "file:m.db?_busy_timeout=10&mode=memory"},
	}
	for _, tc := range cases {
		got, err := dsnFromPath(tc.path, url.Values{"_busy_timeout": {"10"}})
		if err != nil || got != tc.want {
			t.Errorf("dsnFromPath(%q) = %q, %v, want %q, nil", tc.path, got, err, tc.want)
		}
	}
}

var now = time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC)

func openDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "manifest.db"), zerolog.Nop())
	require.NoError(t, err)
	db.now = func() time.Time { return now }
	t.Cleanup(func() { db.Close() })
	return db
}

func scan(msgID uint64, uid uint32, labels ...string) *message.ScanResult {
	return &message.ScanResult{
		Header: message.EmailHeader{
			UID:       uid,
			MessageID: "<m@example.com>",
			Subject:   "Invoice",
			Sender:    "billing@example.com",
			Date:      time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
			Size:      50000,
		},
		Gmail: message.GmailMetadata{MessageID: msgID, ThreadID: math.MaxInt64 + 5, Labels: labels},
	}
}

var saved = []message.SavedAttachment{
	{OriginalFilename: "a.pdf", Path: "2024/01/02/Invoice/a.pdf", Size: 40000, ContentType: "application/pdf", Hash: "sha256:aa"},
	{OriginalFilename: "b.png", Path: "2024/01/02/Invoice/b.png", Size: 9000, ContentType: "image/png", Hash: "sha256:bb"},
}

func TestRecordAndGet(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	require.NoError(t, db.RecordExtraction(ctx, scan(17, 4, `\Inbox`, "Receipts"), saved, StatusExtracted))

	got, err := db.Get(ctx, "17")
	require.NoError(t, err)
	want := &Entry{
		EmailID:      "17",
		UID:          4,
		Subject:      "Invoice",
		Sender:       "billing@example.com",
		Date:         time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Labels:       []string{`\Inbox`, "Receipts"},
		Attachments:  saved,
		ProcessedAt:  now,
		Status:       StatusExtracted,
		OriginalSize: 50000,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Get() mismatch (-want +got):\n%s", diff)
	}
	assert.False(t, got.CanRevert())

	byUID, err := db.GetByUID(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, "17", byUID.EmailID)

	_, err = db.Get(ctx, "18")
	assert.True(t, errors.Is(err, ErrNoEntry), "Get(missing) = %v, want ErrNoEntry", err)
}

func TestRecordExtractionReplaces(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	require.NoError(t, db.RecordExtraction(ctx, scan(17, 4, `\Inbox`, "Receipts"), saved, StatusExtracted))
	require.NoError(t, db.UpdateStatus(ctx, "17", StatusFailed, Update{Error: "upload failed"}))
	require.NoError(t, db.RecordExtraction(ctx, scan(17, 9, "Receipts"), saved[:1], StatusExtracted))

	got, err := db.Get(ctx, "17")
	require.NoError(t, err)
	assert.Equal(t, uint32(9), got.UID)
	assert.Equal(t, []string{"Receipts"}, got.Labels)
	assert.Equal(t, saved[:1], got.Attachments)
	assert.Empty(t, got.Error)

	all, err := db.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

// A completed entry carries what revert needs, and is not processed
// again.
func TestCompleted(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	require.NoError(t, db.RecordExtraction(ctx, scan(17, 4), saved, StatusExtracted))
	require.NoError(t, db.RecordExtraction(ctx, scan(18, 5), saved, StatusExtracted))

	ok, err := db.IsProcessed(ctx, "17")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, db.UpdateStatus(ctx, "17", StatusCompleted, Update{
		StrippedSize:      1200,
		StrippedUID:       40,
		OriginalMessageID: "<m@example.com>",
		ThreadID:          math.MaxInt64 + 5,
	}))
	got, err := db.Get(ctx, "17")
	require.NoError(t, err)
	assert.True(t, got.CanRevert())
	assert.Equal(t, uint64(math.MaxInt64+5), got.ThreadID)
	assert.Equal(t, uint32(40), got.StrippedUID)
	assert.Equal(t, int64(48800), got.Saved())

	ok, err = db.IsProcessed(ctx, "17")
	require.NoError(t, err)
	assert.True(t, ok)

	uids, err := db.UnprocessedUIDs(ctx, []uint32{3, 4, 5})
	require.NoError(t, err)
	assert.Equal(t, []uint32{3, 5}, uids)

	rev, err := db.Revertible(ctx)
	require.NoError(t, err)
	require.Len(t, rev, 1)
	assert.Equal(t, "17", rev[0].EmailID)

	ext, err := db.ByStatus(ctx, StatusExtracted)
	require.NoError(t, err)
	require.Len(t, ext, 1)
	assert.Equal(t, "18", ext[0].EmailID)
}

func TestCompletedWithoutMessageIDIsNotRevertible(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	require.NoError(t, db.RecordExtraction(ctx, scan(17, 4), saved, StatusExtracted))
	require.NoError(t, db.UpdateStatus(ctx, "17", StatusCompleted, Update{StrippedSize: 1200}))
	rev, err := db.Revertible(ctx)
	require.NoError(t, err)
	assert.Empty(t, rev)
}

func TestUpdateStatusMissing(t *testing.T) {
	db := openDB(t)
	err := db.UpdateStatus(context.Background(), "404", StatusFailed, Update{})
	assert.True(t, errors.Is(err, ErrNoEntry), "UpdateStatus(missing) = %v, want ErrNoEntry", err)
	err = db.MarkReverted(context.Background(), "404", 1)
	assert.True(t, errors.Is(err, ErrNoEntry), "MarkReverted(missing) = %v, want ErrNoEntry", err)
}

func TestMarkReverted(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	require.NoError(t, db.RecordExtraction(ctx, scan(17, 4), saved, StatusExtracted))
	require.NoError(t, db.UpdateStatus(ctx, "17", StatusCompleted, Update{OriginalMessageID: "<m@example.com>"}))
	require.NoError(t, db.MarkReverted(ctx, "17", 77))

	got, err := db.Get(ctx, "17")
	require.NoError(t, err)
	assert.Equal(t, StatusReverted, got.Status)
	assert.Equal(t, uint32(77), got.RevertedUID)
	assert.Equal(t, now, got.RevertedAt)
	assert.False(t, got.CanRevert())
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	require.NoError(t, db.RecordExtraction(ctx, scan(1, 1), saved, StatusExtracted))
	require.NoError(t, db.RecordExtraction(ctx, scan(2, 2), saved[:1], StatusExtracted))
	require.NoError(t, db.RecordExtraction(ctx, scan(3, 3), nil, StatusExtracted))
	require.NoError(t, db.UpdateStatus(ctx, "1", StatusCompleted, Update{StrippedSize: 2000}))
	require.NoError(t, db.UpdateStatus(ctx, "2", StatusFailed, Update{Error: "boom"}))

	got, err := db.Stats(ctx)
	require.NoError(t, err)
	want := Stats{
		Total:            3,
		ByStatus:         map[Status]int{StatusCompleted: 1, StatusFailed: 1, StatusExtracted: 1},
		OriginalSize:     150000,
		StrippedSize:     2000,
		TotalAttachments: 3,
		Savings:          48000,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Stats() mismatch (-want +got):\n%s", diff)
	}
}

func TestExportCSV(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	require.NoError(t, db.RecordExtraction(ctx, scan(17, 4, `\Inbox`, "Receipts"), saved, StatusExtracted))

	var buf bytes.Buffer
	n, err := db.ExportCSV(ctx, &buf)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	want := [][]string{
		csvColumns,
		{"17", "4", "Invoice", "billing@example.com", "2024-01-02T03:04:05Z", `\Inbox;Receipts`,
			"2", "2024-06-01T08:30:00Z", "extracted", "50000", "0", ""},
	}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Errorf("ExportCSV() mismatch (-want +got):\n%s", diff)
	}
}

func TestExportJSON(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	require.NoError(t, db.RecordExtraction(ctx, scan(17, 4), saved, StatusExtracted))
	require.NoError(t, db.UpdateStatus(ctx, "17", StatusCompleted, Update{
		StrippedSize: 1200, StrippedUID: 40, OriginalMessageID: "<m@example.com>", ThreadID: 99,
	}))

	var buf bytes.Buffer
	n, err := db.ExportJSON(ctx, &buf)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	var got []map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "17", got[0]["email_id"])
	assert.Equal(t, "completed", got[0]["status"])
	assert.Equal(t, "99", got[0]["gmail_thread_id"])
	assert.Equal(t, []interface{}{}, got[0]["labels"])
	assert.Len(t, got[0]["attachments"], 2)
	assert.NotContains(t, got[0], "reverted_at")
}

func TestDeleteAndClear(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, db.RecordExtraction(ctx, scan(i, uint32(i), "L"), saved, StatusExtracted))
	}
	found, err := db.Delete(ctx, "2")
	require.NoError(t, err)
	assert.True(t, found)
	found, err = db.Delete(ctx, "2")
	require.NoError(t, err)
	assert.False(t, found)

	st, err := db.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 4, st.TotalAttachments)

	n, err := db.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	st, err = db.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Total)
	assert.Zero(t, st.TotalAttachments)
}

func TestCheckpoints(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	_, ok, err := db.LatestCheckpoint(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, db.SaveCheckpoint(ctx, Checkpoint{LastUID: 4, Processed: 1, Successful: 1}))
	require.NoError(t, db.SaveCheckpoint(ctx, Checkpoint{LastUID: 9, Processed: 2, Successful: 1, Failed: 1, BytesSaved: 300}))
	got, ok, err := db.LatestCheckpoint(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	want := Checkpoint{LastUID: 9, Time: now, Processed: 2, Successful: 1, Failed: 1, BytesSaved: 300}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("LatestCheckpoint() mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, db.ClearCheckpoints(ctx))
	_, ok, err = db.LatestCheckpoint(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}
