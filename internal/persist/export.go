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

package persist

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/mwilczynska/gmail-clean-and-backup/internal/message"
)

// exported is the JSON form of an Entry.
type exported struct {
	EmailID           string                    `json:"email_id"`
	UID               uint32                    `json:"imap_uid"`
	Subject           string                    `json:"subject"`
	Sender            string                    `json:"sender"`
	Date              string                    `json:"date,omitempty"`
	Labels            []string                  `json:"labels"`
	Attachments       []message.SavedAttachment `json:"attachments"`
	ProcessedAt       string                    `json:"processed_at"`
	Status            Status                    `json:"status"`
	OriginalSize      int64                     `json:"original_size"`
	StrippedSize      int64                     `json:"stripped_size,omitempty"`
	Error             string                    `json:"error_message,omitempty"`
	StrippedUID       uint32                    `json:"stripped_uid,omitempty"`
	OriginalMessageID string                    `json:"original_message_id,omitempty"`
	ThreadID          string                    `json:"gmail_thread_id,omitempty"`
	RevertedAt        string                    `json:"reverted_at,omitempty"`
	RevertedUID       uint32                    `json:"reverted_uid,omitempty"`
}

func timeText(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func export(e *Entry) exported {
	x := exported{
		EmailID:           e.EmailID,
		UID:               e.UID,
		Subject:           e.Subject,
		Sender:            e.Sender,
		Date:              timeText(e.Date),
		Labels:            e.Labels,
		Attachments:       e.Attachments,
		ProcessedAt:       timeText(e.ProcessedAt),
		Status:            e.Status,
		OriginalSize:      e.OriginalSize,
		StrippedSize:      e.StrippedSize,
		Error:             e.Error,
		StrippedUID:       e.StrippedUID,
		OriginalMessageID: e.OriginalMessageID,
		RevertedAt:        timeText(e.RevertedAt),
		RevertedUID:       e.RevertedUID,
	}
	if x.Labels == nil {
		x.Labels = []string{}
	}
	if x.Attachments == nil {
		x.Attachments = []message.SavedAttachment{}
	}
	if e.ThreadID != 0 {
		x.ThreadID = strconv.FormatUint(e.ThreadID, 10)
	}
	return x
}

// ExportJSON writes every entry as an indented JSON array and returns
// the number written.
func (db *DB) ExportJSON(ctx context.Context, w io.Writer) (int, error) {
	entries, err := db.All(ctx)
	if err != nil {
		return 0, err
	}
	out := make([]exported, 0, len(entries))
	for _, e := range entries {
		out = append(out, export(e))
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return len(out), errors.Wrap(enc.Encode(out), "writing JSON export")
}

var csvColumns = []string{
	"email_id", "imap_uid", "subject", "sender", "date", "labels",
	"attachment_count", "processed_at", "status", "original_size",
	"stripped_size", "error_message",
}

// ExportCSV writes one row per entry, labels joined with ";".
func (db *DB) ExportCSV(ctx context.Context, w io.Writer) (int, error) {
	entries, err := db.All(ctx)
	if err != nil {
		return 0, err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(csvColumns); err != nil {
		return 0, errors.Wrap(err, "writing CSV export")
	}
	for _, e := range entries {
		row := []string{
			e.EmailID,
			strconv.FormatUint(uint64(e.UID), 10),
			e.Subject,
			e.Sender,
			timeText(e.Date),
			strings.Join(e.Labels, ";"),
			strconv.Itoa(len(e.Attachments)),
			timeText(e.ProcessedAt),
			string(e.Status),
			strconv.FormatInt(e.OriginalSize, 10),
			strconv.FormatInt(e.StrippedSize, 10),
			e.Error,
		}
		if err := cw.Write(row); err != nil {
			return 0, errors.Wrap(err, "writing CSV export")
		}
	}
	cw.Flush()
	return len(entries), errors.Wrap(cw.Error(), "writing CSV export")
}
