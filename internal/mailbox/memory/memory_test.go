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

package memory

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwilczynska/gmail-clean-and-backup/internal/mailbox"
)

const withPDF = "Message-ID: <m1@example.com>\r\n" +
	"From: Alice <alice@example.com>\r\n" +
	"Subject: report\r\n" +
	"Content-Type: multipart/mixed; boundary=\"b\"\r\n" +
	"\r\n" +
	"--b\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"Hello\r\n" +
	"--b\r\n" +
	"Content-Type: application/pdf; name=\"document.pdf\"\r\n" +
	"Content-Disposition: attachment; filename=\"document.pdf\"\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"JVBERi0xLjQ=\r\n" +
	"--b--\r\n"

func TestFetch(t *testing.T) {
	ctx := context.Background()
	m := New()
	uid := m.Add([]byte(withPDF), mailbox.LabelInbox, "Work")
	_, err := m.SelectFolder(ctx, mailbox.AllMail, true)
	require.NoError(t, err)

	r, err := m.Fetch(ctx, uid, mailbox.ItemSize, mailbox.ItemBodyStructure, mailbox.ItemGmailLabels, mailbox.ItemHeader, mailbox.PartItem("2"))
	require.NoError(t, err)
	assert.Equal(t, int64(len(withPDF)), r.Size)
	assert.Equal(t, []string{"Work", `\Inbox`}, r.Labels)
	assert.True(t, strings.HasSuffix(string(r.Header), "\r\n\r\n"))
	sec, ok := r.Section("2")
	assert.True(t, ok)
	assert.Equal(t, "JVBERi0xLjQ=", string(sec))

	require.NotNil(t, r.BodyStructure)
	require.Len(t, r.BodyStructure.Parts, 2)
	pdf := r.BodyStructure.Parts[1]
	assert.Equal(t, "2", pdf.Number)
	assert.Equal(t, "attachment", pdf.Disposition)
	assert.Equal(t, "BASE64", pdf.Encoding)

	_, err = m.Fetch(ctx, 999, mailbox.ItemSize)
	assert.True(t, mailbox.IsNotFound(err), "Fetch(999) error = %v", err)
}

func TestTrashIsALabel(t *testing.T) {
	ctx := context.Background()
	m := New()
	uid := m.Add([]byte(withPDF), mailbox.LabelInbox)
	_, err := m.SelectFolder(ctx, mailbox.AllMail, false)
	require.NoError(t, err)

	require.NoError(t, m.MoveToTrash(ctx, uid))
	assert.Empty(t, m.Messages(mailbox.AllMail))
	assert.Empty(t, m.Messages(mailbox.Inbox))
	trash := m.Messages(mailbox.Trash)
	require.Len(t, trash, 1)

	_, err = m.SelectFolder(ctx, mailbox.Trash, false)
	require.NoError(t, err)
	found, err := m.Search(ctx, mailbox.Criteria{MessageID: "<m1@example.com>"})
	require.NoError(t, err)
	assert.Equal(t, []uint32{trash[0].UID}, found)

	require.NoError(t, m.StoreFlags(ctx, found[0], []string{`\Deleted`}, true))
	require.NoError(t, m.Expunge(ctx))
	assert.Empty(t, m.Messages(mailbox.Trash))
}

func TestAppendSharesThread(t *testing.T) {
	ctx := context.Background()
	m := New()
	m.Add([]byte(withPDF))
	uid, err := m.Append(ctx, mailbox.AllMail, []byte(withPDF), []string{`\Seen`}, time.Now())
	require.NoError(t, err)
	all := m.Messages(mailbox.AllMail)
	require.Len(t, all, 2)
	assert.Equal(t, uid, all[1].UID)
	assert.Equal(t, all[0].GmailThreadID, all[1].GmailThreadID)
	assert.NotEqual(t, all[0].GmailMsgID, all[1].GmailMsgID)
	assert.Equal(t, []string{`\Seen`}, all[1].Flags)

	m.NoAppendUID = true
	uid, err = m.Append(ctx, mailbox.AllMail, []byte(withPDF), nil, time.Time{})
	require.NoError(t, err)
	assert.Zero(t, uid)
}

func TestReadOnly(t *testing.T) {
	ctx := context.Background()
	m := New()
	uid := m.Add([]byte(withPDF))
	_, err := m.SelectFolder(ctx, mailbox.AllMail, true)
	require.NoError(t, err)
	err = m.StoreLabels(ctx, uid, []string{"x"}, mailbox.AddLabels)
	assert.True(t, mailbox.IsProtocol(err), "StoreLabels on read-only folder error = %v", err)
}

func TestSelectWritable(t *testing.T) {
	ctx := context.Background()
	m := New()
	uid := m.Add([]byte(withPDF))
	_, err := m.SelectFolder(ctx, mailbox.AllMail, true)
	require.NoError(t, err)
	require.True(t, m.ReadOnly())

	require.NoError(t, mailbox.SelectWritable(ctx, m, mailbox.AllMail))
	assert.False(t, m.ReadOnly())
	assert.Equal(t, mailbox.AllMail, m.Selected())
	assert.NoError(t, m.StoreLabels(ctx, uid, []string{"x"}, mailbox.AddLabels))

	var selects int
	m.Fail = func(op string, uid uint32) error {
		if op == "SELECT" {
			selects++
		}
		return nil
	}
	require.NoError(t, mailbox.SelectWritable(ctx, m, mailbox.AllMail))
	assert.Zero(t, selects, "writable folder selected again")
}

func TestFailInjection(t *testing.T) {
	ctx := context.Background()
	m := New()
	m.Add([]byte(withPDF))
	drop := &mailbox.ConnectionError{Op: "FETCH", Err: errors.New("connection reset by peer")}
	m.Fail = func(op string, uid uint32) error {
		if op == "FETCH" {
			return drop
		}
		return nil
	}
	_, err := m.SelectFolder(ctx, mailbox.AllMail, true)
	require.NoError(t, err)
	_, err = m.Fetch(ctx, 1, mailbox.ItemSize)
	assert.True(t, mailbox.IsConnection(err))
}

func TestSearchHasAttachment(t *testing.T) {
	ctx := context.Background()
	m := New()
	m.Add([]byte("Subject: plain\r\n\r\nno attachments\r\n"))
	pdf := m.Add([]byte(withPDF))
	_, err := m.SelectFolder(ctx, mailbox.AllMail, true)
	require.NoError(t, err)
	got, err := m.Search(ctx, mailbox.Criteria{HasAttachment: true})
	require.NoError(t, err)
	assert.Equal(t, []uint32{pdf}, got)

	_, err = m.Search(ctx, mailbox.Criteria{GmailRaw: "larger:5M"})
	assert.True(t, mailbox.IsProtocol(err))
}
