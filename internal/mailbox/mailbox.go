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

// Package mailbox defines the operations the processing pipeline
// needs from a Gmail mailbox and the typed results they return.
package mailbox

import (
	"context"
	"time"

	"github.com/mwilczynska/gmail-clean-and-backup/internal/bodystructure"
)

// Well known Gmail folders.
const (
	Inbox   = "INBOX"
	AllMail = "[Gmail]/All Mail"
	Trash   = "[Gmail]/Trash"
)

// TrashFolders are the localized names Gmail uses for Trash.
var TrashFolders = []string{"[Gmail]/Trash", "[Gmail]/Bin", "[Gmail]/Papierkorb"}

// Gmail system labels used when moving messages to Trash.
const (
	LabelInbox = `\Inbox`
	LabelTrash = `\Trash`
)

// FetchItem names one data item of a FETCH.
type FetchItem string

const (
	ItemUID           FetchItem = "UID"
	ItemSize          FetchItem = "RFC822.SIZE"
	ItemFlags         FetchItem = "FLAGS"
	ItemInternalDate  FetchItem = "INTERNALDATE"
	ItemHeader        FetchItem = "BODY.PEEK[HEADER]"
	ItemRaw           FetchItem = "BODY.PEEK[]"
	ItemBodyStructure FetchItem = "BODYSTRUCTURE"
	ItemGmailMsgID    FetchItem = "X-GM-MSGID"
	ItemGmailThreadID FetchItem = "X-GM-THRID"
	ItemGmailLabels   FetchItem = "X-GM-LABELS"
)

// PartItem fetches one body part by section number without setting
// \Seen.
func PartItem(section string) FetchItem {
	return FetchItem("BODY.PEEK[" + section + "]")
}

// Section returns the section of a BODY.PEEK[...] item and whether
// the item is one.
func (i FetchItem) Section() (string, bool) {
	const prefix, suffix = "BODY.PEEK[", "]"
	s := string(i)
	if len(s) < len(prefix)+len(suffix) || s[:len(prefix)] != prefix || s[len(s)-1:] != suffix {
		return "", false
	}
	return s[len(prefix) : len(s)-1], true
}

// FetchResult is a FETCH response decoded once at the protocol
// boundary.  Only the requested items are set.
type FetchResult struct {
	UID          uint32
	Size         int64
	Flags        []string
	InternalDate time.Time

	// BODY[HEADER] and BODY[] contents.
	Header []byte
	Raw    []byte

	// Other BODY[section] contents keyed by section.
	Sections map[string][]byte

	BodyStructure *bodystructure.Part

	GmailMsgID    uint64
	GmailThreadID uint64

	// Decoded from modified UTF-7.
	Labels []string
}

// Section returns the contents of a fetched body section.
func (r *FetchResult) Section(s string) ([]byte, bool) {
	switch s {
	case "":
		return r.Raw, r.Raw != nil
	case "HEADER":
		return r.Header, r.Header != nil
	}
	b, ok := r.Sections[s]
	return b, ok
}

// FolderStatus describes the selected folder.
type FolderStatus struct {
	Name        string
	Messages    uint32
	UIDNext     uint32
	UIDValidity uint32
	ReadOnly    bool
}

type LabelOp int

const (
	AddLabels LabelOp = iota
	RemoveLabels
)

func (o LabelOp) String() string {
	if o == RemoveLabels {
		return "-X-GM-LABELS"
	}
	return "+X-GM-LABELS"
}

// Mailbox is one authenticated Gmail IMAP session.  UIDs refer to the
// selected folder.  Implementations are not safe for concurrent use.
type Mailbox interface {
	SelectFolder(ctx context.Context, name string, readOnly bool) (*FolderStatus, error)
	// Selected returns the currently selected folder, or "".
	Selected() string
	// ReadOnly reports whether the selected folder was opened with
	// EXAMINE.
	ReadOnly() bool
	ListFolders(ctx context.Context) ([]string, error)

	Search(ctx context.Context, c Criteria) ([]uint32, error)
	// Fetch returns ErrNotFound if the UID does not exist.
	Fetch(ctx context.Context, uid uint32, items ...FetchItem) (*FetchResult, error)

	// Append stores raw in folder and returns the new UID, or 0 when
	// the server did not report one.
	Append(ctx context.Context, folder string, raw []byte, flags []string, date time.Time) (uint32, error)

	StoreLabels(ctx context.Context, uid uint32, labels []string, op LabelOp) error
	StoreFlags(ctx context.Context, uid uint32, flags []string, add bool) error
	// MoveToTrash adds \Trash and removes \Inbox.
	MoveToTrash(ctx context.Context, uid uint32) error
	Expunge(ctx context.Context) error
}

// SelectWritable selects name for writing unless it is already
// selected that way.
func SelectWritable(ctx context.Context, mb Mailbox, name string) error {
	if mb.Selected() == name && !mb.ReadOnly() {
		return nil
	}
	_, err := mb.SelectFolder(ctx, name, false)
	return err
}
