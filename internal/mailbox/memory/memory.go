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

// Package memory implements mailbox.Mailbox in memory with Gmail's
// label semantics: every message lives once in the account and
// folders are views over its labels, each with its own UID space.
package memory

import (
	"bytes"
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/mwilczynska/gmail-clean-and-backup/internal/bodystructure"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/mailbox"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/mimetree"
)

// FailFunc is consulted before every operation.  A non-nil error is
// returned in place of performing the operation.
type FailFunc func(op string, uid uint32) error

type msg struct {
	gmid   uint64
	thrid  uint64
	raw    []byte
	date   time.Time
	flags  map[string]bool
	labels map[string]bool
	uids   map[string]uint32
}

type folder struct {
	name        string
	uidNext     uint32
	uidValidity uint32
}

// Mailbox is an in-memory Gmail account.
type Mailbox struct {
	// Fail, if set, injects errors.
	Fail FailFunc

	// NoAppendUID makes Append report an unknown UID, as servers
	// without UIDPLUS do.
	NoAppendUID bool

	mu       sync.Mutex
	msgs     []*msg
	folders  map[string]*folder
	selected string
	readOnly bool
	nextID   uint64
}

var _ mailbox.Mailbox = (*Mailbox)(nil)

// New returns an account with INBOX, All Mail and Trash.
func New() *Mailbox {
	m := &Mailbox{folders: map[string]*folder{}, nextID: 1000}
	for _, f := range []string{mailbox.Inbox, mailbox.AllMail, mailbox.Trash} {
		m.addFolder(f)
	}
	return m
}

func (m *Mailbox) addFolder(name string) *folder {
	f := &folder{name: name, uidNext: 1, uidValidity: uint32(len(m.folders) + 1)}
	m.folders[name] = f
	return f
}

// AddFolder creates a label folder.
func (m *Mailbox) AddFolder(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.folders[name] == nil {
		m.addFolder(name)
	}
}

// Add stores a message with the given labels and returns its UID in
// All Mail.  A message added with \Trash is only visible in Trash.
func (m *Mailbox) Add(raw []byte, labels ...string) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms := m.newMsg(raw, nil, time.Now())
	for _, l := range labels {
		ms.labels[l] = true
		if !strings.HasPrefix(l, `\`) && m.folders[l] == nil {
			m.addFolder(l)
		}
	}
	m.refresh()
	return ms.uids[mailbox.AllMail]
}

func (m *Mailbox) newMsg(raw []byte, flags []string, date time.Time) *msg {
	m.nextID++
	ms := &msg{
		gmid:   m.nextID,
		thrid:  m.nextID,
		raw:    append([]byte(nil), raw...),
		date:   date,
		flags:  map[string]bool{},
		labels: map[string]bool{},
		uids:   map[string]uint32{},
	}
	if t := threadOf(raw, m.msgs); t != 0 {
		ms.thrid = t
	}
	for _, f := range flags {
		ms.flags[f] = true
	}
	m.msgs = append(m.msgs, ms)
	return ms
}

// threadOf joins a message to the thread of a message it shares a
// Message-ID with, as Gmail does for replacement copies.
func threadOf(raw []byte, msgs []*msg) uint64 {
	id := messageID(raw)
	if id == "" {
		return 0
	}
	for _, o := range msgs {
		if messageID(o.raw) == id {
			return o.thrid
		}
	}
	return 0
}

func (m *Mailbox) member(f string, ms *msg) bool {
	trash := ms.labels[mailbox.LabelTrash]
	switch f {
	case mailbox.AllMail:
		return !trash && !ms.labels[`\Spam`]
	case mailbox.Trash:
		return trash
	case mailbox.Inbox:
		return !trash && ms.labels[mailbox.LabelInbox]
	}
	return !trash && ms.labels[f]
}

// refresh assigns UIDs to messages that became visible in a folder
// and forgets them for messages that left it.
func (m *Mailbox) refresh() {
	names := make([]string, 0, len(m.folders))
	for n := range m.folders {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		f := m.folders[n]
		for _, ms := range m.msgs {
			_, has := ms.uids[n]
			switch in := m.member(n, ms); {
			case in && !has:
				ms.uids[n] = f.uidNext
				f.uidNext++
			case !in && has:
				delete(ms.uids, n)
			}
		}
	}
}

func (m *Mailbox) check(op string, uid uint32) error {
	if m.Fail != nil {
		if err := m.Fail(op, uid); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mailbox) find(uid uint32) (*msg, error) {
	if m.selected == "" {
		return nil, &mailbox.ProtocolError{Op: "FETCH", Err: errors.New("no folder selected")}
	}
	for _, ms := range m.msgs {
		if u, ok := ms.uids[m.selected]; ok && u == uid {
			return ms, nil
		}
	}
	return nil, errors.Wrapf(mailbox.ErrNotFound, "uid %d in %s", uid, m.selected)
}

func (m *Mailbox) SelectFolder(ctx context.Context, name string, readOnly bool) (*mailbox.FolderStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("SELECT", 0); err != nil {
		return nil, err
	}
	f := m.folders[name]
	if f == nil {
		return nil, &mailbox.ProtocolError{Op: "SELECT", Err: errors.Errorf("NO unknown folder %q", name)}
	}
	m.selected = name
	m.readOnly = readOnly
	st := &mailbox.FolderStatus{Name: name, UIDNext: f.uidNext, UIDValidity: f.uidValidity, ReadOnly: readOnly}
	for _, ms := range m.msgs {
		if _, ok := ms.uids[name]; ok {
			st.Messages++
		}
	}
	return st, nil
}

func (m *Mailbox) Selected() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selected
}

func (m *Mailbox) ReadOnly() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readOnly
}

func (m *Mailbox) ListFolders(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("LIST", 0); err != nil {
		return nil, err
	}
	var names []string
	for n := range m.folders {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (m *Mailbox) Search(ctx context.Context, c mailbox.Criteria) ([]uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("SEARCH", 0); err != nil {
		return nil, err
	}
	if m.selected == "" {
		return nil, &mailbox.ProtocolError{Op: "SEARCH", Err: errors.New("no folder selected")}
	}
	if c.GmailRaw != "" {
		return nil, &mailbox.ProtocolError{Op: "SEARCH", Err: errors.Errorf("X-GM-RAW %q not supported", c.GmailRaw)}
	}
	var uids []uint32
	for _, ms := range m.msgs {
		u, ok := ms.uids[m.selected]
		if !ok || !matches(c, ms) {
			continue
		}
		uids = append(uids, u)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

func matches(c mailbox.Criteria, ms *msg) bool {
	size := int64(len(ms.raw))
	switch {
	case c.MessageID != "" && messageID(ms.raw) != c.MessageID:
		return false
	case c.MinSize > 0 && size <= c.MinSize:
		return false
	case c.MaxSize > 0 && size >= c.MaxSize:
		return false
	case !c.Before.IsZero() && !ms.date.Before(c.Before):
		return false
	case !c.Since.IsZero() && ms.date.Before(c.Since):
		return false
	case c.From != "" && !strings.Contains(strings.ToLower(header(ms.raw, "From")), strings.ToLower(c.From)):
		return false
	}
	for _, l := range c.Labels {
		if !ms.labels[l] {
			return false
		}
	}
	for _, l := range c.ExcludeLabels {
		if ms.labels[l] {
			return false
		}
	}
	if c.HasAttachment {
		st, err := structure(ms.raw)
		if err != nil || len(bodystructure.Analyze(st).Attachments) == 0 {
			return false
		}
	}
	return true
}

func (m *Mailbox) Fetch(ctx context.Context, uid uint32, items ...mailbox.FetchItem) (*mailbox.FetchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("FETCH", uid); err != nil {
		return nil, err
	}
	ms, err := m.find(uid)
	if err != nil {
		return nil, err
	}
	r := &mailbox.FetchResult{UID: uid}
	for _, it := range items {
		switch it {
		case mailbox.ItemUID:
		case mailbox.ItemSize:
			r.Size = int64(len(ms.raw))
		case mailbox.ItemFlags:
			r.Flags = keys(ms.flags)
		case mailbox.ItemInternalDate:
			r.InternalDate = ms.date
		case mailbox.ItemGmailMsgID:
			r.GmailMsgID = ms.gmid
		case mailbox.ItemGmailThreadID:
			r.GmailThreadID = ms.thrid
		case mailbox.ItemGmailLabels:
			r.Labels = keys(ms.labels)
		case mailbox.ItemBodyStructure:
			st, err := structure(ms.raw)
			if err != nil {
				return nil, &mailbox.ProtocolError{Op: "FETCH", Err: err}
			}
			r.BodyStructure = st
		case mailbox.ItemHeader:
			r.Header = headerBlock(ms.raw)
		case mailbox.ItemRaw:
			r.Raw = append([]byte(nil), ms.raw...)
		default:
			sec, ok := it.Section()
			if !ok {
				return nil, &mailbox.ProtocolError{Op: "FETCH", Err: errors.Errorf("BAD unknown item %s", it)}
			}
			tree, err := mimetree.Parse(ms.raw)
			if err != nil {
				return nil, &mailbox.ProtocolError{Op: "FETCH", Err: err}
			}
			p, err := tree.Part(sec)
			if err != nil {
				// Servers answer with an empty section.
				p = mimetree.NewLeaf(tree.Header(), nil)
			}
			if r.Sections == nil {
				r.Sections = map[string][]byte{}
			}
			r.Sections[sec] = append([]byte(nil), p.Body()...)
		}
	}
	return r, nil
}

func (m *Mailbox) Append(ctx context.Context, folderName string, raw []byte, flags []string, date time.Time) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("APPEND", 0); err != nil {
		return 0, err
	}
	if m.folders[folderName] == nil {
		return 0, &mailbox.ProtocolError{Op: "APPEND", Err: errors.Errorf("NO [TRYCREATE] no folder %q", folderName)}
	}
	if date.IsZero() {
		date = time.Now()
	}
	ms := m.newMsg(raw, flags, date)
	switch folderName {
	case mailbox.AllMail:
	case mailbox.Inbox:
		ms.labels[mailbox.LabelInbox] = true
	case mailbox.Trash:
		ms.labels[mailbox.LabelTrash] = true
	default:
		ms.labels[folderName] = true
	}
	m.refresh()
	if m.NoAppendUID {
		return 0, nil
	}
	return ms.uids[folderName], nil
}

func (m *Mailbox) writable(op string) error {
	if m.readOnly {
		return &mailbox.ProtocolError{Op: op, Err: errors.New("NO folder is read-only")}
	}
	return nil
}

func (m *Mailbox) StoreLabels(ctx context.Context, uid uint32, labels []string, op mailbox.LabelOp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("STORE", uid); err != nil {
		return err
	}
	if err := m.writable("STORE"); err != nil {
		return err
	}
	ms, err := m.find(uid)
	if err != nil {
		return err
	}
	for _, l := range labels {
		if op == mailbox.RemoveLabels {
			delete(ms.labels, l)
			continue
		}
		ms.labels[l] = true
		if !strings.HasPrefix(l, `\`) && m.folders[l] == nil {
			m.addFolder(l)
		}
	}
	m.refresh()
	return nil
}

func (m *Mailbox) StoreFlags(ctx context.Context, uid uint32, flags []string, add bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("STORE", uid); err != nil {
		return err
	}
	if err := m.writable("STORE"); err != nil {
		return err
	}
	ms, err := m.find(uid)
	if err != nil {
		return err
	}
	for _, f := range flags {
		if add {
			ms.flags[f] = true
		} else {
			delete(ms.flags, f)
		}
	}
	return nil
}

func (m *Mailbox) MoveToTrash(ctx context.Context, uid uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("MOVE", uid); err != nil {
		return err
	}
	if err := m.writable("STORE"); err != nil {
		return err
	}
	ms, err := m.find(uid)
	if err != nil {
		return err
	}
	ms.labels[mailbox.LabelTrash] = true
	delete(ms.labels, mailbox.LabelInbox)
	m.refresh()
	return nil
}

// Expunge removes \Deleted messages from the selected folder.  In
// Trash that deletes them for good, in a label folder it removes the
// label and in All Mail it has no effect beyond clearing the flag.
func (m *Mailbox) Expunge(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("EXPUNGE", 0); err != nil {
		return err
	}
	if err := m.writable("EXPUNGE"); err != nil {
		return err
	}
	kept := m.msgs[:0]
	for _, ms := range m.msgs {
		_, in := ms.uids[m.selected]
		if !in || !ms.flags[`\Deleted`] {
			kept = append(kept, ms)
			continue
		}
		delete(ms.flags, `\Deleted`)
		switch m.selected {
		case mailbox.Trash:
			continue
		case mailbox.Inbox:
			delete(ms.labels, mailbox.LabelInbox)
		case mailbox.AllMail:
		default:
			delete(ms.labels, m.selected)
		}
		kept = append(kept, ms)
	}
	m.msgs = kept
	m.refresh()
	return nil
}

// Message is a snapshot of one stored message.
type Message struct {
	UID           uint32
	GmailMsgID    uint64
	GmailThreadID uint64
	Raw           []byte
	Flags         []string
	Labels        []string
}

// Messages lists the messages visible in a folder in UID order.
func (m *Mailbox) Messages(folderName string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Message
	for _, ms := range m.msgs {
		u, ok := ms.uids[folderName]
		if !ok {
			continue
		}
		out = append(out, Message{
			UID:           u,
			GmailMsgID:    ms.gmid,
			GmailThreadID: ms.thrid,
			Raw:           append([]byte(nil), ms.raw...),
			Flags:         keys(ms.flags),
			Labels:        keys(ms.labels),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}

// Lookup returns the message with the given UID in a folder.
func (m *Mailbox) Lookup(folderName string, uid uint32) (Message, bool) {
	for _, msg := range m.Messages(folderName) {
		if msg.UID == uid {
			return msg, true
		}
	}
	return Message{}, false
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func headerBlock(raw []byte) []byte {
	for _, sep := range [][]byte{[]byte("\r\n\r\n"), []byte("\n\n")} {
		if i := bytes.Index(raw, sep); i >= 0 {
			return append([]byte(nil), raw[:i+len(sep)]...)
		}
	}
	return append([]byte(nil), raw...)
}

func header(raw []byte, key string) string {
	tree, err := mimetree.Parse(headerBlock(raw))
	if err != nil {
		return ""
	}
	h := tree.Header()
	return strings.TrimSpace(h.Get(key))
}

func messageID(raw []byte) string {
	return header(raw, "Message-Id")
}

// structure computes the BODYSTRUCTURE a server would report.
func structure(raw []byte) (*bodystructure.Part, error) {
	tree, err := mimetree.Parse(raw)
	if err != nil {
		return nil, err
	}
	if tree.IsMultipart() {
		return part(tree, "", 1), nil
	}
	return part(tree, "1", 1), nil
}

func part(n *mimetree.Node, number string, depth int) *bodystructure.Part {
	mt, params := n.MediaType()
	typ, sub := mt, ""
	if i := strings.IndexByte(mt, '/'); i >= 0 {
		typ, sub = mt[:i], mt[i+1:]
	}
	p := &bodystructure.Part{
		Number:    number,
		Type:      typ,
		Subtype:   sub,
		Params:    params,
		Depth:     depth,
		Encrypted: bodystructure.IsEncrypted(mt),
	}
	p.Disposition, p.DispositionParams = n.Disposition()
	if n.IsMultipart() {
		for i, c := range n.Parts() {
			num := strings.TrimPrefix(number+"."+strconv.Itoa(i+1), ".")
			cp := part(c, num, depth+1)
			p.Encrypted = p.Encrypted || cp.Encrypted
			p.Parts = append(p.Parts, cp)
		}
		return p
	}
	h := n.Header()
	p.ID = n.ContentID()
	p.Encoding = strings.ToUpper(strings.TrimSpace(h.Get("Content-Transfer-Encoding")))
	if p.Encoding == "" {
		p.Encoding = "7BIT"
	}
	p.Size = int64(len(n.Body()))
	return p
}
