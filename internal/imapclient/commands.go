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

package imapclient

import (
	"bufio"
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/commands"
	"github.com/emersion/go-imap/responses"
	"github.com/emersion/go-message/textproto"
	"github.com/pkg/errors"

	"github.com/mwilczynska/gmail-clean-and-backup/internal/mailbox"
)

// ErrAmbiguousAppend reports an APPEND whose outcome is unknown and
// cannot be checked because the message has no Message-ID.
var ErrAmbiguousAppend = errors.New("APPEND outcome unknown and message has no Message-ID")

// searchCommand is a SEARCH with pre-rendered arguments, which lets
// it carry Gmail's X-GM-RAW key.
type searchCommand struct {
	args []interface{}
}

func (s *searchCommand) Command() *imap.Command {
	return &imap.Command{Name: "SEARCH", Arguments: s.args}
}

func searchArgs(terms []mailbox.Term) []interface{} {
	var args []interface{}
	for _, t := range terms {
		if t.Quoted && !isASCII(t.Value) {
			args = append(args, imap.RawString("CHARSET"), imap.RawString("UTF-8"))
			break
		}
	}
	for _, t := range terms {
		if t.Quoted {
			args = append(args, t.Value)
		} else {
			args = append(args, imap.RawString(t.Value))
		}
	}
	return args
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

func seqSet(uid uint32) *imap.SeqSet {
	s := new(imap.SeqSet)
	s.AddNum(uid)
	return s
}

func statusErr(status *imap.StatusResp, err error) error {
	if err != nil {
		return err
	}
	return status.Err()
}

func (c *Client) search(terms []mailbox.Term) ([]uint32, error) {
	return c.searchFn(terms)
}

func (c *Client) uidSearch(terms []mailbox.Term) ([]uint32, error) {
	conn, err := c.session("SEARCH")
	if err != nil {
		return nil, err
	}
	res := &responses.Search{}
	cmd := &commands.Uid{Cmd: &searchCommand{args: searchArgs(terms)}}
	if err := statusErr(conn.Execute(cmd, res)); err != nil {
		return nil, err
	}
	return res.Ids, nil
}

func (c *Client) Search(ctx context.Context, crit mailbox.Criteria) ([]uint32, error) {
	var uids []uint32
	err := c.run(ctx, "SEARCH", func() (err error) {
		uids, err = c.search(crit.Terms())
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "searching %s", crit)
	}
	c.log.Debug().Str("criteria", crit.String()).Int("matches", len(uids)).Msg("search")
	return uids, nil
}

func (c *Client) Fetch(ctx context.Context, uid uint32, items ...mailbox.FetchItem) (*mailbox.FetchResult, error) {
	var h *fetchHandler
	err := c.run(ctx, "FETCH", func() error {
		conn, err := c.session("FETCH")
		if err != nil {
			return err
		}
		fi := []imap.FetchItem{imap.FetchUid}
		for _, it := range items {
			if it != mailbox.ItemUID {
				fi = append(fi, imap.FetchItem(it))
			}
		}
		h = &fetchHandler{uid: uid}
		cmd := &commands.Uid{Cmd: &commands.Fetch{SeqSet: seqSet(uid), Items: fi}}
		if err := statusErr(conn.Execute(cmd, h)); err != nil {
			return err
		}
		if h.err != nil {
			return &mailbox.ProtocolError{Op: "FETCH", Err: h.err}
		}
		if !h.found {
			return errors.Wrapf(mailbox.ErrNotFound, "uid %d in %s", uid, c.selected)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "fetching uid %d", uid)
	}
	return h.res, nil
}

// appendUID reads the UID from an APPENDUID response code.
func appendUID(status *imap.StatusResp) uint32 {
	if status == nil || !strings.EqualFold(string(status.Code), "APPENDUID") || len(status.Arguments) < 2 {
		return 0
	}
	uid, err := imap.ParseNumber(status.Arguments[1])
	if err != nil {
		return 0
	}
	return uid
}

// messageID returns the Message-ID header of raw, or "".
func messageID(raw []byte) string {
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil && h.Len() == 0 {
		return ""
	}
	return strings.TrimSpace(h.Get("Message-Id"))
}

// Append uploads raw.  If a connection error leaves the outcome of an
// attempt unknown, the folder is searched for the message's
// Message-ID before appending again, so a retry never duplicates it.
func (c *Client) Append(ctx context.Context, folder string, raw []byte, flags []string, date time.Time) (uint32, error) {
	id := messageID(raw)
	var floor uint32
	if id != "" && c.selected == folder {
		err := c.run(ctx, "SEARCH", func() (err error) {
			floor, err = c.appendFloor(id)
			return err
		})
		if err != nil {
			return 0, errors.Wrapf(err, "searching %q before append", folder)
		}
	}
	var uid uint32
	attempted := false
	err := c.run(ctx, "APPEND", func() error {
		if attempted {
			found, err := c.findAppended(folder, id, floor)
			if err != nil {
				return err
			}
			if found != 0 {
				c.log.Info().Uint32("uid", found).Str("message_id", id).Msg("earlier APPEND attempt succeeded")
				uid = found
				return nil
			}
		}
		attempted = true
		status, err := c.appendFn(&commands.Append{
			Mailbox: folder,
			Flags:   flags,
			Date:    date,
			Message: bytes.NewBuffer(raw),
		})
		if err := statusErr(status, err); err != nil {
			return err
		}
		uid = appendUID(status)
		return nil
	})
	if err != nil {
		return 0, errors.Wrapf(err, "appending to %q", folder)
	}
	c.log.Debug().Str("folder", folder).Uint32("uid", uid).Int("bytes", len(raw)).Msg("appended")
	return uid, nil
}

func (c *Client) execAppend(cmd *commands.Append) (*imap.StatusResp, error) {
	conn, err := c.session("APPEND")
	if err != nil {
		return nil, err
	}
	return conn.Execute(cmd, nil)
}

// appendFloor returns the lowest UID a new copy of the message with
// Message-ID id can get in the selected folder.  Copies stored before,
// such as one left by an earlier failed run, lie below it.
func (c *Client) appendFloor(id string) (uint32, error) {
	uids, err := c.search(mailbox.Criteria{MessageID: id}.Terms())
	if err != nil {
		return 0, err
	}
	floor := c.uidNext
	for _, u := range uids {
		if u >= floor {
			floor = u + 1
		}
	}
	if floor == 0 {
		floor = 1
	}
	return floor, nil
}

// findAppended looks for a message appended by an earlier attempt:
// one with the same Message-ID and a UID at or above floor.
func (c *Client) findAppended(folder, id string, floor uint32) (uint32, error) {
	if id == "" || floor == 0 || c.selected != folder {
		return 0, &mailbox.ProtocolError{Op: "APPEND", Err: ErrAmbiguousAppend}
	}
	uids, err := c.search(mailbox.Criteria{MessageID: id}.Terms())
	if err != nil {
		return 0, err
	}
	var found uint32
	for _, u := range uids {
		if u >= floor && u > found {
			found = u
		}
	}
	return found, nil
}

func labelValues(labels []string) []interface{} {
	v := make([]interface{}, len(labels))
	for i, l := range labels {
		if strings.HasPrefix(l, `\`) {
			v[i] = imap.RawString(l)
		} else {
			v[i] = encodeLabel(l)
		}
	}
	return v
}

func (c *Client) storeLabels(uid uint32, labels []string, op mailbox.LabelOp) error {
	conn, err := c.session("STORE")
	if err != nil {
		return err
	}
	cmd := &commands.Uid{Cmd: &commands.Store{
		SeqSet: seqSet(uid),
		Item:   imap.StoreItem(op.String()),
		Value:  labelValues(labels),
	}}
	return statusErr(conn.Execute(cmd, nil))
}

// StoreLabels adds or removes Gmail labels.
func (c *Client) StoreLabels(ctx context.Context, uid uint32, labels []string, op mailbox.LabelOp) error {
	if len(labels) == 0 {
		return nil
	}
	err := c.run(ctx, "STORE", func() error {
		return c.storeLabels(uid, labels, op)
	})
	return errors.Wrapf(err, "storing %s %v on uid %d", op, labels, uid)
}

func (c *Client) StoreFlags(ctx context.Context, uid uint32, flags []string, add bool) error {
	var op imap.FlagsOp = imap.AddFlags
	if !add {
		op = imap.RemoveFlags
	}
	value := make([]interface{}, len(flags))
	for i, f := range flags {
		value[i] = f
	}
	err := c.run(ctx, "STORE", func() error {
		conn, err := c.session("STORE")
		if err != nil {
			return err
		}
		return conn.UidStore(seqSet(uid), imap.FormatFlagsOp(op, true), value, nil)
	})
	return errors.Wrapf(err, "storing flags %v on uid %d", flags, uid)
}

// MoveToTrash moves a message to Trash the Gmail way, by labeling it
// \Trash and dropping \Inbox.  Deleting it from All Mail would not
// remove it from the account.
func (c *Client) MoveToTrash(ctx context.Context, uid uint32) error {
	if err := c.StoreLabels(ctx, uid, []string{mailbox.LabelTrash}, mailbox.AddLabels); err != nil {
		return errors.Wrap(err, "moving to trash")
	}
	// Once in Trash the message may already have left the selected
	// folder, so a rejected second step is not an error.
	err := c.StoreLabels(ctx, uid, []string{mailbox.LabelInbox}, mailbox.RemoveLabels)
	if err != nil && !mailbox.IsConnection(err) {
		c.log.Warn().Err(err).Uint32("uid", uid).Msg("removing \\Inbox after trashing")
		return nil
	}
	return err
}

func (c *Client) Expunge(ctx context.Context) error {
	err := c.run(ctx, "EXPUNGE", func() error {
		conn, err := c.session("EXPUNGE")
		if err != nil {
			return err
		}
		return conn.Expunge(nil)
	})
	return errors.Wrap(err, "expunging")
}
