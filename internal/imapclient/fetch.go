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
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/responses"
	"github.com/emersion/go-imap/utf7"
	"github.com/pkg/errors"

	"github.com/mwilczynska/gmail-clean-and-backup/internal/bodystructure"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/mailbox"
)

// fetchHandler collects the FETCH responses for one UID.  Responses
// for other messages are left to the client's unilateral handler.
type fetchHandler struct {
	uid   uint32
	res   *mailbox.FetchResult
	found bool
	err   error
}

func (h *fetchHandler) Handle(resp imap.Resp) error {
	name, fields, ok := imap.ParseNamedResp(resp)
	if !ok || name != "FETCH" || len(fields) < 2 {
		return responses.ErrUnhandled
	}
	list, ok := fields[1].([]interface{})
	if !ok {
		return responses.ErrUnhandled
	}
	r, err := parseFetch(list)
	if err != nil {
		if h.err == nil {
			h.err = err
		}
		return nil
	}
	if r.UID != h.uid {
		return responses.ErrUnhandled
	}
	h.found = true
	if h.res == nil {
		h.res = r
		return nil
	}
	merge(h.res, r)
	return nil
}

// merge folds a second FETCH response for the same message into dst.
// Gmail may split large responses.
func merge(dst, src *mailbox.FetchResult) {
	if src.Size != 0 {
		dst.Size = src.Size
	}
	if src.Flags != nil {
		dst.Flags = src.Flags
	}
	if !src.InternalDate.IsZero() {
		dst.InternalDate = src.InternalDate
	}
	if src.Header != nil {
		dst.Header = src.Header
	}
	if src.Raw != nil {
		dst.Raw = src.Raw
	}
	for k, v := range src.Sections {
		if dst.Sections == nil {
			dst.Sections = map[string][]byte{}
		}
		dst.Sections[k] = v
	}
	if src.BodyStructure != nil {
		dst.BodyStructure = src.BodyStructure
	}
	if src.GmailMsgID != 0 {
		dst.GmailMsgID = src.GmailMsgID
	}
	if src.GmailThreadID != 0 {
		dst.GmailThreadID = src.GmailThreadID
	}
	if src.Labels != nil {
		dst.Labels = src.Labels
	}
}

// parseFetch decodes the attribute list of a FETCH response.
func parseFetch(list []interface{}) (*mailbox.FetchResult, error) {
	r := &mailbox.FetchResult{}
	for i := 0; i+1 < len(list); i += 2 {
		key, ok := list[i].(string)
		if !ok {
			return nil, errors.Errorf("FETCH item name %v is not an atom", list[i])
		}
		v := list[i+1]
		var err error
		switch k := strings.ToUpper(key); {
		case k == "UID":
			r.UID, err = imap.ParseNumber(v)
		case k == "RFC822.SIZE":
			var n uint32
			n, err = imap.ParseNumber(v)
			r.Size = int64(n)
		case k == "FLAGS":
			r.Flags, err = imap.ParseStringList(v)
		case k == "INTERNALDATE":
			r.InternalDate, err = parseDateTime(v)
		case k == "BODYSTRUCTURE":
			l, ok := v.([]interface{})
			if !ok {
				return nil, errors.New("BODYSTRUCTURE is not a list")
			}
			var fields []interface{}
			if fields, err = normalize(l); err == nil {
				r.BodyStructure, err = bodystructure.FromFields(fields)
			}
		case k == "X-GM-MSGID":
			r.GmailMsgID, err = parseUint64(v)
		case k == "X-GM-THRID":
			r.GmailThreadID, err = parseUint64(v)
		case k == "X-GM-LABELS":
			r.Labels, err = parseLabels(v)
		case strings.HasPrefix(k, "BODY[") || strings.HasPrefix(k, "BINARY["):
			err = parseSection(r, key, v)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "FETCH %s", key)
		}
	}
	return r, nil
}

func parseSection(r *mailbox.FetchResult, key string, v interface{}) error {
	open := strings.IndexByte(key, '[')
	end := strings.LastIndexByte(key, ']')
	if end < open {
		return errors.Errorf("malformed section %q", key)
	}
	section := strings.ToUpper(key[open+1 : end])
	b, err := literalBytes(v)
	if err != nil {
		return err
	}
	switch section {
	case "":
		r.Raw = b
	case "HEADER":
		r.Header = b
	default:
		if r.Sections == nil {
			r.Sections = map[string][]byte{}
		}
		r.Sections[section] = b
	}
	return nil
}

func literalBytes(v interface{}) ([]byte, error) {
	switch v := v.(type) {
	case nil:
		return []byte{}, nil
	case string:
		return []byte(v), nil
	case imap.Literal:
		b := make([]byte, v.Len())
		if _, err := io.ReadFull(v, b); err != nil {
			return nil, err
		}
		return b, nil
	}
	return nil, errors.Errorf("unexpected section value %T", v)
}

func parseDateTime(v interface{}) (time.Time, error) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, errors.Errorf("INTERNALDATE %v is not a string", v)
	}
	return time.Parse(imap.DateTimeLayout, s)
}

func parseUint64(v interface{}) (uint64, error) {
	s, ok := v.(string)
	if !ok {
		return 0, errors.Errorf("%v is not a number", v)
	}
	return strconv.ParseUint(s, 10, 64)
}

func parseLabels(v interface{}) ([]string, error) {
	l, err := imap.ParseStringList(v)
	if err != nil {
		return nil, err
	}
	labels := make([]string, 0, len(l))
	for _, s := range l {
		labels = append(labels, decodeLabel(s))
	}
	return labels, nil
}

// decodeLabel decodes a modified UTF-7 label, leaving labels that are
// not valid modified UTF-7 unchanged.
func decodeLabel(s string) string {
	if strings.HasPrefix(s, `\`) {
		return s
	}
	d, err := utf7.Encoding.NewDecoder().String(s)
	if err != nil {
		return s
	}
	return d
}

func encodeLabel(s string) string {
	e, err := utf7.Encoding.NewEncoder().String(s)
	if err != nil {
		return s
	}
	return e
}

// normalize converts literals in a BODYSTRUCTURE to strings, giving
// the shape bodystructure.FromFields expects.
func normalize(l []interface{}) ([]interface{}, error) {
	out := make([]interface{}, len(l))
	for i, v := range l {
		switch v := v.(type) {
		case []interface{}:
			n, err := normalize(v)
			if err != nil {
				return nil, err
			}
			out[i] = n
		case imap.Literal:
			b, err := literalBytes(v)
			if err != nil {
				return nil, err
			}
			out[i] = string(b)
		case imap.RawString:
			out[i] = string(v)
		default:
			out[i] = v
		}
	}
	return out, nil
}
