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

package bodystructure

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// tokenizer turns an IMAP s-expression into nested []interface{}
// values holding strings and nils, the same shape the IMAP response
// reader produces.
type tokenizer struct {
	s   string
	pos int
}

// Tokenize parses the textual BODYSTRUCTURE value, with or without a
// leading "BODYSTRUCTURE" keyword, into its field list.
func Tokenize(s string) ([]interface{}, error) {
	s = strings.TrimSpace(s)
	if len(s) > 13 && strings.EqualFold(s[:13], "BODYSTRUCTURE") {
		s = strings.TrimSpace(s[13:])
	}
	t := &tokenizer{s: s}
	t.skipSpace()
	if t.pos >= len(t.s) || t.s[t.pos] != '(' {
		return nil, errors.Errorf("bodystructure: expected '(' at offset %d", t.pos)
	}
	v, err := t.value()
	if err != nil {
		return nil, err
	}
	t.skipSpace()
	if t.pos != len(t.s) {
		return nil, errors.Errorf("bodystructure: trailing data at offset %d", t.pos)
	}
	return v.([]interface{}), nil
}

func (t *tokenizer) skipSpace() {
	for t.pos < len(t.s) {
		switch t.s[t.pos] {
		case ' ', '\t', '\r', '\n':
			t.pos++
		default:
			return
		}
	}
}

func (t *tokenizer) value() (interface{}, error) {
	t.skipSpace()
	if t.pos >= len(t.s) {
		return nil, errors.New("bodystructure: unexpected end of input")
	}
	switch t.s[t.pos] {
	case '(':
		return t.list()
	case '"':
		return t.quoted()
	case '{':
		return t.literal()
	case ')':
		return nil, errors.Errorf("bodystructure: unexpected ')' at offset %d", t.pos)
	}
	return t.atom(), nil
}

func (t *tokenizer) list() (interface{}, error) {
	t.pos++ // '('
	fields := []interface{}{}
	for {
		t.skipSpace()
		if t.pos >= len(t.s) {
			return nil, errors.New("bodystructure: unterminated list")
		}
		if t.s[t.pos] == ')' {
			t.pos++
			return fields, nil
		}
		v, err := t.value()
		if err != nil {
			return nil, err
		}
		fields = append(fields, v)
	}
}

func (t *tokenizer) quoted() (interface{}, error) {
	t.pos++ // '"'
	var sb strings.Builder
	for t.pos < len(t.s) {
		c := t.s[t.pos]
		switch c {
		case '\\':
			if t.pos+1 >= len(t.s) {
				return nil, errors.New("bodystructure: dangling escape")
			}
			sb.WriteByte(t.s[t.pos+1])
			t.pos += 2
		case '"':
			t.pos++
			return sb.String(), nil
		default:
			sb.WriteByte(c)
			t.pos++
		}
	}
	return nil, errors.New("bodystructure: unterminated quoted string")
}

func (t *tokenizer) literal() (interface{}, error) {
	end := strings.IndexByte(t.s[t.pos:], '}')
	if end < 0 {
		return nil, errors.New("bodystructure: unterminated literal length")
	}
	spec := strings.TrimSuffix(t.s[t.pos+1:t.pos+end], "+")
	n, err := strconv.Atoi(spec)
	if err != nil || n < 0 {
		return nil, errors.Errorf("bodystructure: bad literal length %q", spec)
	}
	t.pos += end + 1
	if strings.HasPrefix(t.s[t.pos:], "\r\n") {
		t.pos += 2
	} else if strings.HasPrefix(t.s[t.pos:], "\n") {
		t.pos++
	}
	if t.pos+n > len(t.s) {
		return nil, errors.New("bodystructure: literal exceeds input")
	}
	v := t.s[t.pos : t.pos+n]
	t.pos += n
	return v, nil
}

func (t *tokenizer) atom() interface{} {
	start := t.pos
	for t.pos < len(t.s) {
		c := t.s[t.pos]
		if c == ' ' || c == '(' || c == ')' || c == '\t' || c == '\r' || c == '\n' {
			break
		}
		t.pos++
	}
	a := t.s[start:t.pos]
	if strings.EqualFold(a, "NIL") {
		return nil
	}
	return a
}
