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

package mailbox

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mwilczynska/gmail-clean-and-backup/internal/units"
)

// Criteria selects messages.  All set conditions must hold.  Size,
// attachment and label conditions use Gmail's search grammar.
type Criteria struct {
	HasAttachment bool
	MinSize       int64
	MaxSize       int64
	Before        time.Time
	Since         time.Time
	From          string
	Labels        []string
	ExcludeLabels []string

	// GmailRaw is a free form Gmail query.  When set every other
	// condition is ignored.
	GmailRaw string

	// MessageID matches the Message-ID header exactly.
	MessageID string
}

// Term is one SEARCH argument.  Quoted terms are sent as strings,
// the rest as atoms.
type Term struct {
	Value  string
	Quoted bool
}

func atom(s string) Term   { return Term{Value: s} }
func quoted(s string) Term { return Term{Value: s, Quoted: true} }

func gmailRaw(q string) []Term {
	return []Term{atom("X-GM-RAW"), quoted(q)}
}

// Terms renders the criteria as SEARCH arguments.
func (c Criteria) Terms() []Term {
	if c.GmailRaw != "" {
		return gmailRaw(c.GmailRaw)
	}
	var t []Term
	if c.MessageID != "" {
		t = append(t, atom("HEADER"), quoted("Message-ID"), quoted(c.MessageID))
	}
	if c.HasAttachment {
		t = append(t, gmailRaw("has:attachment")...)
	}
	if c.MinSize > 0 {
		t = append(t, gmailRaw("larger:"+gmailSize(c.MinSize))...)
	}
	if c.MaxSize > 0 {
		t = append(t, gmailRaw("smaller:"+gmailSize(c.MaxSize))...)
	}
	if !c.Before.IsZero() {
		t = append(t, atom("BEFORE"), atom(units.IMAPDate(c.Before)))
	}
	if !c.Since.IsZero() {
		t = append(t, atom("SINCE"), atom(units.IMAPDate(c.Since)))
	}
	if c.From != "" {
		t = append(t, atom("FROM"), quoted(c.From))
	}
	for _, l := range c.Labels {
		t = append(t, gmailRaw("label:"+l)...)
	}
	for _, l := range c.ExcludeLabels {
		t = append(t, gmailRaw("-label:"+l)...)
	}
	if len(t) == 0 {
		return []Term{atom("ALL")}
	}
	return t
}

// gmailSize writes whole megabytes from 1MiB up, else whole kilobytes.
func gmailSize(n int64) string {
	if n >= units.MiB {
		return strconv.FormatInt(n/units.MiB, 10) + "M"
	}
	return strconv.FormatInt(n/units.KiB, 10) + "K"
}

func (c Criteria) String() string {
	var parts []string
	for _, t := range c.Terms() {
		if t.Quoted {
			parts = append(parts, fmt.Sprintf("%q", t.Value))
			continue
		}
		parts = append(parts, t.Value)
	}
	return strings.Join(parts, " ")
}
