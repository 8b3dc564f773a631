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

// Package validate compares a reconstructed message with its original
// before anything is uploaded.
package validate

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/mwilczynska/gmail-clean-and-backup/internal/bodystructure"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/mimetree"
)

// CriticalHeaders must survive reconstruction byte for byte, since
// threading and deduplication depend on them.
var CriticalHeaders = []string{
	"Message-ID",
	"Date",
	"From",
	"Subject",
	"In-Reply-To",
	"References",
}

// MaxMessageSize is the largest message Preflight accepts.
const MaxMessageSize = 50 << 20

type Result struct {
	Valid        bool
	HeaderIssues []string
	MIMEIssues   []string
	BodyIssues   []string
	Warnings     []string

	OriginalSize      int
	ReconstructedSize int
}

// Error reports a failed validation.
type Error struct {
	Result Result
}

func (e *Error) Error() string {
	var issues []string
	issues = append(issues, e.Result.HeaderIssues...)
	issues = append(issues, e.Result.MIMEIssues...)
	issues = append(issues, e.Result.BodyIssues...)
	return "validation failed: " + strings.Join(issues, "; ")
}

// Err returns nil for a valid result and an *Error otherwise.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return &Error{Result: r}
}

// Validate checks that reconstructed keeps the critical headers and
// the text of original and that its MIME structure is sound.
func Validate(original, reconstructed []byte) Result {
	res := Result{OriginalSize: len(original), ReconstructedSize: len(reconstructed)}
	orig, err := mimetree.Parse(original)
	if err != nil {
		res.MIMEIssues = append(res.MIMEIssues, fmt.Sprintf("original does not parse: %v", err))
		return res
	}
	rec, err := mimetree.Parse(reconstructed)
	if err != nil {
		res.MIMEIssues = append(res.MIMEIssues, fmt.Sprintf("reconstructed does not parse: %v", err))
		return res
	}

	res.HeaderIssues = compareHeaders(orig, rec)
	res.MIMEIssues = checkMIME(rec)
	if !bodyContained(orig, rec) {
		res.BodyIssues = append(res.BodyIssues, "original text/plain body is not contained in reconstructed message")
	}

	if len(reconstructed) > len(original) {
		res.Warnings = append(res.Warnings, fmt.Sprintf("reconstructed message is larger (%d > %d bytes)", len(reconstructed), len(original)))
	}
	if a, b := countParts(orig), countParts(rec); a != b {
		res.Warnings = append(res.Warnings, fmt.Sprintf("part count changed from %d to %d", a, b))
	}
	res.Valid = len(res.HeaderIssues) == 0 && len(res.MIMEIssues) == 0 && len(res.BodyIssues) == 0
	return res
}

// rawFields returns every occurrence of a header field as it appears
// on the wire.
func rawFields(n *mimetree.Node, key string) [][]byte {
	h := n.Header()
	var out [][]byte
	fields := h.FieldsByKey(key)
	for fields.Next() {
		raw, err := fields.Raw()
		if err != nil {
			v := fields.Value()
			raw = []byte(v)
		}
		out = append(out, raw)
	}
	return out
}

func compareHeaders(orig, rec *mimetree.Node) []string {
	var issues []string
	for _, k := range CriticalHeaders {
		a, b := rawFields(orig, k), rawFields(rec, k)
		switch {
		case len(a) > 0 && len(b) == 0:
			issues = append(issues, "missing critical header: "+k)
		case len(a) != len(b):
			issues = append(issues, "modified critical header: "+k)
		default:
			for i := range a {
				if !bytes.Equal(a[i], b[i]) {
					issues = append(issues, "modified critical header: "+k)
					break
				}
			}
		}
	}
	return issues
}

func checkMIME(root *mimetree.Node) []string {
	var issues []string
	h := root.Header()
	if !h.Has("Content-Type") {
		issues = append(issues, "missing Content-Type header")
	}
	root.Walk(func(number string, n *mimetree.Node) error {
		if !n.IsMultipart() {
			return nil
		}
		where := "message"
		if number != "" {
			where = "part " + number
		}
		if n.Boundary() == "" {
			issues = append(issues, where+": multipart without boundary")
		}
		if len(n.Parts()) == 0 {
			issues = append(issues, where+": multipart has no parts")
		}
		return nil
	})
	return issues
}

// text concatenates the decoded text/plain leaves of a message.
func text(root *mimetree.Node) string {
	var parts []string
	root.Walk(func(_ string, n *mimetree.Node) error {
		if n.IsMultipart() {
			return nil
		}
		if mt, _ := n.MediaType(); mt != "text/plain" {
			return nil
		}
		if d, _ := n.Disposition(); d == "attachment" {
			return nil
		}
		b, err := n.Decoded()
		if err != nil {
			b = n.Body()
		}
		parts = append(parts, string(b))
		return nil
	})
	return strings.Join(parts, "\n")
}

func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func bodyContained(orig, rec *mimetree.Node) bool {
	want := normalize(text(orig))
	if want == "" {
		return true
	}
	return strings.Contains(normalize(text(rec)), want)
}

func countParts(root *mimetree.Node) int {
	n := 0
	root.Walk(func(_ string, p *mimetree.Node) error {
		if !p.IsMultipart() {
			n++
		}
		return nil
	})
	return n
}

// Preflight lists the reasons a raw message cannot be processed at
// all, before any reconstruction is attempted.
func Preflight(raw []byte) ([]string, error) {
	root, err := mimetree.Parse(raw)
	if err != nil {
		return nil, errors.Wrap(err, "parsing message")
	}
	var reasons []string
	h := root.Header()
	if mt, _ := root.MediaType(); bodystructure.IsEncrypted(mt) {
		reasons = append(reasons, "message is encrypted (S/MIME or PGP)")
	}
	if strings.TrimSpace(h.Get("Message-Id")) == "" {
		reasons = append(reasons, "missing Message-ID header")
	}
	if !h.Has("Content-Type") {
		reasons = append(reasons, "missing Content-Type header")
	}
	if len(raw) > MaxMessageSize {
		reasons = append(reasons, fmt.Sprintf("message exceeds %d MB", MaxMessageSize>>20))
	}
	return reasons, nil
}
