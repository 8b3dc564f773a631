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

// Package bodystructure interprets IMAP BODYSTRUCTURE responses,
// locating attachments without downloading message bodies.
package bodystructure

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/mwilczynska/gmail-clean-and-backup/internal/message"
)

// MaxDepth bounds recursion on pathological structures.  Parts nested
// deeper are ignored.
const MaxDepth = 20

var encryptedTypes = map[string]bool{
	"application/pkcs7-mime":    true,
	"application/x-pkcs7-mime":  true,
	"application/pgp-encrypted": true,
	"multipart/encrypted":       true,
}

// IsEncrypted reports whether a lower case media type is an encrypted
// container.
func IsEncrypted(mediaType string) bool {
	return encryptedTypes[mediaType]
}

// Part is one node of a parsed BODYSTRUCTURE.
type Part struct {
	// Dotted, 1-based IMAP section number.  A multipart root has
	// an empty number; a single part message is "1".
	Number string

	// Lower case.
	Type    string
	Subtype string

	// Content-Type parameters, keys lower case.
	Params map[string]string

	ID          string
	Description string
	Encoding    string
	Size        int64

	// Lower case disposition ("attachment", "inline") or empty.
	Disposition       string
	DispositionParams map[string]string

	Parts []*Part

	// Depth of this node, the root being 1.
	Depth int

	// Set when this node or any descendant is an encrypted type.
	Encrypted bool
}

func (p *Part) MediaType() string {
	return p.Type + "/" + p.Subtype
}

func (p *Part) Multipart() bool {
	return p.Type == "multipart"
}

// Parse parses the textual form of a BODYSTRUCTURE.
func Parse(s string) (*Part, error) {
	fields, err := Tokenize(s)
	if err != nil {
		return nil, err
	}
	return FromFields(fields)
}

// FromFields builds the part tree from the field list of a
// BODYSTRUCTURE.  Values must be strings, nils or nested
// []interface{} lists.
func FromFields(fields []interface{}) (*Part, error) {
	if len(fields) == 0 {
		return nil, errors.New("bodystructure: empty structure")
	}
	if _, ok := fields[0].([]interface{}); ok {
		return build(fields, "", 1)
	}
	return build(fields, "1", 1)
}

func build(fields []interface{}, number string, depth int) (*Part, error) {
	if len(fields) == 0 {
		return nil, errors.Errorf("bodystructure: empty part %q", number)
	}
	if _, ok := fields[0].([]interface{}); ok {
		return buildMultipart(fields, number, depth)
	}
	return buildLeaf(fields, number, depth)
}

func childNumber(parent string, i int) string {
	if parent == "" {
		return strconv.Itoa(i + 1)
	}
	return parent + "." + strconv.Itoa(i+1)
}

func buildMultipart(fields []interface{}, number string, depth int) (*Part, error) {
	p := &Part{Number: number, Type: "multipart", Depth: depth}
	i := 0
	for ; i < len(fields); i++ {
		child, ok := fields[i].([]interface{})
		if !ok {
			break
		}
		if depth >= MaxDepth {
			continue
		}
		c, err := build(child, childNumber(number, i), depth+1)
		if err != nil {
			return nil, err
		}
		if c.Encrypted {
			p.Encrypted = true
		}
		p.Parts = append(p.Parts, c)
	}
	if i < len(fields) {
		p.Subtype = strings.ToLower(str(fields[i]))
		i++
	}
	if p.Subtype == "" {
		p.Subtype = "mixed"
	}
	if i < len(fields) {
		p.Params = params(fields[i])
		i++
	}
	if i < len(fields) {
		p.Disposition, p.DispositionParams = disposition(fields[i])
	}
	if encryptedTypes[p.MediaType()] {
		p.Encrypted = true
	}
	return p, nil
}

func buildLeaf(fields []interface{}, number string, depth int) (*Part, error) {
	if len(fields) < 2 {
		return nil, errors.Errorf("bodystructure: part %q has %d fields", number, len(fields))
	}
	p := &Part{
		Number:  number,
		Type:    strings.ToLower(str(fields[0])),
		Subtype: strings.ToLower(str(fields[1])),
		Depth:   depth,
	}
	if len(fields) > 2 {
		p.Params = params(fields[2])
	}
	if len(fields) > 3 {
		p.ID = strings.Trim(str(fields[3]), "<>")
	}
	if len(fields) > 4 {
		p.Description = str(fields[4])
	}
	if len(fields) > 5 {
		p.Encoding = strings.ToUpper(str(fields[5]))
	}
	if len(fields) > 6 {
		n, _ := strconv.ParseInt(str(fields[6]), 10, 64)
		p.Size = n
	}
	p.Disposition, p.DispositionParams = findDisposition(p, fields)
	p.Encrypted = encryptedTypes[p.MediaType()]
	return p, nil
}

// Extension data follows a type specific number of basic fields.
func dispositionIndex(p *Part) int {
	switch {
	case p.Type == "text":
		return 9 // lines, md5
	case p.Type == "message" && p.Subtype == "rfc822":
		return 11 // envelope, body, lines, md5
	}
	return 8 // md5
}

func findDisposition(p *Part, fields []interface{}) (string, map[string]string) {
	if i := dispositionIndex(p); i < len(fields) {
		if d, dp := disposition(fields[i]); d != "" {
			return d, dp
		}
	}
	// Some servers omit the MD5 slot; look for the first list that
	// has the shape of a disposition.
	for i := 7; i < len(fields); i++ {
		l, ok := fields[i].([]interface{})
		if !ok || len(l) == 0 {
			continue
		}
		switch strings.ToLower(str(l[0])) {
		case "attachment", "inline":
			return disposition(l)
		}
	}
	return "", nil
}

func disposition(v interface{}) (string, map[string]string) {
	l, ok := v.([]interface{})
	if !ok || len(l) == 0 {
		return "", nil
	}
	d := strings.ToLower(str(l[0]))
	if len(l) > 1 {
		return d, params(l[1])
	}
	return d, nil
}

func params(v interface{}) map[string]string {
	l, ok := v.([]interface{})
	if !ok || len(l) < 2 {
		return nil
	}
	m := make(map[string]string, len(l)/2)
	for i := 0; i+1 < len(l); i += 2 {
		m[strings.ToLower(str(l[i]))] = str(l[i+1])
	}
	return m
}

func str(v interface{}) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case []interface{}:
		return ""
	}
	return fmt.Sprint(v)
}

// Result summarizes a BODYSTRUCTURE for the scanner.
type Result struct {
	Attachments []message.Attachment
	Encrypted   bool

	// Maximum nesting depth, 1 for a single part message.
	Depth int
}

// Analyze walks the tree and lists the parts that are attachments:
// any part with a disposition or a filename, except text bodies
// without a filename.
func Analyze(root *Part) Result {
	res := Result{Depth: 1}
	if root == nil {
		return res
	}
	res.Encrypted = root.Encrypted
	walk(root, &res)
	return res
}

func walk(p *Part, res *Result) {
	if p.Depth > res.Depth {
		res.Depth = p.Depth
	}
	if p.Multipart() {
		for _, c := range p.Parts {
			walk(c, res)
		}
		return
	}
	if encryptedTypes[p.MediaType()] {
		return
	}
	name, explicit := Filename(p)
	if !explicit && (p.MediaType() == "text/plain" || p.MediaType() == "text/html") {
		return
	}
	// Without a disposition, a part with a Content-ID is referenced
	// from the body.
	disp := message.DispositionAttachment
	switch {
	case p.Disposition == "inline":
		disp = message.DispositionInline
	case p.Disposition == "" && (!explicit || p.ID != ""):
		disp = message.DispositionInline
	}
	res.Attachments = append(res.Attachments, message.Attachment{
		Filename:    name,
		ContentType: p.MediaType(),
		Size:        p.Size,
		Disposition: disp,
		PartNumber:  p.Number,
		ContentID:   p.ID,
		Encoding:    p.Encoding,
	})
}
