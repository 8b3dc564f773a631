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

// Package reconstruct rebuilds a message with its attachments replaced
// by a text notice saying where each one was backed up.
package reconstruct

import (
	"bytes"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/textproto"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	msg "github.com/mwilczynska/gmail-clean-and-backup/internal/message"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/mimetree"
)

const DefaultTemplate = `[Attachment Removed]
Filename: {{.Filename}}
Original Size: {{.Size}}
Content Type: {{.ContentType}}
Backup Location: {{.BackupPath}}
Processed: {{.Processed}}
Tool: gmail-clean-and-backup`

// Separator joins the notices of several attachments removed from the
// same multipart.
const Separator = "\n\n---\n\n"

// Options control reconstruction.
type Options struct {
	// Keep attachments that carry a Content-ID, since the body may
	// reference them.
	PreserveInline bool

	// Placeholder text, a text/template over Notice.  Empty selects
	// DefaultTemplate.
	Template string

	Now func() time.Time
}

func DefaultOptions() Options {
	return Options{PreserveInline: true}
}

// Notice is the data available to the placeholder template.
type Notice struct {
	Filename    string
	Size        string
	ContentType string
	BackupPath  string
	Processed   string
}

// Reconstructor strips attachments from raw messages.
type Reconstructor struct {
	opts Options
	tmpl *template.Template
	log  zerolog.Logger
}

func New(opts Options, log zerolog.Logger) (*Reconstructor, error) {
	text := opts.Template
	if text == "" {
		text = DefaultTemplate
	}
	tmpl, err := template.New("placeholder").Parse(text)
	if err != nil {
		return nil, errors.Wrap(err, "parsing placeholder template")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Reconstructor{opts: opts, tmpl: tmpl, log: log}, nil
}

// stripSet answers whether a part is one of the attachments to remove.
type stripSet struct {
	byName   map[string]msg.Attachment
	byNumber map[string]msg.Attachment
	paths    map[string]string
}

func newStripSet(toStrip []msg.Attachment, saved []msg.SavedAttachment) *stripSet {
	s := &stripSet{
		byName:   map[string]msg.Attachment{},
		byNumber: map[string]msg.Attachment{},
		paths:    map[string]string{},
	}
	for _, a := range toStrip {
		s.byName[a.Filename] = a
		s.byNumber[a.PartNumber] = a
	}
	for _, sa := range saved {
		s.paths[sa.OriginalFilename] = sa.Path
	}
	return s
}

// match returns the attachment a leaf corresponds to.  Parts are
// matched by filename, or by section number when the media type agrees,
// which covers attachments that carry no name.
func (s *stripSet) match(number string, n *mimetree.Node) (msg.Attachment, bool) {
	if name := n.Filename(); name != "" {
		if a, ok := s.byName[name]; ok {
			return a, true
		}
	}
	if a, ok := s.byNumber[number]; ok {
		if mt, _ := n.MediaType(); mt == a.ContentType {
			return a, true
		}
	}
	return msg.Attachment{}, false
}

// ErrNothingRemoved is returned when none of the attachments to strip
// could be removed.
var ErrNothingRemoved = errors.New("no attachment could be removed")

// Reconstruct returns raw with the listed attachments removed.  The
// result is always a complete message in CRLF framing.  If toStrip is
// not empty but no part was removed, it returns raw unchanged and
// ErrNothingRemoved.
func (r *Reconstructor) Reconstruct(raw []byte, toStrip []msg.Attachment, saved []msg.SavedAttachment) ([]byte, error) {
	root, err := mimetree.Parse(raw)
	if err != nil {
		return nil, errors.Wrap(err, "parsing original")
	}
	s := newStripSet(toStrip, saved)
	now := r.opts.Now()

	var out *mimetree.Node
	if root.IsMultipart() {
		out, err = r.multipart(root, "", s, now)
	} else {
		out, err = r.single(root, s, now)
	}
	if err != nil {
		return nil, err
	}
	if out == root && len(toStrip) > 0 {
		return raw, ErrNothingRemoved
	}
	out = assertContentType(root, out)
	b, err := out.Bytes()
	return b, errors.Wrap(err, "serializing")
}

// single handles a message that is one part.  If that part is itself
// an attachment to strip, the body becomes the notice and the other
// headers stay.
func (r *Reconstructor) single(root *mimetree.Node, s *stripSet, now time.Time) (*mimetree.Node, error) {
	a, ok := s.match("1", root)
	if !ok {
		return root, nil
	}
	text, err := r.notice(a, s, now)
	if err != nil {
		return nil, err
	}
	h := root.Header()
	for _, k := range []string{"Content-Type", "Content-Transfer-Encoding", "Content-Disposition", "Content-Id", "Content-Description"} {
		h.Del(k)
	}
	r.log.Debug().Str("filename", a.Filename).Msg("replacing single part message body")
	return textPart(h, text, true)
}

// multipart transforms n bottom up.  Unchanged subtrees are shared
// with the original.
func (r *Reconstructor) multipart(n *mimetree.Node, number string, s *stripSet, now time.Time) (*mimetree.Node, error) {
	var parts []*mimetree.Node
	var notices []string
	changed := false
	for i, p := range n.Parts() {
		num := child(number, i)
		if p.IsMultipart() {
			np, err := r.multipart(p, num, s, now)
			if err != nil {
				return nil, err
			}
			if np != p {
				changed = true
			}
			parts = append(parts, np)
			continue
		}
		a, ok := s.match(num, p)
		if !ok {
			parts = append(parts, p)
			continue
		}
		if r.opts.PreserveInline && referenced(p) {
			r.log.Debug().Str("part", num).Str("content_id", p.ContentID()).Msg("keeping referenced part")
			parts = append(parts, p)
			continue
		}
		text, err := r.notice(a, s, now)
		if err != nil {
			return nil, err
		}
		notices = append(notices, text)
		changed = true
	}
	if !changed {
		return n, nil
	}
	if len(notices) > 0 {
		ph, err := textPart(textproto.Header{}, strings.Join(notices, Separator), false)
		if err != nil {
			return nil, err
		}
		parts = insertPlaceholder(n, parts, ph)
	}
	return n.WithParts(parts), nil
}

// referenced reports whether the body may show p by its Content-ID.
// A part explicitly disposed as an attachment is not.
func referenced(p *mimetree.Node) bool {
	if p.ContentID() == "" {
		return false
	}
	d, _ := p.Disposition()
	return d != "attachment"
}

// insertPlaceholder puts the notice before the last alternative, which
// is the one most viewers show, and after everything else otherwise.
func insertPlaceholder(n *mimetree.Node, parts []*mimetree.Node, ph *mimetree.Node) []*mimetree.Node {
	mt, _ := n.MediaType()
	if mt != "multipart/alternative" || len(parts) == 0 {
		return append(parts, ph)
	}
	last := len(parts) - 1
	out := append([]*mimetree.Node(nil), parts[:last]...)
	return append(out, ph, parts[last])
}

func child(number string, i int) string {
	n := strconv.Itoa(i + 1)
	if number == "" {
		return n
	}
	return number + "." + n
}

func (r *Reconstructor) notice(a msg.Attachment, s *stripSet, now time.Time) (string, error) {
	n := Notice{
		Filename:    a.Filename,
		Size:        "Unknown",
		ContentType: "Unknown",
		BackupPath:  s.paths[a.Filename],
		Processed:   now.Format("2006-01-02 15:04:05"),
	}
	if a.Size > 0 {
		n.Size = a.SizeHuman()
	}
	if a.ContentType != "" {
		n.ContentType = a.ContentType
	}
	var b bytes.Buffer
	if err := r.tmpl.Execute(&b, n); err != nil {
		return "", errors.Wrap(err, "rendering placeholder")
	}
	return b.String(), nil
}

// textPart builds a quoted-printable text/plain entity.  h supplies the
// other header fields.
func textPart(h textproto.Header, text string, top bool) (*mimetree.Node, error) {
	mh := message.Header{Header: h.Copy()}
	mh.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	mh.Set("Content-Transfer-Encoding", "quoted-printable")
	var b bytes.Buffer
	w, err := message.CreateWriter(&b, mh)
	if err != nil {
		return nil, errors.Wrap(err, "creating placeholder")
	}
	if _, err := w.Write([]byte(text)); err != nil {
		return nil, errors.Wrap(err, "writing placeholder")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "writing placeholder")
	}
	n, err := mimetree.Parse(b.Bytes())
	if err != nil {
		return nil, err
	}
	if !top && !h.Has("Mime-Version") {
		ph := n.Header()
		ph.Del("Mime-Version")
		n = n.WithHeader(ph)
	}
	return n, nil
}

// assertContentType makes sure out declares its structure: a multipart
// keeps the original media type and boundary, and a changed leaf
// without Content-Type reads as UTF-8 text.
func assertContentType(orig, out *mimetree.Node) *mimetree.Node {
	mh := message.Header{Header: out.Header()}
	if out.IsMultipart() {
		mt, params := orig.MediaType()
		if _, p, err := mh.ContentType(); err == nil && p["boundary"] == out.Boundary() {
			return out
		}
		if !strings.HasPrefix(mt, "multipart/") {
			mt = "multipart/mixed"
		}
		np := map[string]string{}
		for k, v := range params {
			np[k] = v
		}
		np["boundary"] = out.Boundary()
		mh.SetContentType(mt, np)
		return out.WithHeader(mh.Header)
	}
	if out == orig || mh.Has("Content-Type") {
		return out
	}
	mh.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	return out.WithHeader(mh.Header)
}
