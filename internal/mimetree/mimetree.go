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

// Package mimetree parses RFC 5322/2045 messages into an immutable
// tree of parts.  Header fields and leaf bodies are kept as the
// original bytes, so a tree that is not changed serializes back to
// its input.  Changes are made by building new nodes.
package mimetree

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"io"
	"mime"
	"strconv"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/textproto"
	"github.com/pkg/errors"
)

// MaxDepth bounds multipart nesting.  Deeper multiparts are kept as
// opaque leaves.
const MaxDepth = 20

var ErrNoSuchPart = errors.New("no such part")

var wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}

func decodeWords(s string) string {
	d, err := wordDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return d
}

// Node is one MIME entity.  Nodes are never modified after
// construction.
type Node struct {
	header textproto.Header

	// Leaf body, still transfer encoded.
	body []byte

	// Multipart only.
	boundary string
	preamble []byte
	epilogue []byte
	parts    []*Node
}

// Parse parses a complete message.
func Parse(raw []byte) (*Node, error) {
	return parse(raw, 1)
}

func parse(raw []byte, depth int) (*Node, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	h, err := textproto.ReadHeader(br)
	if err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "reading MIME header")
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return nil, errors.Wrap(err, "reading MIME body")
	}

	n := &Node{header: h}
	mt, params := mediaType(h)
	boundary := params["boundary"]
	if !strings.HasPrefix(mt, "multipart/") || boundary == "" || depth >= MaxDepth {
		n.body = body
		return n, nil
	}

	pre, chunks, epi := split(body, boundary)
	n.boundary = boundary
	n.preamble = pre
	n.epilogue = epi
	for i, c := range chunks {
		p, err := parse(c, depth+1)
		if err != nil {
			return nil, errors.Wrapf(err, "part %d", i+1)
		}
		n.parts = append(n.parts, p)
	}
	return n, nil
}

// split cuts a multipart body at its delimiter lines.  The line break
// before each delimiter belongs to the delimiter.  A missing close
// delimiter leaves the last part running to the end of the body and
// the epilogue nil.
func split(body []byte, boundary string) (preamble []byte, parts [][]byte, epilogue []byte) {
	delim := []byte("--" + boundary)
	start := -1
	pos := 0
	for pos < len(body) {
		end := bytes.IndexByte(body[pos:], '\n')
		next := len(body)
		if end >= 0 {
			next = pos + end + 1
		}
		line := bytes.TrimRight(body[pos:next], " \t\r\n")
		if bytes.HasPrefix(line, delim) {
			rest := line[len(delim):]
			closing := bytes.Equal(rest, []byte("--"))
			if closing || len(rest) == 0 {
				if start < 0 {
					preamble = body[:pos]
				} else {
					parts = append(parts, body[start:trimBreak(body, start, pos)])
				}
				if closing {
					return preamble, parts, body[pos+len(delim)+2:]
				}
				start = next
			}
		}
		pos = next
	}
	if start >= 0 && start <= len(body) {
		parts = append(parts, body[start:])
	} else if start < 0 {
		preamble = body
	}
	return preamble, parts, nil
}

// trimBreak returns the end of the content that precedes a delimiter
// line starting at pos.
func trimBreak(body []byte, start, pos int) int {
	end := pos
	if end > start && body[end-1] == '\n' {
		end--
		if end > start && body[end-1] == '\r' {
			end--
		}
	}
	return end
}

// NewLeaf returns a single part entity.
func NewLeaf(h textproto.Header, body []byte) *Node {
	return &Node{header: h.Copy(), body: body}
}

// NewMultipart returns a multipart entity.  The header must carry a
// multipart Content-Type with the same boundary.
func NewMultipart(h textproto.Header, boundary string, parts []*Node) *Node {
	return &Node{
		header:   h.Copy(),
		boundary: boundary,
		parts:    append([]*Node(nil), parts...),
	}
}

// WithParts returns a copy of a multipart node with different
// children.  Header, boundary, preamble and epilogue are shared.
func (n *Node) WithParts(parts []*Node) *Node {
	c := *n
	c.parts = append([]*Node(nil), parts...)
	c.body = nil
	return &c
}

// WithHeader returns a copy of n with a different header.
func (n *Node) WithHeader(h textproto.Header) *Node {
	c := *n
	c.header = h.Copy()
	return &c
}

// Header returns a copy of the node's header.
func (n *Node) Header() textproto.Header {
	return n.header.Copy()
}

func (n *Node) IsMultipart() bool {
	return n.boundary != ""
}

// Parts returns the node's children.
func (n *Node) Parts() []*Node {
	return append([]*Node(nil), n.parts...)
}

func (n *Node) Boundary() string {
	return n.boundary
}

// Body returns the raw, transfer encoded body of a leaf.
func (n *Node) Body() []byte {
	return n.body
}

// MediaType returns the lower case media type and its parameters.
// A missing or unparsable Content-Type reads as text/plain.
func (n *Node) MediaType() (string, map[string]string) {
	return mediaType(n.header)
}

func mediaType(h textproto.Header) (string, map[string]string) {
	if h.Get("Content-Type") == "" {
		return "text/plain", map[string]string{}
	}
	mh := message.Header{Header: h}
	t, params, err := mh.ContentType()
	if err != nil || t == "" {
		return "text/plain", map[string]string{}
	}
	return strings.ToLower(t), params
}

// Disposition returns the lower case Content-Disposition and its
// parameters, or "" if absent.
func (n *Node) Disposition() (string, map[string]string) {
	if n.header.Get("Content-Disposition") == "" {
		return "", map[string]string{}
	}
	mh := message.Header{Header: n.header}
	d, params, err := mh.ContentDisposition()
	if err != nil {
		return "", map[string]string{}
	}
	return strings.ToLower(d), params
}

// Filename returns the part's filename from Content-Disposition or,
// failing that, the Content-Type name parameter.
func (n *Node) Filename() string {
	if _, params := n.Disposition(); params["filename"] != "" {
		return decodeWords(params["filename"])
	}
	if _, params := n.MediaType(); params["name"] != "" {
		return decodeWords(params["name"])
	}
	return ""
}

// ContentID returns the Content-ID without angle brackets.
func (n *Node) ContentID() string {
	return strings.Trim(strings.TrimSpace(n.header.Get("Content-Id")), "<>")
}

// Decoded returns the leaf body with its transfer encoding removed
// and, for text parts with a known charset, converted to UTF-8.
func (n *Node) Decoded() ([]byte, error) {
	e, err := message.New(message.Header{Header: n.header}, bytes.NewReader(n.body))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, errors.Wrap(err, "decoding part")
	}
	b, err := io.ReadAll(e.Body)
	if err != nil {
		return nil, errors.Wrap(err, "decoding part")
	}
	return b, nil
}

// Walk calls fn for each node in depth first order with its IMAP
// section number.  A multipart root has number "".
func (n *Node) Walk(fn func(number string, node *Node) error) error {
	if !n.IsMultipart() {
		return fn("1", n)
	}
	return n.walk("", fn)
}

func (n *Node) walk(number string, fn func(string, *Node) error) error {
	if err := fn(number, n); err != nil {
		return err
	}
	for i, p := range n.parts {
		num := strconv.Itoa(i + 1)
		if number != "" {
			num = number + "." + num
		}
		if !p.IsMultipart() {
			if err := fn(num, p); err != nil {
				return err
			}
			continue
		}
		if err := p.walk(num, fn); err != nil {
			return err
		}
	}
	return nil
}

// Part finds the node with the given dotted IMAP section number.
func (n *Node) Part(number string) (*Node, error) {
	if !n.IsMultipart() {
		if number == "1" {
			return n, nil
		}
		return nil, errors.Wrapf(ErrNoSuchPart, "%q", number)
	}
	cur := n
	for _, s := range strings.Split(number, ".") {
		i, err := strconv.Atoi(s)
		if err != nil || i < 1 || !cur.IsMultipart() || i > len(cur.parts) {
			return nil, errors.Wrapf(ErrNoSuchPart, "%q", number)
		}
		cur = cur.parts[i-1]
	}
	return cur, nil
}

// Depth returns the nesting depth, 1 for a single part.
func (n *Node) Depth() int {
	d := 0
	for _, p := range n.parts {
		if pd := p.Depth(); pd > d {
			d = pd
		}
	}
	return d + 1
}

// WriteTo serializes the tree.
func (n *Node) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	err := n.write(cw)
	return cw.n, err
}

// Bytes serializes the tree.
func (n *Node) Bytes() ([]byte, error) {
	var b bytes.Buffer
	if _, err := n.WriteTo(&b); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func (n *Node) write(w io.Writer) error {
	if err := textproto.WriteHeader(w, n.header); err != nil {
		return errors.Wrap(err, "writing header")
	}
	if !n.IsMultipart() {
		_, err := w.Write(n.body)
		return err
	}
	if _, err := w.Write(n.preamble); err != nil {
		return err
	}
	for _, p := range n.parts {
		if _, err := io.WriteString(w, "--"+n.boundary+"\r\n"); err != nil {
			return err
		}
		if err := p.write(w); err != nil {
			return err
		}
		if _, err := io.WriteString(w, "\r\n"); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(w, "--"+n.boundary+"--"); err != nil {
		return err
	}
	epi := n.epilogue
	if epi == nil {
		epi = []byte("\r\n")
	}
	_, err := w.Write(epi)
	return err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// NewBoundary returns a fresh random multipart boundary.
func NewBoundary() string {
	var b [15]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return "=_" + hex.EncodeToString(b[:])
}
