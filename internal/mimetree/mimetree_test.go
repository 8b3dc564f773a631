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

package mimetree

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
)

func crlf(s string) string {
	return strings.ReplaceAll(s, "\n", "\r\n")
}

var mixed = crlf(`From: a@example.com
Subject: test
Content-Type: multipart/mixed; boundary="b1"

preamble text
--b1
Content-Type: text/plain

Hello
--b1
Content-Type: multipart/alternative; boundary="b2"

--b2
Content-Type: text/plain

plain
--b2
Content-Type: text/html

<p>html</p>
--b2--
--b1
Content-Type: application/pdf; name="a.pdf"
Content-Disposition: attachment; filename="a.pdf"
Content-Transfer-Encoding: base64

JVBERi0=
--b1--
epilogue
`)

func mustParse(t *testing.T, s string) *Node {
	t.Helper()
	n, err := Parse([]byte(s))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return n
}

func TestRoundTrip(t *testing.T) {
	for _, in := range []string{
		mixed,
		crlf("Subject: plain\n\nbody line\n"),
		crlf("Subject: folded\n header\nX-Empty:\n\n"),
	} {
		n := mustParse(t, in)
		got, err := n.Bytes()
		if err != nil {
			t.Fatalf("Bytes() error = %v", err)
		}
		if diff := cmp.Diff(in, string(got)); diff != "" {
			t.Errorf("round trip mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestWalkNumbers(t *testing.T) {
	n := mustParse(t, mixed)
	var got []string
	err := n.Walk(func(number string, node *Node) error {
		mt, _ := node.MediaType()
		got = append(got, number+" "+mt)
		return nil
	})
	if err != nil {
		t.Fatalf("Walk() error = %v", err)
	}
	want := []string{
		" multipart/mixed",
		"1 text/plain",
		"2 multipart/alternative",
		"2.1 text/plain",
		"2.2 text/html",
		"3 application/pdf",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Walk() mismatch (-want +got):\n%s", diff)
	}
	if got := n.Depth(); got != 3 {
		t.Errorf("Depth() = %d, want 3", got)
	}
}

func TestPart(t *testing.T) {
	n := mustParse(t, mixed)
	p, err := n.Part("2.2")
	if err != nil {
		t.Fatalf("Part(2.2) error = %v", err)
	}
	if got := string(p.Body()); got != "<p>html</p>" {
		t.Errorf("Part(2.2).Body() = %q, want %q", got, "<p>html</p>")
	}
	if got := n.Parts()[2].Filename(); got != "a.pdf" {
		t.Errorf("Filename() = %q, want %q", got, "a.pdf")
	}
	for _, bad := range []string{"0", "4", "1.1", "x", ""} {
		if _, err := n.Part(bad); errors.Cause(err) != ErrNoSuchPart {
			t.Errorf("Part(%q) error = %v, want ErrNoSuchPart", bad, err)
		}
	}

	single := mustParse(t, crlf("Subject: s\n\nbody"))
	if p, err := single.Part("1"); err != nil || p != single {
		t.Errorf("Part(1) on a single part = %v, %v, want root", p, err)
	}
}

func TestDecoded(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{crlf("Content-Type: application/pdf\nContent-Transfer-Encoding: base64\n\nSGVs\nbG8=\n"), "Hello"},
		{crlf("Content-Type: text/plain; charset=iso-8859-1\nContent-Transfer-Encoding: quoted-printable\n\ncaf=E9"), "café"},
		{crlf("Content-Type: text/plain\n\nas is"), "as is"},
	}
	for _, tc := range cases {
		got, err := mustParse(t, tc.in).Decoded()
		if err != nil {
			t.Errorf("Decoded(%q) error = %v", tc.in, err)
			continue
		}
		if string(got) != tc.want {
			t.Errorf("Decoded(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestUnterminatedMultipart(t *testing.T) {
	in := crlf("Content-Type: multipart/mixed; boundary=zz\n\n--zz\nContent-Type: text/plain\n\none\n--zz\n\ntwo\n")
	n := mustParse(t, in)
	if got := len(n.Parts()); got != 2 {
		t.Fatalf("len(Parts()) = %d, want 2", got)
	}
	if got := string(n.Parts()[1].Body()); got != "two\r\n" {
		t.Errorf("last part body = %q, want %q", got, "two\r\n")
	}
}

func TestWithPartsLeavesOriginal(t *testing.T) {
	n := mustParse(t, mixed)
	before, _ := n.Bytes()
	m := n.WithParts(n.Parts()[:1])
	if got := len(n.Parts()); got != 3 {
		t.Errorf("original has %d parts after WithParts, want 3", got)
	}
	after, _ := n.Bytes()
	if string(before) != string(after) {
		t.Errorf("original changed by WithParts")
	}
	out, err := m.Bytes()
	if err != nil {
		t.Fatalf("Bytes() error = %v", err)
	}
	if strings.Contains(string(out), "a.pdf") {
		t.Errorf("new tree still contains the dropped part:\n%s", out)
	}
}

func TestNewMultipart(t *testing.T) {
	leaf := mustParse(t, crlf("Content-Type: text/plain\n\nx"))
	b := NewBoundary()
	h := leaf.Header()
	h.Set("Content-Type", `multipart/mixed; boundary="`+b+`"`)
	out, err := NewMultipart(h, b, []*Node{leaf}).Bytes()
	if err != nil {
		t.Fatalf("Bytes() error = %v", err)
	}
	n := mustParse(t, string(out))
	if got := len(n.Parts()); got != 1 {
		t.Errorf("reparsed parts = %d, want 1\n%s", got, out)
	}
	if NewBoundary() == b {
		t.Errorf("NewBoundary() repeated a value")
	}
}
