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
	"bytes"
	"io"
	"mime"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/emersion/go-message/charset"
)

var wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}

// Filename resolves the name of a part.  explicit is false when no
// name was present and a name was generated from the subtype.
//
// Sources, in order: the disposition "filename" parameter, the
// Content-Type "name" parameter, then their RFC 2231 extended forms.
// RFC 2047 encoded words in the result are decoded.
func Filename(p *Part) (name string, explicit bool) {
	candidates := []string{
		p.DispositionParams["filename"],
		p.Params["name"],
		extended(p.DispositionParams, "filename"),
		extended(p.Params, "name"),
	}
	for _, c := range candidates {
		if c != "" {
			return DecodeWords(c), true
		}
	}
	return "attachment." + p.Subtype, false
}

// DecodeWords decodes RFC 2047 encoded words, returning the input
// unchanged if it cannot be decoded.
func DecodeWords(s string) string {
	if !strings.Contains(s, "=?") {
		return s
	}
	d, err := wordDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return d
}

// extended assembles an RFC 2231 parameter: either "key*" or the
// continuations "key*0", "key*1*", ...
func extended(params map[string]string, key string) string {
	if v, ok := params[key+"*"]; ok {
		return decode2231(v)
	}

	type segment struct {
		n       int
		value   string
		encoded bool
	}
	var segs []segment
	prefix := key + "*"
	for k, v := range params {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rest := strings.TrimPrefix(k, prefix)
		encoded := strings.HasSuffix(rest, "*")
		n, err := strconv.Atoi(strings.TrimSuffix(rest, "*"))
		if err != nil {
			continue
		}
		segs = append(segs, segment{n, v, encoded})
	}
	if len(segs) == 0 {
		return ""
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].n < segs[j].n })

	// Only the first segment carries the charset and language.
	var charsetName string
	var raw bytes.Buffer
	for i, s := range segs {
		v := s.value
		if s.encoded {
			if i == 0 {
				charsetName, v = splitCharset(v)
			}
			if u, err := url.PathUnescape(v); err == nil {
				v = u
			}
		}
		raw.WriteString(v)
	}
	return convert(charsetName, raw.Bytes())
}

// decode2231 decodes a single charset'lang'percent-encoded value.
func decode2231(v string) string {
	cs, rest := splitCharset(v)
	if u, err := url.PathUnescape(rest); err == nil {
		rest = u
	}
	return convert(cs, []byte(rest))
}

func splitCharset(v string) (string, string) {
	parts := strings.SplitN(v, "'", 3)
	if len(parts) != 3 {
		return "", v
	}
	return parts[0], parts[2]
}

func convert(charsetName string, b []byte) string {
	switch strings.ToLower(charsetName) {
	case "", "utf-8", "us-ascii":
		return string(b)
	}
	r, err := charset.Reader(charsetName, bytes.NewReader(b))
	if err != nil {
		return string(b)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return string(b)
	}
	return string(out)
}
