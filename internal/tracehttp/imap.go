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

package tracehttp

import (
	"bytes"
	"io"
	"regexp"
	"sync"
)

// An AUTHENTICATE command, with its initial response if sent inline.
var authenticate = regexp.MustCompile(`(?i)^(\S+ AUTHENTICATE \S+)( \S+)?\r?$`)

// imapWriter passes an IMAP session transcript through line by line,
// hiding SASL responses.
type imapWriter struct {
	mu  sync.Mutex
	w   io.Writer
	buf []byte

	// The next client line is a SASL response.
	hideNext bool
}

// IMAP returns a writer for an IMAP client's debug transcript that
// forwards complete lines to w with AUTHENTICATE payloads replaced.
func IMAP(w io.Writer) io.Writer {
	return &imapWriter{w: w}
}

func (iw *imapWriter) Write(p []byte) (int, error) {
	iw.mu.Lock()
	defer iw.mu.Unlock()
	iw.buf = append(iw.buf, p...)
	for {
		i := bytes.IndexByte(iw.buf, '\n')
		if i < 0 {
			break
		}
		line := iw.redact(iw.buf[:i])
		if _, err := iw.w.Write(append(line, '\n')); err != nil {
			return 0, err
		}
		iw.buf = iw.buf[i+1:]
	}
	return len(p), nil
}

func (iw *imapWriter) redact(line []byte) []byte {
	if m := authenticate.FindSubmatchIndex(line); m != nil {
		if m[4] < 0 {
			iw.hideNext = true
			return append([]byte(nil), line...)
		}
		out := append([]byte(nil), line[:m[3]]...)
		out = append(out, " "+redacted...)
		return append(out, line[m[5]:]...)
	}
	if iw.hideNext && !bytes.HasPrefix(line, []byte("+")) {
		iw.hideNext = false
		if len(bytes.TrimSpace(line)) == 0 {
			return append([]byte(nil), line...)
		}
		return []byte(redacted)
	}
	return append([]byte(nil), line...)
}
