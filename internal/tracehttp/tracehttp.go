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

// Package tracehttp dumps OAuth HTTP traffic and the IMAP conversation
// for debugging, with credentials blanked out.
package tracehttp

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"regexp"
	"sync"
)

const redacted = "REDACTED"

var secrets = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`(?im)^(Authorization:[ \t]*\S+[ \t]+)[^\r\n]+`), "${1}" + redacted},
	{regexp.MustCompile(`("(?:access_token|refresh_token|id_token|client_secret)"\s*:\s*")[^"]*(")`), "${1}" + redacted + "${2}"},
	{regexp.MustCompile(`((?:^|[?&\s])(?:code|refresh_token|client_secret|access_token)=)[^&\s]*`), "${1}" + redacted},
}

// Redact blanks out bearer tokens, OAuth secrets and codes in a dump.
func Redact(b []byte) []byte {
	for _, s := range secrets {
		b = s.re.ReplaceAll(b, []byte(s.repl))
	}
	return b
}

// traceTransport is an http.RoundTripper that writes the request and
// response to w while delegating the real work to another
// http.RoundTripper.
type traceTransport struct {
	delegate http.RoundTripper

	mu sync.Mutex
	w  io.Writer
}

// RoundTrip prints a dump of the request and response while delegating the
// round trip to the delegate.
func (t *traceTransport) RoundTrip(req *http.Request) (resp *http.Response, err error) {
	dump, dumpErr := httputil.DumpRequestOut(req, true)
	if dumpErr == nil {
		t.print(dump)
	}
	resp, err = t.delegate.RoundTrip(req)
	if err == nil {
		dump, dumpErr = httputil.DumpResponse(resp, true)
		if dumpErr == nil {
			t.print(dump)
		}
	}
	return resp, err
}

func (t *traceTransport) print(dump []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.w, string(Redact(dump)))
}

// Wrap returns a RoundTripper tracing d to w.  A nil d means
// http.DefaultTransport.
func Wrap(d http.RoundTripper, w io.Writer) http.RoundTripper {
	if d == nil {
		d = http.DefaultTransport
	}
	return &traceTransport{delegate: d, w: w}
}

// Client returns an http.Client whose traffic is traced to w.
func Client(w io.Writer) *http.Client {
	return &http.Client{Transport: Wrap(nil, w)}
}
