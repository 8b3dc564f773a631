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

package credentials

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

const defaultFlowTimeout = 5 * time.Minute

// Flow runs the installed-application authorization: the user visits
// a consent URL and Google redirects back to a short lived listener
// on the loopback interface.
type Flow struct {
	Config *oauth2.Config

	// Prompt shows the consent URL to the user.
	Prompt func(authURL string)

	// Loopback address to listen on.  Empty picks a free port.
	Listen string

	// How long to wait for the redirect.  Zero means five minutes.
	Timeout time.Duration
}

type callback struct {
	code string
	err  error
}

// Token runs the flow and exchanges the code for a token.
func (f *Flow) Token(ctx context.Context) (*oauth2.Token, error) {
	addr := f.Listen
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "starting authorization listener")
	}

	cfg := *f.Config
	cfg.RedirectURL = "http://" + ln.Addr().String()
	state := uuid.NewString()

	results := make(chan callback, 1)
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var cb callback
		switch {
		case q.Get("state") != state:
			http.Error(w, "unexpected state", http.StatusBadRequest)
			return
		case q.Get("error") != "":
			cb.err = errors.Errorf("authorization denied: %s", q.Get("error"))
		case q.Get("code") == "":
			cb.err = errors.New("authorization redirect carried no code")
		default:
			cb.code = q.Get("code")
		}
		if cb.err != nil {
			http.Error(w, cb.err.Error(), http.StatusBadRequest)
		} else {
			fmt.Fprintln(w, "Authorization complete.  You can close this window.")
		}
		select {
		case results <- cb:
		default:
		}
	})}
	go srv.Serve(ln)
	defer srv.Close()

	timeout := f.Timeout
	if timeout == 0 {
		timeout = defaultFlowTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	f.Prompt(cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce))

	var cb callback
	select {
	case cb = <-results:
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "waiting for authorization")
	}
	if cb.err != nil {
		return nil, cb.err
	}
	tok, err := cfg.Exchange(ctx, cb.code)
	if err != nil {
		return nil, errors.Wrap(err, "exchanging authorization code")
	}
	return tok, nil
}
