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

/*
Package credentials supplies OAuth 2.0 bearer tokens for Gmail IMAP
XOAUTH2 and the Gmail API.

Tokens come from one of two places.  The usual one is a token file
written by Flow, an installed-application authorization against
client secrets downloaded from the Google Cloud console; refreshed
tokens are written back to the file.  The other is an external
program that prints an access token, for setups where tokens are
minted elsewhere.  The program is run as

	program USER SCOPE

and should behave like the SSO helper of https://github.com/google/oauth2l.

BUGS:

Tokens from an external program are given a five minute lifetime,
since the program does not report the real expiry.  Servers may still
reject a token before then; the IMAP layer reconnects and asks again.
*/
package credentials

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
)

// Scope grants full IMAP access, which XOAUTH2 requires.
const Scope = gmail.MailGoogleComScope

const commandTokenLifetime = 5 * time.Minute

// commandTokenSource encodes the information required to run an
// external program to retrieve an OAuth 2.0 bearer token for a given
// user and set of scopes.
type commandTokenSource struct {
	ctx context.Context

	// The command name.
	command string

	// The user name to authenticate.
	user string

	// The scopes, space separated.
	scope string

	now func() time.Time
}

// Token returns a new token for the specified user and scopes by
// executing the specified external program.  Satisfies
// oauth2.TokenSource.
func (s *commandTokenSource) Token() (*oauth2.Token, error) {
	cmd := exec.CommandContext(s.ctx, s.command, s.user, s.scope)

	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, errors.Wrapf(err, "running %s: %s", s.command, msg)
		}
		return nil, errors.Wrapf(err, "running %s", s.command)
	}

	accessToken := strings.TrimSpace(out.String())
	if accessToken == "" {
		return nil, errors.Errorf("%s printed no token", s.command)
	}

	return &oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		Expiry:      s.now().Add(commandTokenLifetime),
	}, nil
}

// Command returns a TokenSource that runs command to get tokens for
// user, reusing each one until it expires.
func Command(ctx context.Context, command, user string, scopes ...string) oauth2.TokenSource {
	if len(scopes) == 0 {
		scopes = []string{Scope}
	}
	src := &commandTokenSource{
		ctx:     ctx,
		command: command,
		user:    user,
		scope:   strings.Join(scopes, " "),
		now:     time.Now,
	}
	return oauth2.ReuseTokenSource(nil, src)
}
