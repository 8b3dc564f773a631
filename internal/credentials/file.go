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
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// ErrNoToken means no token has been saved yet.
var ErrNoToken = errors.New("no saved token; run the auth command first")

const (
	tokenFileMode = 0o600
	tokenDirMode  = 0o700
)

// OAuthConfig reads installed-application client secrets from path.
func OAuthConfig(path string, scopes ...string) (*oauth2.Config, error) {
	if len(scopes) == 0 {
		scopes = []string{Scope}
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading OAuth client secrets")
	}
	cfg, err := google.ConfigFromJSON(b, scopes...)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	return cfg, nil
}

// ReadToken loads a token saved by WriteToken.
func ReadToken(path string) (*oauth2.Token, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading token")
	}
	tok := &oauth2.Token{}
	if err := json.Unmarshal(b, tok); err != nil {
		return nil, errors.Wrapf(err, "parsing token %s", path)
	}
	return tok, nil
}

// WriteToken saves tok so that only the current user can read it.  The
// file is replaced atomically.
func WriteToken(path string, tok *oauth2.Token) error {
	b, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, tokenDirMode); err != nil {
		return errors.Wrap(err, "creating token directory")
	}
	f, err := os.CreateTemp(dir, ".token-*")
	if err != nil {
		return errors.Wrap(err, "saving token")
	}
	defer os.Remove(f.Name())
	if err := f.Chmod(tokenFileMode); err != nil {
		f.Close()
		return errors.Wrap(err, "saving token")
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		return errors.Wrap(err, "saving token")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "saving token")
	}
	return errors.Wrap(os.Rename(f.Name(), path), "saving token")
}

// savingTokenSource writes every new token from base to a file, so a
// refreshed access token survives the process.
type savingTokenSource struct {
	base oauth2.TokenSource
	path string

	mu   sync.Mutex
	last string
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, errors.Wrap(err, "refreshing token")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		if err := WriteToken(s.path, tok); err != nil {
			return nil, err
		}
		s.last = tok.AccessToken
	}
	return tok, nil
}

// File returns a TokenSource starting from the token saved at path
// and refreshing it through cfg.  ctx carries the HTTP client used for
// refreshes, as with oauth2.Config.TokenSource.
func File(ctx context.Context, cfg *oauth2.Config, path string) (oauth2.TokenSource, error) {
	tok, err := ReadToken(path)
	if err != nil {
		return nil, err
	}
	return &savingTokenSource{
		base: cfg.TokenSource(ctx, tok),
		path: path,
		last: tok.AccessToken,
	}, nil
}
