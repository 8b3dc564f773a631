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

package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	"github.com/mwilczynska/gmail-clean-and-backup/internal/backup"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/batch"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/credentials"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/extract"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/gmail"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/imapclient"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/persist"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/reconstruct"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/replace"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/tracehttp"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/txlog"
)

// oauthContext carries the HTTP client for token and API requests.
func (a *app) oauthContext(ctx context.Context) context.Context {
	if a.trace {
		return context.WithValue(ctx, oauth2.HTTPClient, tracehttp.Client(a.err))
	}
	return ctx
}

func (a *app) tokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	if c := a.cfg.Auth.TokenCommand; c != "" {
		if a.cfg.Email == "" {
			return nil, errors.New("email must be configured to use auth.token_command")
		}
		return credentials.Command(ctx, c, a.cfg.Email), nil
	}
	oc, err := credentials.OAuthConfig(a.cfg.Auth.CredentialsFile)
	if err != nil {
		return nil, err
	}
	return credentials.File(a.oauthContext(ctx), oc, a.cfg.Auth.TokenFile)
}

func (a *app) profile(ctx context.Context, tokens oauth2.TokenSource) (*gmail.Profile, error) {
	svc, err := gmail.New(ctx, oauth2.NewClient(a.oauthContext(ctx), tokens), a.log)
	if err != nil {
		return nil, err
	}
	return svc.GetProfile(ctx)
}

// dial opens an authenticated IMAP session.  The account is the
// configured address or, failing that, the owner of the token.
func (a *app) dial(ctx context.Context) (*imapclient.Client, string, error) {
	tokens, err := a.tokenSource(ctx)
	if err != nil {
		return nil, "", errors.Wrap(err, "unable to get credentials")
	}
	user := a.cfg.Email
	if user == "" {
		p, err := a.profile(ctx, tokens)
		if err != nil {
			return nil, "", errors.Wrap(err, "unable to find the account address")
		}
		user = p.EmailAddress
	}
	cfg := imapclient.Config{
		Addr:           a.cfg.IMAP.Addr,
		User:           user,
		DialTimeout:    a.cfg.IMAP.DialTimeout,
		CommandTimeout: a.cfg.IMAP.CommandTimeout,
		MaxRetries:     a.cfg.IMAP.MaxRetries,
		RetryDelay:     a.cfg.IMAP.RetryDelay,
		Throttle:       a.cfg.IMAP.Throttle,
	}
	if a.trace {
		cfg.Debug = tracehttp.IMAP(a.err)
	}
	c, err := imapclient.Dial(ctx, cfg, tokens, a.log)
	if err != nil {
		return nil, "", errors.Wrapf(err, "unable to connect to %s", cfg.Addr)
	}
	return c, user, nil
}

func (a *app) openManifest(ctx context.Context) (*persist.DB, error) {
	p := a.cfg.Safety.Manifest
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, errors.Wrap(err, "unable to create manifest directory")
	}
	db, err := persist.Open(ctx, p, a.log)
	if err != nil {
		return nil, errors.Wrap(err, "unable to initialize database")
	}
	return db, nil
}

func (a *app) openStorage() (*backup.Storage, error) {
	org, err := backup.ParseOrganization(a.cfg.Backup.OrganizeBy)
	if err != nil {
		return nil, err
	}
	return backup.New(a.cfg.Backup.Directory, org, a.log)
}

// pipeline is everything process, recover and revert touch.
type pipeline struct {
	mb       *imapclient.Client
	user     string
	db       *persist.DB
	tx       *txlog.Log
	store    *backup.Storage
	replacer *replace.Replacer
}

func (p *pipeline) Close() {
	if p.mb != nil {
		p.mb.Close()
	}
	if p.db != nil {
		p.db.Close()
	}
}

func (p *pipeline) processor(a *app) *batch.Processor {
	return batch.New(p.mb, p.db, extract.New(p.mb, p.store, a.log), p.replacer, a.log)
}

func (a *app) reconstructor() (*reconstruct.Reconstructor, error) {
	opts := reconstruct.DefaultOptions()
	opts.PreserveInline = a.cfg.Processing.PreserveInlineImages
	if p := a.cfg.Processing.PlaceholderTemplate; p != "" {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, errors.Wrap(err, "reading placeholder template")
		}
		opts.Template = string(b)
	}
	return reconstruct.New(opts, a.log)
}

func (a *app) openPipeline(ctx context.Context) (_ *pipeline, err error) {
	p := &pipeline{}
	defer func() {
		if err != nil {
			p.Close()
		}
	}()
	if p.db, err = a.openManifest(ctx); err != nil {
		return nil, err
	}
	if p.tx, err = txlog.Open(a.cfg.Safety.TransactionLog, a.log); err != nil {
		return nil, errors.Wrap(err, "unable to open transaction log")
	}
	if p.store, err = a.openStorage(); err != nil {
		return nil, errors.Wrap(err, "unable to open backup directory")
	}
	rc, err := a.reconstructor()
	if err != nil {
		return nil, err
	}
	if p.mb, p.user, err = a.dial(ctx); err != nil {
		return nil, err
	}

	var rcfg replace.Config
	if a.cfg.Backup.Verify {
		rcfg.Backups = p.store
	}
	if a.cfg.Backup.ArchiveOriginals {
		arch, err := backup.NewArchive(a.cfg.Backup.ArchiveDirectory, p.user)
		if err != nil {
			return nil, err
		}
		rcfg.Archive = arch
	}
	p.replacer = replace.New(p.mb, p.tx, rc, rcfg, a.log)
	return p, nil
}

// recoverInterrupted finishes transactions a previous run left open
// and records the outcome in the manifest.
func (a *app) recoverInterrupted(ctx context.Context, p *pipeline) ([]replace.Recovery, error) {
	recs, err := p.replacer.Recover(ctx)
	if err != nil {
		return recs, errors.Wrap(err, "unable to recover interrupted transactions")
	}
	if err := batch.Reconcile(ctx, p.db, recs, a.log); err != nil {
		return recs, err
	}
	return recs, nil
}
