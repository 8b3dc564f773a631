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

package backup

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/emersion/go-mbox"
	"github.com/pkg/errors"
)

// Archive appends original messages to per-account monthly mbox files
// before they are moved to Trash, so a copy survives Trash retention.
type Archive struct {
	dir   string
	scope string
}

// NewArchive keeps archives in dir.  scope, usually the account
// address, is part of every file name.
func NewArchive(dir, scope string) (*Archive, error) {
	if err := mkdir(dir); err != nil {
		return nil, errors.Wrapf(err, "creating archive directory %s", dir)
	}
	return &Archive{dir: dir, scope: scope}, nil
}

// File returns the mbox file that messages archived at t go to.
func (a *Archive) File(t time.Time) string {
	return filepath.Join(a.dir, escape(a.scope)+"-"+t.Format("2006-01")+".mbox")
}

// Add appends raw to the archive for now.
func (a *Archive) Add(raw []byte, from string, now time.Time) (string, error) {
	name := a.File(now)
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_APPEND, fileFileMode)
	if err != nil {
		return "", errors.Wrap(err, "opening archive")
	}
	defer f.Close()

	if from == "" {
		from = "MAILER-DAEMON"
	}
	mw := mbox.NewWriter(f)
	w, err := mw.CreateMessage(from, now)
	if err != nil {
		return "", errors.Wrap(err, "archiving message")
	}
	// mbox files use bare newlines.
	if _, err := w.Write(bytes.ReplaceAll(raw, []byte("\r\n"), []byte("\n"))); err != nil {
		return "", errors.Wrap(err, "archiving message")
	}
	if err := mw.Close(); err != nil {
		return "", errors.Wrap(err, "archiving message")
	}
	if err := f.Sync(); err != nil {
		return "", errors.Wrap(err, "syncing archive")
	}
	return name, nil
}

// Each calls fn with every message in an archive file.
func Each(name string, fn func(raw []byte) error) error {
	f, err := os.Open(name)
	if err != nil {
		return errors.Wrap(err, "opening archive")
	}
	defer f.Close()
	r := mbox.NewReader(f)
	for {
		mr, err := r.NextMessage()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "reading %s", name)
		}
		raw, err := io.ReadAll(mr)
		if err != nil {
			return errors.Wrapf(err, "reading %s", name)
		}
		if err := fn(raw); err != nil {
			return err
		}
	}
}
