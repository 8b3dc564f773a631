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

// Package backup stores extracted attachments on local disk in an
// organized tree and proves their integrity by content hash.
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mwilczynska/gmail-clean-and-backup/internal/message"
)

const (
	dirFileMode  = 0700
	fileFileMode = 0600

	// maxDuplicates bounds the _N suffixes tried for a taken name.
	maxDuplicates = 1000

	// verifyParallelism bounds concurrent hash checks.
	verifyParallelism = 4

	hashPrefix = "sha256:"
)

// Organization selects the top of the directory layout.
type Organization string

const (
	ByDate   Organization = "date"   // YYYY/MM/DD
	BySender Organization = "sender" // domain/local
	ByLabel  Organization = "label"  // first user label
	ByType   Organization = "type"   // documents, images, ...
)

// ParseOrganization accepts the names above in any case.
func ParseOrganization(s string) (Organization, error) {
	switch o := Organization(strings.ToLower(strings.TrimSpace(s))); o {
	case ByDate, BySender, ByLabel, ByType:
		return o, nil
	case "":
		return ByDate, nil
	}
	return "", errors.Errorf("unknown backup organization %q", s)
}

type Storage struct {
	root     string
	organize Organization
	log      zerolog.Logger
}

// path is a location under the backup root.
type path struct {
	root string
	dirs []string
	base string
}

func (p path) Join() string {
	parts := make([]string, 1, len(p.dirs)+2)
	parts[0] = p.root
	parts = append(parts, p.dirs...)
	parts = append(parts, p.base)
	return filepath.Join(parts...)
}

// New opens the backup tree at root, creating it if needed.
func New(root string, organize Organization, log zerolog.Logger) (*Storage, error) {
	if root == "" {
		return nil, errors.New("backup root is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving %s", root)
	}
	if err := os.MkdirAll(abs, dirFileMode); err != nil {
		return nil, errors.Wrapf(err, "creating backup root %s", abs)
	}
	if organize == "" {
		organize = ByDate
	}
	return &Storage{
		root:     abs,
		organize: organize,
		log:      log.With().Str("component", "backup").Logger(),
	}, nil
}

func (s *Storage) Root() string {
	return s.root
}

// Abs returns the absolute location of a path relative to the root.
func (s *Storage) Abs(rel string) string {
	return filepath.Join(s.root, filepath.FromSlash(rel))
}

// Path returns a free location for an attachment of the message
// described by h.  Names already taken get a _N suffix.
func (s *Storage) Path(h message.EmailHeader, filename, contentType string, labels []string) (string, error) {
	var prefix []string
	switch s.organize {
	case BySender:
		prefix = senderDirs(h.Sender)
	case ByLabel:
		prefix = []string{labelDir(labels)}
	case ByType:
		prefix = []string{Category(contentType, filename)}
	default:
		prefix = dateDirs(h)
	}
	p := path{
		root: s.root,
		dirs: append(prefix, sanitizeForPath(h.Subject, maxSubjectLength)),
		base: sanitizeFilename(filename),
	}
	return unique(p.Join())
}

func dateDirs(h message.EmailHeader) []string {
	d := h.Date
	return []string{
		fmt.Sprintf("%04d", d.Year()),
		fmt.Sprintf("%02d", int(d.Month())),
		fmt.Sprintf("%02d", d.Day()),
	}
}

func senderDirs(sender string) []string {
	addr := sender
	if i := strings.IndexByte(addr, '<'); i >= 0 {
		if j := strings.IndexByte(addr[i:], '>'); j >= 0 {
			addr = addr[i+1 : i+j]
		}
	}
	addr = strings.ToLower(strings.TrimSpace(addr))
	i := strings.LastIndexByte(addr, '@')
	if i < 0 {
		return []string{sanitizeForPath(addr, maxSubjectLength)}
	}
	return []string{
		sanitizeForPath(addr[i+1:], maxSubjectLength),
		sanitizeForPath(addr[:i], maxLocalLength),
	}
}

func labelDir(labels []string) string {
	if user := message.UserLabels(labels); len(user) > 0 {
		return sanitizeForPath(user[0], maxSubjectLength)
	}
	return "Unlabeled"
}

// unique returns p, or p with the first free _N suffix.
func unique(p string) (string, error) {
	if _, err := os.Lstat(p); os.IsNotExist(err) {
		return p, nil
	}
	ext := filepath.Ext(p)
	stem := strings.TrimSuffix(p, ext)
	for n := 1; n <= maxDuplicates; n++ {
		c := stem + "_" + strconv.Itoa(n) + ext
		if _, err := os.Lstat(c); os.IsNotExist(err) {
			return c, nil
		}
	}
	return "", errors.Errorf("too many duplicates of %s", p)
}

func mkdir(dir string) error {
	return os.MkdirAll(dir, dirFileMode)
}

// Hash returns the content hash in the form stored in SavedAttachment.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hashPrefix + hex.EncodeToString(sum[:])
}

func (s *Storage) rel(p string) (string, error) {
	rel, err := filepath.Rel(s.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.Errorf("%s is outside the backup root", p)
	}
	return filepath.ToSlash(rel), nil
}

// Save writes data to p, which must be under the root and not exist
// yet, and returns the record proving what was written.
func (s *Storage) Save(data []byte, p, originalFilename, contentType string) (message.SavedAttachment, error) {
	if !filepath.IsAbs(p) {
		p = s.Abs(p)
	}
	rel, err := s.rel(p)
	if err != nil {
		return message.SavedAttachment{}, err
	}
	if err := mkdir(filepath.Dir(p)); err != nil {
		return message.SavedAttachment{}, errors.Wrap(err, "creating backup directory")
	}
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, fileFileMode)
	if err != nil {
		return message.SavedAttachment{}, errors.Wrap(err, "creating backup file")
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return message.SavedAttachment{}, errors.Wrapf(err, "writing %s", rel)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return message.SavedAttachment{}, errors.Wrapf(err, "syncing %s", rel)
	}
	if err := f.Close(); err != nil {
		return message.SavedAttachment{}, errors.Wrapf(err, "closing %s", rel)
	}
	s.log.Debug().Str("path", rel).Int("bytes", len(data)).Msg("saved attachment")
	return message.SavedAttachment{
		OriginalFilename: originalFilename,
		Path:             rel,
		Size:             int64(len(data)),
		ContentType:      contentType,
		Hash:             Hash(data),
	}, nil
}

// Verify recomputes the hash of a saved file.  A missing file is not
// an error, it simply does not verify.
func (s *Storage) Verify(saved message.SavedAttachment) (bool, error) {
	f, err := os.Open(s.Abs(saved.Path))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "verifying %s", saved.Path)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return false, errors.Wrapf(err, "verifying %s", saved.Path)
	}
	return hashPrefix+hex.EncodeToString(h.Sum(nil)) == saved.Hash, nil
}

// VerifyAll verifies files concurrently and returns those that did not
// verify, in input order.
func (s *Storage) VerifyAll(ctx context.Context, saved []message.SavedAttachment) ([]message.SavedAttachment, error) {
	ok := make([]bool, len(saved))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(verifyParallelism)
	for i := range saved {
		i := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			v, err := s.Verify(saved[i])
			ok[i] = v
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var bad []message.SavedAttachment
	for i, v := range ok {
		if !v {
			bad = append(bad, saved[i])
		}
	}
	return bad, nil
}

type Stats struct {
	TotalSize   int64
	FileCount   int
	ByExtension map[string]int
}

// Extensions returns the keys of ByExtension sorted.
func (s Stats) Extensions() []string {
	var out []string
	for k := range s.ByExtension {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s *Storage) Stats() (Stats, error) {
	st := Stats{ByExtension: map[string]int{}}
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		st.FileCount++
		st.TotalSize += info.Size()
		ext := strings.ToLower(filepath.Ext(p))
		if ext == "" {
			ext = "(none)"
		}
		st.ByExtension[ext]++
		return nil
	})
	return st, errors.Wrap(err, "walking backup tree")
}

// CleanupEmptyDirs removes empty directories below the root, deepest
// first, and returns how many were removed.
func (s *Storage) CleanupEmptyDirs() (int, error) {
	var dirs []string
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && p != s.root {
			dirs = append(dirs, p)
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "walking backup tree")
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
	removed := 0
	for _, d := range dirs {
		if os.Remove(d) == nil {
			removed++
		}
	}
	return removed, nil
}
