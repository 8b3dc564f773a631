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
	"archive/zip"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// ZipByType writes one zip archive per attachment category into dest
// and returns the archives written.  Entries keep their path relative
// to the backup root.
func (s *Storage) ZipByType(dest string) ([]string, error) {
	if err := mkdir(dest); err != nil {
		return nil, errors.Wrap(err, "creating zip directory")
	}
	absDest, err := filepath.Abs(dest)
	if err != nil {
		return nil, err
	}
	files := map[string][]string{}
	err = filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p == absDest {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		c := Category("", p)
		files[c] = append(files[c], p)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "walking backup tree")
	}

	var written []string
	for _, c := range Categories {
		if len(files[c]) == 0 {
			continue
		}
		name := filepath.Join(dest, c+".zip")
		if err := s.writeZip(name, files[c]); err != nil {
			return written, err
		}
		s.log.Info().Str("archive", name).Int("files", len(files[c])).Msg("wrote zip archive")
		written = append(written, name)
	}
	return written, nil
}

func (s *Storage) writeZip(name string, paths []string) (err error) {
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fileFileMode)
	if err != nil {
		return errors.Wrap(err, "creating zip archive")
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	zw := zip.NewWriter(f)
	for _, p := range paths {
		rel, err := s.rel(p)
		if err != nil {
			return err
		}
		if err := addFile(zw, p, rel); err != nil {
			return errors.Wrapf(err, "adding %s", rel)
		}
	}
	return errors.Wrap(zw.Close(), "finishing zip archive")
}

func addFile(zw *zip.Writer, p, rel string) error {
	src, err := os.Open(p)
	if err != nil {
		return err
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = rel
	hdr.Method = zip.Deflate
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, src)
	return err
}
