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
	"mime"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

const (
	maxFilenameLength  = 100
	maxSubjectLength   = 50
	maxLocalLength     = 30
	maxExtensionLength = 10
)

var (
	invalidChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)
	runs         = regexp.MustCompile(`[_\s]+`)
)

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimRight(string(r[:n]), "_.")
}

func clean(s string) string {
	s = norm.NFKD.String(s)
	s = invalidChars.ReplaceAllString(s, "_")
	s = runs.ReplaceAllString(s, "_")
	return strings.Trim(s, "_.")
}

// sanitizeForPath makes text usable as one directory name.
func sanitizeForPath(text string, max int) string {
	if s := truncate(clean(text), max); s != "" {
		return s
	}
	return "unknown"
}

// sanitizeFilename makes a file name safe while keeping a short,
// lower case extension.
func sanitizeFilename(name string) string {
	if name == "" {
		return "attachment"
	}
	name = norm.NFKD.String(name)
	ext := ""
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name, ext = name[:i], name[i:]
	}
	ext = strings.ToLower(invalidChars.ReplaceAllString(ext, ""))
	if len([]rune(ext)) > maxExtensionLength {
		ext = string([]rune(ext)[:maxExtensionLength])
	}
	stem := truncate(clean(name), maxFilenameLength-len([]rune(ext)))
	if stem == "" {
		stem = "attachment"
	}
	return stem + ext
}

// Return the specified string with characters outside the portable
// filename character set escaped as =XX.
func escape(s string) string {
	hexCount := 0
	for i := 0; i < len(s); i++ {
		if shouldEscape(s[i]) {
			hexCount++
		}
	}
	if hexCount == 0 {
		return s
	}

	t := make([]byte, len(s)+2*hexCount)
	j := 0
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case shouldEscape(c):
			t[j] = '='
			t[j+1] = "0123456789ABCDEF"[c>>4]
			t[j+2] = "0123456789ABCDEF"[c&15]
			j += 3
		default:
			t[j] = s[i]
			j++
		}
	}
	return string(t)
}

// shouldEscape is true for everything but letters, digits, dot and
// hyphen.
func shouldEscape(c byte) bool {
	switch {
	case 'A' <= c && c <= 'Z', 'a' <= c && c <= 'z', '0' <= c && c <= '9':
		return false
	case c == '.' || c == '-':
		return false
	}
	return true
}

// Categories, in the order ZipByType reports them.
var Categories = []string{
	"documents",
	"images",
	"spreadsheets",
	"presentations",
	"archives",
	"audio",
	"video",
	"other",
}

var typeCategories = map[string]string{
	"application/pdf":    "documents",
	"application/msword": "documents",
	"application/rtf":    "documents",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": "documents",
	"application/vnd.oasis.opendocument.text":                                 "documents",
	"application/vnd.ms-excel":                                                "spreadsheets",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":       "spreadsheets",
	"application/vnd.oasis.opendocument.spreadsheet":                          "spreadsheets",
	"text/csv":                      "spreadsheets",
	"application/vnd.ms-powerpoint": "presentations",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": "presentations",
	"application/vnd.oasis.opendocument.presentation":                           "presentations",
	"application/zip":              "archives",
	"application/x-zip-compressed": "archives",
	"application/gzip":             "archives",
	"application/x-gzip":           "archives",
	"application/x-tar":            "archives",
	"application/x-7z-compressed":  "archives",
	"application/x-rar-compressed": "archives",
	"application/vnd.rar":          "archives",
	"application/x-bzip2":          "archives",
}

var extCategories = map[string]string{
	".pdf": "documents", ".doc": "documents", ".docx": "documents", ".rtf": "documents", ".odt": "documents", ".txt": "documents",
	".xls": "spreadsheets", ".xlsx": "spreadsheets", ".ods": "spreadsheets", ".csv": "spreadsheets",
	".ppt": "presentations", ".pptx": "presentations", ".odp": "presentations", ".key": "presentations",
	".zip": "archives", ".gz": "archives", ".tgz": "archives", ".tar": "archives", ".7z": "archives", ".rar": "archives", ".bz2": "archives",
}

// Category files an attachment under a broad kind, from its content
// type or, failing that, its extension.
func Category(contentType, filename string) string {
	ct := strings.ToLower(contentType)
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		ct = mt
	}
	if c, ok := typeCategories[ct]; ok {
		return c
	}
	switch {
	case strings.HasPrefix(ct, "image/"):
		return "images"
	case strings.HasPrefix(ct, "audio/"):
		return "audio"
	case strings.HasPrefix(ct, "video/"):
		return "video"
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if c, ok := extCategories[ext]; ok {
		return c
	}
	if ct == "" || ct == "application/octet-stream" {
		if t := mime.TypeByExtension(ext); t != "" && t != ct {
			return Category(t, "")
		}
	}
	if strings.HasPrefix(ct, "text/") {
		return "documents"
	}
	return "other"
}
