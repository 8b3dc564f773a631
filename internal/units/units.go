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

// Package units parses and formats the human oriented sizes and dates
// accepted on the command line and in the config file.
package units

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrInvalidSize = errors.New("invalid size")
	ErrInvalidDate = errors.New("invalid date")
)

const (
	KiB = 1024
	MiB = 1024 * KiB
	GiB = 1024 * MiB
)

// Longest suffixes first so "KB" is not read as "B".
var sizeSuffixes = []struct {
	suffix string
	mult   float64
}{
	{"KB", KiB},
	{"MB", MiB},
	{"GB", GiB},
	{"K", KiB},
	{"M", MiB},
	{"G", GiB},
	{"B", 1},
}

// ParseSize parses strings like "100KB", "5M", "1.5G" or "2048" into
// a byte count.  Multipliers are powers of 1024.
func ParseSize(s string) (int64, error) {
	t := strings.ToUpper(strings.TrimSpace(s))
	if t == "" {
		return 0, errors.Wrapf(ErrInvalidSize, "%q", s)
	}
	mult := 1.0
	for _, sfx := range sizeSuffixes {
		if strings.HasSuffix(t, sfx.suffix) {
			t = strings.TrimSpace(strings.TrimSuffix(t, sfx.suffix))
			mult = sfx.mult
			break
		}
	}
	n, err := strconv.ParseFloat(t, 64)
	if err != nil || n < 0 {
		return 0, errors.Wrapf(ErrInvalidSize, "%q", s)
	}
	return int64(n * mult), nil
}

// HumanSize formats a byte count the way placeholders and reports
// show it: "512 B", "1.5 KB", "3.2 MB".
func HumanSize(n int64) string {
	switch {
	case n < KiB:
		return fmt.Sprintf("%d B", n)
	case n < MiB:
		return fmt.Sprintf("%.1f KB", float64(n)/KiB)
	default:
		return fmt.Sprintf("%.1f MB", float64(n)/MiB)
	}
}

var dateLayouts = []string{
	"2006-01-02",
	"02-Jan-2006",
	"2-Jan-2006",
	"02/01/2006",
	"01/02/2006",
}

// ParseDate parses an absolute date or a relative age such as "30d",
// "2w", "6m" or "1y" (counted back from now).  Ambiguous slash dates
// are read day first.
func ParseDate(s string, now time.Time) (time.Time, error) {
	t := strings.TrimSpace(s)
	if t == "" {
		return time.Time{}, errors.Wrapf(ErrInvalidDate, "%q", s)
	}
	if d, ok := parseRelative(strings.ToLower(t)); ok {
		return now.Add(-d), nil
	}
	for _, layout := range dateLayouts {
		if d, err := time.ParseInLocation(layout, t, now.Location()); err == nil {
			return d, nil
		}
	}
	return time.Time{}, errors.Wrapf(ErrInvalidDate, "%q", s)
}

func parseRelative(s string) (time.Duration, bool) {
	if len(s) < 2 {
		return 0, false
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n < 0 {
		return 0, false
	}
	day := 24 * time.Hour
	switch s[len(s)-1] {
	case 'd':
		return time.Duration(n) * day, true
	case 'w':
		return time.Duration(n) * 7 * day, true
	case 'm':
		return time.Duration(n) * 30 * day, true
	case 'y':
		return time.Duration(n) * 365 * day, true
	}
	return 0, false
}

// IMAPDate formats t as an IMAP SEARCH date (RFC 3501 date-text).
func IMAPDate(t time.Time) string {
	return t.Format("02-Jan-2006")
}
