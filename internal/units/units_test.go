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

package units

import (
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestParseSize(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"100KB", 102400},
		{"5M", 5 * 1024 * 1024},
		{"1.5k", 1536},
		{"2048", 2048},
		{"12 B", 12},
		{"1GB", 1 << 30},
		{" 3mb ", 3 << 20},
	}
	for _, tc := range cases {
		got, err := ParseSize(tc.in)
		if err != nil {
			t.Errorf("ParseSize(%q) error = %v, want nil", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseSize(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestParseSizeInvalid(t *testing.T) {
	for _, in := range []string{"bad", "", "KB", "-1M", "1.2.3K"} {
		if _, err := ParseSize(in); errors.Cause(err) != ErrInvalidSize {
			t.Errorf("ParseSize(%q) error = %v, want ErrInvalidSize", in, err)
		}
	}
}

func TestHumanSize(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1536, "1.5 KB"},
		{512000, "500.0 KB"},
		{5 * 1024 * 1024, "5.0 MB"},
	}
	for _, tc := range cases {
		if got := HumanSize(tc.in); got != tc.want {
			t.Errorf("HumanSize(%d) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseDate(t *testing.T) {
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		in   string
		want time.Time
	}{
		{"30d", now.Add(-30 * 24 * time.Hour)},
		{"2w", now.Add(-14 * 24 * time.Hour)},
		{"6m", now.Add(-180 * 24 * time.Hour)},
		{"1y", now.Add(-365 * 24 * time.Hour)},
		{"2023-01-31", time.Date(2023, 1, 31, 0, 0, 0, 0, time.UTC)},
		{"05-Feb-2022", time.Date(2022, 2, 5, 0, 0, 0, 0, time.UTC)},
		{"25/12/2021", time.Date(2021, 12, 25, 0, 0, 0, 0, time.UTC)},
		{"12/25/2021", time.Date(2021, 12, 25, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		got, err := ParseDate(tc.in, now)
		if err != nil {
			t.Errorf("ParseDate(%q) error = %v, want nil", tc.in, err)
			continue
		}
		if !got.Equal(tc.want) {
			t.Errorf("ParseDate(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}

	if _, err := ParseDate("yesterday", now); errors.Cause(err) != ErrInvalidDate {
		t.Errorf("ParseDate(%q) error = %v, want ErrInvalidDate", "yesterday", err)
	}
}

func TestIMAPDate(t *testing.T) {
	d := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)
	if got, want := IMAPDate(d), "05-Jan-2024"; got != want {
		t.Errorf("IMAPDate(%v) = %q, want %q", d, got, want)
	}
}
