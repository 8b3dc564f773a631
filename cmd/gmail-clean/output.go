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
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mwilczynska/gmail-clean-and-backup/internal/batch"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/message"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/scanner"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/units"
)

const dateFormat = "2006-01-02"

// confirm asks a yes/no question.  Anything but y or yes is no.
func confirm(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "%s [y/N] ", question)
	line, _ := bufio.NewReader(in).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if m[keys[i]] != m[keys[j]] {
			return m[keys[i]] > m[keys[j]]
		}
		return keys[i] < keys[j]
	})
	return keys
}

func printStatistics(w io.Writer, s *scanner.Statistics) {
	t := newTable(w)
	fmt.Fprintf(t, "Emails scanned\t%d\n", s.TotalEmails)
	fmt.Fprintf(t, "With attachments\t%d\n", s.WithAttachments)
	fmt.Fprintf(t, "Processable\t%d\n", s.Processable)
	fmt.Fprintf(t, "Skipped (encrypted)\t%d\n", s.EncryptedSkipped)
	fmt.Fprintf(t, "Skipped (inline only)\t%d\n", s.InlineOnlySkipped)
	fmt.Fprintf(t, "Attachments\t%d\n", s.TotalAttachments)
	fmt.Fprintf(t, "Attachment size\t%s\n", units.HumanSize(s.TotalAttachmentBytes))
	fmt.Fprintf(t, "Estimated backup size\t%s\n", units.HumanSize(s.EstimatedBackupBytes))
	t.Flush()

	if len(s.ByContentType) > 0 {
		fmt.Fprintln(w, "\nBy content type:")
		t = newTable(w)
		for _, k := range sortedKeys(s.ByContentType) {
			fmt.Fprintf(t, "  %s\t%d\n", k, s.ByContentType[k])
		}
		t.Flush()
	}
	if len(s.ByYear) > 0 {
		years := make([]int, 0, len(s.ByYear))
		for y := range s.ByYear {
			years = append(years, y)
		}
		sort.Ints(years)
		fmt.Fprintln(w, "\nBy year:")
		t = newTable(w)
		for _, y := range years {
			fmt.Fprintf(t, "  %d\t%d\n", y, s.ByYear[y])
		}
		t.Flush()
	}
	if len(s.TopSenders) > 0 {
		fmt.Fprintln(w, "\nTop senders:")
		t = newTable(w)
		for _, sc := range s.TopSenders {
			fmt.Fprintf(t, "  %s\t%d\t%s\n", sc.Sender, sc.Emails, units.HumanSize(sc.Bytes))
		}
		t.Flush()
	}
}

func printBatchResult(w io.Writer, r *batch.Result) {
	verb := "Processed"
	saved := "Space saved"
	if r.DryRun {
		verb = "Would process"
		saved = "Estimated savings"
	}
	t := newTable(w)
	fmt.Fprintf(t, "%s\t%d\n", verb, r.Total-r.Skipped)
	fmt.Fprintf(t, "Successful\t%d\n", r.Successful)
	fmt.Fprintf(t, "Failed\t%d\n", r.Failed)
	fmt.Fprintf(t, "Skipped\t%d\n", r.Skipped)
	fmt.Fprintf(t, "%s\t%s\n", saved, units.HumanSize(r.BytesSaved))
	fmt.Fprintf(t, "Duration\t%s\n", r.Duration.Round(time.Second))
	t.Flush()
	if len(r.Errors) > 0 {
		fmt.Fprintln(w, "\nErrors:")
		for _, e := range r.Errors {
			fmt.Fprintf(w, "  %s (UID %d) %q: %s\n", e.EmailID, e.UID, e.Subject, e.Err)
		}
		if r.Failed > len(r.Errors) {
			fmt.Fprintf(w, "  ... and %d more\n", r.Failed-len(r.Errors))
		}
	}
}

var scanColumns = []string{
	"email_id", "uid", "date", "sender", "subject", "size",
	"attachments", "strippable_size", "processable", "encrypted",
}

// writeScanCSV writes one row per scanned message.
func writeScanCSV(w io.Writer, results []*message.ScanResult) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(scanColumns); err != nil {
		return err
	}
	for _, r := range results {
		names := make([]string, 0, len(r.Attachments))
		for _, att := range r.Strippable() {
			names = append(names, att.Filename)
		}
		row := []string{
			r.Gmail.ID(),
			strconv.FormatUint(uint64(r.Header.UID), 10),
			r.Header.Date.UTC().Format(time.RFC3339),
			r.Header.Sender,
			r.Header.Subject,
			strconv.FormatInt(r.Header.Size, 10),
			strings.Join(names, ";"),
			strconv.FormatInt(r.StrippableSize(), 10),
			strconv.FormatBool(r.CanProcess()),
			strconv.FormatBool(r.Encrypted),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// progressPrinter reports progress on one line, about every percent.
type progressPrinter struct {
	w     io.Writer
	label string
	last  int
}

func (p *progressPrinter) update(done, total int, status string) {
	if total == 0 {
		return
	}
	pct := done * 100 / total
	if pct == p.last && done != total {
		return
	}
	p.last = pct
	fmt.Fprintf(p.w, "\r%s: %3d%% (%d/%d) %-40.40s", p.label, pct, done, total, status)
	if done == total {
		fmt.Fprintln(p.w)
	}
}
