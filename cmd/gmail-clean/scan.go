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
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/mwilczynska/gmail-clean-and-backup/internal/imapclient"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/mailbox"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/message"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/scanner"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/units"
)

// searchFlags are the filters shared by scan and process.
type searchFlags struct {
	minSize string
	before  string
	after   string
	from    string
	query   string
	labels  []string
	exclude []string
}

func (f *searchFlags) register(cmd *cobra.Command, all bool) {
	fs := cmd.Flags()
	fs.StringVar(&f.minSize, "min-size", "", "smallest message to consider, e.g. 100KB (default processing.min_attachment_size)")
	fs.StringVar(&f.before, "before", "", "only messages before this date or age, e.g. 2023-01-01 or 6m")
	if !all {
		return
	}
	fs.StringVar(&f.after, "after", "", "only messages on or after this date or age")
	fs.StringVar(&f.from, "from", "", "only messages from this sender")
	fs.StringVar(&f.query, "query", "", "raw Gmail search query; overrides every other filter")
	fs.StringSliceVar(&f.labels, "label", nil, "only messages with this label (repeatable)")
	fs.StringSliceVar(&f.exclude, "exclude-label", nil, "skip messages with this label (repeatable)")
}

// criteria merges the flags over the configured search defaults.
func (a *app) criteria(f *searchFlags, now time.Time) (mailbox.Criteria, error) {
	s := a.cfg.Search
	c := mailbox.Criteria{
		HasAttachment: true,
		MinSize:       int64(a.cfg.Processing.MinAttachmentSize),
		From:          pick(f.from, s.From),
		Labels:        s.Labels,
		ExcludeLabels: s.ExcludeLabels,
		GmailRaw:      f.query,
	}
	if len(f.labels) > 0 {
		c.Labels = f.labels
	}
	if len(f.exclude) > 0 {
		c.ExcludeLabels = f.exclude
	}
	if f.minSize != "" {
		n, err := units.ParseSize(f.minSize)
		if err != nil {
			return c, errors.Wrap(err, "--min-size")
		}
		c.MinSize = n
	}
	var err error
	if v := pick(f.before, s.Before); v != "" {
		if c.Before, err = units.ParseDate(v, now); err != nil {
			return c, errors.Wrap(err, "--before")
		}
	}
	if v := pick(f.after, s.After); v != "" {
		if c.Since, err = units.ParseDate(v, now); err != nil {
			return c, errors.Wrap(err, "--after")
		}
	}
	return c, nil
}

func pick(flag, fallback string) string {
	if flag != "" {
		return flag
	}
	return fallback
}

// scan searches All Mail and scans up to limit matches, most recent
// first.  filter, if set, narrows the UIDs before they are fetched.
func (a *app) scan(ctx context.Context, mb *imapclient.Client, crit mailbox.Criteria, limit int,
	filter func([]uint32) ([]uint32, error)) ([]*message.ScanResult, error) {
	if _, err := mb.SelectFolder(ctx, mailbox.AllMail, true); err != nil {
		return nil, err
	}
	s := scanner.New(mb, a.log)
	uids, err := s.Search(ctx, crit)
	if err != nil {
		return nil, errors.Wrap(err, "unable to search")
	}
	fmt.Fprintf(a.err, "%d messages match %s\n", len(uids), crit)
	if filter != nil {
		if uids, err = filter(uids); err != nil {
			return nil, err
		}
	}
	if limit > 0 && len(uids) > limit {
		uids = uids[len(uids)-limit:]
	}
	p := &progressPrinter{w: a.err, label: "Scanning"}
	return s.ScanBatch(ctx, uids, func(done, total int, uid uint32, err error) {
		status := fmt.Sprintf("UID %d", uid)
		if err != nil {
			status += " failed"
		}
		p.update(done, total, status)
	})
}

func newScanCmd(a *app) *cobra.Command {
	var (
		sf     searchFlags
		limit  int
		export string
	)
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Report messages with attachments that could be stripped",
		Long: `Search All Mail read-only and analyze the structure of every match.
Nothing is downloaded but headers and structure, and nothing is
changed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			crit, err := a.criteria(&sf, time.Now())
			if err != nil {
				return err
			}
			mb, _, err := a.dial(ctx)
			if err != nil {
				return err
			}
			defer mb.Close()

			results, err := a.scan(ctx, mb, crit, limit, nil)
			if err != nil {
				return err
			}
			stats := scanner.GenerateStatistics(results)
			printStatistics(a.out, &stats)
			fmt.Fprintf(a.out, "\nEstimated savings: %s\n", units.HumanSize(stats.EstimatedSavings()))

			if export != "" {
				f, err := os.Create(export)
				if err != nil {
					return errors.Wrap(err, "unable to create export file")
				}
				if err := writeScanCSV(f, results); err != nil {
					f.Close()
					return errors.Wrap(err, "unable to write export file")
				}
				if err := f.Close(); err != nil {
					return err
				}
				fmt.Fprintf(a.out, "Exported %d messages to %s\n", len(results), export)
			}
			return nil
		},
	}
	sf.register(cmd, true)
	cmd.Flags().IntVar(&limit, "limit", 0, "scan at most this many of the newest matches")
	cmd.Flags().StringVar(&export, "export", "", "write per-message results to this CSV file")
	return cmd
}
