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
	"fmt"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/mwilczynska/gmail-clean-and-backup/internal/units"
)

func newProcessCmd(a *app) *cobra.Command {
	var (
		sf        searchFlags
		dryRun    bool
		batchSize int
		yes       bool
		zip       bool
	)
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Back up attachments and replace messages with stripped copies",
		Long: `Back up the attachments of matching messages and replace each message
with a stripped copy.  Runs as a dry run unless --dry-run=false is
given.  Transactions a previous run left unfinished are recovered
first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if !cmd.Flags().Changed("dry-run") {
				dryRun = a.cfg.Processing.DryRun
			}
			if !cmd.Flags().Changed("batch-size") {
				batchSize = a.cfg.Processing.BatchSize
			}
			crit, err := a.criteria(&sf, time.Now())
			if err != nil {
				return err
			}

			p, err := a.openPipeline(ctx)
			if err != nil {
				return err
			}
			defer p.Close()

			if dryRun {
				open, err := p.tx.Incomplete()
				if err != nil {
					return err
				}
				if len(open) > 0 {
					fmt.Fprintf(a.out, "%d interrupted transactions will be recovered on the next real run\n", len(open))
				}
			} else {
				recs, err := a.recoverInterrupted(ctx, p)
				if err != nil {
					return err
				}
				if len(recs) > 0 {
					fmt.Fprintf(a.out, "Recovered %d interrupted transactions\n", len(recs))
				}
			}

			results, err := a.scan(ctx, p.mb, crit, batchSize, func(uids []uint32) ([]uint32, error) {
				return p.db.UnprocessedUIDs(ctx, uids)
			})
			if err != nil {
				return err
			}
			proc := p.processor(a)
			pv, err := proc.Preview(ctx, results)
			if err != nil {
				return err
			}
			printStatistics(a.out, &pv.Statistics)
			fmt.Fprintf(a.out, "\nAlready processed: %d\nEstimated savings: %s\n\n",
				pv.AlreadyProcessed, units.HumanSize(pv.EstimatedSavings))

			if !dryRun && pv.Processable > pv.AlreadyProcessed && a.cfg.Safety.RequireConfirmation && !yes {
				q := fmt.Sprintf("Replace %d messages in %s?", pv.Processable-pv.AlreadyProcessed, p.user)
				if !confirm(a.in, a.out, q) {
					fmt.Fprintln(a.out, "Cancelled.")
					return nil
				}
			}

			progress := &progressPrinter{w: a.err, label: "Processing"}
			res, err := proc.Process(ctx, results, dryRun, progress.update)
			if res != nil {
				fmt.Fprintln(a.out)
				printBatchResult(a.out, res)
			}
			if err != nil {
				return errors.Wrap(err, "batch stopped")
			}

			if zip && !dryRun {
				archives, err := p.store.ZipByType(filepath.Join(a.cfg.Backup.Directory, "zips"))
				if err != nil {
					return errors.Wrap(err, "unable to write zip archives")
				}
				for _, z := range archives {
					fmt.Fprintf(a.out, "Wrote %s\n", z)
				}
			}
			if res != nil && res.Failed > 0 {
				return errors.Errorf("%d messages failed", res.Failed)
			}
			return nil
		},
	}
	sf.register(cmd, false)
	f := cmd.Flags()
	f.BoolVar(&dryRun, "dry-run", true, "only report what would be done (default processing.dry_run)")
	f.IntVar(&batchSize, "batch-size", 0, "process at most this many messages (default processing.batch_size)")
	f.BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	f.BoolVar(&zip, "zip", false, "afterwards, write one zip archive per attachment type")
	return cmd
}
