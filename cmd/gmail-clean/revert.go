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

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/mwilczynska/gmail-clean-and-backup/internal/persist"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/revert"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/units"
)

func newRevertCmd(a *app) *cobra.Command {
	var (
		ids    []string
		list   bool
		dryRun bool
		yes    bool
	)
	cmd := &cobra.Command{
		Use:   "revert",
		Short: "Restore originals from Trash in place of their stripped copies",
		Long: `Restore the original of each completed replacement from Trash, give
it back its labels, and trash the stripped copy.  Only works while the
original is still in Trash.  Without --id every revertible entry is
restored.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := a.openPipeline(ctx)
			if err != nil {
				return err
			}
			defer p.Close()

			var entries []*persist.Entry
			if len(ids) > 0 {
				for _, id := range ids {
					e, err := p.db.Get(ctx, id)
					if err != nil {
						return err
					}
					entries = append(entries, e)
				}
			} else if entries, err = p.db.Revertible(ctx); err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(a.out, "Nothing to revert.")
				return nil
			}

			r := revert.New(p.mb, p.db, a.log)
			if list {
				avail, err := r.CheckTrashAvailability(ctx, entries)
				if err != nil {
					return err
				}
				t := newTable(a.out)
				fmt.Fprintln(t, "EMAIL ID\tDATE\tSAVED\tIN TRASH\tSUBJECT")
				for _, e := range entries {
					fmt.Fprintf(t, "%s\t%s\t%s\t%v\t%s\n", e.EmailID, e.Date.Format(dateFormat),
						units.HumanSize(e.Saved()), avail[e.EmailID], e.Subject)
				}
				return t.Flush()
			}

			if !dryRun && !yes && a.cfg.Safety.RequireConfirmation {
				if !confirm(a.in, a.out, fmt.Sprintf("Revert %d messages in %s?", len(entries), p.user)) {
					fmt.Fprintln(a.out, "Cancelled.")
					return nil
				}
			}

			results, err := r.RevertAll(ctx, entries, dryRun)
			failed := 0
			for _, res := range results {
				switch {
				case res.Err != nil:
					failed++
					fmt.Fprintf(a.out, "FAILED %s: %v\n", res.EmailID, res.Err)
				case res.DryRun:
					fmt.Fprintf(a.out, "would restore %s from Trash UID %d\n", res.EmailID, res.TrashUID)
				default:
					fmt.Fprintf(a.out, "restored %s as UID %d\n", res.EmailID, res.RestoredUID)
				}
				for _, w := range res.Warnings {
					fmt.Fprintf(a.out, "  warning: %s\n", w)
				}
			}
			if err != nil {
				return err
			}
			if failed > 0 {
				return errors.Errorf("%d of %d reverts failed", failed, len(results))
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&ids, "id", nil, "Gmail message ID to revert (repeatable)")
	f.BoolVar(&list, "list", false, "list revertible entries and whether their originals are still in Trash")
	f.BoolVar(&dryRun, "dry-run", false, "only report what would be done")
	f.BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}
