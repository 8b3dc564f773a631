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
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/mwilczynska/gmail-clean-and-backup/internal/message"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/persist"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/txlog"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/units"
)

var statusOrder = []persist.Status{
	persist.StatusCompleted,
	persist.StatusExtracted,
	persist.StatusPending,
	persist.StatusFailed,
	persist.StatusReverted,
}

func newStatusCmd(a *app) *cobra.Command {
	var verify bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Summarize the manifest, backups and transaction log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := a.openManifest(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			st, err := db.Stats(ctx)
			if err != nil {
				return err
			}
			t := newTable(a.out)
			fmt.Fprintf(t, "Manifest entries\t%d\n", st.Total)
			for _, s := range statusOrder {
				if n := st.ByStatus[s]; n > 0 {
					fmt.Fprintf(t, "  %s\t%d\n", s, n)
				}
			}
			fmt.Fprintf(t, "Attachments backed up\t%d\n", st.TotalAttachments)
			fmt.Fprintf(t, "Space saved\t%s\n", units.HumanSize(st.Savings))

			cp, ok, err := db.LatestCheckpoint(ctx)
			if err != nil {
				return err
			}
			if ok {
				fmt.Fprintf(t, "Unfinished batch\tUID %d at %s (%d done, %d failed)\n",
					cp.LastUID, cp.Time.Local().Format("2006-01-02 15:04"), cp.Successful, cp.Failed)
			}

			tx, err := txlog.Open(a.cfg.Safety.TransactionLog, a.log)
			if err != nil {
				return err
			}
			open, err := tx.Incomplete()
			if err != nil {
				return err
			}
			fmt.Fprintf(t, "Interrupted transactions\t%d\n", len(open))

			if _, err := os.Stat(a.cfg.Backup.Directory); err == nil {
				store, err := a.openStorage()
				if err != nil {
					return err
				}
				bs, err := store.Stats()
				if err != nil {
					return err
				}
				fmt.Fprintf(t, "Backup directory\t%s\n", store.Root())
				fmt.Fprintf(t, "Backup files\t%d (%s)\n", bs.FileCount, units.HumanSize(bs.TotalSize))
			}
			t.Flush()

			if !verify {
				return nil
			}
			return a.verifyBackups(cmd, db)
		},
	}
	cmd.Flags().BoolVar(&verify, "verify", false, "re-hash every backed up attachment")
	return cmd
}

func (a *app) verifyBackups(cmd *cobra.Command, db *persist.DB) error {
	ctx := cmd.Context()
	store, err := a.openStorage()
	if err != nil {
		return err
	}
	entries, err := db.All(ctx)
	if err != nil {
		return err
	}
	var saved []message.SavedAttachment
	for _, e := range entries {
		saved = append(saved, e.Attachments...)
	}
	bad, err := store.VerifyAll(ctx, saved)
	if err != nil {
		return err
	}
	for _, b := range bad {
		fmt.Fprintf(a.out, "BAD %s\n", b.Path)
	}
	if len(bad) > 0 {
		return errors.Errorf("%d of %d backups are missing or changed", len(bad), len(saved))
	}
	fmt.Fprintf(a.out, "All %d backups verified\n", len(saved))
	return nil
}
