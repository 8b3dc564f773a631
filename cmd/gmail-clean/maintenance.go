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
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/mwilczynska/gmail-clean-and-backup/internal/txlog"
)

func newExportManifestCmd(a *app) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "export-manifest <path>",
		Short: "Write the manifest as JSON or CSV",
		Long: `Write every manifest entry to path.  The format comes from --format or,
if that is not given, from the file extension.  A path of - writes to
standard output.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			path := args[0]
			if format == "" {
				format = strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
			}
			if format != "json" && format != "csv" {
				return errors.Errorf("unknown export format %q; use json or csv", format)
			}

			db, err := a.openManifest(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			var w io.Writer = a.out
			var f *os.File
			if path != "-" {
				if f, err = os.Create(path); err != nil {
					return errors.Wrap(err, "unable to create export file")
				}
				defer f.Close()
				w = f
			}
			var n int
			if format == "json" {
				n, err = db.ExportJSON(ctx, w)
			} else {
				n, err = db.ExportCSV(ctx, w)
			}
			if err != nil {
				return errors.Wrap(err, "unable to export manifest")
			}
			if f != nil {
				if err := f.Close(); err != nil {
					return err
				}
				fmt.Fprintf(a.out, "Exported %d entries to %s\n", n, path)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "json or csv")
	return cmd
}

func newCleanupCmd(a *app) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Prune old transaction log records and empty backup directories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("older-than-days") {
				days = a.cfg.Safety.KeepTrashDays
			}
			tx, err := txlog.Open(a.cfg.Safety.TransactionLog, a.log)
			if err != nil {
				return err
			}
			n, err := tx.Cleanup(days)
			if err != nil {
				return errors.Wrap(err, "unable to clean up transaction log")
			}
			fmt.Fprintf(a.out, "Removed %d transaction log records older than %d days\n", n, days)

			if _, err := os.Stat(a.cfg.Backup.Directory); os.IsNotExist(err) {
				return nil
			}
			store, err := a.openStorage()
			if err != nil {
				return err
			}
			dirs, err := store.CleanupEmptyDirs()
			if err != nil {
				return errors.Wrap(err, "unable to clean up backup directory")
			}
			fmt.Fprintf(a.out, "Removed %d empty backup directories\n", dirs)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "older-than-days", 0, "age of transactions to drop (default safety.keep_trash_days)")
	return cmd
}

func newRecoverCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Finish transactions an interrupted run left open",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.openPipeline(cmd.Context())
			if err != nil {
				return err
			}
			defer p.Close()
			recs, err := a.recoverInterrupted(cmd.Context(), p)
			for _, r := range recs {
				fmt.Fprintf(a.out, "%s  email %s  from %s: %s\n", r.TxnID, r.EmailID, r.From, r.Action)
				if r.Warning != "" {
					fmt.Fprintf(a.out, "  warning: %s\n", r.Warning)
				}
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Recovered %d transactions\n", len(recs))
			return nil
		},
	}
}
