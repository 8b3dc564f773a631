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
	"io"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mwilczynska/gmail-clean-and-backup/internal/config"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/logging"
)

// app is the state shared by every command.
type app struct {
	configPath string
	logLevel   string
	trace      bool

	cfg    *config.Config
	log    zerolog.Logger
	closer io.Closer

	in  io.Reader
	out io.Writer
	err io.Writer
}

func newRootCmd(in io.Reader, out, errOut io.Writer) *cobra.Command {
	a := &app{in: in, out: out, err: errOut}
	cmd := &cobra.Command{
		Use:   "gmail-clean",
		Short: "Back up and strip large Gmail attachments",
		Long: `gmail-clean finds Gmail messages with large attachments, saves the
attachments to local disk, and replaces each message with a copy that
no longer carries them.  Threads and labels are kept, the original goes
to Trash, and every replacement can be reverted while the original is
still there.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return a.setup() },
		PersistentPostRun: func(cmd *cobra.Command, args []string) { a.teardown() },
	}
	cmd.SetIn(a.in)
	cmd.SetOut(a.out)
	cmd.SetErr(a.err)

	f := cmd.PersistentFlags()
	f.StringVar(&a.configPath, "config", "", "config file (default "+config.DefaultPath()+")")
	f.StringVar(&a.logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	f.BoolVarP(&a.trace, "trace", "T", false, "request debug tracing of IMAP and OAuth traffic")

	cmd.AddCommand(
		newAuthCmd(a),
		newScanCmd(a),
		newProcessCmd(a),
		newStatusCmd(a),
		newExportManifestCmd(a),
		newCleanupCmd(a),
		newRevertCmd(a),
		newRecoverCmd(a),
	)
	return cmd
}

func (a *app) setup() error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return errors.Wrap(err, "unable to load configuration")
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	log, closer, err := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	}, a.err)
	if err != nil {
		return errors.Wrap(err, "unable to initialize logging")
	}
	a.cfg, a.log, a.closer = cfg, log, closer
	return nil
}

func (a *app) teardown() {
	if a.closer != nil {
		a.closer.Close()
	}
}
