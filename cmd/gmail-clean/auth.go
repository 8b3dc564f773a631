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

	"github.com/mwilczynska/gmail-clean-and-backup/internal/credentials"
)

func newAuthCmd(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Authorize gmail-clean to access the Gmail account",
		Long: `Run the OAuth consent flow against the client secrets in
auth.credentials_file and save the token to auth.token_file, then show
which account the token belongs to.  With an existing token only the
account check runs, unless --force is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if a.cfg.Auth.TokenCommand == "" {
				_, err := credentials.ReadToken(a.cfg.Auth.TokenFile)
				switch {
				case force || errors.Is(err, credentials.ErrNoToken):
					if err := a.authorize(cmd); err != nil {
						return err
					}
				case err != nil:
					return err
				}
			}

			tokens, err := a.tokenSource(ctx)
			if err != nil {
				return err
			}
			p, err := a.profile(ctx, tokens)
			if err != nil {
				return errors.Wrap(err, "unable to verify token")
			}
			fmt.Fprintf(a.out, "Authorized as %s (%d messages, %d threads)\n",
				p.EmailAddress, p.MessagesTotal, p.ThreadsTotal)
			if a.cfg.Email != "" && a.cfg.Email != p.EmailAddress {
				fmt.Fprintf(a.out, "Warning: configured email is %s\n", a.cfg.Email)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "authorize again even if a token is saved")
	return cmd
}

func (a *app) authorize(cmd *cobra.Command) error {
	oc, err := credentials.OAuthConfig(a.cfg.Auth.CredentialsFile)
	if err != nil {
		return errors.Wrap(err, "unable to read OAuth client secrets; download them from the Google Cloud console")
	}
	flow := &credentials.Flow{
		Config: oc,
		Prompt: func(url string) {
			fmt.Fprintf(a.out, "Open this URL in a browser to authorize gmail-clean:\n\n  %s\n\n", url)
		},
	}
	tok, err := flow.Token(a.oauthContext(cmd.Context()))
	if err != nil {
		return err
	}
	if err := credentials.WriteToken(a.cfg.Auth.TokenFile, tok); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Token saved to %s\n", a.cfg.Auth.TokenFile)
	return nil
}
