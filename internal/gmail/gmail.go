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

// Package gmail asks the Gmail API who a token belongs to.  The IMAP
// session needs the address for XOAUTH2, and the auth command reports
// it.
package gmail

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	gmail_api "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	// See https://developers.google.com/gmail/api/reference/quota
	quotaUnitsPerGetProfile = 1

	quotaUnitsPerSecond = 250
	rateLimitPerSecond  = quotaUnitsPerSecond * 0.8
	rateLimitBurst      = quotaUnitsPerSecond

	maxTooManyRequests = 5
)

// Profile is the part of a Gmail user profile gmail-clean shows.
type Profile struct {
	EmailAddress  string
	MessagesTotal int64
	ThreadsTotal  int64
	HistoryID     uint64
}

// Service provides rate limited access to the Gmail API.
type Service struct {
	service *gmail_api.Service
	limiter *rate.Limiter
	log     zerolog.Logger
}

// New returns a Service making requests with client, which must add
// credentials.  opts are passed to the API client after it.
func New(ctx context.Context, client *http.Client, log zerolog.Logger, opts ...option.ClientOption) (*Service, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(client)}, opts...)
	s, err := gmail_api.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating Gmail API client")
	}
	return &Service{
		service: s,
		limiter: rate.NewLimiter(rateLimitPerSecond, rateLimitBurst),
		log:     log.With().Str("component", "gmail").Logger(),
	}, nil
}

func (s *Service) GetProfile(ctx context.Context) (*Profile, error) {
	for attempt := 1; ; attempt++ {
		if err := s.limiter.WaitN(ctx, quotaUnitsPerGetProfile); err != nil {
			return nil, err
		}
		u, err := s.service.Users.GetProfile("me").Context(ctx).Do()
		if err == nil {
			return &Profile{
				EmailAddress:  u.EmailAddress,
				MessagesTotal: u.MessagesTotal,
				ThreadsTotal:  u.ThreadsTotal,
				HistoryID:     u.HistoryId,
			}, nil
		}

		if cause, ok := errors.Cause(err).(*googleapi.Error); ok &&
			cause.Code == http.StatusTooManyRequests && attempt < maxTooManyRequests {
			s.log.Warn().Int("attempt", attempt).Msg("Gmail API rate limited; retrying")
			select {
			case <-time.After(time.Duration(attempt) * time.Second):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue // retry
		}
		return nil, errors.Wrap(err, "getting Gmail profile")
	}
}
