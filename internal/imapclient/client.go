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

// Package imapclient is a Gmail IMAP session with XOAUTH2
// authentication, throttling, and retries that reconnect on transport
// failures.  It implements mailbox.Mailbox.
package imapclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/commands"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/mwilczynska/gmail-clean-and-backup/internal/mailbox"
)

const DefaultAddr = "imap.gmail.com:993"

// Config tunes a Client.  Zero values select the defaults.
type Config struct {
	// host:port of the IMAPS server.
	Addr string

	// Mailbox address used for XOAUTH2.
	User string

	DialTimeout    time.Duration
	CommandTimeout time.Duration

	// Retries after the first attempt for connection errors.
	MaxRetries int

	// Base of the exponential backoff between retries.
	RetryDelay time.Duration

	// Minimum spacing between commands.
	Throttle time.Duration

	// If set, the IMAP conversation is copied here.
	Debug io.Writer

	TLSConfig *tls.Config
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 30 * time.Second
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = 2 * time.Minute
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = time.Second
	}
	if c.Throttle == 0 {
		c.Throttle = 100 * time.Millisecond
	}
	return c
}

// Client is one IMAP session.  It is not safe for concurrent use.
type Client struct {
	cfg     Config
	tokens  oauth2.TokenSource
	log     zerolog.Logger
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker

	conn     *client.Client
	selected string
	readOnly bool
	uidNext  uint32

	// Replaced in tests.
	reconnectFn func(ctx context.Context) error
	sleep       func(ctx context.Context, d time.Duration) error
	searchFn    func(terms []mailbox.Term) ([]uint32, error)
	appendFn    func(cmd *commands.Append) (*imap.StatusResp, error)
}

var _ mailbox.Mailbox = (*Client)(nil)

// New returns an unconnected client.
func New(cfg Config, tokens oauth2.TokenSource, log zerolog.Logger) *Client {
	cfg = cfg.withDefaults()
	c := &Client{
		cfg:     cfg,
		tokens:  tokens,
		log:     log.With().Str("component", "imap").Logger(),
		limiter: rate.NewLimiter(rate.Every(cfg.Throttle), 1),
		sleep:   sleepContext,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "imap-reconnect",
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn().Str("breaker", name).Stringer("from", from).Stringer("to", to).Msg("circuit breaker state changed")
		},
	})
	c.reconnectFn = c.reconnect
	c.searchFn = c.uidSearch
	c.appendFn = c.execAppend
	return c
}

// Dial connects and authenticates.
func Dial(ctx context.Context, cfg Config, tokens oauth2.TokenSource, log zerolog.Logger) (*Client, error) {
	c := New(cfg, tokens, log)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	if err := c.Authenticate(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// backoff returns the delay before retry number attempt, counting
// from zero.
func backoff(base time.Duration, attempt int) time.Duration {
	return base * time.Duration(1<<uint(attempt))
}

// Connect dials the server over TLS.
func (c *Client) Connect(ctx context.Context) error {
	dialer := &net.Dialer{Timeout: c.cfg.DialTimeout}
	if dl, ok := ctx.Deadline(); ok {
		dialer.Deadline = dl
	}
	conn, err := client.DialWithDialerTLS(dialer, c.cfg.Addr, c.cfg.TLSConfig)
	if err != nil {
		return classify("CONNECT", errors.Wrapf(err, "dialing %s", c.cfg.Addr))
	}
	conn.Timeout = c.cfg.CommandTimeout
	conn.ErrorLog = zerologAdapter{c.log}
	if c.cfg.Debug != nil {
		conn.SetDebug(c.cfg.Debug)
	}
	c.conn = conn
	c.log.Debug().Str("addr", c.cfg.Addr).Msg("connected")
	return nil
}

// Authenticate logs in with XOAUTH2 using a fresh access token.
func (c *Client) Authenticate(ctx context.Context) error {
	if c.conn == nil {
		return &mailbox.ProtocolError{Op: "AUTHENTICATE", Err: errors.New("not connected")}
	}
	tok, err := c.tokens.Token()
	if err != nil {
		return &mailbox.ProtocolError{Op: "AUTHENTICATE", Err: errors.Wrap(err, "obtaining access token")}
	}
	if err := c.conn.Authenticate(NewXoauth2Client(c.cfg.User, tok.AccessToken)); err != nil {
		err = classify("AUTHENTICATE", err)
		if !mailbox.IsConnection(err) {
			err = &mailbox.ProtocolError{Op: "AUTHENTICATE", Err: errors.Wrapf(errors.Cause(err), "authenticating %s", c.cfg.User)}
		}
		return err
	}
	c.log.Info().Str("user", c.cfg.User).Msg("authenticated")
	return nil
}

// reconnect replaces the session and restores the selected folder.
// Attempts go through a circuit breaker so a dead network fails fast.
func (c *Client) reconnect(ctx context.Context) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		if c.conn != nil {
			c.conn.Terminate()
			c.conn = nil
		}
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
		if err := c.Authenticate(ctx); err != nil {
			return nil, err
		}
		if c.selected != "" {
			if _, err := c.selectFolder(c.selected, c.readOnly); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return &mailbox.ProtocolError{Op: "RECONNECT", Err: err}
	}
	return err
}

// run executes fn, retrying connection errors with exponential backoff
// and a reconnect before each retry.
func (c *Client) run(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			delay := backoff(c.cfg.RetryDelay, attempt-1)
			c.log.Warn().Err(err).Str("op", op).Int("attempt", attempt).Dur("delay", delay).Msg("retrying after connection error")
			if serr := c.sleep(ctx, delay); serr != nil {
				return serr
			}
			if rerr := c.reconnectFn(ctx); rerr != nil {
				err = classify("RECONNECT", rerr)
				if !mailbox.IsConnection(err) || attempt >= c.cfg.MaxRetries {
					return err
				}
				continue
			}
		}
		if werr := c.limiter.Wait(ctx); werr != nil {
			return werr
		}
		err = classify(op, c.checkConn(fn))
		if err == nil || !mailbox.IsConnection(err) || attempt >= c.cfg.MaxRetries {
			return err
		}
	}
}

// checkConn runs fn, reporting a dropped session as a connection
// error whatever fn returned.
func (c *Client) checkConn(fn func() error) error {
	err := fn()
	if err != nil && c.conn != nil && c.conn.State() == imap.LogoutState {
		return &mailbox.ConnectionError{Op: "IMAP", Err: err}
	}
	return err
}

// session returns the live connection.
func (c *Client) session(op string) (*client.Client, error) {
	if c.conn == nil {
		return nil, &mailbox.ConnectionError{Op: op, Err: errors.New("not connected")}
	}
	return c.conn, nil
}

func (c *Client) selectFolder(name string, readOnly bool) (*mailbox.FolderStatus, error) {
	conn, err := c.session("SELECT")
	if err != nil {
		return nil, err
	}
	st, err := conn.Select(name, readOnly)
	if err != nil {
		return nil, err
	}
	c.selected = name
	c.readOnly = readOnly
	c.uidNext = st.UidNext
	return &mailbox.FolderStatus{
		Name:        name,
		Messages:    st.Messages,
		UIDNext:     st.UidNext,
		UIDValidity: st.UidValidity,
		ReadOnly:    readOnly,
	}, nil
}

func (c *Client) SelectFolder(ctx context.Context, name string, readOnly bool) (*mailbox.FolderStatus, error) {
	var st *mailbox.FolderStatus
	err := c.run(ctx, "SELECT", func() (err error) {
		st, err = c.selectFolder(name, readOnly)
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "selecting %q", name)
	}
	c.log.Debug().Str("folder", name).Uint32("messages", st.Messages).Bool("read_only", readOnly).Msg("selected folder")
	return st, nil
}

func (c *Client) Selected() string {
	return c.selected
}

func (c *Client) ReadOnly() bool {
	return c.readOnly
}

func (c *Client) ListFolders(ctx context.Context) ([]string, error) {
	var names []string
	err := c.run(ctx, "LIST", func() error {
		conn, err := c.session("LIST")
		if err != nil {
			return err
		}
		names = names[:0]
		ch := make(chan *imap.MailboxInfo, 16)
		done := make(chan error, 1)
		go func() {
			done <- conn.List("", "*", ch)
		}()
		for m := range ch {
			names = append(names, m.Name)
		}
		return <-done
	})
	if err != nil {
		return nil, errors.Wrap(err, "listing folders")
	}
	return names, nil
}

// Close logs out, dropping the connection if that fails.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Logout()
	if err != nil {
		c.conn.Terminate()
	}
	c.conn = nil
	return err
}

type zerologAdapter struct {
	log zerolog.Logger
}

func (z zerologAdapter) Printf(format string, v ...interface{}) {
	z.log.Warn().Msgf(format, v...)
}

func (z zerologAdapter) Println(v ...interface{}) {
	z.log.Warn().Msg(strings.TrimSuffix(fmt.Sprintln(v...), "\n"))
}
