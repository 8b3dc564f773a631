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

package imapclient

import (
	"crypto/tls"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/emersion/go-imap/client"
	"github.com/pkg/errors"

	"github.com/mwilczynska/gmail-clean-and-backup/internal/mailbox"
)

var connectionMessages = []string{
	"connection closed",
	"connection reset",
	"broken pipe",
	"use of closed network connection",
	"i/o timeout",
	"unexpected eof",
	"tls:",
	"no such host",
	"connection refused",
	"network is unreachable",
	"not logged in",
}

// classify tags err with its error class.  Errors that are not
// recognized as transport failures are protocol errors, so they are
// never retried.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if mailbox.IsConnection(err) || mailbox.IsProtocol(err) || mailbox.IsNotFound(err) {
		return err
	}
	if isConnection(err) {
		return &mailbox.ConnectionError{Op: op, Err: err}
	}
	return &mailbox.ProtocolError{Op: op, Err: err}
}

func isConnection(err error) bool {
	cause := errors.Cause(err)
	if cause == io.EOF || cause == io.ErrUnexpectedEOF || cause == client.ErrNotLoggedIn {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var recErr tls.RecordHeaderError
	if errors.As(err, &recErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range connectionMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
