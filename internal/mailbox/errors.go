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

package mailbox

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrNotFound reports that a UID or message does not exist.
var ErrNotFound = errors.New("message not found")

// ConnectionError is a transient transport failure.  Operations that
// fail with one may be retried after reconnecting.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: connection error: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError is a rejected or malformed command or response,
// including failed authentication.  It is never retried.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: protocol error: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func IsConnection(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

func IsProtocol(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
