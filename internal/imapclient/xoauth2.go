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
	"github.com/emersion/go-sasl"
)

// Xoauth2 is the SASL mechanism name Gmail uses for OAuth2 bearer
// tokens.
const Xoauth2 = "XOAUTH2"

type xoauth2Client struct {
	user  string
	token string
}

// NewXoauth2Client returns a SASL client that authenticates user with
// an OAuth2 access token.
func NewXoauth2Client(user, token string) sasl.Client {
	return &xoauth2Client{user: user, token: token}
}

func (a *xoauth2Client) Start() (string, []byte, error) {
	return Xoauth2, Xoauth2Response(a.user, a.token), nil
}

// A challenge carries a JSON error description.  The empty response
// makes the server finish with a tagged NO.
func (a *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	return []byte{}, nil
}

// Xoauth2Response formats the initial client response.
func Xoauth2Response(user, token string) []byte {
	return []byte("user=" + user + "\x01auth=Bearer " + token + "\x01\x01")
}
