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

package scanner

import (
	"sort"
	"strings"

	"github.com/emersion/go-message/mail"

	"github.com/mwilczynska/gmail-clean-and-backup/internal/message"
)

// TopSenderCount is the number of senders Statistics ranks.
const TopSenderCount = 10

type SenderCount struct {
	Sender string
	Emails int
	Bytes  int64
}

// Statistics summarizes a scan.  Breakdowns cover processable
// messages only.
type Statistics struct {
	TotalEmails     int
	WithAttachments int
	NoAttachments   int
	Processable     int

	EncryptedSkipped  int
	InlineOnlySkipped int

	// Strippable attachments and their size as stored, transfer
	// encoding included.
	TotalAttachments     int
	TotalAttachmentBytes int64

	// Decoded size of the same attachments, what the backup will
	// take on disk.
	EstimatedBackupBytes int64

	ByContentType  map[string]int
	ByYear         map[int]int
	BySenderDomain map[string]int
	TopSenders     []SenderCount
}

// EstimatedSavings is the mailbox space stripping would free.
func (s *Statistics) EstimatedSavings() int64 {
	return s.TotalAttachmentBytes
}

// decodedSize estimates the size of an attachment after transfer
// decoding.
func decodedSize(a message.Attachment) int64 {
	if strings.EqualFold(a.Encoding, "BASE64") {
		return a.Size * 3 / 4
	}
	return a.Size
}

// senderAddress extracts the bare address from a From value.
func senderAddress(from string) string {
	if a, err := mail.ParseAddress(from); err == nil {
		return strings.ToLower(a.Address)
	}
	if i := strings.LastIndexByte(from, '<'); i >= 0 {
		from = from[i+1:]
	}
	return strings.ToLower(strings.Trim(strings.TrimSpace(from), "<>"))
}

func senderDomain(from string) string {
	addr := senderAddress(from)
	i := strings.LastIndexByte(addr, '@')
	if i < 0 {
		return ""
	}
	return addr[i+1:]
}

func GenerateStatistics(results []*message.ScanResult) Statistics {
	st := Statistics{
		TotalEmails:    len(results),
		ByContentType:  map[string]int{},
		ByYear:         map[int]int{},
		BySenderDomain: map[string]int{},
	}
	senders := map[string]*SenderCount{}
	for _, r := range results {
		if len(r.Attachments) == 0 {
			st.NoAttachments++
		} else {
			st.WithAttachments++
		}
		switch {
		case r.Encrypted:
			st.EncryptedSkipped++
			continue
		case r.InlineOnly():
			st.InlineOnlySkipped++
			continue
		case !r.CanProcess():
			continue
		}
		st.Processable++

		strippable := r.Strippable()
		st.TotalAttachments += len(strippable)
		st.TotalAttachmentBytes += r.StrippableSize()
		for _, a := range strippable {
			st.EstimatedBackupBytes += decodedSize(a)
			st.ByContentType[strings.ToLower(a.ContentType)]++
		}
		st.ByYear[r.Header.Date.Year()]++
		if d := senderDomain(r.Header.Sender); d != "" {
			st.BySenderDomain[d]++
		}
		addr := senderAddress(r.Header.Sender)
		sc := senders[addr]
		if sc == nil {
			sc = &SenderCount{Sender: addr}
			senders[addr] = sc
		}
		sc.Emails++
		sc.Bytes += r.StrippableSize()
	}

	for _, sc := range senders {
		st.TopSenders = append(st.TopSenders, *sc)
	}
	sort.Slice(st.TopSenders, func(i, j int) bool {
		a, b := st.TopSenders[i], st.TopSenders[j]
		if a.Bytes != b.Bytes {
			return a.Bytes > b.Bytes
		}
		return a.Sender < b.Sender
	})
	if len(st.TopSenders) > TopSenderCount {
		st.TopSenders = st.TopSenders[:TopSenderCount]
	}
	return st
}
