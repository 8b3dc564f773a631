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

// Package txlog is the append-only transaction log of message
// replacements.  Each phase transition is one JSON line, so the state
// of an interrupted replacement can be rebuilt by replaying the lines
// of its transaction in order.
package txlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	dirFileMode  = 0700
	fileFileMode = 0600

	idLength = 8
)

type Status string

const (
	Started       Status = "started"
	Extracted     Status = "extracted"
	Reconstructed Status = "reconstructed"
	Uploaded      Status = "uploaded"
	Verified      Status = "verified"
	Labeled       Status = "labeled"
	Deleted       Status = "deleted"
	Completed     Status = "completed"
	Failed        Status = "failed"
)

// Terminal reports whether no transition may follow s.
func (s Status) Terminal() bool {
	return s == Completed || s == Failed
}

// Data is the phase specific payload of a record.  Later records of a
// transaction override the fields they set.
type Data struct {
	UID      uint32   `json:"uid,omitempty"`
	Subject  string   `json:"subject,omitempty"`
	MsgID    string   `json:"message_id,omitempty"`
	NewUID   uint32   `json:"new_uid,omitempty"`
	NewSize  int64    `json:"new_size,omitempty"`
	Labels   []string `json:"labels,omitempty"`
	Archive  string   `json:"archive,omitempty"`
	Phase    string   `json:"phase,omitempty"`
	Note     string   `json:"note,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func (d *Data) merge(o *Data) {
	if o == nil {
		return
	}
	if o.UID != 0 {
		d.UID = o.UID
	}
	if o.Subject != "" {
		d.Subject = o.Subject
	}
	if o.MsgID != "" {
		d.MsgID = o.MsgID
	}
	if o.NewUID != 0 {
		d.NewUID = o.NewUID
	}
	if o.NewSize != 0 {
		d.NewSize = o.NewSize
	}
	if o.Labels != nil {
		d.Labels = o.Labels
	}
	if o.Archive != "" {
		d.Archive = o.Archive
	}
	if o.Phase != "" {
		d.Phase = o.Phase
	}
	if o.Note != "" {
		d.Note = o.Note
	}
	d.Warnings = append(d.Warnings, o.Warnings...)
}

// Record is one line of the log.
type Record struct {
	TxnID     string    `json:"txn_id"`
	EmailID   string    `json:"email_id,omitempty"`
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Data      *Data     `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// State is a transaction folded from its records.
type State struct {
	TxnID   string
	EmailID string
	Steps   []Status
	Last    Status
	Updated time.Time
	Error   string
	Data    Data
}

// Fold replays the records of one transaction.
func Fold(history []Record) State {
	var s State
	for _, r := range history {
		s.TxnID = r.TxnID
		if r.EmailID != "" {
			s.EmailID = r.EmailID
		}
		s.Steps = append(s.Steps, r.Status)
		s.Last = r.Status
		s.Updated = r.Timestamp
		if r.Error != "" {
			s.Error = r.Error
		}
		s.Data.merge(r.Data)
	}
	return s
}

type Log struct {
	path  string
	log   zerolog.Logger
	now   func() time.Time
	newID func() string
}

// Open returns the log stored at path, creating its directory.  The
// file itself is created by the first record.
func Open(path string, log zerolog.Logger) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirFileMode); err != nil {
		return nil, errors.Wrap(err, "creating transaction log directory")
	}
	return &Log{
		path:  path,
		log:   log.With().Str("component", "txlog").Logger(),
		now:   time.Now,
		newID: newID,
	}, nil
}

func newID() string {
	return uuid.New().String()[:idLength]
}

func (l *Log) Path() string {
	return l.path
}

// Begin starts a transaction for the given email and returns its ID.
func (l *Log) Begin(emailID string, data *Data) (string, error) {
	id := l.newID()
	err := l.append(Record{TxnID: id, EmailID: emailID, Status: Started, Data: data})
	if err != nil {
		return "", err
	}
	l.log.Debug().Str("txn_id", id).Str("email_id", emailID).Msg("transaction started")
	return id, nil
}

// Log records that txnID reached status.
func (l *Log) Log(txnID string, status Status, data *Data) error {
	if err := l.append(Record{TxnID: txnID, Status: status, Data: data}); err != nil {
		return err
	}
	l.log.Debug().Str("txn_id", txnID).Str("status", string(status)).Msg("transaction step")
	return nil
}

func (l *Log) Complete(txnID string, data *Data) error {
	return l.Log(txnID, Completed, data)
}

func (l *Log) Fail(txnID string, cause error, data *Data) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	if err := l.append(Record{TxnID: txnID, Status: Failed, Data: data, Error: msg}); err != nil {
		return err
	}
	l.log.Warn().Str("txn_id", txnID).Str("error", msg).Msg("transaction failed")
	return nil
}

// append writes rec as one line with a single write and syncs it.
func (l *Log) append(rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now()
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encoding transaction record")
	}
	f, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE|os.O_APPEND, fileFileMode)
	if err != nil {
		return errors.Wrap(err, "opening transaction log")
	}
	defer f.Close()
	torn, err := tornTail(f)
	if err != nil {
		return err
	}
	line := make([]byte, 0, len(b)+2)
	if torn {
		// Terminate a partial line left by a crash so it stays alone.
		line = append(line, '\n')
	}
	line = append(line, b...)
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		return errors.Wrap(err, "writing transaction log")
	}
	return errors.Wrap(f.Sync(), "syncing transaction log")
}

// tornTail reports whether f ends with an unterminated line.
func tornTail(f *os.File) (bool, error) {
	info, err := f.Stat()
	if err != nil {
		return false, errors.Wrap(err, "reading transaction log")
	}
	if info.Size() == 0 {
		return false, nil
	}
	var last [1]byte
	if _, err := f.ReadAt(last[:], info.Size()-1); err != nil {
		return false, errors.Wrap(err, "reading transaction log")
	}
	return last[0] != '\n', nil
}

// Records returns every readable record in file order.  An unparsable
// last line is the remains of an interrupted write and is dropped
// quietly; unparsable lines elsewhere are dropped with a warning.
func (l *Log) Records() ([]Record, error) {
	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "opening transaction log")
	}
	defer f.Close()

	var (
		out     []Record
		pending int
	)
	br := bufio.NewReader(f)
	for n := 1; ; n++ {
		line, err := br.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return nil, errors.Wrap(err, "reading transaction log")
		}
		if pending > 0 && len(bytes.TrimSpace(line)) > 0 {
			l.log.Warn().Str("path", l.path).Int("line", pending).Msg("skipping corrupt transaction record")
			pending = 0
		}
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			var r Record
			if jerr := json.Unmarshal(trimmed, &r); jerr != nil || r.TxnID == "" {
				pending = n
			} else {
				out = append(out, r)
			}
		}
		if err == io.EOF {
			break
		}
	}
	if pending > 0 {
		l.log.Debug().Str("path", l.path).Int("line", pending).Msg("ignoring torn final transaction record")
	}
	return out, nil
}

// History returns the records of one transaction in order.
func (l *Log) History(txnID string) ([]Record, error) {
	all, err := l.Records()
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, r := range all {
		if r.TxnID == txnID {
			out = append(out, r)
		}
	}
	return out, nil
}

// State folds the history of txnID.  It returns false if the
// transaction is unknown.
func (l *Log) State(txnID string) (State, bool, error) {
	h, err := l.History(txnID)
	if err != nil || len(h) == 0 {
		return State{}, false, err
	}
	return Fold(h), true, nil
}

// LastStatus returns the latest status logged for txnID, or "".
func (l *Log) LastStatus(txnID string) (Status, error) {
	s, _, err := l.State(txnID)
	return s.Last, err
}

// Incomplete returns the transactions without a terminal status, in
// the order they were started.
func (l *Log) Incomplete() ([]State, error) {
	all, err := l.Records()
	if err != nil {
		return nil, err
	}
	var order []string
	byID := map[string][]Record{}
	for _, r := range all {
		if _, ok := byID[r.TxnID]; !ok {
			order = append(order, r.TxnID)
		}
		byID[r.TxnID] = append(byID[r.TxnID], r)
	}
	var out []State
	for _, id := range order {
		if s := Fold(byID[id]); !s.Last.Terminal() {
			out = append(out, s)
		}
	}
	return out, nil
}

// Cleanup drops records older than the given number of days and
// returns how many were dropped.  The log is rewritten to a temporary
// file that replaces it atomically.
func (l *Log) Cleanup(olderThanDays int) (int, error) {
	all, err := l.Records()
	if err != nil || len(all) == 0 {
		return 0, err
	}
	cutoff := l.now().AddDate(0, 0, -olderThanDays)
	var buf bytes.Buffer
	removed := 0
	for _, r := range all {
		if r.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		b, err := json.Marshal(r)
		if err != nil {
			return 0, errors.Wrap(err, "encoding transaction record")
		}
		buf.Write(b)
		buf.WriteByte('\n')
	}

	tmp, err := os.CreateTemp(filepath.Dir(l.path), filepath.Base(l.path)+".*")
	if err != nil {
		return 0, errors.Wrap(err, "rewriting transaction log")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return 0, errors.Wrap(err, "rewriting transaction log")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, errors.Wrap(err, "rewriting transaction log")
	}
	if err := tmp.Close(); err != nil {
		return 0, errors.Wrap(err, "rewriting transaction log")
	}
	if err := os.Chmod(tmp.Name(), fileFileMode); err != nil {
		return 0, errors.Wrap(err, "rewriting transaction log")
	}
	if err := os.Rename(tmp.Name(), l.path); err != nil {
		return 0, errors.Wrap(err, "replacing transaction log")
	}
	l.log.Info().Int("removed", removed).Int("kept", len(all)-removed).Msg("cleaned up transaction log")
	return removed, nil
}
