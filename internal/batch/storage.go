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

package batch

// This file names what a batch needs from the rest of the program.

import (
	"context"

	"github.com/mwilczynska/gmail-clean-and-backup/internal/message"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/persist"
)

// ProcessedChecker tells messages that are already done from the rest.
type ProcessedChecker interface {
	IsProcessed(ctx context.Context, emailID string) (bool, error)
}

// StatusRecorder records each message's progress.
type StatusRecorder interface {
	RecordExtraction(ctx context.Context, scan *message.ScanResult, saved []message.SavedAttachment, status persist.Status) error
	UpdateStatus(ctx context.Context, emailID string, status persist.Status, u persist.Update) error
}

// Checkpointer records progress through a batch.
type Checkpointer interface {
	SaveCheckpoint(ctx context.Context, c persist.Checkpoint) error
	ClearCheckpoints(ctx context.Context) error
}

// Manifest provides all the persistent state a batch uses.
// *persist.DB is one.
type Manifest interface {
	ProcessedChecker
	StatusRecorder
	Checkpointer
}

// Extractor backs up the attachments of one message.
// *extract.Extractor is one.
type Extractor interface {
	ExtractEmail(ctx context.Context, scan *message.ScanResult) *message.ExtractionResult
}

// Replacer swaps one message for its stripped version.
// *replace.Replacer is one.
type Replacer interface {
	Replace(ctx context.Context, scan *message.ScanResult, extraction *message.ExtractionResult) (*message.ReplaceResult, error)
}
