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

package txlog

// Action is what recovery does with an interrupted transaction.
type Action int

const (
	// NoAction: the transaction already ended.
	NoAction Action = iota

	// MarkFailed: nothing was uploaded.
	MarkFailed

	// DeleteUploaded: the replacement was uploaded but not verified.
	// It is removed before the transaction is failed.
	DeleteUploaded

	// FailReplacementExists: a verified replacement sits next to the
	// untouched original.
	FailReplacementExists

	// MarkCompleted: only the final commit was missing.
	MarkCompleted
)

var actionNames = map[Action]string{
	NoAction:              "none",
	MarkFailed:            "fail",
	DeleteUploaded:        "delete-uploaded-then-fail",
	FailReplacementExists: "fail-replacement-exists",
	MarkCompleted:         "complete",
}

func (a Action) String() string {
	return actionNames[a]
}

// Reason is the error text recovery logs for a.
func (a Action) Reason() string {
	switch a {
	case MarkFailed:
		return "recovered: incomplete before upload"
	case DeleteUploaded:
		return "recovered: rolled back uploaded message"
	case FailReplacementExists:
		return "recovered: replacement uploaded but original not deleted"
	}
	return ""
}

// Classify decides recovery from the last logged phase of a
// transaction.  It depends on nothing but the history.  A phase it
// does not know is treated as nothing uploaded.
func Classify(history []Record) Action {
	if len(history) == 0 {
		return NoAction
	}
	switch history[len(history)-1].Status {
	case Started, Extracted, Reconstructed:
		return MarkFailed
	case Uploaded:
		return DeleteUploaded
	case Verified, Labeled:
		return FailReplacementExists
	case Deleted:
		return MarkCompleted
	case Completed, Failed:
		return NoAction
	}
	return MarkFailed
}
