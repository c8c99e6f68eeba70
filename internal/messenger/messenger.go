// Package messenger defines the messaging-platform adapter the dispatcher
// talks to, plus the identifiers shared between rendered controls and the
// interaction events they produce.
package messenger

import (
	"context"
	"fmt"

	"github.com/zulandar/switchboard/internal/store"
)

// Interactive control identifiers. These appear in rendered messages and
// come back on interaction callbacks, so both sides share one definition.
const (
	ActionSelectRelease = "select_release"
	ActionRefreshItems  = "refresh_items"
	ActionReassign      = "assign_different_pm"

	CallbackReassignModal = "pm_reassign_modal"

	BlockReleaseActions = "release_actions"
	BlockPMSelect       = "pm_select"
	ActionSelectedPM    = "selected_pm"
)

// MaxOptionLabel is the platform limit on select-option label length.
const MaxOptionLabel = 75

// TruncateLabel shortens a candidate label to the platform limit.
func TruncateLabel(s string) string {
	runes := []rune(s)
	if len(runes) <= MaxOptionLabel {
		return s
	}
	return string(runes[:MaxOptionLabel])
}

// ModalMetadata is the JSON carried in the reassignment modal's
// private_metadata so the submission handler can correlate back to the
// original thread without a prior lookup.
type ModalMetadata struct {
	ThreadTS  string `json:"thread_ts"`
	ChannelID string `json:"channel_id"`
}

// Messenger is the messaging-platform adapter. Implementations are thin
// I/O wrappers; all branching logic lives in the dispatcher.
type Messenger interface {
	// SendRequestNotice posts the initial direct message announcing a newly
	// assigned request and returns the thread root ID. Callers must not
	// create a tracking record when this fails: the record would reference
	// a thread that does not exist.
	SendRequestNotice(ctx context.Context, personID, personName, requestName, sourceRecordID string) (string, error)

	// SendItemPicker posts a threaded message with the release-item select
	// and the refresh/reassign buttons, returning the message ID. When the
	// platform rejects the interactive content itself, implementations fall
	// back to a plain-text message in the same thread instead of failing.
	SendItemPicker(ctx context.Context, channelID, threadID string, opts []store.ReleaseOption) (string, error)

	// UpdateItemPicker replaces the select's option set in place.
	UpdateItemPicker(ctx context.Context, channelID, messageID string, opts []store.ReleaseOption) error

	// OpenReassignModal opens the reassignment dialog. Its closing payload
	// carries ModalMetadata for the submission handler.
	OpenReassignModal(ctx context.Context, triggerID, threadID, channelID string) error

	// PostThreadMessage posts a plain text follow-up in a thread.
	PostThreadMessage(ctx context.Context, channelID, threadID, text string) error

	// LookupDisplayName resolves a person ID to a human-readable name.
	LookupDisplayName(ctx context.Context, userID string) (string, error)
}

// DeliveryError wraps a failed messaging-platform call.
type DeliveryError struct {
	Op  string
	Err error
}

func (e *DeliveryError) Error() string { return fmt.Sprintf("messenger: %s: %v", e.Op, e.Err) }
func (e *DeliveryError) Unwrap() error { return e.Err }
