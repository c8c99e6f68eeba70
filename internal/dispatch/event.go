package dispatch

import (
	"fmt"

	slackapi "github.com/slack-go/slack"
	"github.com/zulandar/switchboard/internal/messenger"
)

// Event is one inbound interaction, decoded from the platform callback.
// The concrete types below are the only implementations.
type Event interface {
	isEvent()
}

// BlockAction is a user action on a posted message: a select choice or a
// button press.
type BlockAction struct {
	ActionID      string
	SelectedValue string // selected option value, select actions only
	ThreadID      string // root of the thread the message lives in
	ChannelID     string
	MessageID     string // ts of the message carrying the control
	UserID        string // acting user
	TriggerID     string // required to open a modal in response
}

// ViewSubmission is a modal form submission.
type ViewSubmission struct {
	CallbackID     string
	Metadata       string // opaque private_metadata from the modal
	SelectedUserID string
}

func (BlockAction) isEvent()    {}
func (ViewSubmission) isEvent() {}

// DecodeError indicates an interaction payload or modal metadata that
// could not be parsed.
type DecodeError struct {
	What string
	Err  error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("dispatch: decode %s: %v", e.What, e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }

// FromCallback converts a Slack interaction callback into an Event.
// Returns false for callback shapes the dispatcher does not handle.
func FromCallback(cb *slackapi.InteractionCallback) (Event, bool) {
	switch cb.Type {
	case slackapi.InteractionTypeBlockActions:
		if len(cb.ActionCallback.BlockActions) == 0 {
			return nil, false
		}
		action := cb.ActionCallback.BlockActions[0]
		return BlockAction{
			ActionID:      action.ActionID,
			SelectedValue: action.SelectedOption.Value,
			ThreadID:      cb.Container.ThreadTs,
			ChannelID:     cb.Channel.ID,
			MessageID:     cb.Container.MessageTs,
			UserID:        cb.User.ID,
			TriggerID:     cb.TriggerID,
		}, true

	case slackapi.InteractionTypeViewSubmission:
		var selected string
		if cb.View.State != nil {
			selected = cb.View.State.Values[messenger.BlockPMSelect][messenger.ActionSelectedPM].SelectedUser
		}
		return ViewSubmission{
			CallbackID:     cb.View.CallbackID,
			Metadata:       cb.View.PrivateMetadata,
			SelectedUserID: selected,
		}, true
	}
	return nil, false
}
