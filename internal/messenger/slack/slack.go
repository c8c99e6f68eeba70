// Package slack implements the messenger adapter over the Slack Web API.
package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/zulandar/switchboard/internal/messenger"
	"github.com/zulandar/switchboard/internal/store"
)

// maxRetries is the max number of retries for rate-limited API calls.
const maxRetries = 3

// webClient abstracts the Slack API methods we use, enabling test mocks.
type webClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
	UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slackapi.MsgOption) (string, string, string, error)
	OpenViewContext(ctx context.Context, triggerID string, view slackapi.ModalViewRequest) (*slackapi.ViewResponse, error)
	GetUserInfoContext(ctx context.Context, userID string) (*slackapi.User, error)
}

// Messenger implements messenger.Messenger over the Slack Web API.
type Messenger struct {
	client        webClient
	recordURLBase string
}

// Opts holds parameters for creating a Slack Messenger.
type Opts struct {
	BotToken      string // xoxb-... Slack bot token
	RecordURLBase string // base URL for "View Record" links; empty omits the button
	// For testing: inject a mock client instead of the real Slack API.
	Client webClient
}

// New creates a Slack Messenger.
func New(opts Opts) (*Messenger, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	m := &Messenger{recordURLBase: strings.TrimSuffix(opts.RecordURLBase, "/")}
	if opts.Client != nil {
		m.client = opts.Client
	} else {
		m.client = slackapi.New(opts.BotToken)
	}
	return m, nil
}

// SendRequestNotice posts the assignment announcement to the person's DM
// channel. The returned timestamp is the thread root that tracking records
// key on.
func (m *Messenger) SendRequestNotice(ctx context.Context, personID, personName, requestName, sourceRecordID string) (string, error) {
	text := fmt.Sprintf("Hey @%s, a new SFDC request has been assigned to you: %s", personName, requestName)

	blocks := []slackapi.Block{
		slackapi.NewSectionBlock(
			slackapi.NewTextBlockObject(slackapi.MarkdownType, text, false, false),
			nil, nil),
	}
	if m.recordURLBase != "" {
		btn := slackapi.NewButtonBlockElement("view_record", sourceRecordID,
			slackapi.NewTextBlockObject(slackapi.PlainTextType, "View Record", true, false))
		btn.URL = m.recordURLBase + "/" + sourceRecordID
		blocks = append(blocks, slackapi.NewActionBlock("", btn))
	}

	var ts string
	err := retryOnRateLimit(ctx, func() error {
		var postErr error
		_, ts, postErr = m.client.PostMessageContext(ctx, personID,
			slackapi.MsgOptionText(text, false),
			slackapi.MsgOptionBlocks(blocks...))
		return postErr
	})
	if err != nil {
		return "", &messenger.DeliveryError{Op: fmt.Sprintf("send request notice to %s", personID), Err: err}
	}
	return ts, nil
}

const pickerInstructions = "Please do the following actions:\n" +
	"1. Find the correlated release item in your release tracker\n" +
	"2. If you can't find the proper item please add a new item to the table\n" +
	"3. In this dropdown please choose the item"

const pickerFallbackText = "⚠️ Unable to load release items. Please try refreshing or contact support if the issue persists."

// SendItemPicker posts the threaded picker message. When Slack rejects the
// block payload itself, it degrades to a plain-text message in the same
// thread rather than failing; other errors propagate as DeliveryError.
func (m *Messenger) SendItemPicker(ctx context.Context, channelID, threadID string, opts []store.ReleaseOption) (string, error) {
	blocks := pickerBlocks(pickerInstructions, opts)

	var ts string
	err := retryOnRateLimit(ctx, func() error {
		var postErr error
		_, ts, postErr = m.client.PostMessageContext(ctx, channelID,
			slackapi.MsgOptionTS(threadID),
			slackapi.MsgOptionText(pickerInstructions, false),
			slackapi.MsgOptionBlocks(blocks...))
		return postErr
	})
	if err == nil {
		return ts, nil
	}
	if !isBadBlocks(err) {
		return "", &messenger.DeliveryError{Op: fmt.Sprintf("send item picker to %s", channelID), Err: err}
	}

	// Degraded delivery keeps the thread linkage intact.
	_, ts, ferr := m.client.PostMessageContext(ctx, channelID,
		slackapi.MsgOptionTS(threadID),
		slackapi.MsgOptionText(pickerFallbackText, false))
	if ferr != nil {
		return "", &messenger.DeliveryError{Op: fmt.Sprintf("send degraded picker to %s", channelID), Err: ferr}
	}
	return ts, nil
}

// UpdateItemPicker replaces the option set of an already-posted picker.
func (m *Messenger) UpdateItemPicker(ctx context.Context, channelID, messageID string, opts []store.ReleaseOption) error {
	blocks := pickerBlocks("Please select a release item:", opts)

	err := retryOnRateLimit(ctx, func() error {
		_, _, _, updErr := m.client.UpdateMessageContext(ctx, channelID, messageID,
			slackapi.MsgOptionText("Please select a release item:", false),
			slackapi.MsgOptionBlocks(blocks...))
		return updErr
	})
	if err != nil {
		return &messenger.DeliveryError{Op: fmt.Sprintf("update item picker %s", messageID), Err: err}
	}
	return nil
}

// OpenReassignModal opens the reassignment dialog. The thread and channel
// ride along in private_metadata so the submission correlates back without
// a lookup.
func (m *Messenger) OpenReassignModal(ctx context.Context, triggerID, threadID, channelID string) error {
	meta, err := json.Marshal(messenger.ModalMetadata{ThreadTS: threadID, ChannelID: channelID})
	if err != nil {
		return fmt.Errorf("slack: marshal modal metadata: %w", err)
	}

	input := slackapi.NewInputBlock(messenger.BlockPMSelect,
		slackapi.NewTextBlockObject(slackapi.PlainTextType, "Select PM to reassign the request", false, false),
		nil,
		slackapi.NewOptionsSelectBlockElement(slackapi.OptTypeUser, nil, messenger.ActionSelectedPM))

	view := slackapi.ModalViewRequest{
		Type:            slackapi.VTModal,
		CallbackID:      messenger.CallbackReassignModal,
		Title:           slackapi.NewTextBlockObject(slackapi.PlainTextType, "Assign to Different PM", false, false),
		Submit:          slackapi.NewTextBlockObject(slackapi.PlainTextType, "Assign", false, false),
		PrivateMetadata: string(meta),
		Blocks:          slackapi.Blocks{BlockSet: []slackapi.Block{input}},
	}

	if _, err := m.client.OpenViewContext(ctx, triggerID, view); err != nil {
		return &messenger.DeliveryError{Op: "open reassign modal", Err: err}
	}
	return nil
}

// PostThreadMessage posts a plain text follow-up into an existing thread.
func (m *Messenger) PostThreadMessage(ctx context.Context, channelID, threadID, text string) error {
	err := retryOnRateLimit(ctx, func() error {
		_, _, postErr := m.client.PostMessageContext(ctx, channelID,
			slackapi.MsgOptionTS(threadID),
			slackapi.MsgOptionText(text, false))
		return postErr
	})
	if err != nil {
		return &messenger.DeliveryError{Op: fmt.Sprintf("post in thread %s", threadID), Err: err}
	}
	return nil
}

// LookupDisplayName resolves a user ID via users.info. Prefers the profile
// display name, falls back to the real name.
func (m *Messenger) LookupDisplayName(ctx context.Context, userID string) (string, error) {
	user, err := m.client.GetUserInfoContext(ctx, userID)
	if err != nil {
		return "", &messenger.DeliveryError{Op: fmt.Sprintf("lookup user %s", userID), Err: err}
	}
	if user.Profile.DisplayName != "" {
		return user.Profile.DisplayName, nil
	}
	return user.RealName, nil
}

// pickerBlocks builds the section + actions blocks for the item picker.
func pickerBlocks(headline string, opts []store.ReleaseOption) []slackapi.Block {
	options := make([]*slackapi.OptionBlockObject, 0, len(opts))
	for _, o := range opts {
		label := slackapi.NewTextBlockObject(slackapi.PlainTextType, messenger.TruncateLabel(o.Feature), true, false)
		options = append(options, slackapi.NewOptionBlockObject(o.ID, label, nil))
	}

	sel := slackapi.NewOptionsSelectBlockElement(slackapi.OptTypeStatic,
		slackapi.NewTextBlockObject(slackapi.PlainTextType, "Select a release item", true, false),
		messenger.ActionSelectRelease, options...)
	refresh := slackapi.NewButtonBlockElement(messenger.ActionRefreshItems, "",
		slackapi.NewTextBlockObject(slackapi.PlainTextType, "🔄 Refresh Items", true, false))
	reassign := slackapi.NewButtonBlockElement(messenger.ActionReassign, "",
		slackapi.NewTextBlockObject(slackapi.PlainTextType, "👤 Assign to Different PM", true, false))

	return []slackapi.Block{
		slackapi.NewSectionBlock(
			slackapi.NewTextBlockObject(slackapi.MarkdownType, headline, false, false),
			nil, nil),
		slackapi.NewActionBlock(messenger.BlockReleaseActions, sel, refresh, reassign),
	}
}

// isBadBlocks reports whether Slack rejected the block payload itself, as
// opposed to a transport, auth, or channel failure.
func isBadBlocks(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "invalid_blocks") || strings.Contains(msg, "invalid_blocks_format")
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit
// errors. It respects context cancellation and the RetryAfter duration
// from Slack.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err // not a rate limit error, don't retry
		}

		if attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}
