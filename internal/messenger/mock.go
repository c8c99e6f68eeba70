package messenger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/zulandar/switchboard/internal/store"
)

// SentMessage records one outbound call made against the MockMessenger.
type SentMessage struct {
	Kind string // "notice", "picker", "picker_update", "modal", "thread"

	ChannelID string
	ThreadID  string
	MessageID string
	Text      string
	Options   []store.ReleaseOption

	// notice fields
	PersonID       string
	PersonName     string
	RequestName    string
	SourceRecordID string

	// modal fields
	TriggerID string
}

// MockMessenger implements Messenger for tests. It records every outbound
// call in order and returns configured failures.
type MockMessenger struct {
	mu   sync.Mutex
	sent []SentMessage

	// Names maps user IDs to display names for LookupDisplayName.
	Names map[string]string

	FailNotice bool
	FailPicker bool
	FailUpdate bool
	FailModal  bool
	FailPost   bool
	FailLookup bool

	threadSeq int
}

// NewMockMessenger creates a MockMessenger with an empty name table.
func NewMockMessenger() *MockMessenger {
	return &MockMessenger{Names: make(map[string]string)}
}

// Sent returns a copy of the recorded calls in send order.
func (m *MockMessenger) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// SentOfKind returns the recorded calls of one kind, in send order.
func (m *MockMessenger) SentOfKind(kind string) []SentMessage {
	var out []SentMessage
	for _, s := range m.Sent() {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

func (m *MockMessenger) SendRequestNotice(ctx context.Context, personID, personName, requestName, sourceRecordID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailNotice {
		return "", &DeliveryError{Op: "send request notice", Err: errors.New("mock failure")}
	}
	m.threadSeq++
	ts := fmt.Sprintf("%d.000100", 1700000000+m.threadSeq)
	m.sent = append(m.sent, SentMessage{
		Kind:           "notice",
		ChannelID:      personID,
		ThreadID:       ts,
		PersonID:       personID,
		PersonName:     personName,
		RequestName:    requestName,
		SourceRecordID: sourceRecordID,
	})
	return ts, nil
}

func (m *MockMessenger) SendItemPicker(ctx context.Context, channelID, threadID string, opts []store.ReleaseOption) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPicker {
		return "", &DeliveryError{Op: "send item picker", Err: errors.New("mock failure")}
	}
	ts := threadID + ".picker"
	m.sent = append(m.sent, SentMessage{
		Kind:      "picker",
		ChannelID: channelID,
		ThreadID:  threadID,
		MessageID: ts,
		Options:   append([]store.ReleaseOption(nil), opts...),
	})
	return ts, nil
}

func (m *MockMessenger) UpdateItemPicker(ctx context.Context, channelID, messageID string, opts []store.ReleaseOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailUpdate {
		return &DeliveryError{Op: "update item picker", Err: errors.New("mock failure")}
	}
	m.sent = append(m.sent, SentMessage{
		Kind:      "picker_update",
		ChannelID: channelID,
		MessageID: messageID,
		Options:   append([]store.ReleaseOption(nil), opts...),
	})
	return nil
}

func (m *MockMessenger) OpenReassignModal(ctx context.Context, triggerID, threadID, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailModal {
		return &DeliveryError{Op: "open reassign modal", Err: errors.New("mock failure")}
	}
	m.sent = append(m.sent, SentMessage{
		Kind:      "modal",
		ChannelID: channelID,
		ThreadID:  threadID,
		TriggerID: triggerID,
	})
	return nil
}

func (m *MockMessenger) PostThreadMessage(ctx context.Context, channelID, threadID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPost {
		return &DeliveryError{Op: "post thread message", Err: errors.New("mock failure")}
	}
	m.sent = append(m.sent, SentMessage{
		Kind:      "thread",
		ChannelID: channelID,
		ThreadID:  threadID,
		Text:      text,
	})
	return nil
}

func (m *MockMessenger) LookupDisplayName(ctx context.Context, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailLookup {
		return "", &DeliveryError{Op: "lookup display name", Err: errors.New("mock failure")}
	}
	if name, ok := m.Names[userID]; ok {
		return name, nil
	}
	return userID, nil
}
