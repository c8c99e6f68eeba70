package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/zulandar/switchboard/internal/messenger"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/store"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type testEnv struct {
	disp *Dispatcher
	st   *store.Store
	msgr *messenger.MockMessenger
	db   *gorm.DB
	log  *bytes.Buffer
}

func newTestEnv(t *testing.T, ownerSrc OwnerSource) *testEnv {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := gdb.AutoMigrate(&models.TrackingRecord{}, &models.ReleaseItem{}); err != nil {
		t.Fatalf("auto-migrate: %v", err)
	}
	st, err := store.New(gdb)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	msgr := messenger.NewMockMessenger()
	log := &bytes.Buffer{}
	disp, err := New(Opts{Store: st, Messenger: msgr, OwnerSource: ownerSrc, Out: log})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	return &testEnv{disp: disp, st: st, msgr: msgr, db: gdb, log: log}
}

func (e *testEnv) seedTracking(t *testing.T, threadID string) *models.TrackingRecord {
	t.Helper()
	rec, err := e.st.CreateTracking(store.CreateParams{
		ThreadID:       threadID,
		SourceRecordID: "SFDC1",
		ChannelID:      "D1",
		PMName:         "Alice",
		RequestName:    "Big Deal",
	})
	if err != nil {
		t.Fatalf("seed tracking: %v", err)
	}
	return rec
}

// --- New tests ---

func TestNew_RequiresStore(t *testing.T) {
	if _, err := New(Opts{Messenger: messenger.NewMockMessenger()}); err == nil {
		t.Fatal("expected error for missing store")
	}
}

func TestNew_RequiresMessenger(t *testing.T) {
	env := newTestEnv(t, OwnerFromRecord)
	if _, err := New(Opts{Store: env.st}); err == nil {
		t.Fatal("expected error for missing messenger")
	}
}

// --- select_release tests ---

func TestSelectRelease_MarksMatched(t *testing.T) {
	env := newTestEnv(t, OwnerFromRecord)
	rec := env.seedTracking(t, "1700000000.000001")

	err := env.disp.Handle(context.Background(), BlockAction{
		ActionID:      messenger.ActionSelectRelease,
		SelectedValue: "42",
		ThreadID:      "1700000000.000001",
		ChannelID:     "D1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	updated, err := env.st.FindTrackingByThreadID("1700000000.000001")
	if err != nil {
		t.Fatal(err)
	}
	if updated.ID != rec.ID {
		t.Fatalf("updated a different record: %d", updated.ID)
	}
	if updated.Status != models.StatusMatched {
		t.Errorf("status = %q, want matched", updated.Status)
	}
	if updated.TargetRecordID != "42" {
		t.Errorf("target = %q, want 42", updated.TargetRecordID)
	}

	threads := env.msgr.SentOfKind("thread")
	if len(threads) != 1 {
		t.Fatalf("thread messages = %d, want 1", len(threads))
	}
	if !strings.Contains(threads[0].Text, "successfully matched") {
		t.Errorf("confirmation text = %q", threads[0].Text)
	}
}

func TestSelectRelease_NewItemSentinel(t *testing.T) {
	env := newTestEnv(t, OwnerFromRecord)
	env.seedTracking(t, "1700000000.000001")

	err := env.disp.Handle(context.Background(), BlockAction{
		ActionID:      messenger.ActionSelectRelease,
		SelectedValue: store.NewItemID,
		ThreadID:      "1700000000.000001",
		ChannelID:     "D1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	updated, _ := env.st.FindTrackingByThreadID("1700000000.000001")
	if updated.TargetRecordID != store.NewItemID {
		t.Errorf("target = %q, want sentinel value stored as-is", updated.TargetRecordID)
	}
}

func TestSelectRelease_UnknownThreadApologizes(t *testing.T) {
	env := newTestEnv(t, OwnerFromRecord)

	err := env.disp.Handle(context.Background(), BlockAction{
		ActionID:      messenger.ActionSelectRelease,
		SelectedValue: "42",
		ThreadID:      "999.999",
		ChannelID:     "D1",
	})
	if err != nil {
		t.Fatalf("selection failures should not propagate: %v", err)
	}

	threads := env.msgr.SentOfKind("thread")
	if len(threads) != 1 {
		t.Fatalf("thread messages = %d, want 1 apology", len(threads))
	}
	if !strings.Contains(threads[0].Text, "Failed to update") {
		t.Errorf("apology text = %q", threads[0].Text)
	}
	if env.log.Len() == 0 {
		t.Error("expected the failure to be logged")
	}
}

func TestSelectRelease_ApologyFailureSwallowed(t *testing.T) {
	env := newTestEnv(t, OwnerFromRecord)
	env.msgr.FailPost = true

	err := env.disp.Handle(context.Background(), BlockAction{
		ActionID:      messenger.ActionSelectRelease,
		SelectedValue: "42",
		ThreadID:      "999.999",
		ChannelID:     "D1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSelectRelease_FailToCaller(t *testing.T) {
	env := newTestEnv(t, OwnerFromActor)
	disp, err := New(Opts{
		Store:       env.st,
		Messenger:   env.msgr,
		OwnerSource: OwnerFromActor,
		Failures:    FailToCaller,
		Out:         env.log,
	})
	if err != nil {
		t.Fatal(err)
	}

	err = disp.Handle(context.Background(), BlockAction{
		ActionID:      messenger.ActionSelectRelease,
		SelectedValue: "42",
		ThreadID:      "999.999",
		ChannelID:     "D1",
	})
	if err == nil {
		t.Fatal("expected the failure to propagate to the caller")
	}
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("error = %v, want wrapped ErrNotFound", err)
	}
	if len(env.msgr.SentOfKind("thread")) != 0 {
		t.Error("no in-thread apology expected when failures go to the caller")
	}
}

// --- refresh_items tests ---

func TestRefreshItems_OwnerFromRecord(t *testing.T) {
	env := newTestEnv(t, OwnerFromRecord)
	env.seedTracking(t, "1700000000.000001")
	if err := env.db.Create(&models.ReleaseItem{Feature: "Search revamp", PMOwner: "Alice Smith"}).Error; err != nil {
		t.Fatal(err)
	}

	err := env.disp.Handle(context.Background(), BlockAction{
		ActionID:  messenger.ActionRefreshItems,
		ThreadID:  "1700000000.000001",
		ChannelID: "D1",
		MessageID: "1700000000.000002",
		UserID:    "U_ALICE",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	updates := env.msgr.SentOfKind("picker_update")
	if len(updates) != 1 {
		t.Fatalf("picker updates = %d, want 1", len(updates))
	}
	if updates[0].MessageID != "1700000000.000002" {
		t.Errorf("updated message = %q", updates[0].MessageID)
	}
	// Seed PM name "Alice" substring-matches the item owner "Alice Smith".
	if len(updates[0].Options) != 1 || updates[0].Options[0].Feature != "Search revamp" {
		t.Errorf("options = %+v", updates[0].Options)
	}
}

func TestRefreshItems_OwnerFromActor(t *testing.T) {
	env := newTestEnv(t, OwnerFromActor)
	env.msgr.Names["U_BOB"] = "Bob Jones"
	if err := env.db.Create(&models.ReleaseItem{Feature: "Billing v2", PMOwner: "Bob Jones"}).Error; err != nil {
		t.Fatal(err)
	}

	// No tracking record needed: the actor's name drives the fetch.
	err := env.disp.Handle(context.Background(), BlockAction{
		ActionID:  messenger.ActionRefreshItems,
		ThreadID:  "1700000000.000001",
		ChannelID: "D1",
		MessageID: "1700000000.000002",
		UserID:    "U_BOB",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	updates := env.msgr.SentOfKind("picker_update")
	if len(updates) != 1 {
		t.Fatalf("picker updates = %d, want 1", len(updates))
	}
	if len(updates[0].Options) != 1 || updates[0].Options[0].Feature != "Billing v2" {
		t.Errorf("options = %+v", updates[0].Options)
	}
}

func TestRefreshItems_UpdateFailureApologizes(t *testing.T) {
	env := newTestEnv(t, OwnerFromRecord)
	env.seedTracking(t, "1700000000.000001")
	env.msgr.FailUpdate = true

	err := env.disp.Handle(context.Background(), BlockAction{
		ActionID:  messenger.ActionRefreshItems,
		ThreadID:  "1700000000.000001",
		ChannelID: "D1",
		MessageID: "1700000000.000002",
	})
	if err != nil {
		t.Fatalf("refresh failures should not propagate: %v", err)
	}

	threads := env.msgr.SentOfKind("thread")
	if len(threads) != 1 || !strings.Contains(threads[0].Text, "Failed to refresh") {
		t.Errorf("apology = %+v", threads)
	}
}

func TestRefreshItems_ActorLookupFailureApologizes(t *testing.T) {
	env := newTestEnv(t, OwnerFromActor)
	env.msgr.FailLookup = true

	err := env.disp.Handle(context.Background(), BlockAction{
		ActionID:  messenger.ActionRefreshItems,
		ThreadID:  "1700000000.000001",
		ChannelID: "D1",
		MessageID: "1700000000.000002",
		UserID:    "U_BOB",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(env.msgr.SentOfKind("picker_update")) != 0 {
		t.Error("no picker update expected when owner resolution fails")
	}
	if len(env.msgr.SentOfKind("thread")) != 1 {
		t.Error("expected one apology message")
	}
}

func TestRefreshItems_FailToCaller(t *testing.T) {
	env := newTestEnv(t, OwnerFromRecord)
	env.seedTracking(t, "1700000000.000001")
	env.msgr.FailUpdate = true

	disp, err := New(Opts{
		Store:       env.st,
		Messenger:   env.msgr,
		OwnerSource: OwnerFromRecord,
		Failures:    FailToCaller,
		Out:         env.log,
	})
	if err != nil {
		t.Fatal(err)
	}

	err = disp.Handle(context.Background(), BlockAction{
		ActionID:  messenger.ActionRefreshItems,
		ThreadID:  "1700000000.000001",
		ChannelID: "D1",
		MessageID: "1700000000.000002",
	})
	if err == nil {
		t.Fatal("expected the failure to propagate to the caller")
	}
	var de *messenger.DeliveryError
	if !errors.As(err, &de) {
		t.Errorf("error = %v, want wrapped DeliveryError", err)
	}
	if len(env.msgr.SentOfKind("thread")) != 0 {
		t.Error("no in-thread apology expected when failures go to the caller")
	}
}

// --- assign_different_pm tests ---

func TestReassignButton_OpensModal(t *testing.T) {
	env := newTestEnv(t, OwnerFromRecord)

	err := env.disp.Handle(context.Background(), BlockAction{
		ActionID:  messenger.ActionReassign,
		ThreadID:  "1700000000.000001",
		ChannelID: "D1",
		TriggerID: "trig-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	modals := env.msgr.SentOfKind("modal")
	if len(modals) != 1 {
		t.Fatalf("modals = %d, want 1", len(modals))
	}
	if modals[0].TriggerID != "trig-1" || modals[0].ThreadID != "1700000000.000001" || modals[0].ChannelID != "D1" {
		t.Errorf("modal = %+v", modals[0])
	}
}

func TestReassignButton_OpenFailurePropagates(t *testing.T) {
	env := newTestEnv(t, OwnerFromRecord)
	env.msgr.FailModal = true

	err := env.disp.Handle(context.Background(), BlockAction{
		ActionID:  messenger.ActionReassign,
		ThreadID:  "1700000000.000001",
		ChannelID: "D1",
		TriggerID: "trig-1",
	})
	if err == nil {
		t.Fatal("modal-open failure should propagate")
	}
}

func TestUnknownAction_Ignored(t *testing.T) {
	env := newTestEnv(t, OwnerFromRecord)

	err := env.disp.Handle(context.Background(), BlockAction{
		ActionID:  "view_record",
		ThreadID:  "1700000000.000001",
		ChannelID: "D1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(env.msgr.Sent()) != 0 {
		t.Errorf("no outbound calls expected, got %+v", env.msgr.Sent())
	}
}

// --- reassignment submission tests ---

func TestReassign_FullFlow(t *testing.T) {
	env := newTestEnv(t, OwnerFromRecord)
	orig := env.seedTracking(t, "1700000000.000001")
	env.msgr.Names["U_BOB"] = "Bob Jones"
	if err := env.db.Create(&models.ReleaseItem{Feature: "Billing v2", PMOwner: "Bob Jones"}).Error; err != nil {
		t.Fatal(err)
	}

	err := env.disp.Handle(context.Background(), ViewSubmission{
		CallbackID:     messenger.CallbackReassignModal,
		Metadata:       `{"thread_ts":"1700000000.000001","channel_id":"D1"}`,
		SelectedUserID: "U_BOB",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Original record is forwarded.
	updated, err := env.st.FindTrackingByThreadID("1700000000.000001")
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != models.StatusForwarded {
		t.Errorf("status = %q, want %q", updated.Status, models.StatusForwarded)
	}
	if updated.Notes != "Forwarded to Bob Jones" {
		t.Errorf("notes = %q", updated.Notes)
	}

	// New PM got a notice and a picker with their items.
	notices := env.msgr.SentOfKind("notice")
	if len(notices) != 1 {
		t.Fatalf("notices = %d, want 1", len(notices))
	}
	if notices[0].PersonID != "U_BOB" || notices[0].PersonName != "Bob Jones" {
		t.Errorf("notice = %+v", notices[0])
	}
	if notices[0].RequestName != orig.RequestName || notices[0].SourceRecordID != orig.SourceRecordID {
		t.Errorf("notice carries wrong request: %+v", notices[0])
	}
	pickers := env.msgr.SentOfKind("picker")
	if len(pickers) != 1 {
		t.Fatalf("pickers = %d, want 1", len(pickers))
	}
	if pickers[0].ThreadID != notices[0].ThreadID {
		t.Errorf("picker thread = %q, want new thread %q", pickers[0].ThreadID, notices[0].ThreadID)
	}
	if len(pickers[0].Options) != 1 || pickers[0].Options[0].Feature != "Billing v2" {
		t.Errorf("picker options = %+v", pickers[0].Options)
	}

	// A new tracking record chains the new thread to the same source.
	chained, err := env.st.FindTrackingByThreadID(notices[0].ThreadID)
	if err != nil {
		t.Fatalf("chained record: %v", err)
	}
	if chained.SourceRecordID != orig.SourceRecordID {
		t.Errorf("chained source = %q", chained.SourceRecordID)
	}
	if chained.PMName != "Bob Jones" || chained.Status != models.StatusWaiting {
		t.Errorf("chained record = %+v", chained)
	}

	// Original thread got the confirmation.
	threads := env.msgr.SentOfKind("thread")
	if len(threads) != 1 {
		t.Fatalf("thread messages = %d, want 1", len(threads))
	}
	if threads[0].ThreadID != "1700000000.000001" || !strings.Contains(threads[0].Text, "<@U_BOB>") {
		t.Errorf("confirmation = %+v", threads[0])
	}
}

func TestReassign_PreservesTarget(t *testing.T) {
	env := newTestEnv(t, OwnerFromRecord)
	rec := env.seedTracking(t, "1700000000.000001")
	env.msgr.Names["U_BOB"] = "Bob Jones"

	// A release item was already picked in this thread before the request
	// gets forwarded.
	if _, err := env.st.UpdateTracking(rec.ID, models.StatusMatched, "", "REL7"); err != nil {
		t.Fatal(err)
	}

	err := env.disp.Handle(context.Background(), ViewSubmission{
		CallbackID:     messenger.CallbackReassignModal,
		Metadata:       `{"thread_ts":"1700000000.000001","channel_id":"D1"}`,
		SelectedUserID: "U_BOB",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	updated, err := env.st.FindTrackingByThreadID("1700000000.000001")
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != models.StatusForwarded {
		t.Errorf("status = %q, want %q", updated.Status, models.StatusForwarded)
	}
	if updated.Notes != "Forwarded to Bob Jones" {
		t.Errorf("notes = %q", updated.Notes)
	}
	if updated.TargetRecordID != "REL7" {
		t.Errorf("target = %q, want the earlier selection kept", updated.TargetRecordID)
	}
}

func TestReassign_BadMetadata(t *testing.T) {
	env := newTestEnv(t, OwnerFromRecord)

	err := env.disp.Handle(context.Background(), ViewSubmission{
		CallbackID:     messenger.CallbackReassignModal,
		Metadata:       "{not json",
		SelectedUserID: "U_BOB",
	})
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("error = %v, want DecodeError", err)
	}
}

func TestReassign_UnknownCallbackIgnored(t *testing.T) {
	env := newTestEnv(t, OwnerFromRecord)

	err := env.disp.Handle(context.Background(), ViewSubmission{
		CallbackID: "some_other_modal",
		Metadata:   "{not json",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestReassign_UnknownThreadFailsWithNotice(t *testing.T) {
	env := newTestEnv(t, OwnerFromRecord)
	env.msgr.Names["U_BOB"] = "Bob Jones"

	err := env.disp.Handle(context.Background(), ViewSubmission{
		CallbackID:     messenger.CallbackReassignModal,
		Metadata:       `{"thread_ts":"999.999","channel_id":"D1"}`,
		SelectedUserID: "U_BOB",
	})
	if err == nil {
		t.Fatal("expected error for unknown thread")
	}
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("error = %v, want wrapped ErrNotFound", err)
	}

	threads := env.msgr.SentOfKind("thread")
	if len(threads) != 1 || !strings.Contains(threads[0].Text, "Failed to reassign") {
		t.Errorf("failure notice = %+v", threads)
	}
	if len(env.msgr.SentOfKind("notice")) != 0 {
		t.Error("no new PM notice expected when lookup fails")
	}
}

func TestReassign_NoticeFailureAbortsChain(t *testing.T) {
	env := newTestEnv(t, OwnerFromRecord)
	env.seedTracking(t, "1700000000.000001")
	env.msgr.Names["U_BOB"] = "Bob Jones"
	env.msgr.FailNotice = true

	err := env.disp.Handle(context.Background(), ViewSubmission{
		CallbackID:     messenger.CallbackReassignModal,
		Metadata:       `{"thread_ts":"1700000000.000001","channel_id":"D1"}`,
		SelectedUserID: "U_BOB",
	})
	if err == nil {
		t.Fatal("expected error when the new PM notice fails")
	}

	// The original record was already forwarded before the failure.
	updated, _ := env.st.FindTrackingByThreadID("1700000000.000001")
	if updated.Status != models.StatusForwarded {
		t.Errorf("status = %q, want forwarded", updated.Status)
	}
	if len(env.msgr.SentOfKind("picker")) != 0 {
		t.Error("no picker expected after notice failure")
	}
}

func TestReassign_TrackingFailureIsFatal(t *testing.T) {
	env := newTestEnv(t, OwnerFromRecord)
	env.seedTracking(t, "1700000000.000001")
	env.msgr.Names["U_BOB"] = "Bob Jones"

	tr := &failingCreateTracker{Tracker: env.st, failAfter: 0}
	disp, err := New(Opts{Store: tr, Messenger: env.msgr, Out: env.log})
	if err != nil {
		t.Fatal(err)
	}

	err = disp.Handle(context.Background(), ViewSubmission{
		CallbackID:     messenger.CallbackReassignModal,
		Metadata:       `{"thread_ts":"1700000000.000001","channel_id":"D1"}`,
		SelectedUserID: "U_BOB",
	})
	if err == nil {
		t.Fatal("create-tracking failure during reassignment should propagate")
	}
	threads := env.msgr.SentOfKind("thread")
	if len(threads) != 1 || !strings.Contains(threads[0].Text, "Failed to reassign") {
		t.Errorf("failure notice = %+v", threads)
	}
}

// failingCreateTracker fails CreateTracking after the first failAfter calls.
type failingCreateTracker struct {
	Tracker
	calls     int
	failAfter int
}

func (f *failingCreateTracker) CreateTracking(p store.CreateParams) (*models.TrackingRecord, error) {
	f.calls++
	if f.calls > f.failAfter {
		return nil, &store.WriteError{Op: "create tracking record", Err: fmt.Errorf("table locked")}
	}
	return f.Tracker.CreateTracking(p)
}
