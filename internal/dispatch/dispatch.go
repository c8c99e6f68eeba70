// Package dispatch implements the thread-state transitions behind the
// interactive release picker: item selection, option refresh, and
// reassignment to a different PM.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/zulandar/switchboard/internal/messenger"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/store"
)

// Tracker is the subset of the tracking store the dispatcher needs.
type Tracker interface {
	CreateTracking(p store.CreateParams) (*models.TrackingRecord, error)
	UpdateTracking(id uint, status, notes, targetRecordID string) (*models.TrackingRecord, error)
	FindTrackingByThreadID(threadID string) (*models.TrackingRecord, error)
	ListReleaseItems(ownerName string) []store.ReleaseOption
	ListStaleWaiting(cutoff time.Time) ([]models.TrackingRecord, error)
}

// OwnerSource selects how the refresh transition resolves the owner whose
// release items are fetched. The two ingress paths historically disagree;
// both behaviors are kept and chosen explicitly per path.
type OwnerSource int

const (
	// OwnerFromRecord uses the PM name stored on the tracking record.
	OwnerFromRecord OwnerSource = iota
	// OwnerFromActor resolves the display name of the user who clicked.
	OwnerFromActor
)

// FailureStyle selects where selection and refresh failures surface. Like
// OwnerSource, the two ingress paths disagree; both behaviors are kept and
// chosen explicitly per path.
type FailureStyle int

const (
	// FailInThread posts an apology into the thread and reports success,
	// so the long-lived listener keeps running.
	FailInThread FailureStyle = iota
	// FailToCaller returns the error without an in-thread apology, so the
	// HTTP path answers with a failure status.
	FailToCaller
)

// In-thread user-facing texts.
const (
	msgMatched        = "✅ Release item has been successfully matched!"
	msgMatchFailed    = "❌ Failed to update release item matching. Please try again."
	msgRefreshFailed  = "❌ Failed to refresh items. Please try again."
	msgReassignFailed = "❌ Failed to reassign the request. Please try again."
)

// Dispatcher applies interaction events to the tracking store and mirrors
// the outcome back into the conversation.
type Dispatcher struct {
	store    Tracker
	msgr     messenger.Messenger
	ownerSrc OwnerSource
	failures FailureStyle
	out      io.Writer
}

// Opts holds parameters for creating a Dispatcher.
type Opts struct {
	Store       Tracker
	Messenger   messenger.Messenger
	OwnerSource OwnerSource
	Failures    FailureStyle
	Out         io.Writer // defaults to os.Stdout
}

// New creates a Dispatcher.
func New(opts Opts) (*Dispatcher, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("dispatch: store is required")
	}
	if opts.Messenger == nil {
		return nil, fmt.Errorf("dispatch: messenger is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Dispatcher{
		store:    opts.Store,
		msgr:     opts.Messenger,
		ownerSrc: opts.OwnerSource,
		failures: opts.Failures,
		out:      out,
	}, nil
}

// Handle applies one interaction event. Selection and refresh failures
// surface per the configured FailureStyle; reassignment and dialog-open
// failures are always returned to the caller, after a best-effort notice
// for the former.
func (d *Dispatcher) Handle(ctx context.Context, ev Event) error {
	switch ev := ev.(type) {
	case BlockAction:
		return d.handleBlockAction(ctx, ev)
	case ViewSubmission:
		return d.handleViewSubmission(ctx, ev)
	default:
		return nil
	}
}

func (d *Dispatcher) handleBlockAction(ctx context.Context, ev BlockAction) error {
	switch ev.ActionID {
	case messenger.ActionSelectRelease:
		return d.selectRelease(ctx, ev)
	case messenger.ActionRefreshItems:
		return d.refreshItems(ctx, ev)
	case messenger.ActionReassign:
		if err := d.msgr.OpenReassignModal(ctx, ev.TriggerID, ev.ThreadID, ev.ChannelID); err != nil {
			return fmt.Errorf("dispatch: open reassign modal [thread=%s]: %w", ev.ThreadID, err)
		}
		return nil
	default:
		// Unrecognized action IDs are ignored.
		return nil
	}
}

// selectRelease marks the thread's tracking record as matched to the chosen
// release item. Failures surface per the configured FailureStyle.
func (d *Dispatcher) selectRelease(ctx context.Context, ev BlockAction) error {
	rec, err := d.store.FindTrackingByThreadID(ev.ThreadID)
	if err == nil {
		_, err = d.store.UpdateTracking(rec.ID, models.StatusMatched, "", ev.SelectedValue)
	}
	if err != nil {
		if d.failures == FailToCaller {
			return fmt.Errorf("dispatch: select release [thread=%s]: %w", ev.ThreadID, err)
		}
		fmt.Fprintf(d.out, "dispatch: select release [thread=%s]: %v\n", ev.ThreadID, err)
		d.notify(ctx, ev.ChannelID, ev.ThreadID, msgMatchFailed)
		return nil
	}
	d.notify(ctx, ev.ChannelID, ev.ThreadID, msgMatched)
	return nil
}

// refreshItems re-fetches the owner's candidates and swaps them into the
// picker in place. Failures surface per the configured FailureStyle.
func (d *Dispatcher) refreshItems(ctx context.Context, ev BlockAction) error {
	owner, err := d.resolveOwner(ctx, ev)
	if err == nil {
		opts := d.store.ListReleaseItems(owner)
		err = d.msgr.UpdateItemPicker(ctx, ev.ChannelID, ev.MessageID, opts)
	}
	if err != nil {
		if d.failures == FailToCaller {
			return fmt.Errorf("dispatch: refresh items [thread=%s]: %w", ev.ThreadID, err)
		}
		fmt.Fprintf(d.out, "dispatch: refresh items [thread=%s]: %v\n", ev.ThreadID, err)
		d.notify(ctx, ev.ChannelID, ev.ThreadID, msgRefreshFailed)
	}
	return nil
}

// resolveOwner picks the owner name whose release items back the picker.
func (d *Dispatcher) resolveOwner(ctx context.Context, ev BlockAction) (string, error) {
	if d.ownerSrc == OwnerFromActor {
		name, err := d.msgr.LookupDisplayName(ctx, ev.UserID)
		if err != nil {
			return "", fmt.Errorf("dispatch: resolve actor name: %w", err)
		}
		return name, nil
	}
	rec, err := d.store.FindTrackingByThreadID(ev.ThreadID)
	if err != nil {
		return "", fmt.Errorf("dispatch: resolve owner from record: %w", err)
	}
	return rec.PMName, nil
}

func (d *Dispatcher) handleViewSubmission(ctx context.Context, ev ViewSubmission) error {
	if ev.CallbackID != messenger.CallbackReassignModal {
		return nil
	}
	var meta messenger.ModalMetadata
	if err := json.Unmarshal([]byte(ev.Metadata), &meta); err != nil {
		return &DecodeError{What: "reassign modal metadata", Err: err}
	}
	if err := d.reassign(ctx, meta, ev.SelectedUserID); err != nil {
		// Best-effort notice in the original thread; the error still
		// surfaces so the outer listener can log it.
		d.notify(ctx, meta.ChannelID, meta.ThreadTS, msgReassignFailed)
		return err
	}
	return nil
}

// reassign forwards the request to a different PM: the original record is
// marked forwarded, the new PM gets a fresh notice plus picker, a new
// tracking record chains the new thread to the same source request, and
// the original thread gets a confirmation. Any failure aborts the
// remaining steps.
func (d *Dispatcher) reassign(ctx context.Context, meta messenger.ModalMetadata, newPMID string) error {
	newName, err := d.msgr.LookupDisplayName(ctx, newPMID)
	if err != nil {
		return fmt.Errorf("dispatch: reassign: resolve new PM %s: %w", newPMID, err)
	}

	orig, err := d.store.FindTrackingByThreadID(meta.ThreadTS)
	if err != nil {
		return fmt.Errorf("dispatch: reassign: find original record [thread=%s]: %w", meta.ThreadTS, err)
	}

	// Target is resupplied untouched: the update overwrites all three
	// mutable fields.
	if _, err := d.store.UpdateTracking(orig.ID, models.StatusForwarded, "Forwarded to "+newName, orig.TargetRecordID); err != nil {
		return fmt.Errorf("dispatch: reassign: update original record %d: %w", orig.ID, err)
	}

	newThread, err := d.msgr.SendRequestNotice(ctx, newPMID, newName, orig.RequestName, orig.SourceRecordID)
	if err != nil {
		return fmt.Errorf("dispatch: reassign: notify new PM %s: %w", newPMID, err)
	}

	opts := d.store.ListReleaseItems(newName)
	if _, err := d.msgr.SendItemPicker(ctx, newPMID, newThread, opts); err != nil {
		return fmt.Errorf("dispatch: reassign: send picker to %s: %w", newPMID, err)
	}

	if _, err := d.store.CreateTracking(store.CreateParams{
		ThreadID:       newThread,
		SourceRecordID: orig.SourceRecordID,
		ChannelID:      newPMID,
		PMName:         newName,
		RequestName:    orig.RequestName,
	}); err != nil {
		// Fatal here, unlike origination: the forwarded chain is unusable
		// without its tracking record.
		return fmt.Errorf("dispatch: reassign: create tracking [thread=%s]: %w", newThread, err)
	}

	confirm := fmt.Sprintf("✅ This request has been reassigned to <@%s>", newPMID)
	if err := d.msgr.PostThreadMessage(ctx, meta.ChannelID, meta.ThreadTS, confirm); err != nil {
		return fmt.Errorf("dispatch: reassign: confirm in original thread: %w", err)
	}
	return nil
}

// notify posts a best-effort in-thread message; failures are logged only.
func (d *Dispatcher) notify(ctx context.Context, channelID, threadID, text string) {
	if channelID == "" || threadID == "" {
		return
	}
	if err := d.msgr.PostThreadMessage(ctx, channelID, threadID, text); err != nil {
		fmt.Fprintf(d.out, "dispatch: notify [thread=%s]: %v\n", threadID, err)
	}
}
