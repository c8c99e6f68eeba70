package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/store"
)

// ErrMissingFields is returned when an origination payload lacks one of
// its required fields. Rejected before any side effect.
var ErrMissingFields = errors.New("dispatch: origination payload is missing required fields")

// OriginationRequest is the inbound assignment webhook payload.
type OriginationRequest struct {
	Type           string `json:"type"`
	PMID           string `json:"pmId"`
	SourceRecordID string `json:"sfdc_record_id"`
	PMName         string `json:"pm_name"`
	RequestName    string `json:"request_name"`
}

// Validate checks that all required webhook fields are present.
func (r OriginationRequest) Validate() error {
	if r.Type == "" || r.PMID == "" || r.SourceRecordID == "" || r.PMName == "" || r.RequestName == "" {
		return ErrMissingFields
	}
	return nil
}

// OriginationResult reports what the origination flow accomplished.
// TrackingErr is non-nil when the conversation was created but the
// tracking row was not; the caller decides whether that matters.
type OriginationResult struct {
	ThreadID        string
	PickerMessageID string
	Tracking        *models.TrackingRecord
	TrackingErr     error
}

// Originate runs the assignment flow: notice DM, threaded picker, then the
// tracking record. User-visible actions deliberately happen before the
// durable bookkeeping; a tracking-create failure after a successful send
// is recorded on the result instead of failing the flow.
func (d *Dispatcher) Originate(ctx context.Context, req OriginationRequest) (*OriginationResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	threadID, err := d.msgr.SendRequestNotice(ctx, req.PMID, req.PMName, req.RequestName, req.SourceRecordID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: originate: send notice: %w", err)
	}

	// ListReleaseItems degrades internally; the picker always has at least
	// the create-new sentinel to offer.
	opts := d.store.ListReleaseItems(req.PMName)

	pickerID, err := d.msgr.SendItemPicker(ctx, req.PMID, threadID, opts)
	if err != nil {
		return nil, fmt.Errorf("dispatch: originate: send picker: %w", err)
	}

	res := &OriginationResult{ThreadID: threadID, PickerMessageID: pickerID}
	rec, err := d.store.CreateTracking(store.CreateParams{
		ThreadID:       threadID,
		SourceRecordID: req.SourceRecordID,
		ChannelID:      req.PMID,
		PMName:         req.PMName,
		RequestName:    req.RequestName,
	})
	if err != nil {
		// The conversation exists; losing the bookkeeping is preferable to
		// leaving the PM without any message.
		fmt.Fprintf(d.out, "dispatch: originate: create tracking [thread=%s]: %v\n", threadID, err)
		res.TrackingErr = err
		return res, nil
	}
	res.Tracking = rec
	return res, nil
}
