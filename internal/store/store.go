// Package store implements the tracking-store adapter: CRUD over the
// tracking table plus the release-item candidate query.
package store

import (
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/gorm"
)

// Sentinel candidate returned when the release query yields nothing. The
// picker must never render an empty option list, so this row stands in.
const (
	NewItemID    = "new_item"
	NewItemLabel = "+ Create New Item"
)

// ReleaseOption is a release item rendered as a picker candidate.
type ReleaseOption struct {
	ID      string
	Feature string
}

// NewItemOption returns the create-new sentinel candidate.
func NewItemOption() ReleaseOption {
	return ReleaseOption{ID: NewItemID, Feature: NewItemLabel}
}

// ErrNotFound is returned when a lookup matches no tracking record.
var ErrNotFound = errors.New("store: tracking record not found")

// WriteError wraps a failed insert or update against the tracking table.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }
func (e *WriteError) Unwrap() error { return e.Err }

// Store provides tracking-record CRUD and the candidate query.
type Store struct {
	db *gorm.DB
}

// New creates a Store over an open GORM connection.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("store: db is required")
	}
	return &Store{db: db}, nil
}

// CreateParams holds the fields for a new tracking record. Status defaults
// to waiting; notes and target start empty.
type CreateParams struct {
	ThreadID       string
	SourceRecordID string
	ChannelID      string
	PMName         string
	RequestName    string
	Status         string
}

// CreateTracking inserts a new tracking record for a thread.
func (s *Store) CreateTracking(p CreateParams) (*models.TrackingRecord, error) {
	if p.ThreadID == "" {
		return nil, &WriteError{Op: "create tracking", Err: errors.New("thread id is required")}
	}
	if p.SourceRecordID == "" {
		return nil, &WriteError{Op: "create tracking", Err: errors.New("source record id is required")}
	}
	status := p.Status
	if status == "" {
		status = models.StatusWaiting
	}
	rec := models.TrackingRecord{
		ThreadID:       p.ThreadID,
		SourceRecordID: p.SourceRecordID,
		ChannelID:      p.ChannelID,
		PMName:         p.PMName,
		RequestName:    p.RequestName,
		Status:         status,
	}
	if err := s.db.Create(&rec).Error; err != nil {
		return nil, &WriteError{Op: fmt.Sprintf("create tracking for thread %s", p.ThreadID), Err: err}
	}
	return &rec, nil
}

// UpdateTracking overwrites the three mutable fields of a tracking record.
// This is a full overwrite, not a patch: callers must resupply any field
// they want preserved.
func (s *Store) UpdateTracking(id uint, status, notes, targetRecordID string) (*models.TrackingRecord, error) {
	result := s.db.Model(&models.TrackingRecord{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":           status,
			"notes":            notes,
			"target_record_id": targetRecordID,
		})
	if result.Error != nil {
		return nil, &WriteError{Op: fmt.Sprintf("update tracking %d", id), Err: result.Error}
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	var rec models.TrackingRecord
	if err := s.db.First(&rec, id).Error; err != nil {
		return nil, fmt.Errorf("store: reload tracking %d: %w", id, err)
	}
	return &rec, nil
}

// FindTrackingByThreadID returns the tracking record for a thread. When
// duplicate rows exist for the same thread (retried deliveries can produce
// them) the oldest row wins; duplicates are not an error.
func (s *Store) FindTrackingByThreadID(threadID string) (*models.TrackingRecord, error) {
	if threadID == "" {
		return nil, ErrNotFound
	}
	var rec models.TrackingRecord
	err := s.db.Where("thread_id = ?", threadID).Order("id ASC").First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: find tracking by thread %s: %w", threadID, err)
	}
	return &rec, nil
}

// ListReleaseItems returns picker candidates whose owner contains ownerName.
// It never returns an empty slice: zero matches and query errors both
// degrade to the single create-new sentinel (errors are logged only).
func (s *Store) ListReleaseItems(ownerName string) []ReleaseOption {
	var items []models.ReleaseItem
	if err := s.db.Where("pm_owner LIKE ?", "%"+ownerName+"%").Order("id ASC").Find(&items).Error; err != nil {
		log.Printf("store: list release items for %q: %v", ownerName, err)
		return []ReleaseOption{NewItemOption()}
	}
	if len(items) == 0 {
		return []ReleaseOption{NewItemOption()}
	}
	opts := make([]ReleaseOption, 0, len(items))
	for _, it := range items {
		feature := it.Feature
		if feature == "" {
			feature = "Untitled Feature"
		}
		opts = append(opts, ReleaseOption{
			ID:      strconv.FormatUint(uint64(it.ID), 10),
			Feature: feature,
		})
	}
	return opts
}

// ListStaleWaiting returns tracking records still in waiting status created
// before the cutoff, oldest first. Used by the reminder sweep.
func (s *Store) ListStaleWaiting(cutoff time.Time) ([]models.TrackingRecord, error) {
	var recs []models.TrackingRecord
	err := s.db.Where("status = ? AND created_at < ?", models.StatusWaiting, cutoff).
		Order("created_at ASC").Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("store: list stale waiting: %w", err)
	}
	return recs, nil
}
