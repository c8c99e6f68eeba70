package models

import "time"

// Status values the dispatcher writes. The column is free-form in the
// store, but these are the only values Switchboard itself produces. The
// forwarded value is wire-visible in the tracking table and kept verbatim.
const (
	StatusWaiting   = "waiting"
	StatusMatched   = "matched"
	StatusForwarded = "Forward to a different PM"
)

// TrackingRecord correlates one Slack thread with the source request it
// announces and the release item it was eventually matched to. Created once
// per origination and once more per reassignment; never deleted.
type TrackingRecord struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	ThreadID       string `gorm:"column:thread_id;size:32;not null;index"`
	SourceRecordID string `gorm:"size:64;not null"`
	ChannelID      string `gorm:"size:32"`
	PMName         string `gorm:"column:pm_name;size:128"`
	RequestName    string `gorm:"size:256"`
	Status         string `gorm:"size:64;default:waiting"`
	Notes          string `gorm:"type:text"`
	TargetRecordID string `gorm:"size:64"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
