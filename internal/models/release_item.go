package models

// ReleaseItem is a row in the release tracker table. Switchboard only reads
// this table; items are created and maintained elsewhere.
type ReleaseItem struct {
	ID      uint   `gorm:"primaryKey;autoIncrement"`
	Feature string `gorm:"size:512"`
	PMOwner string `gorm:"column:pm_owner;size:128;index"`
}
