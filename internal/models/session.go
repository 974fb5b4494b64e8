package models

import "time"

// SyncSession is the per-(user, device) sync bookkeeping record. Upserting
// the same pair again advances LastSync and increments SyncCount instead of
// inserting a duplicate.
type SyncSession struct {
	UserID     string    `gorm:"column:user_id;primaryKey" json:"-"`
	DeviceID   string    `gorm:"column:device_id;primaryKey" json:"deviceId"`
	DeviceName *string   `gorm:"column:device_name" json:"deviceName,omitempty"`
	LastSync   time.Time `gorm:"column:last_sync;type:timestamptz" json:"lastSync"`
	SyncCount  int64     `gorm:"column:sync_count" json:"syncCount"`
}

func (SyncSession) TableName() string { return "sync_sessions" }
