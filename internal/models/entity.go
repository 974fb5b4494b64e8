package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// EntityKind names one of the synchronized entity families.
type EntityKind string

const (
	KindJob         EntityKind = "job"
	KindResume      EntityKind = "resume"
	KindCoverLetter EntityKind = "coverLetter"
	KindSettings    EntityKind = "settings"
)

// RowKinds are the kinds backed by their own table. Settings is a single
// per-user record and is handled separately.
var RowKinds = []EntityKind{KindJob, KindResume, KindCoverLetter}

// Entity is one synchronized record. The same row shape is used for jobs,
// resumes and cover letters; Name/JobID/ResumeID are derived from the payload
// for the kinds that carry them and stay empty otherwise.
//
// Version is supplied by the writer and persisted verbatim; the store never
// increments it. LastModified is server-assigned on every accepted write and
// is the only cursor for delta queries.
type Entity struct {
	ID     string `gorm:"column:id;primaryKey" json:"id"`
	UserID string `gorm:"column:user_id;primaryKey" json:"-"`

	Name     string  `gorm:"column:name" json:"name,omitempty"`
	JobID    *string `gorm:"column:job_id" json:"jobId,omitempty"`
	ResumeID *string `gorm:"column:resume_id" json:"resumeId,omitempty"`

	Data    datatypes.JSON `gorm:"column:data;type:jsonb" json:"data"`
	Version int64          `gorm:"column:version" json:"version"`

	LastModified time.Time `gorm:"column:last_modified;type:timestamptz;index" json:"lastModified"`
	CreatedAt    time.Time `gorm:"column:created_at;type:timestamptz" json:"createdAt"`

	Deleted   bool       `gorm:"column:deleted" json:"deleted"`
	DeletedAt *time.Time `gorm:"column:deleted_at" json:"deletedAt,omitempty"`
}

// Settings is the per-user singleton. It has no independent identity, no
// version and no soft-delete flag.
type Settings struct {
	UserID       string         `gorm:"column:user_id;primaryKey" json:"-"`
	Data         datatypes.JSON `gorm:"column:data;type:jsonb" json:"data"`
	LastModified time.Time      `gorm:"column:last_modified;type:timestamptz" json:"lastModified"`
}

func (Settings) TableName() string { return "settings" }

// Meta is the displayable metadata lifted out of an opaque payload.
type Meta struct {
	Name     string
	JobID    *string
	ResumeID *string
}

// payloadMeta matches only the fields the store is allowed to look at.
type payloadMeta struct {
	Name   string `json:"name"`
	Basics struct {
		Name string `json:"name"`
	} `json:"basics"`
	JobID    string `json:"jobId"`
	ResumeID string `json:"resumeId"`
}

// DeriveMeta extracts display metadata from a payload. Resumes fall back to
// basics.name (JSON Resume layout); cover letters may carry soft references
// to a job and a resume. The payload is otherwise never interpreted.
func DeriveMeta(kind EntityKind, data datatypes.JSON) Meta {
	var p payloadMeta
	_ = json.Unmarshal(data, &p)

	var m Meta
	switch kind {
	case KindResume:
		m.Name = p.Name
		if m.Name == "" {
			m.Name = p.Basics.Name
		}
		if m.Name == "" {
			m.Name = "Untitled Resume"
		}
	case KindCoverLetter:
		m.Name = p.Name
		if m.Name == "" {
			m.Name = "Untitled"
		}
		if p.JobID != "" {
			m.JobID = &p.JobID
		}
		if p.ResumeID != "" {
			m.ResumeID = &p.ResumeID
		}
	}
	return m
}

// KindFromName maps a wire name ("jobs", "resumes", ...) to its kind.
// Unrecognized names return false and are ignored by pull, matching the
// lenient behavior clients rely on.
func KindFromName(name string) (EntityKind, bool) {
	switch name {
	case "jobs", "job":
		return KindJob, true
	case "resumes", "resume":
		return KindResume, true
	case "coverLetters", "coverLetter":
		return KindCoverLetter, true
	case "settings":
		return KindSettings, true
	default:
		return "", false
	}
}
