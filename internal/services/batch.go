package services

import (
	"context"
	"encoding/json"

	"gorm.io/datatypes"

	"github.com/applydeck/applydeck/internal/models"
	"github.com/applydeck/applydeck/internal/store"
)

// EntityItem is one client-submitted mutation: an upsert, or a soft delete
// when Deleted is set.
type EntityItem struct {
	ID      string         `json:"id"`
	Data    datatypes.JSON `json:"data"`
	Version int64          `json:"version"`
	Deleted bool           `json:"deleted"`
}

// EntityBatch is the client's change set: any mix of the three row kinds plus
// at most one settings object.
type EntityBatch struct {
	Jobs         []EntityItem   `json:"jobs"`
	Resumes      []EntityItem   `json:"resumes"`
	CoverLetters []EntityItem   `json:"coverLetters"`
	Settings     datatypes.JSON `json:"settings"`
}

// KindTally counts applied and rejected items of one kind.
type KindTally struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// ItemError describes one rejected batch item. It rides inside an otherwise
// successful response; clients must check Errors, a 200 does not mean every
// item landed.
type ItemError struct {
	Entity  string `json:"entity"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message"`
}

// BatchResult is the per-kind tally of one batch application.
type BatchResult struct {
	Jobs         KindTally   `json:"jobs"`
	Resumes      KindTally   `json:"resumes"`
	CoverLetters KindTally   `json:"coverLetters"`
	Settings     KindTally   `json:"settings"`
	Errors       []ItemError `json:"errors"`
}

// applyBatch applies a client batch inside one storage transaction.
//
// The transaction only guarantees the batch's writes become durable together.
// It is deliberately NOT all-or-nothing across items: an item that fails
// validation is tallied and skipped while its siblings still apply. Only a
// storage-level failure aborts the whole batch, and then the caller must
// retry the entire call. This partial-application contract is load-bearing;
// do not tighten it into cross-kind atomicity.
func applyBatch(ctx context.Context, st store.EntityStore, userID string, batch EntityBatch) (BatchResult, error) {
	res := BatchResult{Errors: []ItemError{}}

	err := st.WithinTx(ctx, func(tx store.EntityStore) error {
		for _, group := range []struct {
			kind  models.EntityKind
			name  string
			items []EntityItem
			tally *KindTally
		}{
			{models.KindJob, "job", batch.Jobs, &res.Jobs},
			{models.KindResume, "resume", batch.Resumes, &res.Resumes},
			{models.KindCoverLetter, "coverLetter", batch.CoverLetters, &res.CoverLetters},
		} {
			for _, item := range group.items {
				if msg := validateItem(item); msg != "" {
					group.tally.Failed++
					res.Errors = append(res.Errors, ItemError{Entity: group.name, ID: item.ID, Message: msg})
					continue
				}
				if err := applyItem(ctx, tx, userID, group.kind, item); err != nil {
					return err
				}
				group.tally.Success++
			}
		}

		if len(batch.Settings) > 0 {
			if !json.Valid(batch.Settings) {
				res.Settings.Failed++
				res.Errors = append(res.Errors, ItemError{Entity: "settings", Message: "invalid settings payload"})
			} else {
				if err := tx.UpsertSettings(ctx, userID, batch.Settings); err != nil {
					return err
				}
				res.Settings.Success++
			}
		}
		return nil
	})
	if err != nil {
		return BatchResult{}, err
	}
	return res, nil
}

func applyItem(ctx context.Context, tx store.EntityStore, userID string, kind models.EntityKind, item EntityItem) error {
	if item.Deleted {
		return tx.SoftDelete(ctx, userID, kind, item.ID)
	}
	version := item.Version
	if version <= 0 {
		version = 1
	}
	return tx.Upsert(ctx, userID, kind, item.ID, item.Data, version)
}

// validateItem rejects items before any storage access so a malformed item
// cannot poison the surrounding transaction. An empty message means valid.
func validateItem(item EntityItem) string {
	if item.ID == "" {
		return "missing id"
	}
	if item.Deleted {
		return ""
	}
	if len(item.Data) == 0 || !json.Valid(item.Data) {
		return "invalid data payload"
	}
	return ""
}
