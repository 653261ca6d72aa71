package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/poseylabs/posey/internal/minion"
	"github.com/poseylabs/posey/internal/orchestrator"
)

var (
	_ orchestrator.RunStore = (*RunRepository)(nil)
	_ minion.ImageRecorder  = (*RunRepository)(nil)
)

// RunRepository implements orchestrator.RunStore and records generated
// images.
type RunRepository struct {
	db *gorm.DB
}

// NewRunRepository creates a RunRepository.
func NewRunRepository(db *gorm.DB) *RunRepository {
	return &RunRepository{db: db}
}

// Save inserts or replaces a run.
func (r *RunRepository) Save(ctx context.Context, run *orchestrator.Run) error {
	m, err := toRunModel(run)
	if err != nil {
		return err
	}
	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(m).Error
	if err != nil {
		return fmt.Errorf("saving run %s: %w", run.ID, err)
	}
	return nil
}

// Get loads a run by ID.
func (r *RunRepository) Get(ctx context.Context, id string) (*orchestrator.Run, error) {
	var m RunModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, orchestrator.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading run: %w", err)
	}
	return toRun(&m)
}

// ListByUser returns the user's runs, newest first.
func (r *RunRepository) ListByUser(ctx context.Context, userID string, limit int) ([]orchestrator.Run, error) {
	q := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []RunModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	runs := make([]orchestrator.Run, 0, len(models))
	for i := range models {
		run, err := toRun(&models[i])
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, nil
}

// PurgeBefore deletes runs created before t and returns how many went.
func (r *RunRepository) PurgeBefore(ctx context.Context, t time.Time) (int, error) {
	res := r.db.WithContext(ctx).Where("created_at < ?", t).Delete(&RunModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("purging runs: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

// RecordImages stores image metadata for the user's gallery.
func (r *RunRepository) RecordImages(ctx context.Context, userID, conversationID string, images []minion.Image) error {
	if len(images) == 0 {
		return nil
	}
	models := make([]ImageModel, len(images))
	for i, img := range images {
		models[i] = toImageModel(userID, conversationID, img)
	}
	if err := r.db.WithContext(ctx).Create(&models).Error; err != nil {
		return fmt.Errorf("recording images: %w", err)
	}
	return nil
}

// Images returns the user's recorded images, newest first.
func (r *RunRepository) Images(ctx context.Context, userID string, limit int) ([]minion.Image, error) {
	q := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []ImageModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing images: %w", err)
	}
	out := make([]minion.Image, len(models))
	for i, m := range models {
		out[i] = minion.Image{
			URL:           m.URL,
			Prompt:        m.Prompt,
			RevisedPrompt: m.RevisedPrompt,
			Provider:      m.Provider,
			Model:         m.Model,
		}
	}
	return out, nil
}
