package session

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Repository interface {
	Create(ctx context.Context, s *UploadSession) error
	GetByID(ctx context.Context, id string) (*UploadSession, error)
	FindResumable(ctx context.Context, filename string, totalSize, chunkSize int64, activeSince time.Time) (*UploadSession, error)
	MarkChunk(ctx context.Context, id string, index int, size int64, at time.Time) error
	UnmarkChunks(ctx context.Context, id string, indices []int) error
	ReceivedChunks(ctx context.Context, id string) ([]ReceivedChunk, error)
	Touch(ctx context.Context, id string, at time.Time) error
	Transition(ctx context.Context, id string, from, to Status, fields map[string]interface{}) (bool, error)
	DeleteChunks(ctx context.Context, id string) error
	ListStale(ctx context.Context, before time.Time) ([]UploadSession, error)
	CountByStatus(ctx context.Context, status Status) (int64, error)
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) Create(ctx context.Context, s *UploadSession) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *repository) GetByID(ctx context.Context, id string) (*UploadSession, error) {
	var s UploadSession
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUnknownSession
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *repository) FindResumable(ctx context.Context, filename string, totalSize, chunkSize int64, activeSince time.Time) (*UploadSession, error) {
	var s UploadSession
	err := r.db.WithContext(ctx).
		Where("filename = ? AND total_size = ? AND chunk_size = ? AND status = ? AND last_activity_at >= ?",
			filename, totalSize, chunkSize, StatusOpen, activeSince).
		Order("last_activity_at DESC").
		First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUnknownSession
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *repository) MarkChunk(ctx context.Context, id string, index int, size int64, at time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		chunk := &ReceivedChunk{SessionID: id, ChunkIndex: index, Size: size, ReceivedAt: at}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}, {Name: "chunk_index"}},
			DoUpdates: clause.AssignmentColumns([]string{"size", "received_at"}),
		}).Create(chunk).Error; err != nil {
			return err
		}
		return tx.Model(&UploadSession{}).Where("id = ?", id).Update("last_activity_at", at).Error
	})
}

func (r *repository) UnmarkChunks(ctx context.Context, id string, indices []int) error {
	if len(indices) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Where("session_id = ? AND chunk_index IN ?", id, indices).
		Delete(&ReceivedChunk{}).Error
}

func (r *repository) ReceivedChunks(ctx context.Context, id string) ([]ReceivedChunk, error) {
	var chunks []ReceivedChunk
	err := r.db.WithContext(ctx).Where("session_id = ?", id).Order("chunk_index ASC").Find(&chunks).Error
	return chunks, err
}

func (r *repository) Touch(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&UploadSession{}).Where("id = ?", id).Update("last_activity_at", at).Error
}

// Transition is a compare-and-swap on status. It reports whether this call won.
func (r *repository) Transition(ctx context.Context, id string, from, to Status, fields map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{"status": to}
	for k, v := range fields {
		updates[k] = v
	}
	res := r.db.WithContext(ctx).Model(&UploadSession{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) DeleteChunks(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Where("session_id = ?", id).Delete(&ReceivedChunk{}).Error
}

func (r *repository) ListStale(ctx context.Context, before time.Time) ([]UploadSession, error) {
	var sessions []UploadSession
	err := r.db.WithContext(ctx).
		Where("status = ? AND last_activity_at < ?", StatusOpen, before).
		Order("last_activity_at ASC").
		Find(&sessions).Error
	return sessions, err
}

func (r *repository) CountByStatus(ctx context.Context, status Status) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&UploadSession{}).Where("status = ?", status).Count(&n).Error
	return n, err
}
