package session

import (
	"fmt"
	"time"

	"jackdisk/internal/domain/objectstore"
)

type Status string

const (
	StatusOpen      Status = "open"
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
)

// UploadSession coordinates one chunked upload. Its ID is the only capability a
// client needs to submit chunks or finalize.
type UploadSession struct {
	ID             string     `gorm:"column:id;primaryKey;size:36" json:"session_id"`
	Filename       string     `gorm:"column:filename;index:idx_upload_sessions_resume" json:"filename"`
	TargetKey      string     `gorm:"column:target_key" json:"key"`
	TotalSize      int64      `gorm:"column:total_size;index:idx_upload_sessions_resume" json:"total_size"`
	ChunkSize      int64      `gorm:"column:chunk_size;index:idx_upload_sessions_resume" json:"chunk_size"`
	ChunkCount     int        `gorm:"column:chunk_count" json:"chunk_count"`
	Status         Status     `gorm:"column:status;size:16;index" json:"status"`
	FinalSize      int64      `gorm:"column:final_size" json:"final_size,omitempty"`
	ETag           string     `gorm:"column:etag" json:"etag,omitempty"`
	CreatedAt      time.Time  `gorm:"column:created_at" json:"created_at"`
	LastActivityAt time.Time  `gorm:"column:last_activity_at;index" json:"last_activity_at"`
	CompletedAt    *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
}

func (UploadSession) TableName() string { return "upload_sessions" }

// ExpectedChunkSize is ChunkSize for every index except the last, which carries
// the remainder.
func (s *UploadSession) ExpectedChunkSize(index int) int64 {
	if index == s.ChunkCount-1 {
		return s.TotalSize - int64(s.ChunkCount-1)*s.ChunkSize
	}
	return s.ChunkSize
}

// ReceivedChunk records a staged chunk. (session_id, chunk_index) is unique so
// re-submission overwrites.
type ReceivedChunk struct {
	SessionID  string    `gorm:"column:session_id;primaryKey;size:36"`
	ChunkIndex int       `gorm:"column:chunk_index;primaryKey;autoIncrement:false"`
	Size       int64     `gorm:"column:size"`
	ReceivedAt time.Time `gorm:"column:received_at"`
}

func (ReceivedChunk) TableName() string { return "upload_session_chunks" }

// Models lists the tables owned by this package.
func Models() []interface{} {
	return []interface{}{&UploadSession{}, &ReceivedChunk{}}
}

func chunkCount(totalSize, chunkSize int64) int {
	return int((totalSize + chunkSize - 1) / chunkSize)
}

func stagingPrefix(sessionID string) string {
	return objectstore.StagingPrefix + sessionID + "/"
}

func stagingKey(sessionID string, index int) string {
	return fmt.Sprintf("%schunk_%d", stagingPrefix(sessionID), index)
}
