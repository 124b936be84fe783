package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"jackdisk/internal/domain/objectstore"
)

const maxChunkCount = 100000

// Admitter is the advisory capacity check.
type Admitter interface {
	Admit(ctx context.Context, estimatedBytes int64) error
}

// KeyNamer turns a client filename into the target object key.
type KeyNamer interface {
	Key(filename string) string
}

type Options struct {
	MaxFileSize  int64
	MaxChunkSize int64
	SessionTTL   time.Duration
}

type CreateResult struct {
	Session        *UploadSession `json:"session"`
	ReceivedChunks []int          `json:"received_chunks"`
	Resumed        bool           `json:"resumed"`
}

type ChunkResult struct {
	SessionID      string `json:"session_id"`
	ChunkIndex     int    `json:"chunk_index"`
	ReceivedChunks int    `json:"received_chunks"`
	ChunkCount     int    `json:"chunk_count"`
	ReceivedBytes  int64  `json:"received_bytes"`
}

type StatusResult struct {
	Session        *UploadSession `json:"session"`
	ReceivedChunks []int          `json:"received_chunks"`
	MissingChunks  []int          `json:"missing_chunks"`
	ReceivedBytes  int64          `json:"received_bytes"`
}

type FinalizeResult struct {
	SessionID        string    `json:"session_id"`
	Key              string    `json:"key"`
	Size             int64     `json:"size"`
	ETag             string    `json:"etag"`
	CompletedAt      time.Time `json:"completed_at"`
	AlreadyCompleted bool      `json:"already_completed"`
}

// Manager owns the upload session lifecycle: create or resume, stage chunks,
// assemble on finalize, abort.
type Manager struct {
	repo     Repository
	store    objectstore.Store
	gate     Admitter
	keys     KeyNamer
	opts     Options
	notifier Notifier
	now      func() time.Time

	locks     *lockTable
	finalizes singleflight.Group
	createMu  sync.Mutex
}

func NewManager(repo Repository, store objectstore.Store, gate Admitter, keys KeyNamer, opts Options) *Manager {
	return &Manager{
		repo:     repo,
		store:    store,
		gate:     gate,
		keys:     keys,
		opts:     opts,
		notifier: nopNotifier{},
		now:      time.Now,
		locks:    newLockTable(),
	}
}

func (m *Manager) SetNotifier(n Notifier) {
	if n == nil {
		n = nopNotifier{}
	}
	m.notifier = n
}

// Create opens a session, or returns the open, non-stale session already keyed by
// the same filename, totalSize and chunkSize together with its received chunks.
func (m *Manager) Create(ctx context.Context, filename string, totalSize, chunkSize int64) (*CreateResult, error) {
	if totalSize <= 0 || totalSize > m.opts.MaxFileSize {
		return nil, fmt.Errorf("%w: total size %d outside 1..%d", ErrInvalidSize, totalSize, m.opts.MaxFileSize)
	}
	if chunkSize <= 0 || chunkSize > m.opts.MaxChunkSize {
		return nil, fmt.Errorf("%w: chunk size %d outside 1..%d", ErrInvalidSize, chunkSize, m.opts.MaxChunkSize)
	}
	count := chunkCount(totalSize, chunkSize)
	if count > maxChunkCount {
		return nil, fmt.Errorf("%w: %d chunks exceeds limit of %d", ErrInvalidSize, count, maxChunkCount)
	}

	m.createMu.Lock()
	defer m.createMu.Unlock()

	now := m.now().UTC()
	existing, err := m.repo.FindResumable(ctx, filename, totalSize, chunkSize, now.Add(-m.opts.SessionTTL))
	switch {
	case err == nil:
		received, _, err := m.received(ctx, existing.ID)
		if err != nil {
			return nil, err
		}
		if err := m.repo.Touch(ctx, existing.ID, now); err != nil {
			return nil, err
		}
		existing.LastActivityAt = now
		log.Printf("Upload session resumed: id=%s filename=%q received=%d/%d", existing.ID, filename, len(received), existing.ChunkCount)
		return &CreateResult{Session: existing, ReceivedChunks: received, Resumed: true}, nil
	case !errors.Is(err, ErrUnknownSession):
		return nil, err
	}

	if err := m.gate.Admit(ctx, totalSize); err != nil {
		return nil, err
	}

	s := &UploadSession{
		ID:             uuid.NewString(),
		Filename:       filename,
		TargetKey:      m.keys.Key(filename),
		TotalSize:      totalSize,
		ChunkSize:      chunkSize,
		ChunkCount:     count,
		Status:         StatusOpen,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := m.repo.Create(ctx, s); err != nil {
		return nil, err
	}
	log.Printf("Upload session created: id=%s key=%q total=%d chunk=%d chunks=%d", s.ID, s.TargetKey, totalSize, chunkSize, count)
	return &CreateResult{Session: s, ReceivedChunks: []int{}}, nil
}

// SubmitChunk stages data for index and then records it. Resubmitting an index
// replaces the staged bytes.
func (m *Manager) SubmitChunk(ctx context.Context, sessionID string, index int, data []byte) (*ChunkResult, error) {
	l := m.locks.acquire(sessionID)
	defer m.locks.release(sessionID, l)
	l.RLock()
	defer l.RUnlock()

	s, err := m.openSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= s.ChunkCount {
		return nil, fmt.Errorf("%w: index %d not in 0..%d", ErrIndexOutOfRange, index, s.ChunkCount-1)
	}
	expected := s.ExpectedChunkSize(index)
	if int64(len(data)) != expected {
		return nil, fmt.Errorf("%w: chunk %d is %d bytes, expected %d", ErrChunkSizeMismatch, index, len(data), expected)
	}

	if _, err := m.store.Put(ctx, stagingKey(sessionID, index), bytes.NewReader(data), expected); err != nil {
		return nil, fmt.Errorf("stage chunk %d: %w", index, err)
	}
	if err := m.repo.MarkChunk(ctx, sessionID, index, expected, m.now().UTC()); err != nil {
		return nil, err
	}

	received, receivedBytes, err := m.received(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	res := &ChunkResult{
		SessionID:      sessionID,
		ChunkIndex:     index,
		ReceivedChunks: len(received),
		ChunkCount:     s.ChunkCount,
		ReceivedBytes:  receivedBytes,
	}
	m.notifier.Publish(Event{
		Type:           EventChunkReceived,
		SessionID:      sessionID,
		ChunkIndex:     index,
		ReceivedChunks: res.ReceivedChunks,
		ChunkCount:     s.ChunkCount,
		ReceivedBytes:  receivedBytes,
		TotalSize:      s.TotalSize,
	})
	return res, nil
}

// Status reports a session in any state.
func (m *Manager) Status(ctx context.Context, sessionID string) (*StatusResult, error) {
	s, err := m.repo.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	received, receivedBytes, err := m.received(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	missing := []int{}
	if s.Status == StatusOpen {
		missing = missingChunks(s.ChunkCount, received)
	}
	return &StatusResult{
		Session:        s,
		ReceivedChunks: received,
		MissingChunks:  missing,
		ReceivedBytes:  receivedBytes,
	}, nil
}

// Finalize assembles the staged chunks into the target object. Concurrent calls
// for one session share a single assembly; calls after completion succeed with
// AlreadyCompleted set. On any failure the session stays open.
func (m *Manager) Finalize(ctx context.Context, sessionID string) (*FinalizeResult, error) {
	detached := context.WithoutCancel(ctx)
	v, err, _ := m.finalizes.Do(sessionID, func() (interface{}, error) {
		return m.finalize(detached, sessionID)
	})
	if err != nil {
		return nil, err
	}
	res := *v.(*FinalizeResult)
	return &res, nil
}

func (m *Manager) finalize(ctx context.Context, sessionID string) (*FinalizeResult, error) {
	l := m.locks.acquire(sessionID)
	defer m.locks.release(sessionID, l)
	l.Lock()
	defer l.Unlock()

	s, err := m.repo.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	switch s.Status {
	case StatusCompleted:
		return completedResult(s, true), nil
	case StatusAborted:
		return nil, ErrUnknownSession
	}

	chunks, actual, err := m.verifyStaged(ctx, s)
	if err != nil {
		return nil, err
	}
	if err := m.gate.Admit(ctx, actual); err != nil {
		return nil, err
	}

	info, err := m.assemble(ctx, s, chunks, actual)
	if err != nil {
		log.Printf("Finalize failed: id=%s key=%q err=%v", s.ID, s.TargetKey, err)
		return nil, fmt.Errorf("assemble %s: %w", s.TargetKey, err)
	}

	now := m.now().UTC()
	won, err := m.repo.Transition(ctx, s.ID, StatusOpen, StatusCompleted, map[string]interface{}{
		"final_size":       info.Size,
		"etag":             info.ETag,
		"completed_at":     now,
		"last_activity_at": now,
	})
	if err != nil {
		return nil, err
	}
	if !won {
		// Another process completed it first; its result stands.
		current, err := m.repo.GetByID(ctx, s.ID)
		if err != nil {
			return nil, err
		}
		if current.Status != StatusCompleted {
			return nil, ErrUnknownSession
		}
		return completedResult(current, true), nil
	}

	m.discardStaging(ctx, s.ID)
	s.Status = StatusCompleted
	s.FinalSize = info.Size
	s.ETag = info.ETag
	s.CompletedAt = &now

	log.Printf("Upload finalized: id=%s key=%q size=%d etag=%s", s.ID, s.TargetKey, info.Size, info.ETag)
	m.notifier.Publish(Event{
		Type:           EventFinalized,
		SessionID:      s.ID,
		ReceivedChunks: s.ChunkCount,
		ChunkCount:     s.ChunkCount,
		ReceivedBytes:  info.Size,
		TotalSize:      s.TotalSize,
		Key:            s.TargetKey,
	})
	return completedResult(s, false), nil
}

// verifyStaged checks that every chunk is both recorded and present in staging.
// Chunks recorded but gone from staging are unrecorded so the client resends them.
func (m *Manager) verifyStaged(ctx context.Context, s *UploadSession) ([]ReceivedChunk, int64, error) {
	recorded, err := m.repo.ReceivedChunks(ctx, s.ID)
	if err != nil {
		return nil, 0, err
	}
	staged, err := m.store.List(ctx, stagingPrefix(s.ID))
	if err != nil {
		return nil, 0, err
	}
	stagedSize := make(map[string]int64, len(staged))
	for _, obj := range staged {
		stagedSize[obj.Key] = obj.Size
	}

	byIndex := make(map[int]ReceivedChunk, len(recorded))
	for _, c := range recorded {
		byIndex[c.ChunkIndex] = c
	}

	var (
		chunks  = make([]ReceivedChunk, 0, s.ChunkCount)
		missing []int
		lost    []int
		actual  int64
	)
	for i := 0; i < s.ChunkCount; i++ {
		c, ok := byIndex[i]
		if !ok {
			missing = append(missing, i)
			continue
		}
		size, ok := stagedSize[stagingKey(s.ID, i)]
		if !ok || size != s.ExpectedChunkSize(i) {
			missing = append(missing, i)
			lost = append(lost, i)
			continue
		}
		chunks = append(chunks, c)
		actual += size
	}
	if len(lost) > 0 {
		log.Printf("Staged chunks lost: id=%s indices=%v", s.ID, lost)
		if err := m.repo.UnmarkChunks(ctx, s.ID, lost); err != nil {
			return nil, 0, err
		}
	}
	if len(missing) > 0 {
		return nil, 0, &IncompleteError{Missing: missing}
	}
	return chunks, actual, nil
}

// assemble streams the staged chunks in index order into a single Put so the
// target becomes visible only when fully written.
func (m *Manager) assemble(ctx context.Context, s *UploadSession, chunks []ReceivedChunk, size int64) (objectstore.ObjectInfo, error) {
	pr, pw := io.Pipe()
	go func() {
		for _, c := range chunks {
			rc, _, err := m.store.Get(ctx, stagingKey(s.ID, c.ChunkIndex))
			if err != nil {
				pw.CloseWithError(fmt.Errorf("read chunk %d: %w", c.ChunkIndex, err))
				return
			}
			_, err = io.Copy(pw, rc)
			rc.Close()
			if err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		pw.Close()
	}()

	info, err := m.store.Put(ctx, s.TargetKey, pr, size)
	pr.Close()
	return info, err
}

// Abort discards an open session and its staged data.
func (m *Manager) Abort(ctx context.Context, sessionID string) error {
	_, err := m.abort(ctx, sessionID, time.Time{})
	return err
}

// abort closes the session. A non-zero staleBefore skips sessions that saw
// activity since then; the bool reports whether the session was aborted.
func (m *Manager) abort(ctx context.Context, sessionID string, staleBefore time.Time) (bool, error) {
	l := m.locks.acquire(sessionID)
	defer m.locks.release(sessionID, l)
	l.Lock()
	defer l.Unlock()

	s, err := m.openSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if !staleBefore.IsZero() && !s.LastActivityAt.Before(staleBefore) {
		return false, nil
	}
	won, err := m.repo.Transition(ctx, sessionID, StatusOpen, StatusAborted, map[string]interface{}{
		"last_activity_at": m.now().UTC(),
	})
	if err != nil {
		return false, err
	}
	if !won {
		return false, ErrUnknownSession
	}
	m.discardStaging(ctx, sessionID)
	log.Printf("Upload session aborted: id=%s key=%q", s.ID, s.TargetKey)
	m.notifier.Publish(Event{
		Type:       EventAborted,
		SessionID:  sessionID,
		ChunkCount: s.ChunkCount,
		TotalSize:  s.TotalSize,
	})
	return true, nil
}

// ListStale returns open sessions idle for longer than the session TTL.
func (m *Manager) ListStale(ctx context.Context) ([]UploadSession, error) {
	return m.repo.ListStale(ctx, m.now().UTC().Add(-m.opts.SessionTTL))
}

// AbortStale aborts every stale session and returns how many were aborted.
func (m *Manager) AbortStale(ctx context.Context) (int, error) {
	cutoff := m.now().UTC().Add(-m.opts.SessionTTL)
	stale, err := m.repo.ListStale(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	aborted := 0
	for _, s := range stale {
		if err := ctx.Err(); err != nil {
			return aborted, err
		}
		ok, err := m.abort(ctx, s.ID, cutoff)
		if errors.Is(err, ErrUnknownSession) {
			continue
		}
		if err != nil {
			return aborted, err
		}
		if ok {
			aborted++
		}
	}
	return aborted, nil
}

// IsOpen reports whether sessionID names an open session.
func (m *Manager) IsOpen(ctx context.Context, sessionID string) (bool, error) {
	_, err := m.openSession(ctx, sessionID)
	if errors.Is(err, ErrUnknownSession) {
		return false, nil
	}
	return err == nil, err
}

// ActiveCount returns the number of open sessions.
func (m *Manager) ActiveCount(ctx context.Context) (int64, error) {
	return m.repo.CountByStatus(ctx, StatusOpen)
}

func (m *Manager) openSession(ctx context.Context, sessionID string) (*UploadSession, error) {
	s, err := m.repo.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status != StatusOpen {
		return nil, ErrUnknownSession
	}
	return s, nil
}

func (m *Manager) received(ctx context.Context, sessionID string) ([]int, int64, error) {
	chunks, err := m.repo.ReceivedChunks(ctx, sessionID)
	if err != nil {
		return nil, 0, err
	}
	indices := make([]int, 0, len(chunks))
	var total int64
	for _, c := range chunks {
		indices = append(indices, c.ChunkIndex)
		total += c.Size
	}
	return indices, total, nil
}

func (m *Manager) discardStaging(ctx context.Context, sessionID string) {
	if err := m.store.DeletePrefix(ctx, stagingPrefix(sessionID)); err != nil {
		log.Printf("Warning: staging cleanup failed: id=%s err=%v", sessionID, err)
	}
	if err := m.repo.DeleteChunks(ctx, sessionID); err != nil {
		log.Printf("Warning: chunk records cleanup failed: id=%s err=%v", sessionID, err)
	}
}

func completedResult(s *UploadSession, already bool) *FinalizeResult {
	res := &FinalizeResult{
		SessionID:        s.ID,
		Key:              s.TargetKey,
		Size:             s.FinalSize,
		ETag:             s.ETag,
		AlreadyCompleted: already,
	}
	if s.CompletedAt != nil {
		res.CompletedAt = *s.CompletedAt
	}
	return res
}

func missingChunks(count int, received []int) []int {
	have := make(map[int]bool, len(received))
	for _, i := range received {
		have[i] = true
	}
	missing := []int{}
	for i := 0; i < count; i++ {
		if !have[i] {
			missing = append(missing, i)
		}
	}
	return missing
}
