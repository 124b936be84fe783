package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"jackdisk/internal/domain/credential"
	"jackdisk/internal/domain/objectstore"
	"jackdisk/internal/domain/quota"
	"jackdisk/internal/pkg/filename"
)

const (
	MethodDirect  = "direct"
	MethodChunked = "chunked"

	SortUploadTime = "upload_time"
	SortName       = "name"
	SortSize       = "size"
)

const (
	defaultPerPage = 50
	maxPerPage     = 200
	maxBatchKeys   = 1000
	deleteWorkers  = 8
)

// Quota is the capacity view the service needs.
type Quota interface {
	Admit(ctx context.Context, estimatedBytes int64) error
	Usage(ctx context.Context) (quota.Snapshot, error)
}

// CredentialIssuer presigns direct writes.
type CredentialIssuer interface {
	Issue(targetKey string) (*credential.Credential, error)
}

// SessionTracker is the slice of the session manager used for stats and sweeps.
type SessionTracker interface {
	IsOpen(ctx context.Context, sessionID string) (bool, error)
	ActiveCount(ctx context.Context) (int64, error)
}

type KeyNamer interface {
	Key(filename string) string
}

type Options struct {
	MaxFileSize     int64
	ChunkThreshold  int64
	ChunkSize       int64
	RetentionWindow time.Duration
}

type Plan struct {
	Method     string `json:"method"`
	Key        string `json:"key"`
	Size       int64  `json:"size"`
	ChunkSize  int64  `json:"chunk_size,omitempty"`
	ChunkCount int    `json:"chunk_count,omitempty"`
}

type ObjectView struct {
	Key           string    `json:"key"`
	Size          int64     `json:"size"`
	SizeFormatted string    `json:"size_formatted"`
	ETag          string    `json:"etag,omitempty"`
	ContentType   string    `json:"content_type"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

type ListQuery struct {
	Search  string
	Sort    string
	Page    int
	PerPage int
}

type ObjectPage struct {
	Files      []ObjectView `json:"files"`
	Total      int          `json:"total"`
	Page       int          `json:"page"`
	PerPage    int          `json:"per_page"`
	TotalPages int          `json:"total_pages"`
}

type BatchFailure struct {
	Key   string `json:"key"`
	Error string `json:"error"`
}

type BatchResult struct {
	DeletedCount int            `json:"deleted_count"`
	Errors       []BatchFailure `json:"errors"`
}

// ClearResult reports a ClearAll run.
type ClearResult struct {
	BatchResult
	OrphanStaging int `json:"orphan_staging"`
}

type Stats struct {
	quota.Snapshot
	UsedFormatted      string `json:"used_formatted"`
	CapacityFormatted  string `json:"capacity_formatted"`
	AvailableFormatted string `json:"available_formatted"`
	ActiveSessions     int64  `json:"active_sessions"`
}

// Service decides between the direct and chunked paths, issues direct-write
// credentials and manages committed objects.
type Service struct {
	store    objectstore.Store
	quota    Quota
	issuer   CredentialIssuer
	sessions SessionTracker
	keys     KeyNamer
	opts     Options
	now      func() time.Time
}

func NewService(store objectstore.Store, q Quota, issuer CredentialIssuer, sessions SessionTracker, keys KeyNamer, opts Options) *Service {
	return &Service{
		store:    store,
		quota:    q,
		issuer:   issuer,
		sessions: sessions,
		keys:     keys,
		opts:     opts,
		now:      time.Now,
	}
}

func (s *Service) checkSize(size int64) error {
	if size <= 0 || size > s.opts.MaxFileSize {
		return fmt.Errorf("%w: %d outside 1..%d", ErrInvalidSize, size, s.opts.MaxFileSize)
	}
	return nil
}

// Plan picks the chunked path for files above the threshold.
func (s *Service) Plan(name string, size int64) (*Plan, error) {
	if err := s.checkSize(size); err != nil {
		return nil, err
	}
	p := &Plan{Method: MethodDirect, Key: s.keys.Key(name), Size: size}
	if size > s.opts.ChunkThreshold {
		p.Method = MethodChunked
		p.ChunkSize = s.opts.ChunkSize
		p.ChunkCount = int((size + s.opts.ChunkSize - 1) / s.opts.ChunkSize)
	}
	return p, nil
}

// RequestDirect admits size against the quota and presigns a PUT for the
// sanitized key.
func (s *Service) RequestDirect(ctx context.Context, name string, size int64) (*credential.Credential, error) {
	if err := s.checkSize(size); err != nil {
		return nil, err
	}
	if err := s.quota.Admit(ctx, size); err != nil {
		return nil, err
	}
	cred, err := s.issuer.Issue(s.keys.Key(name))
	if err != nil {
		return nil, err
	}
	log.Printf("Direct upload authorized: key=%q size=%d expires_at=%s", cred.Key, size, cred.ExpiresAt.Format(time.RFC3339))
	return cred, nil
}

// ReceiveDirect stores a presigned direct write. The caller has already verified
// the signature; size and quota are checked again against the actual length.
func (s *Service) ReceiveDirect(ctx context.Context, key string, body io.Reader, size int64) (objectstore.ObjectInfo, error) {
	if size < 0 {
		return objectstore.ObjectInfo{}, ErrLengthRequired
	}
	if err := s.checkSize(size); err != nil {
		return objectstore.ObjectInfo{}, err
	}
	if objectstore.IsStaging(key) {
		return objectstore.ObjectInfo{}, objectstore.ErrInvalidKey
	}
	if err := s.quota.Admit(ctx, size); err != nil {
		return objectstore.ObjectInfo{}, err
	}
	info, err := s.store.Put(ctx, key, body, size)
	if err != nil {
		return objectstore.ObjectInfo{}, err
	}
	log.Printf("Direct upload stored: key=%q size=%d etag=%s", info.Key, info.Size, info.ETag)
	return info, nil
}

func (s *Service) view(o objectstore.ObjectInfo) ObjectView {
	return ObjectView{
		Key:           o.Key,
		Size:          o.Size,
		SizeFormatted: humanize.IBytes(uint64(o.Size)),
		ETag:          o.ETag,
		ContentType:   filename.ContentType(o.Key, nil),
		CreatedAt:     o.CreatedAt,
		ExpiresAt:     o.CreatedAt.Add(s.opts.RetentionWindow),
	}
}

func (s *Service) expired(v ObjectView, now time.Time) bool {
	return !now.Before(v.ExpiresAt)
}

// ListObjects returns unexpired objects, filtered, sorted and paginated.
func (s *Service) ListObjects(ctx context.Context, q ListQuery) (*ObjectPage, error) {
	objects, err := objectstore.ListLive(ctx, s.store)
	if err != nil {
		return nil, err
	}

	now := s.now()
	search := strings.ToLower(strings.TrimSpace(q.Search))
	views := make([]ObjectView, 0, len(objects))
	for _, o := range objects {
		v := s.view(o)
		if s.expired(v, now) {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(v.Key), search) {
			continue
		}
		views = append(views, v)
	}

	switch q.Sort {
	case SortName:
		sort.SliceStable(views, func(i, j int) bool {
			return strings.ToLower(views[i].Key) < strings.ToLower(views[j].Key)
		})
	case SortSize:
		sort.SliceStable(views, func(i, j int) bool { return views[i].Size > views[j].Size })
	default:
		sort.SliceStable(views, func(i, j int) bool { return views[i].CreatedAt.After(views[j].CreatedAt) })
	}

	perPage := q.PerPage
	if perPage <= 0 {
		perPage = defaultPerPage
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}
	total := len(views)
	page := q.Page
	if page < 1 {
		page = 1
	}
	// Compare before multiplying so a huge page cannot overflow.
	start := total
	if page-1 <= total/perPage {
		start = min((page-1)*perPage, total)
	}
	end := start + perPage
	if end > total {
		end = total
	}

	return &ObjectPage{
		Files:      views[start:end],
		Total:      total,
		Page:       page,
		PerPage:    perPage,
		TotalPages: (total + perPage - 1) / perPage,
	}, nil
}

// Open returns a committed, unexpired object for download.
func (s *Service) Open(ctx context.Context, key string) (io.ReadCloser, ObjectView, error) {
	if objectstore.IsStaging(key) {
		return nil, ObjectView{}, objectstore.ErrObjectNotFound
	}
	rc, info, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, ObjectView{}, err
	}
	v := s.view(info)
	if s.expired(v, s.now()) {
		rc.Close()
		return nil, ObjectView{}, objectstore.ErrObjectNotFound
	}
	v.ContentType, rc = filename.Sniff(info.Key, rc)
	return rc, v, nil
}

// Preview opens a text object for inline display.
func (s *Service) Preview(ctx context.Context, key string) (io.ReadCloser, ObjectView, error) {
	rc, v, err := s.Open(ctx, key)
	if err != nil {
		return nil, ObjectView{}, err
	}
	if !previewable(v.ContentType) {
		rc.Close()
		return nil, ObjectView{}, fmt.Errorf("%w: %s", ErrPreviewUnsupported, v.ContentType)
	}
	return rc, v, nil
}

func previewable(contentType string) bool {
	ct := strings.ToLower(contentType)
	for _, prefix := range []string{"text/", "application/json", "application/javascript", "application/xml"} {
		if strings.HasPrefix(ct, prefix) {
			return true
		}
	}
	return false
}

// DeleteObject removes a committed object.
func (s *Service) DeleteObject(ctx context.Context, key string) error {
	if objectstore.IsStaging(key) {
		return objectstore.ErrObjectNotFound
	}
	if err := s.store.Delete(ctx, key); err != nil {
		return err
	}
	log.Printf("Object deleted: key=%q", key)
	return nil
}

// BatchDelete deletes keys in parallel and reports per-key failures.
func (s *Service) BatchDelete(ctx context.Context, keys []string) (*BatchResult, error) {
	if len(keys) == 0 {
		return nil, ErrEmptyBatch
	}
	if len(keys) > maxBatchKeys {
		return nil, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(keys), maxBatchKeys)
	}

	return s.deleteKeys(ctx, keys)
}

func (s *Service) deleteKeys(ctx context.Context, keys []string) (*BatchResult, error) {
	seen := make(map[string]bool, len(keys))
	var (
		mu  sync.Mutex
		res = &BatchResult{Errors: []BatchFailure{}}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(deleteWorkers)
	for _, key := range keys {
		if seen[key] {
			continue
		}
		seen[key] = true
		g.Go(func() error {
			err := s.DeleteObject(gctx, key)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Errors = append(res.Errors, BatchFailure{Key: key, Error: err.Error()})
				return nil
			}
			res.DeletedCount++
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(res.Errors, func(i, j int) bool { return res.Errors[i].Key < res.Errors[j].Key })
	return res, nil
}

// ClearAll deletes every committed object and the staging data of closed
// sessions. Open sessions keep their staged chunks.
func (s *Service) ClearAll(ctx context.Context) (*ClearResult, error) {
	objects, err := objectstore.ListLive(ctx, s.store)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(objects))
	for _, o := range objects {
		keys = append(keys, o.Key)
	}
	res, err := s.deleteKeys(ctx, keys)
	if err != nil {
		return nil, err
	}
	orphans, err := s.CleanOrphanStaging(ctx)
	if err != nil {
		return nil, err
	}
	log.Printf("All objects cleared: deleted=%d failed=%d orphan_staging=%d", res.DeletedCount, len(res.Errors), orphans)
	return &ClearResult{BatchResult: *res, OrphanStaging: orphans}, nil
}

// Stats reports usage with human-readable sizes.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	snap, err := s.quota.Usage(ctx)
	if err != nil {
		return nil, err
	}
	active, err := s.sessions.ActiveCount(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{
		Snapshot:           snap,
		UsedFormatted:      humanize.IBytes(uint64(snap.UsedBytes)),
		CapacityFormatted:  humanize.IBytes(uint64(snap.CapacityBytes)),
		AvailableFormatted: humanize.IBytes(uint64(snap.AvailableBytes)),
		ActiveSessions:     active,
	}, nil
}

// DeleteExpired removes committed objects past the retention window.
func (s *Service) DeleteExpired(ctx context.Context) (int, error) {
	objects, err := objectstore.ListLive(ctx, s.store)
	if err != nil {
		return 0, err
	}
	now := s.now()
	deleted := 0
	for _, o := range objects {
		if !s.expired(s.view(o), now) {
			continue
		}
		err := s.store.Delete(ctx, o.Key)
		if errors.Is(err, objectstore.ErrObjectNotFound) {
			continue
		}
		if err != nil {
			return deleted, fmt.Errorf("delete expired %q: %w", o.Key, err)
		}
		log.Printf("Object expired: key=%q created_at=%s", o.Key, o.CreatedAt.Format(time.RFC3339))
		deleted++
	}
	return deleted, nil
}

// CleanOrphanStaging removes staged chunks whose session is gone or closed.
func (s *Service) CleanOrphanStaging(ctx context.Context) (int, error) {
	staged, err := s.store.List(ctx, objectstore.StagingPrefix)
	if err != nil {
		return 0, err
	}
	ids := make(map[string]bool)
	for _, o := range staged {
		rest := strings.TrimPrefix(o.Key, objectstore.StagingPrefix)
		if id, _, ok := strings.Cut(rest, "/"); ok && id != "" {
			ids[id] = true
		}
	}

	removed := 0
	for id := range ids {
		open, err := s.sessions.IsOpen(ctx, id)
		if err != nil {
			return removed, err
		}
		if open {
			continue
		}
		if err := s.store.DeletePrefix(ctx, objectstore.StagingPrefix+id+"/"); err != nil {
			return removed, err
		}
		log.Printf("Orphan staging removed: session=%s", id)
		removed++
	}
	return removed, nil
}
