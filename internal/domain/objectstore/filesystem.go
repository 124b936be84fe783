package objectstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FilesystemStore keeps objects under root/data and their metadata under root/meta.
// Writes go to root/tmp first and are renamed into place.
type FilesystemStore struct {
	dataDir string
	metaDir string
	tmpDir  string
}

type fileMeta struct {
	ETag string `json:"etag"`
}

func NewFilesystemStore(root string) (*FilesystemStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage dir: %w", err)
	}
	s := &FilesystemStore{
		dataDir: filepath.Join(abs, "data"),
		metaDir: filepath.Join(abs, "meta"),
		tmpDir:  filepath.Join(abs, "tmp"),
	}
	for _, dir := range []string{s.dataDir, s.metaDir, s.tmpDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return s, nil
}

func (s *FilesystemStore) Put(ctx context.Context, key string, body io.Reader, size int64) (ObjectInfo, error) {
	dataPath, metaPath, err := s.paths(key)
	if err != nil {
		return ObjectInfo{}, err
	}

	tmp, err := os.CreateTemp(s.tmpDir, "put-*")
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	hash := md5.New()
	written, err := io.Copy(io.MultiWriter(tmp, hash), ctxReader{ctx: ctx, r: body})
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("failed to write object %s: %w", key, err)
	}
	if size >= 0 && written != size {
		return ObjectInfo{}, fmt.Errorf("%w: key=%s expected=%d got=%d", ErrSizeMismatch, key, size, written)
	}
	if err := tmp.Sync(); err != nil {
		return ObjectInfo{}, fmt.Errorf("failed to sync object %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return ObjectInfo{}, fmt.Errorf("failed to close object %s: %w", key, err)
	}

	if err := commitFile(tmpName, dataPath); err != nil {
		return ObjectInfo{}, fmt.Errorf("failed to commit object %s: %w", key, err)
	}
	committed = true

	etag := hex.EncodeToString(hash.Sum(nil))
	if err := s.writeMeta(metaPath, fileMeta{ETag: etag}); err != nil {
		return ObjectInfo{}, err
	}

	fi, err := os.Stat(dataPath)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("failed to stat object %s: %w", key, err)
	}
	return ObjectInfo{Key: key, Size: fi.Size(), ETag: etag, CreatedAt: fi.ModTime().UTC()}, nil
}

func (s *FilesystemStore) Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	info, err := s.Stat(ctx, key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	dataPath, _, _ := s.paths(key)
	f, err := os.Open(dataPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ObjectInfo{}, ErrObjectNotFound
		}
		return nil, ObjectInfo{}, fmt.Errorf("failed to open object %s: %w", key, err)
	}
	return f, info, nil
}

func (s *FilesystemStore) Stat(_ context.Context, key string) (ObjectInfo, error) {
	dataPath, metaPath, err := s.paths(key)
	if err != nil {
		return ObjectInfo{}, err
	}
	fi, err := os.Stat(dataPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ObjectInfo{}, ErrObjectNotFound
		}
		return ObjectInfo{}, fmt.Errorf("failed to stat object %s: %w", key, err)
	}
	if fi.IsDir() {
		return ObjectInfo{}, ErrObjectNotFound
	}
	return ObjectInfo{Key: key, Size: fi.Size(), ETag: readMeta(metaPath).ETag, CreatedAt: fi.ModTime().UTC()}, nil
}

func (s *FilesystemStore) Delete(_ context.Context, key string) error {
	dataPath, metaPath, err := s.paths(key)
	if err != nil {
		return err
	}
	if err := os.Remove(dataPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrObjectNotFound
		}
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}
	_ = os.Remove(metaPath)
	s.pruneEmptyDirs(filepath.Dir(dataPath), s.dataDir)
	s.pruneEmptyDirs(filepath.Dir(metaPath), s.metaDir)
	return nil
}

func (s *FilesystemStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	err := filepath.WalkDir(s.dataDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.dataDir, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			// removed between readdir and stat
			return nil
		}
		_, metaPath, _ := s.paths(key)
		out = append(out, ObjectInfo{
			Key:       key,
			Size:      fi.Size(),
			ETag:      readMeta(metaPath).ETag,
			CreatedAt: fi.ModTime().UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list objects: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *FilesystemStore) DeletePrefix(ctx context.Context, prefix string) error {
	if prefix == "" {
		return fmt.Errorf("%w: prefix cannot be empty", ErrInvalidKey)
	}
	objects, err := s.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, o := range objects {
		if err := s.Delete(ctx, o.Key); err != nil && !errors.Is(err, ErrObjectNotFound) {
			return err
		}
	}
	return nil
}

// paths maps a key to its data and metadata file, refusing anything that would
// escape the store root.
func (s *FilesystemStore) paths(key string) (string, string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") || strings.HasSuffix(key, "/") {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return "", "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	rel := filepath.FromSlash(key)
	return filepath.Join(s.dataDir, rel), filepath.Join(s.metaDir, rel+".json"), nil
}

func (s *FilesystemStore) pruneEmptyDirs(dir, stop string) {
	for dir != stop && strings.HasPrefix(dir, stop) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// commitFile renames src into dst, recreating dst's parent if a concurrent delete
// pruned it in between.
func commitFile(src, dst string) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return err
		}
		if err = os.Rename(src, dst); err == nil || !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return err
}

func (s *FilesystemStore) writeMeta(path string, m fileMeta) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.tmpDir, "meta-*")
	if err != nil {
		return fmt.Errorf("failed to create metadata temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	if err := commitFile(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to commit metadata: %w", err)
	}
	return nil
}

func readMeta(path string) fileMeta {
	var m fileMeta
	data, err := os.ReadFile(path)
	if err != nil {
		return m
	}
	_ = json.Unmarshal(data, &m)
	return m
}
