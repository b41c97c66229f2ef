package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/ansible/content-repository/pkg/database"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Service stores artifacts: bytes in a BlobStore, digests in the database.
type Service struct {
	db     *gorm.DB
	blobs  BlobStore
	tmpDir string
	logger *slog.Logger
}

// NewService creates a Service. tmpDir is where uploads are staged while
// they are hashed; empty means os.TempDir().
func NewService(db *gorm.DB, blobs BlobStore, tmpDir string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{db: db, blobs: blobs, tmpDir: tmpDir, logger: logger}
}

// Put streams r into storage, verifying it against expected. If an
// artifact with the same sha256 already exists, the existing record is
// returned together with ErrDuplicateArtifact.
func (s *Service) Put(ctx context.Context, r io.Reader, expected Expected) (*Artifact, error) {
	tmp, err := os.CreateTemp(s.tmpDir, "artifact-*")
	if err != nil {
		return nil, fmt.Errorf("stage artifact: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	hasher := NewHasher()
	if _, err := io.Copy(io.MultiWriter(tmp, hasher), r); err != nil {
		return nil, fmt.Errorf("stage artifact: %w", err)
	}
	digests := hasher.Digests()
	if err := digests.Verify(expected); err != nil {
		return nil, err
	}

	if existing, err := s.FindBySha256(ctx, digests.Sha256); err == nil {
		return existing, ErrDuplicateArtifact
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind staged artifact: %w", err)
	}
	key := blobKey(digests.Sha256)
	if err := s.blobs.Put(ctx, key, tmp, digests.Size); err != nil {
		return nil, err
	}

	a := &Artifact{
		ID:     uuid.NewString(),
		Sha256: digests.Sha256,
		Sha224: digests.Sha224,
		Sha384: digests.Sha384,
		Sha512: digests.Sha512,
		Size:   digests.Size,
		File:   key,
	}
	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		if database.IsUniqueViolation(err) {
			// Lost a race with a concurrent Put of the same bytes.
			existing, findErr := s.FindBySha256(ctx, digests.Sha256)
			if findErr != nil {
				return nil, findErr
			}
			return existing, ErrDuplicateArtifact
		}
		return nil, fmt.Errorf("create artifact: %w", err)
	}

	s.logger.Debug("artifact stored", "sha256", a.Sha256, "size", a.Size)
	return a, nil
}

// PutFile is Put for a file on local disk.
func (s *Service) PutFile(ctx context.Context, path string, expected Expected) (*Artifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return s.Put(ctx, f, expected)
}

// Get returns the artifact with the given id.
func (s *Service) Get(ctx context.Context, id string) (*Artifact, error) {
	var a Artifact
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&a).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

// FindBySha256 returns the artifact with the given digest.
func (s *Service) FindBySha256(ctx context.Context, sha256 string) (*Artifact, error) {
	var a Artifact
	if err := s.db.WithContext(ctx).Where("sha256 = ?", sha256).First(&a).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

// Open returns a reader over the artifact bytes.
func (s *Service) Open(ctx context.Context, a *Artifact) (io.ReadCloser, error) {
	return s.blobs.Open(ctx, a.File)
}

// OpenTemp copies the artifact to a local temp file and returns it
// positioned at the start. Callers close and remove it.
func (s *Service) OpenTemp(ctx context.Context, a *Artifact) (*os.File, error) {
	rc, err := s.Open(ctx, a)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(s.tmpDir, "artifact-read-*")
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(tmp, rc); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return nil, err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return nil, err
	}
	return tmp, nil
}

func (s *Service) referenced(ctx context.Context, id string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Table("content_artifacts").Where("artifact_id = ?", id).Count(&n).Error
	return n > 0, err
}

// DeleteIfUnreferenced removes the artifact when no content links to it.
// It reports whether the artifact was deleted.
func (s *Service) DeleteIfUnreferenced(ctx context.Context, id string) (bool, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	used, err := s.referenced(ctx, id)
	if err != nil {
		return false, fmt.Errorf("check artifact references: %w", err)
	}
	if used {
		return false, nil
	}
	if err := s.db.WithContext(ctx).Delete(&Artifact{}, "id = ?", id).Error; err != nil {
		return false, fmt.Errorf("delete artifact: %w", err)
	}
	if err := s.blobs.Delete(ctx, a.File); err != nil {
		s.logger.Warn("artifact row deleted but blob remains", "sha256", a.Sha256, "error", err)
	}
	return true, nil
}

// CleanupOrphans deletes artifacts no content refers to that are older
// than protection. It returns the number removed.
func (s *Service) CleanupOrphans(ctx context.Context, protection time.Duration) (int, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&Artifact{}).
		Where("created_at < ?", time.Now().Add(-protection)).
		Where("id NOT IN (?)", s.db.Table("content_artifacts").Select("artifact_id").Where("artifact_id IS NOT NULL")).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("list orphan artifacts: %w", err)
	}
	removed := 0
	for _, id := range ids {
		ok, err := s.DeleteIfUnreferenced(ctx, id)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}
