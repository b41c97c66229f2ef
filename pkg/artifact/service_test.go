package artifact

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/ansible/content-repository/pkg/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type contentArtifactRow struct {
	ID         string  `gorm:"primaryKey"`
	ArtifactID *string `gorm:"column:artifact_id"`
}

func (contentArtifactRow) TableName() string { return "content_artifacts" }

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.OpenInMemory(t.Name())
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))
	require.NoError(t, db.AutoMigrate(&contentArtifactRow{}))
	return db
}

func setupService(t *testing.T) (*Service, *gorm.DB, *FileStore) {
	t.Helper()
	db := setupTestDB(t)
	blobs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return NewService(db, blobs, t.TempDir(), nil), db, blobs
}

func shaOf(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func TestPut_StoresBlobAndDigests(t *testing.T) {
	svc, _, blobs := setupService(t)
	ctx := context.Background()
	data := []byte("collection tarball bytes")

	a, err := svc.Put(ctx, bytes.NewReader(data), Expected{Sha256: shaOf(data), Size: int64(len(data))})
	require.NoError(t, err)
	assert.Equal(t, shaOf(data), a.Sha256)
	assert.Equal(t, int64(len(data)), a.Size)
	assert.Len(t, a.Sha224, 56)
	assert.Len(t, a.Sha384, 96)
	assert.Len(t, a.Sha512, 128)
	assert.Equal(t, "artifact/"+a.Sha256[:2]+"/"+a.Sha256[2:], a.File)

	ok, err := blobs.Exists(ctx, a.File)
	require.NoError(t, err)
	assert.True(t, ok)

	rc, err := svc.Open(ctx, a)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestPut_DigestMismatch(t *testing.T) {
	svc, db, _ := setupService(t)

	_, err := svc.Put(context.Background(), bytes.NewReader([]byte("abc")), Expected{Sha256: shaOf([]byte("xyz"))})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDigestMismatch))

	var mismatch *DigestMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, "sha256", mismatch.Algorithm)

	var count int64
	db.Model(&Artifact{}).Count(&count)
	assert.Zero(t, count)
}

func TestPut_SizeMismatch(t *testing.T) {
	svc, _, _ := setupService(t)
	_, err := svc.Put(context.Background(), bytes.NewReader([]byte("abc")), Expected{Size: 10})
	assert.ErrorIs(t, err, ErrDigestMismatch)
}

func TestPut_DuplicateReturnsExisting(t *testing.T) {
	svc, db, _ := setupService(t)
	ctx := context.Background()
	data := []byte("same bytes")

	first, err := svc.Put(ctx, bytes.NewReader(data), Expected{})
	require.NoError(t, err)

	second, err := svc.Put(ctx, bytes.NewReader(data), Expected{})
	assert.ErrorIs(t, err, ErrDuplicateArtifact)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)

	var count int64
	db.Model(&Artifact{}).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestFindBySha256_NotFound(t *testing.T) {
	svc, _, _ := setupService(t)
	_, err := svc.FindBySha256(context.Background(), shaOf([]byte("missing")))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteIfUnreferenced(t *testing.T) {
	svc, db, blobs := setupService(t)
	ctx := context.Background()

	used, err := svc.Put(ctx, bytes.NewReader([]byte("used")), Expected{})
	require.NoError(t, err)
	unused, err := svc.Put(ctx, bytes.NewReader([]byte("unused")), Expected{})
	require.NoError(t, err)

	require.NoError(t, db.Create(&contentArtifactRow{ID: "ca1", ArtifactID: &used.ID}).Error)

	deleted, err := svc.DeleteIfUnreferenced(ctx, used.ID)
	require.NoError(t, err)
	assert.False(t, deleted)

	deleted, err = svc.DeleteIfUnreferenced(ctx, unused.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	ok, err := blobs.Exists(ctx, unused.File)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = svc.Get(ctx, unused.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCleanupOrphans_RespectsProtection(t *testing.T) {
	svc, db, _ := setupService(t)
	ctx := context.Background()

	old, err := svc.Put(ctx, bytes.NewReader([]byte("old orphan")), Expected{})
	require.NoError(t, err)
	fresh, err := svc.Put(ctx, bytes.NewReader([]byte("fresh orphan")), Expected{})
	require.NoError(t, err)
	require.NoError(t, db.Model(&Artifact{}).Where("id = ?", old.ID).
		Update("created_at", time.Now().Add(-2*time.Hour)).Error)

	removed, err := svc.CleanupOrphans(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = svc.Get(ctx, fresh.ID)
	assert.NoError(t, err)
	_, err = svc.Get(ctx, old.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStore_OpenMissing(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	_, err = fs.Open(context.Background(), "artifact/ab/cdef")
	assert.ErrorIs(t, err, ErrBlobNotFound)
	assert.NoError(t, fs.Delete(context.Background(), "artifact/ab/cdef"))
}

func TestNewBlobStore(t *testing.T) {
	dir := t.TempDir()
	store, err := NewBlobStore(context.Background(), StorageConfig{DataDir: dir})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, store)

	_, err = NewBlobStore(context.Background(), StorageConfig{Type: "tape"})
	assert.Error(t, err)

	_, err = NewBlobStore(context.Background(), StorageConfig{Type: StoreTypeS3})
	assert.Error(t, err, "bucket is required")
}
