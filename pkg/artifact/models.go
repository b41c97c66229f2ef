// Package artifact stores immutable, content-addressed byte blobs and the
// database rows that record their digests.
package artifact

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"time"

	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when no artifact matches a lookup.
	ErrNotFound = errors.New("artifact not found")

	// ErrDuplicateArtifact is returned with the existing artifact when the
	// bytes are already stored. Callers treat it as success.
	ErrDuplicateArtifact = errors.New("artifact already exists")

	// ErrDigestMismatch is the sentinel wrapped by DigestMismatchError.
	ErrDigestMismatch = errors.New("digest mismatch")
)

// DigestMismatchError reports a mismatch between expected and computed
// digest or size.
type DigestMismatchError struct {
	Algorithm string
	Expected  string
	Actual    string
}

func (e *DigestMismatchError) Error() string {
	return fmt.Sprintf("%s mismatch: expected %s, got %s", e.Algorithm, e.Expected, e.Actual)
}

func (e *DigestMismatchError) Unwrap() error { return ErrDigestMismatch }

// Artifact is an immutable blob identified by its sha256.
type Artifact struct {
	ID        string    `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	Sha256    string    `gorm:"column:sha256;type:varchar(64);uniqueIndex;not null" json:"sha256"`
	Sha224    string    `gorm:"column:sha224;type:varchar(56)" json:"sha224"`
	Sha384    string    `gorm:"column:sha384;type:varchar(96)" json:"sha384"`
	Sha512    string    `gorm:"column:sha512;type:varchar(128)" json:"sha512"`
	Size      int64     `gorm:"column:size;not null" json:"size"`
	File      string    `gorm:"column:file;type:varchar(255);not null" json:"-"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

// TableName overrides the default GORM table name.
func (Artifact) TableName() string { return "artifacts" }

// AutoMigrate creates or updates the artifact table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Artifact{})
}

// Expected carries the digest and size a caller expects. Zero values are
// not checked.
type Expected struct {
	Sha256 string
	Size   int64
}

// Digests are the checksums computed over a byte stream.
type Digests struct {
	Sha224 string
	Sha256 string
	Sha384 string
	Sha512 string
	Size   int64
}

// Verify compares d against e.
func (d Digests) Verify(e Expected) error {
	if e.Sha256 != "" && e.Sha256 != d.Sha256 {
		return &DigestMismatchError{Algorithm: "sha256", Expected: e.Sha256, Actual: d.Sha256}
	}
	if e.Size > 0 && e.Size != d.Size {
		return &DigestMismatchError{
			Algorithm: "size",
			Expected:  fmt.Sprint(e.Size),
			Actual:    fmt.Sprint(d.Size),
		}
	}
	return nil
}

// Hasher computes Digests over everything written to it.
type Hasher struct {
	s224, s256, s384, s512 hash.Hash
	w                      io.Writer
	n                      int64
}

// NewHasher returns a ready Hasher.
func NewHasher() *Hasher {
	h := &Hasher{
		s224: sha256.New224(),
		s256: sha256.New(),
		s384: sha512.New384(),
		s512: sha512.New(),
	}
	h.w = io.MultiWriter(h.s224, h.s256, h.s384, h.s512)
	return h
}

func (h *Hasher) Write(p []byte) (int, error) {
	n, err := h.w.Write(p)
	h.n += int64(n)
	return n, err
}

// Digests returns the digests of the bytes written so far.
func (h *Hasher) Digests() Digests {
	return Digests{
		Sha224: hex.EncodeToString(h.s224.Sum(nil)),
		Sha256: hex.EncodeToString(h.s256.Sum(nil)),
		Sha384: hex.EncodeToString(h.s384.Sum(nil)),
		Sha512: hex.EncodeToString(h.s512.Sum(nil)),
		Size:   h.n,
	}
}

// blobKey shards blobs by the first two hex characters of their sha256.
func blobKey(sha string) string {
	return "artifact/" + sha[:2] + "/" + sha[2:]
}
