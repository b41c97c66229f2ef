package signing

import (
	"context"
	"errors"
	"fmt"

	"github.com/ansible/content-repository/pkg/artifact"
	"github.com/ansible/content-repository/pkg/content"
	"github.com/ansible/content-repository/pkg/tarball"
)

// ErrArtifactMissing is returned for collection versions whose tarball
// has not been downloaded yet.
var ErrArtifactMissing = errors.New("collection version has no downloaded artifact")

// manifests reads canonical checksum manifests out of stored tarballs.
type manifests struct {
	store     *content.Store
	artifacts *artifact.Service
}

func (m manifests) of(ctx context.Context, cv *content.CollectionVersion) ([]byte, error) {
	ca, err := m.store.ContentArtifactFor(ctx, cv.ID)
	if err != nil {
		return nil, fmt.Errorf("%s-%s: %w", cv.FQN(), cv.Version, err)
	}
	if ca.ArtifactID == nil {
		return nil, fmt.Errorf("%s-%s: %w", cv.FQN(), cv.Version, ErrArtifactMissing)
	}
	a, err := m.artifacts.Get(ctx, *ca.ArtifactID)
	if err != nil {
		return nil, err
	}
	rc, err := m.artifacts.Open(ctx, a)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	manifest, err := tarball.CanonicalManifest(rc)
	if err != nil {
		return nil, fmt.Errorf("%s-%s: %w", cv.FQN(), cv.Version, err)
	}
	return manifest, nil
}
