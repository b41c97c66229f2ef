package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/ansible/content-repository/pkg/artifact"
	"github.com/ansible/content-repository/pkg/content"
)

// ErrNoRemoteArtifact is returned when deferred content records no
// source to fetch it from.
var ErrNoRemoteArtifact = errors.New("no remote artifact to fetch deferred content from")

// FetchDeferred downloads the artifact of on_demand content from the
// first remote that serves it, stores it and links it to the content. It
// returns the stored artifact; content that is already downloaded is
// returned as is.
func (s *Syncer) FetchDeferred(ctx context.Context, contentID string) (*artifact.Artifact, error) {
	ca, err := s.store.ContentArtifactFor(ctx, contentID)
	if err != nil {
		return nil, err
	}
	if ca.ArtifactID != nil {
		return s.artifacts.Get(ctx, *ca.ArtifactID)
	}
	sources, err := s.store.RemoteArtifactsFor(ctx, ca.ID)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoRemoteArtifact, ca.RelativePath)
	}

	var lastErr error
	for _, ra := range sources {
		a, err := s.fetch(ctx, ca, ra)
		if err == nil {
			return a, nil
		}
		s.logger.Warn("deferred download failed", "url", ra.URL, "error", err)
		lastErr = err
	}
	return nil, lastErr
}

func (s *Syncer) fetch(ctx context.Context, ca *content.ContentArtifact, ra content.RemoteArtifact) (*artifact.Artifact, error) {
	remote, err := s.engine.GetRemote(ctx, ra.RemoteID)
	if err != nil {
		return nil, err
	}
	client, err := s.downloads.Client(clientOptions(remote))
	if err != nil {
		return nil, err
	}
	res, err := client.Download(ctx, ra.URL, artifact.Expected{Sha256: ra.Sha256, Size: ra.Size})
	if err != nil {
		return nil, err
	}
	defer res.Remove()
	a, err := s.artifacts.PutFile(ctx, res.Path, artifact.Expected{})
	if err != nil && !errors.Is(err, artifact.ErrDuplicateArtifact) {
		return nil, err
	}
	if _, err := s.store.AttachArtifact(ctx, ca.ContentID, &a.ID, ca.RelativePath); err != nil {
		return nil, err
	}
	s.metrics.downloaded.Add(ctx, 1)
	s.logger.Info("deferred artifact downloaded", "path", ca.RelativePath, "sha256", a.Sha256)
	return a, nil
}
