package syncer

import (
	"context"
	"sync"

	"github.com/ansible/content-repository/pkg/artifact"
	"github.com/ansible/content-repository/pkg/content"
	"github.com/ansible/content-repository/pkg/database"
	"github.com/ansible/content-repository/pkg/download"
)

// Kind is the content type a DeclarativeContent describes.
type Kind int

const (
	KindCollectionVersion Kind = iota
	KindSignature
	KindDeprecation
	KindNamespace
)

func (k Kind) String() string {
	switch k {
	case KindCollectionVersion:
		return "collection_version"
	case KindSignature:
		return "signature"
	case KindDeprecation:
		return "deprecation"
	case KindNamespace:
		return "namespace"
	}
	return "unknown"
}

// DeclarativeArtifact is an artifact announced by the remote.
type DeclarativeArtifact struct {
	URL          string
	Sha256       string
	Size         int64
	RelativePath string
	// Deferred artifacts are not downloaded; a remote artifact records
	// where to fetch them later.
	Deferred bool
	// Artifact is set once the bytes are in the artifact store.
	Artifact *artifact.Artifact

	download *download.Result
}

// DeclarativeContent is one content unit flowing through the pipeline.
// Exactly one of the typed fields matching Kind is set.
type DeclarativeContent struct {
	Kind Kind

	CollectionVersion *content.CollectionVersion
	Tags              []string
	DocsBlobURL       string
	DocsBlob          database.JSONMap

	Signature   *content.Signature
	Deprecation *content.Deprecation
	Namespace   *content.NamespaceMetadata

	Artifact *DeclarativeArtifact

	// Existing reports that the content was stored before this sync.
	Existing bool
	// ContentID is the stored content id, set by the content saver.
	ContentID string

	// source is the client of the server that announced the content.
	source *download.Client
	once   sync.Once
	done   chan struct{}
}

func newDeclarative(kind Kind) *DeclarativeContent {
	return &DeclarativeContent{Kind: kind, done: make(chan struct{})}
}

// resolve publishes the stored content id to waiters.
func (d *DeclarativeContent) resolve() {
	d.once.Do(func() { close(d.done) })
}

// Wait blocks until the content has been stored and returns its id.
func (d *DeclarativeContent) Wait(ctx context.Context) (string, error) {
	select {
	case <-d.done:
		return d.ContentID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
