package signing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"github.com/ansible/content-repository/pkg/artifact"
	"github.com/ansible/content-repository/pkg/content"
	"github.com/ansible/content-repository/pkg/repository"
	mapset "github.com/deckarep/golang-set/v2"
)

var (
	// ErrInvalidSignature is returned when a signature does not verify
	// against the repository's key or cannot be parsed.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrNoVerificationKey is returned when verification is required but
	// the repository has no gpgkey.
	ErrNoVerificationKey = errors.New("repository has no gpgkey to verify the signature with")
)

// Verifier checks uploaded signatures.
type Verifier struct {
	engine   *repository.Engine
	store    *content.Store
	manifest manifests
	// RequireVerification rejects uploads to repositories without a gpgkey.
	RequireVerification bool
	logger              *slog.Logger
}

// NewVerifier returns a Verifier.
func NewVerifier(engine *repository.Engine, store *content.Store, artifacts *artifact.Service, requireVerification bool, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		engine:              engine,
		store:               store,
		manifest:            manifests{store: store, artifacts: artifacts},
		RequireVerification: requireVerification,
		logger:              logger,
	}
}

// Verify checks data against cv's canonical manifest using the
// repository's gpgkey. Without a gpgkey the signature is accepted
// unverified, keyed by its issuer, unless RequireVerification is set. The
// returned signature is not saved.
func (v *Verifier) Verify(ctx context.Context, repo *repository.Repository, cv *content.CollectionVersion, data []byte) (*content.Signature, error) {
	sig := &content.Signature{SignedCollectionID: cv.ID, Data: string(data)}
	if repo.GPGKey == "" {
		if v.RequireVerification {
			return nil, ErrNoVerificationKey
		}
		fp, err := Issuer(data)
		if err != nil {
			return nil, err
		}
		v.logger.Warn("accepting unverified signature", "repository", repo.Name, "collection", cv.FQN(), "version", cv.Version, "fingerprint", fp)
		sig.PubkeyFingerprint = fp
		return sig, nil
	}

	manifest, err := v.manifest.of(ctx, cv)
	if err != nil {
		return nil, err
	}
	ring, err := openpgp.ReadArmoredKeyRing(strings.NewReader(repo.GPGKey))
	if err != nil {
		return nil, fmt.Errorf("read gpgkey of repository %s: %w", repo.Name, err)
	}
	signer, err := openpgp.CheckArmoredDetachedSignature(ring, bytes.NewReader(manifest), bytes.NewReader(data), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s-%s: %v", ErrInvalidSignature, cv.FQN(), cv.Version, err)
	}
	sig.PubkeyFingerprint = Fingerprint(signer.PrimaryKey.Fingerprint)
	return sig, nil
}

// Upload verifies data over the collection version and adds the stored
// signature to a new version of the repository. ctx must hold the
// repository's reservation.
func (v *Verifier) Upload(ctx context.Context, repositoryID, cvID string, data []byte) (*content.Signature, *repository.Version, error) {
	repo, err := v.engine.GetRepository(ctx, repositoryID)
	if err != nil {
		return nil, nil, err
	}
	cv, err := v.store.GetCollectionVersionByID(ctx, cvID)
	if err != nil {
		return nil, nil, err
	}
	var stored *content.Signature
	version, err := v.engine.Modify(ctx, repositoryID, func(ctx context.Context, d *repository.Draft) error {
		ids, err := d.ContentIDs(ctx, content.TypeCollectionVersion)
		if err != nil {
			return err
		}
		if !mapset.NewThreadUnsafeSet(ids...).Contains(cv.ID) {
			return fmt.Errorf("%s-%s is not in repository %s: %w", cv.FQN(), cv.Version, repo.Name, repository.ErrNotFound)
		}
		sig, err := v.Verify(ctx, repo, cv, data)
		if err != nil {
			return err
		}
		if stored, _, err = v.store.GetOrCreateSignature(ctx, sig); err != nil {
			return err
		}
		return d.Add(ctx, stored.ID)
	})
	if err != nil {
		return nil, nil, err
	}
	return stored, version, nil
}

// Issuer returns the fingerprint, or the long key id when the signature
// carries no fingerprint, of the key that made an armored signature.
func Issuer(data []byte) (string, error) {
	block, err := armor.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if block.Type != openpgp.SignatureType {
		return "", fmt.Errorf("%w: unexpected armor type %q", ErrInvalidSignature, block.Type)
	}
	p, err := packet.Read(block.Body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	sig, ok := p.(*packet.Signature)
	if !ok {
		return "", fmt.Errorf("%w: not a signature packet", ErrInvalidSignature)
	}
	switch {
	case len(sig.IssuerFingerprint) > 0:
		return Fingerprint(sig.IssuerFingerprint), nil
	case sig.IssuerKeyId != nil:
		return fmt.Sprintf("%016X", *sig.IssuerKeyId), nil
	}
	return "", fmt.Errorf("%w: signature names no issuer", ErrInvalidSignature)
}
