package content

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ansible/content-repository/pkg/database"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound is returned when no content matches a lookup.
	ErrNotFound = errors.New("content not found")
	// ErrAlreadyExists is returned when a unique key is taken.
	ErrAlreadyExists = errors.New("content already exists")
)

// Store creates and reads content units.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewStore returns a Store over db.
func NewStore(db *gorm.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// WithDB returns a copy of the store bound to db, typically a transaction.
func (s *Store) WithDB(db *gorm.DB) *Store {
	return &Store{db: db, logger: s.logger}
}

// DB returns the underlying handle.
func (s *Store) DB() *gorm.DB { return s.db }

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// createTyped inserts the shared content row and the typed row in one
// transaction.
func (s *Store) createTyped(ctx context.Context, typ Type, id string, typed any) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&Content{ID: id, Type: typ}).Error; err != nil {
			return err
		}
		return tx.Create(typed).Error
	})
}

// CreateCollectionVersion saves a new collection version: it derives the
// SemVer parts and search vector, ensures the Collection row, links tags
// and recomputes is_highest for the collection.
func (s *Store) CreateCollectionVersion(ctx context.Context, cv *CollectionVersion, tags []string) error {
	if err := SetVersionParts(cv); err != nil {
		return err
	}
	if cv.ID == "" {
		cv.ID = uuid.NewString()
	}
	cv.SearchVector = BuildSearchVector(cv, tags)
	if cv.Authors == nil {
		cv.Authors = database.StringSlice{}
	}
	if cv.License == nil {
		cv.License = database.StringSlice{}
	}
	if cv.Dependencies == nil {
		cv.Dependencies = database.StringMap{}
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		coll, err := s.WithDB(tx).ensureCollection(ctx, cv.Namespace, cv.Name)
		if err != nil {
			return err
		}
		cv.CollectionID = coll.ID

		tagRows, err := s.WithDB(tx).ensureTags(ctx, tags)
		if err != nil {
			return err
		}

		if err := tx.Create(&Content{ID: cv.ID, Type: TypeCollectionVersion}).Error; err != nil {
			return err
		}
		cv.Tags = nil
		if err := tx.Omit(clause.Associations).Create(cv).Error; err != nil {
			return err
		}
		if len(tagRows) > 0 {
			if err := tx.Model(cv).Association("Tags").Append(tagRows); err != nil {
				return err
			}
		}
		cv.Tags = tagRows
		return s.WithDB(tx).RecomputeHighest(ctx, coll.ID)
	})
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s-%s", ErrAlreadyExists, cv.FQN(), cv.Version)
		}
		return fmt.Errorf("create collection version %s-%s: %w", cv.FQN(), cv.Version, err)
	}
	s.logger.Debug("collection version created", "namespace", cv.Namespace, "name", cv.Name, "version", cv.Version)
	return nil
}

func (s *Store) ensureCollection(ctx context.Context, namespace, name string) (*Collection, error) {
	var c Collection
	err := s.db.WithContext(ctx).Where("namespace = ? AND name = ?", namespace, name).First(&c).Error
	if err == nil {
		return &c, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	c = Collection{ID: uuid.NewString(), Namespace: namespace, Name: name}
	if err := s.db.WithContext(ctx).Create(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) ensureTags(ctx context.Context, names []string) ([]Tag, error) {
	seen := map[string]bool{}
	var out []Tag
	for _, n := range names {
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		var t Tag
		err := s.db.WithContext(ctx).Where("name = ?", n).First(&t).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			t = Tag{ID: uuid.NewString(), Name: n}
			err = s.db.WithContext(ctx).Create(&t).Error
		}
		if err != nil {
			return nil, fmt.Errorf("tag %q: %w", n, err)
		}
		out = append(out, t)
	}
	return out, nil
}

// RecomputeHighest sets is_highest on exactly one version of the
// collection (or none if it has no versions).
func (s *Store) RecomputeHighest(ctx context.Context, collectionID string) error {
	var cvs []CollectionVersion
	if err := s.db.WithContext(ctx).Select("id", "version").
		Where("collection_id = ?", collectionID).Find(&cvs).Error; err != nil {
		return err
	}
	versions := make([]string, len(cvs))
	for i := range cvs {
		versions[i] = cvs[i].Version
	}
	winner := Highest(versions)

	if err := s.db.WithContext(ctx).Model(&CollectionVersion{}).
		Where("collection_id = ? AND is_highest = ?", collectionID, true).
		Update("is_highest", false).Error; err != nil {
		return err
	}
	if winner < 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(&CollectionVersion{}).
		Where("id = ?", cvs[winner].ID).
		Update("is_highest", true).Error
}

// GetCollectionVersion returns namespace.name at version.
func (s *Store) GetCollectionVersion(ctx context.Context, namespace, name, version string) (*CollectionVersion, error) {
	var cv CollectionVersion
	err := s.db.WithContext(ctx).Preload("Tags").
		Where("namespace = ? AND name = ? AND version = ?", namespace, name, version).
		First(&cv).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &cv, nil
}

// GetCollectionVersionByID returns the collection version with id.
func (s *Store) GetCollectionVersionByID(ctx context.Context, id string) (*CollectionVersion, error) {
	var cv CollectionVersion
	if err := s.db.WithContext(ctx).Preload("Tags").Where("id = ?", id).First(&cv).Error; err != nil {
		return nil, notFound(err)
	}
	return &cv, nil
}

// ListCollectionVersions returns the collection versions among ids.
func (s *Store) ListCollectionVersions(ctx context.Context, ids []string) ([]CollectionVersion, error) {
	var cvs []CollectionVersion
	if len(ids) == 0 {
		return cvs, nil
	}
	err := s.db.WithContext(ctx).Preload("Tags").Where("id IN ?", ids).Find(&cvs).Error
	return cvs, err
}

// VersionsOfCollection returns every stored version of namespace.name.
func (s *Store) VersionsOfCollection(ctx context.Context, namespace, name string) ([]CollectionVersion, error) {
	var cvs []CollectionVersion
	err := s.db.WithContext(ctx).Where("namespace = ? AND name = ?", namespace, name).Find(&cvs).Error
	return cvs, err
}

// GetCollection returns the Collection row for namespace.name.
func (s *Store) GetCollection(ctx context.Context, namespace, name string) (*Collection, error) {
	var c Collection
	if err := s.db.WithContext(ctx).Where("namespace = ? AND name = ?", namespace, name).First(&c).Error; err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// SetDocsBlob stores the documentation blob of a collection version.
func (s *Store) SetDocsBlob(ctx context.Context, cvID string, blob database.JSONMap) error {
	return s.db.WithContext(ctx).Model(&CollectionVersion{}).Where("id = ?", cvID).
		Update("docs_blob", blob).Error
}

// AttachArtifact links an artifact (nil for deferred) to content at
// relPath. An existing link at the same path is updated.
func (s *Store) AttachArtifact(ctx context.Context, contentID string, artifactID *string, relPath string) (*ContentArtifact, error) {
	var ca ContentArtifact
	err := s.db.WithContext(ctx).Where("content_id = ? AND relative_path = ?", contentID, relPath).First(&ca).Error
	switch {
	case err == nil:
		if artifactID != nil && (ca.ArtifactID == nil || *ca.ArtifactID != *artifactID) {
			ca.ArtifactID = artifactID
			if err := s.db.WithContext(ctx).Model(&ca).Update("artifact_id", artifactID).Error; err != nil {
				return nil, err
			}
		}
		return &ca, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		ca = ContentArtifact{ID: uuid.NewString(), ContentID: contentID, ArtifactID: artifactID, RelativePath: relPath}
		if err := s.db.WithContext(ctx).Create(&ca).Error; err != nil {
			return nil, fmt.Errorf("attach artifact: %w", err)
		}
		return &ca, nil
	default:
		return nil, err
	}
}

// ContentArtifactFor returns the (single) artifact link of contentID.
func (s *Store) ContentArtifactFor(ctx context.Context, contentID string) (*ContentArtifact, error) {
	var ca ContentArtifact
	if err := s.db.WithContext(ctx).Where("content_id = ?", contentID).First(&ca).Error; err != nil {
		return nil, notFound(err)
	}
	return &ca, nil
}

// SaveRemoteArtifact records or refreshes a deferred download URL.
func (s *Store) SaveRemoteArtifact(ctx context.Context, ra *RemoteArtifact) error {
	if ra.ID == "" {
		ra.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "content_artifact_id"}, {Name: "remote_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"url", "sha256", "size"}),
	}).Create(ra).Error
}

// RemoteArtifactsFor returns the deferred download sources of a content
// artifact.
func (s *Store) RemoteArtifactsFor(ctx context.Context, contentArtifactID string) ([]RemoteArtifact, error) {
	var ras []RemoteArtifact
	err := s.db.WithContext(ctx).Where("content_artifact_id = ?", contentArtifactID).Find(&ras).Error
	return ras, err
}

// GetOrCreateSignature returns the signature for (fingerprint, signed
// collection), creating it from sig if absent. The bool reports creation.
func (s *Store) GetOrCreateSignature(ctx context.Context, sig *Signature) (*Signature, bool, error) {
	if existing, err := s.FindSignature(ctx, sig.PubkeyFingerprint, sig.SignedCollectionID); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	if sig.Digest == "" {
		sum := sha256.Sum256([]byte(sig.Data))
		sig.Digest = hex.EncodeToString(sum[:])
	}
	if err := s.createTyped(ctx, TypeSignature, sig.ID, sig); err != nil {
		if database.IsUniqueViolation(err) {
			existing, findErr := s.FindSignature(ctx, sig.PubkeyFingerprint, sig.SignedCollectionID)
			return existing, false, findErr
		}
		return nil, false, fmt.Errorf("create signature: %w", err)
	}
	return sig, true, nil
}

// FindSignature returns the signature by fingerprint over cvID.
func (s *Store) FindSignature(ctx context.Context, fingerprint, cvID string) (*Signature, error) {
	var sig Signature
	err := s.db.WithContext(ctx).
		Where("pubkey_fingerprint = ? AND signed_collection_id = ?", fingerprint, cvID).
		First(&sig).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &sig, nil
}

// SignaturesFor returns the signatures over any of cvIDs, optionally
// restricted to one fingerprint.
func (s *Store) SignaturesFor(ctx context.Context, cvIDs []string, fingerprint string) ([]Signature, error) {
	var sigs []Signature
	if len(cvIDs) == 0 {
		return sigs, nil
	}
	q := s.db.WithContext(ctx).Where("signed_collection_id IN ?", cvIDs)
	if fingerprint != "" {
		q = q.Where("pubkey_fingerprint = ?", fingerprint)
	}
	err := q.Find(&sigs).Error
	return sigs, err
}

// GetOrCreateMark returns the mark value on cvID, creating it if absent.
func (s *Store) GetOrCreateMark(ctx context.Context, cvID, value string) (*Mark, error) {
	find := func() (*Mark, error) {
		var m Mark
		err := s.db.WithContext(ctx).Where("value = ? AND marked_collection_id = ?", value, cvID).First(&m).Error
		if err != nil {
			return nil, notFound(err)
		}
		return &m, nil
	}
	if m, err := find(); err == nil {
		return m, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	m := &Mark{ID: uuid.NewString(), MarkedCollectionID: cvID, Value: value}
	if err := s.createTyped(ctx, TypeMark, m.ID, m); err != nil {
		if database.IsUniqueViolation(err) {
			return find()
		}
		return nil, fmt.Errorf("create mark: %w", err)
	}
	return m, nil
}

// FindDeprecation returns the deprecation of namespace.name.
func (s *Store) FindDeprecation(ctx context.Context, namespace, name string) (*Deprecation, error) {
	var d Deprecation
	if err := s.db.WithContext(ctx).Where("namespace = ? AND name = ?", namespace, name).First(&d).Error; err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

// GetOrCreateDeprecation returns the deprecation of namespace.name,
// creating it if absent.
func (s *Store) GetOrCreateDeprecation(ctx context.Context, namespace, name string) (*Deprecation, error) {
	if d, err := s.FindDeprecation(ctx, namespace, name); err == nil {
		return d, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	d := &Deprecation{ID: uuid.NewString(), Namespace: namespace, Name: name}
	if err := s.createTyped(ctx, TypeDeprecation, d.ID, d); err != nil {
		if database.IsUniqueViolation(err) {
			return s.FindDeprecation(ctx, namespace, name)
		}
		return nil, fmt.Errorf("create deprecation: %w", err)
	}
	return d, nil
}

// FindNamespaceMetadata returns the metadata with the given digest.
func (s *Store) FindNamespaceMetadata(ctx context.Context, metadataSha256 string) (*NamespaceMetadata, error) {
	var nm NamespaceMetadata
	if err := s.db.WithContext(ctx).Where("metadata_sha256 = ?", metadataSha256).First(&nm).Error; err != nil {
		return nil, notFound(err)
	}
	return &nm, nil
}

// GetOrCreateNamespaceMetadata computes nm's digest and returns the stored
// record with that digest, creating it (and its AnsibleNamespace) if absent.
func (s *Store) GetOrCreateNamespaceMetadata(ctx context.Context, nm *NamespaceMetadata) (*NamespaceMetadata, error) {
	digest, err := ComputeMetadataSha256(nm)
	if err != nil {
		return nil, err
	}
	nm.MetadataSha256 = digest
	if existing, err := s.FindNamespaceMetadata(ctx, digest); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	var anchor AnsibleNamespace
	err = s.db.WithContext(ctx).Where("name = ?", nm.Name).First(&anchor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		anchor = AnsibleNamespace{ID: uuid.NewString(), Name: nm.Name}
		if err := s.db.WithContext(ctx).Create(&anchor).Error; err != nil && !database.IsUniqueViolation(err) {
			return nil, fmt.Errorf("create namespace %q: %w", nm.Name, err)
		}
		if err := s.db.WithContext(ctx).Where("name = ?", nm.Name).First(&anchor).Error; err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	nm.NamespaceID = anchor.ID
	if nm.ID == "" {
		nm.ID = uuid.NewString()
	}
	if nm.Links == nil {
		nm.Links = database.StringMap{}
	}
	if err := s.createTyped(ctx, TypeNamespace, nm.ID, nm); err != nil {
		if database.IsUniqueViolation(err) {
			return s.FindNamespaceMetadata(ctx, digest)
		}
		return nil, fmt.Errorf("create namespace metadata: %w", err)
	}
	return nm, nil
}

// GetOrCreateRole returns the role version, creating it if absent.
func (s *Store) GetOrCreateRole(ctx context.Context, namespace, name, version string) (*Role, error) {
	find := func() (*Role, error) {
		var r Role
		err := s.db.WithContext(ctx).Where("namespace = ? AND name = ? AND version = ?", namespace, name, version).First(&r).Error
		if err != nil {
			return nil, notFound(err)
		}
		return &r, nil
	}
	if r, err := find(); err == nil {
		return r, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	r := &Role{ID: uuid.NewString(), Namespace: namespace, Name: name, Version: version}
	if err := s.createTyped(ctx, TypeRole, r.ID, r); err != nil {
		if database.IsUniqueViolation(err) {
			return find()
		}
		return nil, fmt.Errorf("create role: %w", err)
	}
	return r, nil
}

// Types returns the content type of each id.
func (s *Store) Types(ctx context.Context, ids []string) (map[string]Type, error) {
	out := make(map[string]Type, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []Content
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, r := range rows {
		out[r.ID] = r.Type
	}
	return out, nil
}

// DeleteCollectionVersion removes a collection version and its artifact
// links, signatures and marks. The Collection row is deleted when no
// versions remain. It returns the artifact ids that were linked.
func (s *Store) DeleteCollectionVersion(ctx context.Context, id string) ([]string, error) {
	var artifactIDs []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cv CollectionVersion
		if err := tx.Where("id = ?", id).First(&cv).Error; err != nil {
			return notFound(err)
		}

		var cas []ContentArtifact
		if err := tx.Where("content_id = ?", id).Find(&cas).Error; err != nil {
			return err
		}
		caIDs := make([]string, 0, len(cas))
		for _, ca := range cas {
			caIDs = append(caIDs, ca.ID)
			if ca.ArtifactID != nil {
				artifactIDs = append(artifactIDs, *ca.ArtifactID)
			}
		}
		if len(caIDs) > 0 {
			if err := tx.Where("content_artifact_id IN ?", caIDs).Delete(&RemoteArtifact{}).Error; err != nil {
				return err
			}
			if err := tx.Where("id IN ?", caIDs).Delete(&ContentArtifact{}).Error; err != nil {
				return err
			}
		}

		var dependentIDs []string
		if err := tx.Model(&Signature{}).Where("signed_collection_id = ?", id).Pluck("id", &dependentIDs).Error; err != nil {
			return err
		}
		var markIDs []string
		if err := tx.Model(&Mark{}).Where("marked_collection_id = ?", id).Pluck("id", &markIDs).Error; err != nil {
			return err
		}
		dependentIDs = append(dependentIDs, markIDs...)
		if len(dependentIDs) > 0 {
			if err := tx.Where("id IN ?", dependentIDs).Delete(&Signature{}).Error; err != nil {
				return err
			}
			if err := tx.Where("id IN ?", dependentIDs).Delete(&Mark{}).Error; err != nil {
				return err
			}
			if err := tx.Where("id IN ?", dependentIDs).Delete(&Content{}).Error; err != nil {
				return err
			}
		}

		if err := tx.Model(&cv).Association("Tags").Clear(); err != nil {
			return err
		}
		if err := tx.Delete(&CollectionVersion{}, "id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&Content{}, "id = ?", id).Error; err != nil {
			return err
		}

		var remaining int64
		if err := tx.Model(&CollectionVersion{}).Where("collection_id = ?", cv.CollectionID).Count(&remaining).Error; err != nil {
			return err
		}
		if remaining == 0 {
			return tx.Delete(&Collection{}, "id = ?", cv.CollectionID).Error
		}
		return s.WithDB(tx).RecomputeHighest(ctx, cv.CollectionID)
	})
	return artifactIDs, err
}
