// Package content holds the typed content units a repository can contain
// (collection versions, roles, signatures, marks, deprecations and
// namespace metadata) and the store that creates and looks them up.
package content

import (
	"time"

	"github.com/ansible/content-repository/pkg/database"
	"gorm.io/gorm"
)

// Type identifies the kind of a content unit.
type Type string

const (
	TypeCollectionVersion Type = "ansible.collection_version"
	TypeRole              Type = "ansible.role"
	TypeSignature         Type = "ansible.collection_signature"
	TypeMark              Type = "ansible.collection_mark"
	TypeDeprecation       Type = "ansible.collection_deprecation"
	TypeNamespace         Type = "ansible.namespace"
)

// Content is the row shared by every typed content unit; the typed row
// reuses its ID.
type Content struct {
	ID        string    `gorm:"primaryKey;column:id;type:varchar(36)"`
	Type      Type      `gorm:"column:type;type:varchar(64);index;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (Content) TableName() string { return "contents" }

// ContentArtifact binds an artifact to content at a relative path. A nil
// ArtifactID means the bytes have not been downloaded yet (on_demand).
type ContentArtifact struct {
	ID           string  `gorm:"primaryKey;column:id;type:varchar(36)"`
	ContentID    string  `gorm:"column:content_id;type:varchar(36);uniqueIndex:idx_ca_content_path,priority:1;not null"`
	ArtifactID   *string `gorm:"column:artifact_id;type:varchar(36);index"`
	RelativePath string  `gorm:"column:relative_path;type:varchar(255);uniqueIndex:idx_ca_content_path,priority:2;not null"`
}

func (ContentArtifact) TableName() string { return "content_artifacts" }

// RemoteArtifact records where a deferred artifact can be fetched from.
type RemoteArtifact struct {
	ID                string    `gorm:"primaryKey;column:id;type:varchar(36)"`
	ContentArtifactID string    `gorm:"column:content_artifact_id;type:varchar(36);uniqueIndex:idx_ra_ca_remote,priority:1;not null"`
	RemoteID          string    `gorm:"column:remote_id;type:varchar(36);uniqueIndex:idx_ra_ca_remote,priority:2;not null"`
	URL               string    `gorm:"column:url;type:text;not null"`
	Sha256            string    `gorm:"column:sha256;type:varchar(64)"`
	Size              int64     `gorm:"column:size"`
	CreatedAt         time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (RemoteArtifact) TableName() string { return "remote_artifacts" }

// Collection groups the versions of namespace.name.
type Collection struct {
	ID        string    `gorm:"primaryKey;column:id;type:varchar(36)"`
	Namespace string    `gorm:"column:namespace;type:varchar(64);uniqueIndex:idx_collection_ns_name,priority:1;not null"`
	Name      string    `gorm:"column:name;type:varchar(64);uniqueIndex:idx_collection_ns_name,priority:2;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (Collection) TableName() string { return "collections" }

// Tag is a free-form label from collection_info.tags.
type Tag struct {
	ID   string `gorm:"primaryKey;column:id;type:varchar(36)"`
	Name string `gorm:"column:name;type:varchar(64);uniqueIndex;not null"`
}

func (Tag) TableName() string { return "tags" }

// CollectionVersion is one immutable version of a collection.
type CollectionVersion struct {
	ID           string `gorm:"primaryKey;column:id;type:varchar(36)"`
	CollectionID string `gorm:"column:collection_id;type:varchar(36);index;not null"`
	Namespace    string `gorm:"column:namespace;type:varchar(64);uniqueIndex:idx_cv_nvr,priority:1;not null"`
	Name         string `gorm:"column:name;type:varchar(64);uniqueIndex:idx_cv_nvr,priority:2;not null"`
	Version      string `gorm:"column:version;type:varchar(128);uniqueIndex:idx_cv_nvr,priority:3;not null"`

	VersionMajor      int    `gorm:"column:version_major;not null"`
	VersionMinor      int    `gorm:"column:version_minor;not null"`
	VersionPatch      int    `gorm:"column:version_patch;not null"`
	VersionPrerelease string `gorm:"column:version_prerelease;type:varchar(128)"`
	IsHighest         bool   `gorm:"column:is_highest;index"`

	Authors         database.StringSlice `gorm:"column:authors;type:text"`
	Description     string               `gorm:"column:description;type:text"`
	License         database.StringSlice `gorm:"column:license;type:text"`
	Dependencies    database.StringMap   `gorm:"column:dependencies;type:text"`
	Repository      string               `gorm:"column:repository;type:text"`
	Documentation   string               `gorm:"column:documentation;type:text"`
	Homepage        string               `gorm:"column:homepage;type:text"`
	Issues          string               `gorm:"column:issues;type:text"`
	RequiresAnsible *string              `gorm:"column:requires_ansible;type:varchar(255)"`
	Manifest        database.JSONMap     `gorm:"column:manifest;type:text"`
	Files           database.JSONMap     `gorm:"column:files;type:text"`
	DocsBlob        database.JSONMap     `gorm:"column:docs_blob;type:text"`
	Sha256          string               `gorm:"column:sha256;type:varchar(64)"`
	SearchVector    string               `gorm:"column:search_vector;type:text"`

	Tags      []Tag     `gorm:"many2many:collection_version_tags;"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (CollectionVersion) TableName() string { return "collection_versions" }

// FQN returns "namespace.name".
func (cv *CollectionVersion) FQN() string { return cv.Namespace + "." + cv.Name }

// Href is the API path of the collection version content unit.
func (cv *CollectionVersion) Href() string {
	return "/pulp/api/v3/content/ansible/collection_versions/" + cv.ID + "/"
}

// TagNames returns the names of the loaded tags.
func (cv *CollectionVersion) TagNames() []string {
	names := make([]string, 0, len(cv.Tags))
	for _, t := range cv.Tags {
		names = append(names, t.Name)
	}
	return names
}

// Role is a legacy role version.
type Role struct {
	ID        string    `gorm:"primaryKey;column:id;type:varchar(36)"`
	Namespace string    `gorm:"column:namespace;type:varchar(64);uniqueIndex:idx_role_nvr,priority:1;not null"`
	Name      string    `gorm:"column:name;type:varchar(64);uniqueIndex:idx_role_nvr,priority:2;not null"`
	Version   string    `gorm:"column:version;type:varchar(128);uniqueIndex:idx_role_nvr,priority:3;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (Role) TableName() string { return "roles" }

// Signature is a detached signature over a collection version's
// canonical checksum manifest.
type Signature struct {
	ID                 string    `gorm:"primaryKey;column:id;type:varchar(36)"`
	SignedCollectionID string    `gorm:"column:signed_collection_id;type:varchar(36);uniqueIndex:idx_sig_fp_cv,priority:2;not null"`
	Data               string    `gorm:"column:data;type:text;not null"`
	Digest             string    `gorm:"column:digest;type:varchar(64);not null"`
	PubkeyFingerprint  string    `gorm:"column:pubkey_fingerprint;type:varchar(64);uniqueIndex:idx_sig_fp_cv,priority:1;not null"`
	SigningServiceID   *string   `gorm:"column:signing_service_id;type:varchar(36)"`
	CreatedAt          time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (Signature) TableName() string { return "collection_signatures" }

// Mark is a slug label attached to a collection version.
type Mark struct {
	ID                 string    `gorm:"primaryKey;column:id;type:varchar(36)"`
	MarkedCollectionID string    `gorm:"column:marked_collection_id;type:varchar(36);uniqueIndex:idx_mark_value_cv,priority:2;not null"`
	Value              string    `gorm:"column:value;type:varchar(64);uniqueIndex:idx_mark_value_cv,priority:1;not null"`
	CreatedAt          time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (Mark) TableName() string { return "collection_marks" }

// Deprecation flags every version of namespace.name as deprecated within
// the repository versions that contain it.
type Deprecation struct {
	ID        string    `gorm:"primaryKey;column:id;type:varchar(36)"`
	Namespace string    `gorm:"column:namespace;type:varchar(64);uniqueIndex:idx_depr_ns_name,priority:1;not null"`
	Name      string    `gorm:"column:name;type:varchar(64);uniqueIndex:idx_depr_ns_name,priority:2;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (Deprecation) TableName() string { return "collection_deprecations" }

// AnsibleNamespace is the permission anchor for namespace metadata.
type AnsibleNamespace struct {
	ID        string    `gorm:"primaryKey;column:id;type:varchar(36)"`
	Name      string    `gorm:"column:name;type:varchar(64);uniqueIndex;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (AnsibleNamespace) TableName() string { return "ansible_namespaces" }

// NamespaceMetadata describes a namespace. MetadataSha256 is derived from
// the other fields on save.
type NamespaceMetadata struct {
	ID             string             `gorm:"primaryKey;column:id;type:varchar(36)"`
	NamespaceID    string             `gorm:"column:namespace_id;type:varchar(36);index;not null"`
	Name           string             `gorm:"column:name;type:varchar(64);index;not null"`
	Company        string             `gorm:"column:company;type:varchar(64)"`
	Email          string             `gorm:"column:email;type:varchar(256)"`
	Description    string             `gorm:"column:description;type:varchar(256)"`
	Resources      string             `gorm:"column:resources;type:text"`
	Links          database.StringMap `gorm:"column:links;type:text"`
	AvatarSha256   *string            `gorm:"column:avatar_sha256;type:varchar(64)"`
	MetadataSha256 string             `gorm:"column:metadata_sha256;type:varchar(64);uniqueIndex;not null"`
	CreatedAt      time.Time          `gorm:"column:created_at;autoCreateTime"`
}

func (NamespaceMetadata) TableName() string { return "namespace_metadata" }

// AutoMigrate creates or updates every content table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Content{},
		&ContentArtifact{},
		&RemoteArtifact{},
		&Collection{},
		&Tag{},
		&CollectionVersion{},
		&Role{},
		&Signature{},
		&Mark{},
		&Deprecation{},
		&AnsibleNamespace{},
		&NamespaceMetadata{},
	)
}
