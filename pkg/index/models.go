// Package index maintains the cross-repository collection version index:
// one row per collection version reachable through a distribution, with
// the per-repository-version flags the search API filters on.
package index

import (
	"time"

	"gorm.io/gorm"
)

// LatestKey is the VersionKey of rows that track a repository's latest
// version.
const LatestKey = "latest"

// Row places a collection version in a repository version. Rows for
// distributions bound to a bare repository carry a nil RepositoryVersionID
// and are rewritten whenever the repository's latest version changes.
type Row struct {
	ID                  string  `gorm:"primaryKey;column:id;type:varchar(36)"`
	RepositoryID        string  `gorm:"column:repository_id;type:varchar(36);uniqueIndex:idx_cvindex_key,priority:1;not null"`
	VersionKey          string  `gorm:"column:version_key;type:varchar(36);uniqueIndex:idx_cvindex_key,priority:2;not null"`
	CollectionVersionID string  `gorm:"column:collection_version_id;type:varchar(36);uniqueIndex:idx_cvindex_key,priority:3;not null"`
	RepositoryVersionID *string `gorm:"column:repository_version_id;type:varchar(36)"`
	VersionNumber       *int    `gorm:"column:version_number"`

	Namespace           string  `gorm:"column:namespace;type:varchar(64);index:idx_cvindex_ns_name,priority:1;not null"`
	Name                string  `gorm:"column:name;type:varchar(64);index:idx_cvindex_ns_name,priority:2;not null"`
	Version             string  `gorm:"column:version;type:varchar(128);not null"`
	NamespaceMetadataID *string `gorm:"column:namespace_metadata_id;type:varchar(36)"`
	IsHighest           bool    `gorm:"column:is_highest;not null"`
	IsDeprecated        bool    `gorm:"column:is_deprecated;not null"`
	IsSigned            bool    `gorm:"column:is_signed;not null"`

	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Row) TableName() string { return "cross_repository_collection_version_index" }

// AutoMigrate creates or updates the index table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Row{})
}
