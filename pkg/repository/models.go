// Package repository implements repositories and their immutable,
// numbered versions, plus the remotes and distributions bound to them.
package repository

import (
	"fmt"
	"time"

	"github.com/ansible/content-repository/pkg/database"
	"gorm.io/gorm"
)

// Repository is a named container of typed content.
type Repository struct {
	ID                     string             `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	Name                   string             `gorm:"column:name;type:varchar(255);uniqueIndex;not null" json:"name"`
	Description            string             `gorm:"column:description;type:text" json:"description"`
	LatestVersionID        string             `gorm:"column:latest_version_id;type:varchar(36)" json:"-"`
	RemoteID               *string            `gorm:"column:remote_id;type:varchar(36)" json:"remote,omitempty"`
	GPGKey                 string             `gorm:"column:gpgkey;type:text" json:"gpgkey,omitempty"`
	Private                bool               `gorm:"column:private" json:"private"`
	Labels                 database.StringMap `gorm:"column:labels;type:text" json:"pulp_labels"`
	LastSyncedMetadataTime *time.Time         `gorm:"column:last_synced_metadata_time" json:"last_synced_metadata_time,omitempty"`
	CreatedAt              time.Time          `gorm:"column:created_at;autoCreateTime" json:"pulp_created"`
	UpdatedAt              time.Time          `gorm:"column:updated_at;autoUpdateTime" json:"-"`
}

func (Repository) TableName() string { return "repositories" }

// Version is an immutable, numbered snapshot of a repository's content.
// Only complete versions are visible to readers.
type Version struct {
	ID            string    `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	RepositoryID  string    `gorm:"column:repository_id;type:varchar(36);uniqueIndex:idx_repo_version_number,priority:1;not null" json:"repository"`
	Number        int       `gorm:"column:number;uniqueIndex:idx_repo_version_number,priority:2;not null" json:"number"`
	BaseVersionID *string   `gorm:"column:base_version_id;type:varchar(36)" json:"base_version,omitempty"`
	Complete      bool      `gorm:"column:complete;not null" json:"-"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime" json:"pulp_created"`
}

func (Version) TableName() string { return "repository_versions" }

// Href is the API path of the version.
func (v *Version) Href() string {
	return fmt.Sprintf("%sversions/%d/", RepositoryHref(v.RepositoryID), v.Number)
}

// RepositoryHref is the API path of a repository.
func RepositoryHref(id string) string {
	return "/pulp/api/v3/repositories/ansible/ansible/" + id + "/"
}

// Membership records that content belongs to every version of a repository
// numbered in [VersionAdded, VersionRemoved).
type Membership struct {
	ID             string `gorm:"primaryKey;column:id;type:varchar(36)"`
	RepositoryID   string `gorm:"column:repository_id;type:varchar(36);index:idx_membership_repo_content,priority:1;not null"`
	ContentID      string `gorm:"column:content_id;type:varchar(36);index:idx_membership_repo_content,priority:2;index;not null"`
	VersionAdded   int    `gorm:"column:version_added;not null"`
	VersionRemoved *int   `gorm:"column:version_removed"`
}

func (Membership) TableName() string { return "repository_contents" }

// Sync policies.
const (
	PolicyImmediate = "immediate"
	PolicyOnDemand  = "on_demand"
)

// Remote is a declarative pull source.
type Remote struct {
	ID                  string    `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	Name                string    `gorm:"column:name;type:varchar(255);uniqueIndex;not null" json:"name"`
	URL                 string    `gorm:"column:url;type:text;not null" json:"url"`
	Policy              string    `gorm:"column:policy;type:varchar(32);default:immediate;not null" json:"policy"`
	RequirementsFile    string    `gorm:"column:requirements_file;type:text" json:"requirements_file,omitempty"`
	Token               string    `gorm:"column:token;type:text" json:"-"`
	AuthURL             string    `gorm:"column:auth_url;type:text" json:"auth_url,omitempty"`
	Username            string    `gorm:"column:username;type:varchar(255)" json:"-"`
	Password            string    `gorm:"column:password;type:varchar(255)" json:"-"`
	ProxyURL            string    `gorm:"column:proxy_url;type:text" json:"proxy_url,omitempty"`
	SignedOnly          bool      `gorm:"column:signed_only" json:"signed_only"`
	SyncDependencies    bool      `gorm:"column:sync_dependencies;default:true" json:"sync_dependencies"`
	RateLimit           int       `gorm:"column:rate_limit" json:"rate_limit,omitempty"`
	DownloadConcurrency int       `gorm:"column:download_concurrency" json:"download_concurrency,omitempty"`
	TotalTimeout        int       `gorm:"column:total_timeout" json:"total_timeout,omitempty"`
	CreatedAt           time.Time `gorm:"column:created_at;autoCreateTime" json:"pulp_created"`
	UpdatedAt           time.Time `gorm:"column:updated_at;autoUpdateTime" json:"-"`
}

func (Remote) TableName() string { return "remotes" }

// ContentGuard gates artifact downloads of a distribution behind a
// short-lived signed token.
type ContentGuard struct {
	ID        string    `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	Name      string    `gorm:"column:name;type:varchar(255);uniqueIndex;not null" json:"name"`
	Secret    string    `gorm:"column:secret;type:varchar(255);not null" json:"-"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"pulp_created"`
}

func (ContentGuard) TableName() string { return "content_guards" }

// Distribution makes a repository (track-latest) or one of its versions
// reachable under BasePath. Exactly one of RepositoryID and
// RepositoryVersionID may be set.
type Distribution struct {
	ID                  string    `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	Name                string    `gorm:"column:name;type:varchar(255);uniqueIndex;not null" json:"name"`
	BasePath            string    `gorm:"column:base_path;type:varchar(255);uniqueIndex;not null" json:"base_path"`
	RepositoryID        *string   `gorm:"column:repository_id;type:varchar(36);index" json:"repository,omitempty"`
	RepositoryVersionID *string   `gorm:"column:repository_version_id;type:varchar(36);index" json:"repository_version,omitempty"`
	ContentGuardID      *string   `gorm:"column:content_guard_id;type:varchar(36)" json:"content_guard,omitempty"`
	CreatedAt           time.Time `gorm:"column:created_at;autoCreateTime" json:"pulp_created"`
	UpdatedAt           time.Time `gorm:"column:updated_at;autoUpdateTime" json:"-"`
}

func (Distribution) TableName() string { return "distributions" }

// AutoMigrate creates or updates the repository tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Repository{},
		&Version{},
		&Membership{},
		&Remote{},
		&ContentGuard{},
		&Distribution{},
	)
}
