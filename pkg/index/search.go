package index

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ansible/content-repository/pkg/content"
	"github.com/ansible/content-repository/pkg/repository"
	"gorm.io/gorm"
)

// ErrInvalidQuery is returned for malformed search parameters.
var ErrInvalidQuery = errors.New("invalid search query")

// DefaultLimit is the page size used when a query sets none.
const DefaultLimit = 100

// Query holds the cross-repository search filters. Zero values do not
// filter.
type Query struct {
	RepositoryIDs     []string
	RepositoryNames   []string
	RepositoryLabel   string
	DistributionIDs   []string
	BasePaths         []string
	Namespace         string
	Name              string
	Version           string
	Dependency        string
	Deprecated        *bool
	Signed            *bool
	Highest           *bool
	RepositoryVersion string
	Keywords          string
	Tags              []string
	OrderBy           string
	Limit             int
	Offset            int
}

// Hit is one search result.
type Hit struct {
	Row               Row
	CollectionVersion content.CollectionVersion
	Repository        repository.Repository
	NamespaceMetadata *content.NamespaceMetadata
}

// Searcher answers cross-repository queries.
type Searcher struct {
	db *gorm.DB
}

// NewSearcher returns a Searcher over db.
func NewSearcher(db *gorm.DB) *Searcher {
	return &Searcher{db: db}
}

var orderings = map[string]string{
	"version":       "cv.version_major, cv.version_minor, cv.version_patch, CASE WHEN cv.version_prerelease = '' THEN 1 ELSE 0 END, cv.version_prerelease",
	"-version":      "cv.version_major DESC, cv.version_minor DESC, cv.version_patch DESC, CASE WHEN cv.version_prerelease = '' THEN 1 ELSE 0 END DESC, cv.version_prerelease DESC",
	"namespace":     "idx.namespace, idx.name",
	"-namespace":    "idx.namespace DESC, idx.name DESC",
	"name":          "idx.name, idx.namespace",
	"-name":         "idx.name DESC, idx.namespace DESC",
	"pulp_created":  "cv.created_at",
	"-pulp_created": "cv.created_at DESC",
}

func escapeLike(s string) string {
	r := strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")
	return r.Replace(s)
}

// Search returns one page of matching rows and the total match count.
func (s *Searcher) Search(ctx context.Context, q Query) ([]Hit, int64, error) {
	db := s.db.WithContext(ctx)
	tx := db.Table(Row{}.TableName() + " AS idx").
		Joins("JOIN collection_versions cv ON cv.id = idx.collection_version_id").
		Joins("JOIN repositories repo ON repo.id = idx.repository_id")

	if len(q.RepositoryIDs) > 0 {
		tx = tx.Where("idx.repository_id IN ?", q.RepositoryIDs)
	}
	if len(q.RepositoryNames) > 0 {
		tx = tx.Where("repo.name IN ?", q.RepositoryNames)
	}
	if q.RepositoryLabel != "" {
		ids, err := s.reposWithLabels(ctx, q.RepositoryLabel)
		if err != nil {
			return nil, 0, err
		}
		tx = tx.Where("idx.repository_id IN ?", ids)
	}
	if len(q.DistributionIDs) > 0 || len(q.BasePaths) > 0 {
		cond, err := s.distributionScope(ctx, q.DistributionIDs, q.BasePaths)
		if err != nil {
			return nil, 0, err
		}
		tx = tx.Where(cond)
	}
	if q.Namespace != "" {
		tx = tx.Where("idx.namespace = ?", q.Namespace)
	}
	if q.Name != "" {
		tx = tx.Where("idx.name = ?", q.Name)
	}
	if q.Version != "" {
		tx = tx.Where("idx.version = ?", q.Version)
	}
	if q.Dependency != "" {
		tx = tx.Where("cv.dependencies LIKE ? ESCAPE '!'", `%"`+escapeLike(q.Dependency)+`":%`)
	}
	if q.Deprecated != nil {
		tx = tx.Where("idx.is_deprecated = ?", *q.Deprecated)
	}
	if q.Signed != nil {
		tx = tx.Where("idx.is_signed = ?", *q.Signed)
	}
	if q.Highest != nil {
		tx = tx.Where("idx.is_highest = ?", *q.Highest)
	}
	switch rv := q.RepositoryVersion; {
	case rv == "":
	case rv == LatestKey:
		tx = tx.Where("idx.repository_version_id IS NULL")
	default:
		n, err := strconv.Atoi(rv)
		if err != nil || n < 0 {
			return nil, 0, fmt.Errorf("%w: repository_version %q", ErrInvalidQuery, rv)
		}
		tx = tx.Where("idx.version_number = ?", n)
	}
	for _, word := range strings.Fields(strings.ToLower(q.Keywords)) {
		tx = tx.Where("cv.search_vector LIKE ? ESCAPE '!'", "% "+escapeLike(word)+" %")
	}
	for _, tag := range q.Tags {
		tx = tx.Where("cv.id IN (?)", db.Table("collection_version_tags cvt").
			Select("cvt.collection_version_id").
			Joins("JOIN tags t ON t.id = cvt.tag_id").
			Where("t.name = ?", tag))
	}

	var total int64
	if err := tx.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count search results: %w", err)
	}

	order := "idx.namespace, idx.name, " + orderings["-version"]
	if q.OrderBy != "" {
		o, ok := orderings[q.OrderBy]
		if !ok {
			return nil, 0, fmt.Errorf("%w: order_by %q", ErrInvalidQuery, q.OrderBy)
		}
		order = o
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	var rows []Row
	if err := tx.Select("idx.*").Order(order + ", idx.id").
		Limit(limit).Offset(q.Offset).Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("search index: %w", err)
	}
	hits, err := s.hydrate(ctx, rows)
	return hits, total, err
}

func (s *Searcher) hydrate(ctx context.Context, rows []Row) ([]Hit, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	var cvIDs, repoIDs, metaIDs []string
	for _, r := range rows {
		cvIDs = append(cvIDs, r.CollectionVersionID)
		repoIDs = append(repoIDs, r.RepositoryID)
		if r.NamespaceMetadataID != nil {
			metaIDs = append(metaIDs, *r.NamespaceMetadataID)
		}
	}
	db := s.db.WithContext(ctx)

	var cvs []content.CollectionVersion
	if err := db.Preload("Tags").Where("id IN ?", cvIDs).Find(&cvs).Error; err != nil {
		return nil, err
	}
	cvByID := make(map[string]content.CollectionVersion, len(cvs))
	for _, cv := range cvs {
		cvByID[cv.ID] = cv
	}
	var repos []repository.Repository
	if err := db.Where("id IN ?", repoIDs).Find(&repos).Error; err != nil {
		return nil, err
	}
	repoByID := make(map[string]repository.Repository, len(repos))
	for _, r := range repos {
		repoByID[r.ID] = r
	}
	metaByID := map[string]*content.NamespaceMetadata{}
	if len(metaIDs) > 0 {
		var metas []content.NamespaceMetadata
		if err := db.Where("id IN ?", metaIDs).Find(&metas).Error; err != nil {
			return nil, err
		}
		for i := range metas {
			metaByID[metas[i].ID] = &metas[i]
		}
	}

	hits := make([]Hit, 0, len(rows))
	for _, r := range rows {
		h := Hit{Row: r, CollectionVersion: cvByID[r.CollectionVersionID], Repository: repoByID[r.RepositoryID]}
		if r.NamespaceMetadataID != nil {
			h.NamespaceMetadata = metaByID[*r.NamespaceMetadataID]
		}
		hits = append(hits, h)
	}
	return hits, nil
}

func (s *Searcher) reposWithLabels(ctx context.Context, selector string) ([]string, error) {
	sel, err := ParseLabelSelector(selector)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	var repos []repository.Repository
	if err := s.db.WithContext(ctx).Select("id", "labels").Find(&repos).Error; err != nil {
		return nil, err
	}
	ids := []string{}
	for _, r := range repos {
		if sel.Matches(r.Labels) {
			ids = append(ids, r.ID)
		}
	}
	return ids, nil
}

// distributionScope limits rows to the bindings of the named distributions.
func (s *Searcher) distributionScope(ctx context.Context, ids, basePaths []string) (*gorm.DB, error) {
	db := s.db.WithContext(ctx)
	q := db.Model(&repository.Distribution{})
	switch {
	case len(ids) > 0 && len(basePaths) > 0:
		q = q.Where("id IN ? OR base_path IN ?", ids, basePaths)
	case len(ids) > 0:
		q = q.Where("id IN ?", ids)
	default:
		q = q.Where("base_path IN ?", basePaths)
	}
	var dists []repository.Distribution
	if err := q.Find(&dists).Error; err != nil {
		return nil, err
	}
	cond := db.Where("1 = 0")
	for _, d := range dists {
		switch {
		case d.RepositoryVersionID != nil:
			cond = cond.Or("idx.version_key = ?", *d.RepositoryVersionID)
		case d.RepositoryID != nil:
			cond = cond.Or("idx.repository_id = ? AND idx.version_key = ?", *d.RepositoryID, LatestKey)
		}
	}
	return cond, nil
}
