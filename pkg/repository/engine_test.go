package repository

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ansible/content-repository/pkg/content"
	"github.com/ansible/content-repository/pkg/database"
	"github.com/ansible/content-repository/pkg/ha"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fixture struct {
	db      *gorm.DB
	engine  *Engine
	content *content.Store
	indexer *recordingIndexer
	repo    *Repository
	ctx     context.Context
}

type recordingIndexer struct {
	mu       sync.Mutex
	versions []int
	rebuilt  []string
	removed  []string
	fail     error
}

func (r *recordingIndexer) UpdateForVersion(_ context.Context, _ *gorm.DB, _ *Repository, v, _ *Version) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.versions = append(r.versions, v.Number)
	return nil
}

func (r *recordingIndexer) RebuildForDistribution(_ context.Context, _ *gorm.DB, d *Distribution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rebuilt = append(r.rebuilt, d.BasePath)
	return nil
}

func (r *recordingIndexer) RemoveForDistribution(_ context.Context, _ *gorm.DB, d *Distribution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, d.BasePath)
	return nil
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db, err := database.OpenInMemory(t.Name())
	require.NoError(t, err)
	require.NoError(t, content.AutoMigrate(db))
	require.NoError(t, AutoMigrate(db))

	idx := &recordingIndexer{}
	f := &fixture{
		db:      db,
		engine:  NewEngine(db, idx, nil),
		content: content.NewStore(db, nil),
		indexer: idx,
	}
	f.repo = &Repository{Name: "published"}
	require.NoError(t, f.engine.CreateRepository(context.Background(), f.repo))
	f.ctx = WithReserved(context.Background(), f.repo.ID)
	return f
}

func (f *fixture) cv(t *testing.T, ns, name, version string) *content.CollectionVersion {
	t.Helper()
	cv := &content.CollectionVersion{Namespace: ns, Name: name, Version: version}
	require.NoError(t, f.content.CreateCollectionVersion(context.Background(), cv, nil))
	return cv
}

func (f *fixture) add(t *testing.T, ids ...string) *Version {
	t.Helper()
	v, err := f.engine.Modify(f.ctx, f.repo.ID, func(ctx context.Context, d *Draft) error {
		return d.Add(ctx, ids...)
	})
	require.NoError(t, err)
	return v
}

func (f *fixture) latestIDs(t *testing.T) []string {
	t.Helper()
	repo, err := f.engine.GetRepository(context.Background(), f.repo.ID)
	require.NoError(t, err)
	v, err := f.engine.LatestVersion(context.Background(), repo)
	require.NoError(t, err)
	ids, err := f.engine.ContentIDs(context.Background(), v)
	require.NoError(t, err)
	return ids
}

func TestCreateRepository_StartsAtVersionZero(t *testing.T) {
	f := setup(t)
	v, err := f.engine.LatestVersion(f.ctx, f.repo)
	require.NoError(t, err)
	assert.Equal(t, 0, v.Number)
	assert.True(t, v.Complete)
	assert.Empty(t, f.latestIDs(t))
}

func TestNewVersion_RequiresReservation(t *testing.T) {
	f := setup(t)
	_, err := f.engine.NewVersion(context.Background(), f.repo.ID, nil)
	assert.ErrorIs(t, err, ErrNotReserved)
}

func TestFinalize_NumbersVersionsMonotonically(t *testing.T) {
	f := setup(t)
	a := f.cv(t, "testing", "a", "1.0.0")
	b := f.cv(t, "testing", "b", "1.0.0")

	v1 := f.add(t, a.ID)
	v2 := f.add(t, b.ID)
	assert.Equal(t, 1, v1.Number)
	assert.Equal(t, 2, v2.Number)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, f.latestIDs(t))
	assert.Equal(t, []int{1, 2}, f.indexer.versions)

	old, err := f.engine.ContentIDs(f.ctx, v1)
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, old)

	added, removed, err := f.engine.Diff(f.ctx, v1, v2)
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, added)
	assert.Empty(t, removed)
}

func TestFinalize_NoChangeKeepsLatest(t *testing.T) {
	f := setup(t)
	a := f.cv(t, "testing", "a", "1.0.0")
	v1 := f.add(t, a.ID)

	v, err := f.engine.Modify(f.ctx, f.repo.ID, func(ctx context.Context, d *Draft) error {
		return d.Add(ctx, a.ID)
	})
	require.NoError(t, err)
	assert.Equal(t, v1.ID, v.ID)

	versions, err := f.engine.ListVersions(f.ctx, f.repo.ID)
	require.NoError(t, err)
	assert.Len(t, versions, 2)
}

func TestModify_ErrorDiscardsDraft(t *testing.T) {
	f := setup(t)
	a := f.cv(t, "testing", "a", "1.0.0")
	b := f.cv(t, "testing", "b", "1.0.0")
	v1 := f.add(t, a.ID)

	boom := errors.New("boom")
	_, err := f.engine.Modify(f.ctx, f.repo.ID, func(ctx context.Context, d *Draft) error {
		require.NoError(t, d.Remove(ctx, a.ID))
		require.NoError(t, d.Add(ctx, b.ID))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	repo, err := f.engine.GetRepository(f.ctx, f.repo.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.ID, repo.LatestVersionID)
	assert.Equal(t, []string{a.ID}, f.latestIDs(t))

	var rows int64
	require.NoError(t, f.db.Model(&Version{}).Where("complete = ?", false).Count(&rows).Error)
	assert.Zero(t, rows)
}

func TestDraft_RemoveThenReAdd(t *testing.T) {
	f := setup(t)
	a := f.cv(t, "testing", "a", "1.0.0")
	v1 := f.add(t, a.ID)

	v, err := f.engine.Modify(f.ctx, f.repo.ID, func(ctx context.Context, d *Draft) error {
		require.NoError(t, d.Remove(ctx, a.ID))
		ids, err := d.ContentIDs(ctx)
		require.NoError(t, err)
		assert.Empty(t, ids)
		return d.Add(ctx, a.ID)
	})
	require.NoError(t, err)
	assert.Equal(t, v1.ID, v.ID, "re-adding removed content leaves the draft unchanged")
}

func TestDraft_RemoveAllSentinel(t *testing.T) {
	f := setup(t)
	a := f.cv(t, "testing", "a", "1.0.0")
	role, err := f.content.GetOrCreateRole(context.Background(), "geerlingguy", "mysql", "3.3.0")
	require.NoError(t, err)
	f.add(t, a.ID, role.ID)

	b := f.cv(t, "testing", "b", "2.0.0")
	_, err = f.engine.Modify(f.ctx, f.repo.ID, func(ctx context.Context, d *Draft) error {
		require.NoError(t, d.Remove(ctx, RemoveAllContent))
		return d.Add(ctx, b.ID)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, f.latestIDs(t))
}

func TestNewVersion_FromOlderBase(t *testing.T) {
	f := setup(t)
	a := f.cv(t, "testing", "a", "1.0.0")
	b := f.cv(t, "testing", "b", "1.0.0")
	v1 := f.add(t, a.ID)
	f.add(t, b.ID)

	d, err := f.engine.NewVersion(f.ctx, f.repo.ID, v1)
	require.NoError(t, err)
	v3, err := d.Finalize(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, v3.Number)
	assert.Equal(t, []string{a.ID}, f.latestIDs(t))
}

func TestFinalize_CascadesSignaturesAndMarks(t *testing.T) {
	f := setup(t)
	ops := NewContentOps(f.engine, f.content)
	a := f.cv(t, "testing", "a", "1.0.0")
	a2 := f.cv(t, "testing", "a", "2.0.0")
	f.add(t, a.ID, a2.ID)

	sig, _, err := f.content.GetOrCreateSignature(context.Background(), &content.Signature{
		SignedCollectionID: a.ID, Data: "sig", PubkeyFingerprint: "ABCD",
	})
	require.NoError(t, err)
	f.add(t, sig.ID)
	_, err = ops.Mark(f.ctx, f.repo.ID, []string{a.ID}, "staging")
	require.NoError(t, err)
	_, err = ops.Deprecate(f.ctx, f.repo.ID, "testing", "a")
	require.NoError(t, err)
	_, err = ops.SetNamespaceMetadata(f.ctx, f.repo.ID, &content.NamespaceMetadata{Name: "testing", Company: "Red Hat"})
	require.NoError(t, err)

	_, err = f.engine.Modify(f.ctx, f.repo.ID, func(ctx context.Context, d *Draft) error {
		return d.Remove(ctx, a.ID)
	})
	require.NoError(t, err)

	types, err := f.content.Types(context.Background(), f.latestIDs(t))
	require.NoError(t, err)
	got := map[content.Type]int{}
	for _, typ := range types {
		got[typ]++
	}
	assert.Equal(t, map[content.Type]int{
		content.TypeCollectionVersion: 1,
		content.TypeDeprecation:       1,
		content.TypeNamespace:         1,
	}, got, "signature and mark follow the removed version; deprecation stays while 2.0.0 remains")

	_, err = f.engine.Modify(f.ctx, f.repo.ID, func(ctx context.Context, d *Draft) error {
		return d.Remove(ctx, a2.ID)
	})
	require.NoError(t, err)
	assert.Empty(t, f.latestIDs(t))
}

func TestFinalize_RejectsDanglingSignature(t *testing.T) {
	f := setup(t)
	a := f.cv(t, "testing", "a", "1.0.0")
	sig, _, err := f.content.GetOrCreateSignature(context.Background(), &content.Signature{
		SignedCollectionID: a.ID, Data: "sig", PubkeyFingerprint: "ABCD",
	})
	require.NoError(t, err)

	_, err = f.engine.Modify(f.ctx, f.repo.ID, func(ctx context.Context, d *Draft) error {
		return d.Add(ctx, sig.ID)
	})
	require.Error(t, err)
	assert.True(t, IsInvariantViolation(err))

	var inv *InvariantError
	require.ErrorAs(t, err, &inv)
	assert.Len(t, inv.Problems, 1)
	assert.Empty(t, f.latestIDs(t))
}

func TestFinalize_KeepsNewestNamespaceMetadata(t *testing.T) {
	f := setup(t)
	a := f.cv(t, "testing", "a", "1.0.0")
	f.add(t, a.ID)

	older, err := f.content.GetOrCreateNamespaceMetadata(context.Background(), &content.NamespaceMetadata{Name: "testing", Company: "old"})
	require.NoError(t, err)
	newer, err := f.content.GetOrCreateNamespaceMetadata(context.Background(), &content.NamespaceMetadata{Name: "testing", Company: "new"})
	require.NoError(t, err)
	require.NoError(t, f.db.Model(newer).Update("created_at", older.CreatedAt.Add(1e9)).Error)

	f.add(t, older.ID, newer.ID)
	ids := f.latestIDs(t)
	assert.Contains(t, ids, newer.ID)
	assert.NotContains(t, ids, older.ID)
}

func TestFinalize_IndexFailureDiscards(t *testing.T) {
	f := setup(t)
	a := f.cv(t, "testing", "a", "1.0.0")
	f.indexer.fail = errors.New("index down")

	_, err := f.engine.Modify(f.ctx, f.repo.ID, func(ctx context.Context, d *Draft) error {
		return d.Add(ctx, a.ID)
	})
	assert.ErrorContains(t, err, "index down")
	assert.Empty(t, f.latestIDs(t))
}

func TestNewVersion_DiscardsStaleDraft(t *testing.T) {
	f := setup(t)
	a := f.cv(t, "testing", "a", "1.0.0")
	d, err := f.engine.NewVersion(f.ctx, f.repo.ID, nil)
	require.NoError(t, err)
	require.NoError(t, d.Add(f.ctx, a.ID))

	// simulate a crashed task: the draft is never finalized
	d2, err := f.engine.NewVersion(f.ctx, f.repo.ID, nil)
	require.NoError(t, err)
	ids, err := d2.ContentIDs(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Equal(t, 1, d2.Version().Number)
	require.NoError(t, d2.Discard(f.ctx))

	_, err = d.Finalize(f.ctx)
	assert.Error(t, err)
}

func TestDistributions_TriggerIndexer(t *testing.T) {
	f := setup(t)
	d := &Distribution{BasePath: "published", RepositoryID: &f.repo.ID}
	require.NoError(t, f.engine.CreateDistribution(f.ctx, d))

	got, err := f.engine.GetDistributionByBasePath(f.ctx, "published")
	require.NoError(t, err)
	assert.Equal(t, "published", got.Name)

	repo, v, err := f.engine.ResolveDistribution(f.ctx, got)
	require.NoError(t, err)
	assert.Equal(t, f.repo.ID, repo.ID)
	assert.Equal(t, 0, v.Number)

	got.BasePath = "community"
	require.NoError(t, f.engine.UpdateDistribution(f.ctx, got))
	require.NoError(t, f.engine.DeleteDistribution(f.ctx, got.ID))

	assert.Equal(t, []string{"published", "community"}, f.indexer.rebuilt)
	assert.Equal(t, []string{"published", "community"}, f.indexer.removed)

	_, err = f.engine.GetDistribution(f.ctx, got.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDistributions_Validation(t *testing.T) {
	f := setup(t)
	vid := f.repo.LatestVersionID
	err := f.engine.CreateDistribution(f.ctx, &Distribution{BasePath: "x", RepositoryID: &f.repo.ID, RepositoryVersionID: &vid})
	assert.ErrorIs(t, err, ErrInvalidDistribution)
	err = f.engine.CreateDistribution(f.ctx, &Distribution{BasePath: "a/b"})
	assert.ErrorIs(t, err, ErrInvalidDistribution)
}

func TestContentOps_UndeprecateAndUnmark(t *testing.T) {
	f := setup(t)
	ops := NewContentOps(f.engine, f.content)
	a := f.cv(t, "testing", "a", "1.0.0")
	f.add(t, a.ID)

	_, err := ops.Deprecate(f.ctx, f.repo.ID, "testing", "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = ops.Deprecate(f.ctx, f.repo.ID, "testing", "a")
	require.NoError(t, err)
	_, err = ops.Mark(f.ctx, f.repo.ID, []string{a.ID}, "certified")
	require.NoError(t, err)
	assert.Len(t, f.latestIDs(t), 3)

	_, err = ops.Undeprecate(f.ctx, f.repo.ID, "testing", "a")
	require.NoError(t, err)
	_, err = ops.Unmark(f.ctx, f.repo.ID, []string{a.ID}, "certified")
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, f.latestIDs(t))
}

func TestReserver_MarksContext(t *testing.T) {
	db, err := database.OpenInMemory(t.Name())
	require.NoError(t, err)
	r := NewReserver(ha.NewDatabaseLocker(db))

	err = r.Do(context.Background(), []string{"b", "a", "b"}, func(ctx context.Context) error {
		assert.True(t, Reserved(ctx, "a"))
		assert.True(t, Reserved(ctx, "b"))
		assert.False(t, Reserved(ctx, "c"))
		return nil
	})
	require.NoError(t, err)
}
