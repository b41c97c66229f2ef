package content

import (
	"context"
	"fmt"
	"testing"

	"github.com/ansible/content-repository/pkg/database"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.OpenInMemory(t.Name())
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))
	return db
}

func newCV(ns, name, version string) *CollectionVersion {
	return &CollectionVersion{Namespace: ns, Name: name, Version: version, Description: "demo collection"}
}

func TestCreateCollectionVersion(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db, nil)
	ctx := context.Background()

	cv := newCV("testing", "k8s_demo_collection", "1.2.3-beta.1")
	require.NoError(t, store.CreateCollectionVersion(ctx, cv, []string{"k8s", "demo", "k8s"}))

	got, err := store.GetCollectionVersion(ctx, "testing", "k8s_demo_collection", "1.2.3-beta.1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.VersionMajor)
	assert.Equal(t, 2, got.VersionMinor)
	assert.Equal(t, 3, got.VersionPatch)
	assert.Equal(t, "beta.1", got.VersionPrerelease)
	assert.True(t, got.IsHighest)
	assert.ElementsMatch(t, []string{"k8s", "demo"}, got.TagNames())
	assert.Contains(t, got.SearchVector, " k8s ")
	assert.Contains(t, got.SearchVector, " demo ")

	coll, err := store.GetCollection(ctx, "testing", "k8s_demo_collection")
	require.NoError(t, err)
	assert.Equal(t, coll.ID, got.CollectionID)

	types, err := store.Types(ctx, []string{cv.ID})
	require.NoError(t, err)
	assert.Equal(t, TypeCollectionVersion, types[cv.ID])
}

func TestCreateCollectionVersion_Duplicate(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db, nil)
	ctx := context.Background()

	require.NoError(t, store.CreateCollectionVersion(ctx, newCV("a", "b", "1.0.0"), nil))
	err := store.CreateCollectionVersion(ctx, newCV("a", "b", "1.0.0"), nil)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	var count int64
	db.Model(&Content{}).Count(&count)
	assert.Equal(t, int64(1), count, "failed create must not leave a content row")
}

func TestCreateCollectionVersion_InvalidVersion(t *testing.T) {
	store := NewStore(setupTestDB(t), nil)
	err := store.CreateCollectionVersion(context.Background(), newCV("a", "b", "1.0"), nil)
	assert.Error(t, err)
}

func TestRecomputeHighest_PrefersReleases(t *testing.T) {
	store := NewStore(setupTestDB(t), nil)
	ctx := context.Background()

	for _, v := range []string{"1.0.0", "2.0.0-rc.1", "1.5.0"} {
		require.NoError(t, store.CreateCollectionVersion(ctx, newCV("a", "b", v), nil))
	}

	cvs, err := store.VersionsOfCollection(ctx, "a", "b")
	require.NoError(t, err)
	highest := map[string]bool{}
	for _, cv := range cvs {
		highest[cv.Version] = cv.IsHighest
	}
	assert.Equal(t, map[string]bool{"1.0.0": false, "2.0.0-rc.1": false, "1.5.0": true}, highest)
}

func TestHighest(t *testing.T) {
	assert.Equal(t, -1, Highest(nil))
	assert.Equal(t, 1, Highest([]string{"1.0.0-a", "1.0.0-b"}))
	assert.Equal(t, 0, Highest([]string{"1.10.0", "1.9.0", "2.0.0-rc.1"}))
}

func TestSatisfies(t *testing.T) {
	tests := []struct {
		version, spec string
		want          bool
	}{
		{"1.0.0", "*", true},
		{"1.0.0", ">=1.0.0", true},
		{"0.9.0", ">=1.0.0", false},
		{"1.2.0", ">=1.0.0,<2.0.0", true},
		{"2.0.0", ">=1.0.0,<2.0.0", false},
		{"1.0.0", "==1.0.0", true},
		{"1.0.1", "!=1.0.0", true},
		{"1.0.0", "1.0.0", true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s %s", tt.version, tt.spec), func(t *testing.T) {
			got, err := Satisfies(tt.version, tt.spec)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSignatureGetOrCreate_Idempotent(t *testing.T) {
	store := NewStore(setupTestDB(t), nil)
	ctx := context.Background()
	cv := newCV("a", "b", "1.0.0")
	require.NoError(t, store.CreateCollectionVersion(ctx, cv, nil))

	sig := &Signature{SignedCollectionID: cv.ID, Data: "-----BEGIN PGP SIGNATURE-----", PubkeyFingerprint: "ABCD"}
	first, created, err := store.GetOrCreateSignature(ctx, sig)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Len(t, first.Digest, 64)

	second, created, err := store.GetOrCreateSignature(ctx, &Signature{SignedCollectionID: cv.ID, Data: "other", PubkeyFingerprint: "ABCD"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
}

func TestNamespaceMetadata_DigestAndDedup(t *testing.T) {
	store := NewStore(setupTestDB(t), nil)
	ctx := context.Background()

	nm := &NamespaceMetadata{Name: "testing", Company: "Red Hat", Links: database.StringMap{"home": "https://example.com"}}
	first, err := store.GetOrCreateNamespaceMetadata(ctx, nm)
	require.NoError(t, err)
	assert.Len(t, first.MetadataSha256, 64)
	assert.NotEmpty(t, first.NamespaceID)

	again, err := store.GetOrCreateNamespaceMetadata(ctx, &NamespaceMetadata{Name: "testing", Company: "Red Hat", Links: database.StringMap{"home": "https://example.com"}})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	changed, err := store.GetOrCreateNamespaceMetadata(ctx, &NamespaceMetadata{Name: "testing", Company: "IBM"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, changed.ID)
	assert.Equal(t, first.NamespaceID, changed.NamespaceID)
}

func TestDeleteCollectionVersion_RemovesCollectionWhenEmpty(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db, nil)
	ctx := context.Background()

	v1 := newCV("a", "b", "1.0.0")
	v2 := newCV("a", "b", "2.0.0")
	require.NoError(t, store.CreateCollectionVersion(ctx, v1, []string{"x"}))
	require.NoError(t, store.CreateCollectionVersion(ctx, v2, nil))
	artifactID := "artifact-1"
	_, err := store.AttachArtifact(ctx, v2.ID, &artifactID, "a-b-2.0.0.tar.gz")
	require.NoError(t, err)
	_, err = store.GetOrCreateMark(ctx, v2.ID, "certified")
	require.NoError(t, err)

	artifacts, err := store.DeleteCollectionVersion(ctx, v2.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"artifact-1"}, artifacts)

	got, err := store.GetCollectionVersionByID(ctx, v1.ID)
	require.NoError(t, err)
	assert.True(t, got.IsHighest, "remaining version becomes highest")

	var marks int64
	db.Model(&Mark{}).Count(&marks)
	assert.Zero(t, marks)

	_, err = store.DeleteCollectionVersion(ctx, v1.ID)
	require.NoError(t, err)
	_, err = store.GetCollection(ctx, "a", "b")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProperty_VersionPartsMatchParse(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("derived parts equal the parse", prop.ForAll(
		func(major, minor, patch uint16, pre bool) bool {
			v := fmt.Sprintf("%d.%d.%d", major, minor, patch)
			wantPre := ""
			if pre {
				wantPre = "rc.1"
				v += "-" + wantPre
			}
			cv := &CollectionVersion{Version: v}
			if err := SetVersionParts(cv); err != nil {
				return false
			}
			return cv.VersionMajor == int(major) && cv.VersionMinor == int(minor) &&
				cv.VersionPatch == int(patch) && cv.VersionPrerelease == wantPre
		},
		gen.UInt16(), gen.UInt16(), gen.UInt16(), gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestProperty_AtMostOneHighest(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	run := 0
	properties.Property("exactly one highest per collection", prop.ForAll(
		func(patches []uint8) bool {
			run++
			db, err := database.OpenInMemory(fmt.Sprintf("%s-%d", t.Name(), run))
			if err != nil || AutoMigrate(db) != nil {
				return false
			}
			store := NewStore(db, nil)
			seen := map[uint8]bool{}
			for _, p := range patches {
				if seen[p] {
					continue
				}
				seen[p] = true
				if err := store.CreateCollectionVersion(context.Background(), newCV("p", "q", fmt.Sprintf("1.0.%d", p)), nil); err != nil {
					return false
				}
			}
			var highest int64
			db.Model(&CollectionVersion{}).Where("is_highest = ?", true).Count(&highest)
			if len(seen) == 0 {
				return highest == 0
			}
			return highest == 1
		},
		gen.SliceOfN(6, gen.UInt8()),
	))

	properties.TestingRun(t)
}
