package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/ansible/content-repository/pkg/content"
	"github.com/ansible/content-repository/pkg/database"
	"github.com/ansible/content-repository/pkg/pipeline"
	"github.com/ansible/content-repository/pkg/repository"
	"github.com/ansible/content-repository/pkg/tarball"
	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/sync/errgroup"
)

// firstStage resolves the requirements against the remote and emits a
// DeclarativeContent for every admitted unit.
type firstStage struct {
	remote  *repository.Remote
	reqs    []Requirement
	primary *galaxyAPI
	sources func(ctx context.Context, source string) (*galaxyAPI, error)
	logger  *slog.Logger

	emitted    mapset.Set[string]
	deprecated mapset.Set[string]
	namespaces mapset.Set[string]
	// visited are the collections this sync looked at upstream.
	visited mapset.Set[string]
}

func newFirstStage(remote *repository.Remote, reqs []Requirement, primary *galaxyAPI, logger *slog.Logger) *firstStage {
	return &firstStage{
		logger:     logger,
		remote:     remote,
		reqs:       reqs,
		primary:    primary,
		emitted:    mapset.NewThreadUnsafeSet[string](),
		deprecated: mapset.NewThreadUnsafeSet[string](),
		namespaces: mapset.NewThreadUnsafeSet[string](),
		visited:    mapset.NewThreadUnsafeSet[string](),
	}
}

// emitter sends items downstream; signatures wait for their collection
// version in a separate goroutine so the stage never blocks on itself.
type emitter struct {
	out     chan<- *DeclarativeContent
	waiters *errgroup.Group
}

func (f *firstStage) run(ctx context.Context, _ <-chan *DeclarativeContent, out chan<- *DeclarativeContent) error {
	waiters, wctx := errgroup.WithContext(ctx)
	em := &emitter{out: out, waiters: waiters}
	err := f.produce(wctx, em)
	if werr := waiters.Wait(); err == nil {
		err = werr
	}
	return err
}

func (f *firstStage) produce(ctx context.Context, em *emitter) error {
	bulk, err := f.primary.bulk(ctx)
	if err != nil {
		return err
	}
	if len(f.reqs) == 0 {
		if bulk != nil {
			return f.emitBulk(ctx, em, bulk, nil)
		}
		return f.primary.collections(ctx, func(items []collectionSummary) error {
			for i := range items {
				c := items[i]
				if err := f.emitCollection(ctx, em, f.primary, &c, Requirement{Namespace: string(c.Namespace), Name: c.Name, Version: "*"}, nil); err != nil {
					return err
				}
			}
			return nil
		})
	}

	queue := append([]Requirement(nil), f.reqs...)
	seen := mapset.NewThreadUnsafeSet[string]()
	for _, r := range queue {
		seen.Add(r.key())
	}
	for len(queue) > 0 {
		req := queue[0]
		queue = queue[1:]

		var deps []Requirement
		expand := func(d *versionDetail) {
			if !f.remote.SyncDependencies {
				return
			}
			for fqn, spec := range d.Metadata.Dependencies {
				dep, err := NewRequirement(fqn, spec, req.Source)
				if err != nil {
					f.logger.Warn("ignoring invalid dependency", "collection", d.fqn(), "dependency", fqn, "spec", spec, "error", err)
					continue
				}
				if seen.Add(dep.key()) {
					deps = append(deps, dep)
				}
			}
		}

		if req.Source == "" && bulk != nil {
			if err := f.emitBulk(ctx, em, bulk, &req, expand); err != nil {
				return err
			}
		} else {
			api := f.primary
			if req.Source != "" {
				if api, err = f.sources(ctx, req.Source); err != nil {
					return err
				}
			}
			c, err := api.collection(ctx, req.Namespace, req.Name)
			if err != nil {
				return err
			}
			if c == nil {
				f.logger.Warn("collection not found on remote", "collection", req.FQN(), "source", req.Source)
				continue
			}
			if err := f.emitCollection(ctx, em, api, c, req, expand); err != nil {
				return err
			}
		}
		sort.Slice(deps, func(i, j int) bool { return deps[i].key() < deps[j].key() })
		queue = append(queue, deps...)
	}
	return nil
}

// emitBulk emits the versions in the bulk index, all of them or those
// admitted by req.
func (f *firstStage) emitBulk(ctx context.Context, em *emitter, idx *bulkIndex, req *Requirement, after ...func(*versionDetail)) error {
	fqns := make([]string, 0, len(idx.versions))
	if req != nil {
		fqns = append(fqns, req.FQN())
	} else {
		for fqn := range idx.versions {
			fqns = append(fqns, fqn)
		}
		sort.Strings(fqns)
	}
	for _, fqn := range fqns {
		versions, ok := idx.versions[fqn]
		if !ok {
			f.logger.Warn("collection not found on remote", "collection", fqn)
			continue
		}
		f.visited.Add(fqn)
		for i := range versions {
			d := &versions[i]
			if req != nil {
				ok, err := req.Admits(d.Version)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
			}
			if err := f.emitVersion(ctx, em, f.primary, d); err != nil {
				return err
			}
			if f.skipsUnsigned(d) {
				continue
			}
			for _, fn := range after {
				if fn != nil {
					fn(d)
				}
			}
		}
		if idx.deprecated[fqn] {
			ns, name, _ := strings.Cut(fqn, ".")
			if err := f.emitDeprecation(ctx, em, ns, name); err != nil {
				return err
			}
		}
	}
	return nil
}

// emitCollection walks the paginated versions of one collection.
func (f *firstStage) emitCollection(ctx context.Context, em *emitter, api *galaxyAPI, c *collectionSummary, req Requirement, after func(*versionDetail)) error {
	f.visited.Add(c.fqn())
	versions, err := api.versions(ctx, c)
	if err != nil {
		return err
	}
	for _, v := range versions {
		ok, err := req.Admits(v.Version)
		if err != nil {
			return err
		}
		if !ok || f.emitted.Contains(c.fqn()+"-"+v.Version) {
			continue
		}
		d, err := api.detail(ctx, string(c.Namespace), c.Name, v)
		if err != nil {
			return err
		}
		if err := f.emitVersion(ctx, em, api, d); err != nil {
			return err
		}
		if after != nil && !f.skipsUnsigned(d) {
			after(d)
		}
	}
	if c.Deprecated {
		return f.emitDeprecation(ctx, em, string(c.Namespace), c.Name)
	}
	return nil
}

// skipsUnsigned reports whether d is dropped by a signed_only remote. Its
// dependencies are not followed either.
func (f *firstStage) skipsUnsigned(d *versionDetail) bool {
	return f.remote.SignedOnly && len(d.signatures()) == 0
}

func (f *firstStage) emitVersion(ctx context.Context, em *emitter, api *galaxyAPI, d *versionDetail) error {
	sigs := d.signatures()
	if f.skipsUnsigned(d) {
		f.logger.Debug("skipping unsigned collection version", "collection", d.fqn(), "version", d.Version)
		return nil
	}
	if !f.emitted.Add(d.fqn() + "-" + d.Version) {
		return nil
	}

	ns, name := string(d.Namespace), d.collectionName()
	m := d.Metadata
	cv := &content.CollectionVersion{
		Namespace:       ns,
		Name:            name,
		Version:         d.Version,
		Authors:         m.Authors,
		Description:     m.Description,
		License:         m.License,
		Dependencies:    database.StringMap(m.Dependencies),
		Repository:      m.Repository,
		Documentation:   m.Documentation,
		Homepage:        m.Homepage,
		Issues:          m.Issues,
		RequiresAnsible: d.RequiresAnsible,
		Manifest:        d.Manifest,
		Files:           d.Files,
		Sha256:          d.Artifact.Sha256,
	}
	filename := d.Artifact.Filename
	if filename == "" {
		filename = tarball.Filename(ns, name, d.Version)
	}
	dc := newDeclarative(KindCollectionVersion)
	dc.source = api.client
	dc.CollectionVersion = cv
	dc.Tags = m.Tags
	dc.DocsBlobURL = api.docsBlobURL(ns, name, d.Version)
	if d.DownloadURL != "" {
		dc.Artifact = &DeclarativeArtifact{
			URL:          api.resolve(d.DownloadURL),
			Sha256:       d.Artifact.Sha256,
			Size:         d.Artifact.Size,
			RelativePath: filename,
			Deferred:     f.remote.Policy == repository.PolicyOnDemand,
		}
	}
	if err := pipeline.Send(ctx, em.out, dc); err != nil {
		return err
	}

	if len(sigs) > 0 {
		em.waiters.Go(func() error {
			cvID, err := dc.Wait(ctx)
			if err != nil {
				return err
			}
			for _, s := range sigs {
				sdc := newDeclarative(KindSignature)
				sdc.Signature = &content.Signature{
					SignedCollectionID: cvID,
					Data:               s.Signature,
					PubkeyFingerprint:  s.PubkeyFingerprint,
				}
				if err := pipeline.Send(ctx, em.out, sdc); err != nil {
					return err
				}
			}
			return nil
		})
	}

	if f.namespaces.Add(ns) {
		if err := f.emitNamespace(ctx, em, api, ns); err != nil {
			return err
		}
	}
	return nil
}

func (f *firstStage) emitDeprecation(ctx context.Context, em *emitter, namespace, name string) error {
	if !f.deprecated.Add(namespace + "." + name) {
		return nil
	}
	dc := newDeclarative(KindDeprecation)
	dc.Deprecation = &content.Deprecation{Namespace: namespace, Name: name}
	return pipeline.Send(ctx, em.out, dc)
}

func (f *firstStage) emitNamespace(ctx context.Context, em *emitter, api *galaxyAPI, name string) error {
	rn, err := api.namespace(ctx, name)
	if err != nil {
		return fmt.Errorf("fetch namespace %s: %w", name, err)
	}
	if rn == nil {
		return nil
	}
	links := database.StringMap{}
	for _, l := range rn.Links {
		links[l.Name] = l.URL
	}
	dc := newDeclarative(KindNamespace)
	dc.source = api.client
	dc.Namespace = &content.NamespaceMetadata{
		Name:         rn.Name,
		Company:      rn.Company,
		Email:        rn.Email,
		Description:  rn.Description,
		Resources:    rn.Resources,
		Links:        links,
		AvatarSha256: rn.AvatarSha256,
	}
	if rn.AvatarURL != "" {
		sha := ""
		if rn.AvatarSha256 != nil {
			sha = *rn.AvatarSha256
		}
		dc.Artifact = &DeclarativeArtifact{URL: api.resolve(rn.AvatarURL), Sha256: sha, RelativePath: "avatar"}
	}
	return pipeline.Send(ctx, em.out, dc)
}
