// Package tasks binds the repository operations to the task queue: it
// enqueues them with the right reservations and runs them in workers.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/ansible/content-repository/pkg/authz"
	"github.com/ansible/content-repository/pkg/content"
	"github.com/ansible/content-repository/pkg/jobs"
	mapset "github.com/deckarep/golang-set/v2"
)

// Task names.
const (
	NameSync          = "ansible.sync"
	NameSign          = "ansible.sign"
	NameCopy          = "ansible.copy_collection_version"
	NameMove          = "ansible.move_collection_version"
	NameDelete        = "ansible.delete_collection"
	NameImport        = "ansible.import_collection"
	NameMark          = "ansible.mark"
	NameDeprecate     = "ansible.deprecate"
	NameNamespace     = "ansible.namespace_metadata"
	NameOrphanCleanup = "core.orphan_cleanup"
)

// orphansResource serializes orphan cleanup with imports, which stage
// artifacts that nothing references yet.
const orphansResource = "orphans"

// SyncArgs are the arguments of a sync task.
type SyncArgs struct {
	RepositoryID string `json:"repository_id"`
	RemoteID     string `json:"remote_id"`
	Mirror       bool   `json:"mirror,omitempty"`
	Optimize     bool   `json:"optimize,omitempty"`
}

// SignArgs are the arguments of a sign task. CollectionVersionIDs may be
// ["*"] for the whole repository.
type SignArgs struct {
	RepositoryID         string   `json:"repository_id"`
	CollectionVersionIDs []string `json:"collection_version_ids"`
	SigningServiceID     string   `json:"signing_service_id"`
}

// TransferArgs are the arguments of a copy or move task.
type TransferArgs struct {
	SourceVersionID      string   `json:"source_version_id"`
	SourceRepositoryID   string   `json:"source_repository_id"`
	DestinationIDs       []string `json:"destination_ids"`
	CollectionVersionIDs []string `json:"collection_version_ids"`
	SigningServiceID     string   `json:"signing_service_id,omitempty"`
}

// DeleteArgs are the arguments of a delete task. Without Version the
// whole collection is deleted.
type DeleteArgs struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	Version   string `json:"version,omitempty"`
}

// ImportArgs are the arguments of an upload import task.
type ImportArgs struct {
	ArtifactID   string `json:"artifact_id"`
	RepositoryID string `json:"repository_id,omitempty"`
	Filename     string `json:"filename,omitempty"`
	Sha256       string `json:"sha256,omitempty"`
}

// MarkArgs are the arguments of a mark or unmark task.
type MarkArgs struct {
	RepositoryID         string   `json:"repository_id"`
	CollectionVersionIDs []string `json:"collection_version_ids"`
	Value                string   `json:"value"`
	Unmark               bool     `json:"unmark,omitempty"`
}

// DeprecateArgs are the arguments of a deprecate or undeprecate task.
type DeprecateArgs struct {
	RepositoryID string `json:"repository_id"`
	Namespace    string `json:"namespace"`
	Name         string `json:"name"`
	Undeprecate  bool   `json:"undeprecate,omitempty"`
}

// NamespaceArgs are the arguments of a namespace metadata task.
type NamespaceArgs struct {
	RepositoryID string            `json:"repository_id"`
	Name         string            `json:"name"`
	Company      string            `json:"company,omitempty"`
	Email        string            `json:"email,omitempty"`
	Description  string            `json:"description,omitempty"`
	Resources    string            `json:"resources,omitempty"`
	Links        map[string]string `json:"links,omitempty"`
}

func (a NamespaceArgs) metadata() *content.NamespaceMetadata {
	return &content.NamespaceMetadata{
		Name:        a.Name,
		Company:     a.Company,
		Email:       a.Email,
		Description: a.Description,
		Resources:   a.Resources,
		Links:       a.Links,
	}
}

// OrphanCleanupArgs are the arguments of an orphan cleanup task.
type OrphanCleanupArgs struct {
	// ProtectionSeconds overrides the configured protection time when set.
	ProtectionSeconds *int `json:"protection_seconds,omitempty"`
}

func encode(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	return m, json.Unmarshal(b, &m)
}

func decode(task *jobs.Task, v any) error {
	b, err := json.Marshal(task.Args)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("task %s arguments: %w", task.Name, err)
	}
	return nil
}

// Dispatcher enqueues tasks.
type Dispatcher struct {
	store    *jobs.TaskStore
	holdings HoldingFunc
}

// HoldingFunc lists the repositories a deletion touches.
type HoldingFunc func(ctx context.Context, namespace, name, version string) ([]string, error)

// NewDispatcher returns a Dispatcher. holdings is usually
// deletion.Orchestrator.Holding.
func NewDispatcher(store *jobs.TaskStore, holdings HoldingFunc) *Dispatcher {
	return &Dispatcher{store: store, holdings: holdings}
}

func (d *Dispatcher) submit(ctx context.Context, name string, args any, exclusive, shared []string) (*jobs.Task, error) {
	m, err := encode(args)
	if err != nil {
		return nil, err
	}
	id, _ := authz.IdentityFromContext(ctx)
	return d.store.Enqueue(ctx, &jobs.Task{
		Name:               name,
		Args:               m,
		ExclusiveResources: exclusive,
		SharedResources:    shared,
		RequestedBy:        id.User,
	})
}

// Sync enqueues a sync of the repository from the remote.
func (d *Dispatcher) Sync(ctx context.Context, args SyncArgs) (*jobs.Task, error) {
	return d.submit(ctx, NameSync, args, jobs.Repositories(args.RepositoryID), []string{"remote:" + args.RemoteID})
}

// Sign enqueues signing of collection versions in a repository.
func (d *Dispatcher) Sign(ctx context.Context, args SignArgs) (*jobs.Task, error) {
	return d.submit(ctx, NameSign, args, jobs.Repositories(args.RepositoryID), nil)
}

// Copy enqueues a copy. The source is only read.
func (d *Dispatcher) Copy(ctx context.Context, args TransferArgs) (*jobs.Task, error) {
	var shared []string
	if !slices.Contains(args.DestinationIDs, args.SourceRepositoryID) {
		shared = jobs.Repositories(args.SourceRepositoryID)
	}
	return d.submit(ctx, NameCopy, args, jobs.Repositories(args.DestinationIDs...), shared)
}

// Move enqueues a move. The source is reserved too.
func (d *Dispatcher) Move(ctx context.Context, args TransferArgs) (*jobs.Task, error) {
	repos := append([]string{args.SourceRepositoryID}, args.DestinationIDs...)
	return d.submit(ctx, NameMove, args, jobs.Repositories(mapset.NewThreadUnsafeSet(repos...).ToSlice()...), nil)
}

// Delete enqueues a deletion reserving every repository that holds the
// target.
func (d *Dispatcher) Delete(ctx context.Context, args DeleteArgs) (*jobs.Task, error) {
	repos, err := d.holdings(ctx, args.Namespace, args.Name, args.Version)
	if err != nil {
		return nil, err
	}
	return d.submit(ctx, NameDelete, args, jobs.Repositories(repos...), nil)
}

// Import enqueues the import of a staged upload.
func (d *Dispatcher) Import(ctx context.Context, args ImportArgs) (*jobs.Task, error) {
	var exclusive []string
	if args.RepositoryID != "" {
		exclusive = jobs.Repositories(args.RepositoryID)
	}
	return d.submit(ctx, NameImport, args, exclusive, []string{orphansResource})
}

// Mark enqueues a mark or unmark.
func (d *Dispatcher) Mark(ctx context.Context, args MarkArgs) (*jobs.Task, error) {
	return d.submit(ctx, NameMark, args, jobs.Repositories(args.RepositoryID), nil)
}

// Deprecate enqueues a deprecate or undeprecate.
func (d *Dispatcher) Deprecate(ctx context.Context, args DeprecateArgs) (*jobs.Task, error) {
	return d.submit(ctx, NameDeprecate, args, jobs.Repositories(args.RepositoryID), nil)
}

// Namespace enqueues a namespace metadata change.
func (d *Dispatcher) Namespace(ctx context.Context, args NamespaceArgs) (*jobs.Task, error) {
	return d.submit(ctx, NameNamespace, args, jobs.Repositories(args.RepositoryID), nil)
}

// OrphanCleanup enqueues an orphan cleanup.
func (d *Dispatcher) OrphanCleanup(ctx context.Context, args OrphanCleanupArgs) (*jobs.Task, error) {
	return d.submit(ctx, NameOrphanCleanup, args, []string{orphansResource}, nil)
}
