package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/preacher1045/pdsno/internal/audit"
	"github.com/preacher1045/pdsno/internal/coord"
	"github.com/preacher1045/pdsno/internal/ir"
	"github.com/preacher1045/pdsno/internal/model"
	"github.com/preacher1045/pdsno/internal/store"
)

// activeID is the id of the pointer record in the policies collection.
const activeID = "active"

// recordID names the stored record of a policy version.
func recordID(version string) string { return "policy-" + version }

// Registry stores immutable policy versions and tracks the active one.
type Registry struct {
	coord  *coord.Coordinator
	audit  *audit.Log
	logger *slog.Logger
	docs   *lru.Cache[string, *Document]
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates a Registry. Activations are recorded in log.
func NewRegistry(c *coord.Coordinator, log *audit.Log, opts ...RegistryOption) *Registry {
	// Stored versions never change, so parsed documents can be cached
	// without invalidation.
	docs, _ := lru.New[string, *Document](64)
	r := &Registry{
		coord:  c,
		audit:  log,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		docs:   docs,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// StoredPolicy is a stored version with its parsed document.
type StoredPolicy struct {
	Record   *model.PolicyRecord
	Document *Document
}

// Store saves doc as a new immutable version. Storing an identical
// document under an existing version is a no-op; storing a different
// one is a ValidationError.
func (r *Registry) Store(ctx context.Context, doc *Document, format, loadedBy string) (*model.PolicyRecord, error) {
	if err := doc.check(); err != nil {
		return nil, err
	}
	hash, err := doc.Hash()
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(doc.normalized())
	if err != nil {
		return nil, fmt.Errorf("encode policy %s: %w", doc.Version, err)
	}

	rec := &model.PolicyRecord{
		Entity:        model.Entity{ID: recordID(doc.Version), DataTier: model.DataDurable},
		PolicyVersion: doc.Version,
		Format:        format,
		Document:      body,
		Hash:          hash,
		LoadedBy:      loadedBy,
	}
	err = r.coord.Create(ctx, store.Policies, rec)
	if coord.IsConflict(err) {
		existing, getErr := coord.Get[model.PolicyRecord](ctx, r.coord, store.Policies, recordID(doc.Version))
		if getErr != nil {
			return nil, getErr
		}
		if existing.Hash != hash {
			return nil, &ValidationError{Field: "version", Message: fmt.Sprintf("version %s already stored with different content", doc.Version)}
		}
		return existing, nil
	}
	if err != nil {
		return nil, err
	}
	r.logger.Info("policy stored", "version", doc.Version, "hash", hash, "loaded_by", loadedBy)
	return rec, nil
}

// Get returns a stored version.
func (r *Registry) Get(ctx context.Context, version string) (*StoredPolicy, error) {
	rec, err := coord.Get[model.PolicyRecord](ctx, r.coord, store.Policies, recordID(version))
	if err != nil {
		if coord.IsNotFound(err) {
			return nil, fmt.Errorf("policy version %q: %w", version, err)
		}
		return nil, err
	}
	doc, err := r.parse(rec)
	if err != nil {
		return nil, err
	}
	return &StoredPolicy{Record: rec, Document: doc}, nil
}

func (r *Registry) parse(rec *model.PolicyRecord) (*Document, error) {
	if doc, ok := r.docs.Get(rec.PolicyVersion); ok {
		return doc, nil
	}
	var doc Document
	if err := json.Unmarshal(rec.Document, &doc); err != nil {
		return nil, fmt.Errorf("decode policy %s: %w", rec.PolicyVersion, err)
	}
	r.docs.Add(rec.PolicyVersion, &doc)
	return &doc, nil
}

// Activate makes a stored version the one in force.
func (r *Registry) Activate(ctx context.Context, version, actor string) error {
	sp, err := r.Get(ctx, version)
	if err != nil {
		return err
	}

	var previous string
	_, err = coord.Upsert[model.ActivePolicy](ctx, r.coord, store.Policies, activeID,
		func() (*model.ActivePolicy, error) {
			return &model.ActivePolicy{
				Entity:        model.Entity{DataTier: model.DataDurable},
				PolicyVersion: version,
				ActivatedBy:   actor,
				ActivatedAt:   r.coord.Clock().Now().UTC(),
			}, nil
		},
		func(a *model.ActivePolicy) error {
			if a.PolicyVersion == version {
				return coord.ErrNoChange
			}
			previous = a.PolicyVersion
			a.PolicyVersion = version
			a.ActivatedBy = actor
			a.ActivatedAt = r.coord.Clock().Now().UTC()
			return nil
		})
	if err != nil {
		return fmt.Errorf("activate policy %s: %w", version, err)
	}

	if _, err := r.audit.Append(ctx, audit.Entry{
		Type:     model.EventPolicyActivated,
		Actor:    actor,
		Subject:  recordID(version),
		Action:   "activate",
		Decision: model.DecisionNA,
		Payload: ir.Object{
			"version":  ir.String(version),
			"hash":     ir.String(sp.Record.Hash),
			"previous": ir.String(previous),
		},
	}); err != nil {
		return err
	}
	r.logger.Info("policy activated", "version", version, "previous", previous, "actor", actor)
	return nil
}

// Active returns the version in force.
func (r *Registry) Active(ctx context.Context) (*StoredPolicy, error) {
	ptr, err := coord.Get[model.ActivePolicy](ctx, r.coord, store.Policies, activeID)
	if err != nil {
		if coord.IsNotFound(err) {
			return nil, ErrNoActivePolicy
		}
		return nil, err
	}
	return r.Get(ctx, ptr.PolicyVersion)
}

// Check returns the active policy if version names it, and a
// PolicyMismatchError otherwise. An empty version means the active one.
func (r *Registry) Check(ctx context.Context, version string) (*StoredPolicy, error) {
	active, err := r.Active(ctx)
	if err != nil {
		return nil, err
	}
	if version != "" && version != active.Record.PolicyVersion {
		return nil, &PolicyMismatchError{Requested: version, Active: active.Record.PolicyVersion}
	}
	return active, nil
}

// Versions lists every stored version.
func (r *Registry) Versions(ctx context.Context) ([]*model.PolicyRecord, error) {
	all, err := coord.List[model.PolicyRecord](ctx, r.coord, store.Policies)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, rec := range all {
		if rec.ID != activeID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// IsNoActivePolicy returns true if no policy has been activated.
func IsNoActivePolicy(err error) bool { return errors.Is(err, ErrNoActivePolicy) }
