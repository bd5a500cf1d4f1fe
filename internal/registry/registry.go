package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/relaypad/relaypad/internal/merge"
	"github.com/relaypad/relaypad/internal/store"
)

var (
	// ErrDestroyed indicates that an update raced a destroy for the same
	// document; the update is rejected rather than recreating the document.
	ErrDestroyed = errors.New("registry: document destroyed")

	errMissingStore    = errors.New("store is required")
	errMissingDocID    = errors.New("document identifier is required")
	errMissingWriterID = errors.New("writer identifier is required")
	noOpLogger         = zap.NewNop()
)

const (
	opRegistryNew = "registry.new"
	opApplyUpdate = "registry.apply_update"
	opLoad        = "registry.load"
	opDestroy     = "registry.destroy"

	fieldDocID = "doc_id"
)

// Config describes the dependencies required to build a Registry.
type Config struct {
	Store    *store.Store
	Clock    func() time.Time
	Logger   *zap.Logger
	WriterID string
}

// Registry owns the live merge state for every open document and bridges it
// to the persistence log. All mutation of one document is serialized on that
// document's handle; different documents proceed concurrently.
type Registry struct {
	store    *store.Store
	clock    func() time.Time
	logger   *zap.Logger
	writerID string

	mu   sync.Mutex
	docs map[string]*document

	degradedWrites atomic.Int64
}

// document is the live handle for one docID. Its mutex is the single
// serialization point for merge application, persistence, and destroy.
type document struct {
	mu        sync.Mutex
	state     *merge.State
	loaded    bool
	destroyed bool
}

// NewRegistry validates the configuration and returns a Registry.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%s: %w", opRegistryNew, errMissingStore)
	}
	if strings.TrimSpace(cfg.WriterID) == "" {
		return nil, fmt.Errorf("%s: %w", opRegistryNew, errMissingWriterID)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Registry{
		store:    cfg.Store,
		clock:    clock,
		logger:   logger,
		writerID: cfg.WriterID,
		docs:     make(map[string]*document),
	}, nil
}

// ApplyResult reports the outcome of a successfully merged delta.
type ApplyResult struct {
	// Snapshot is the full-state encoding after the delta was merged.
	Snapshot []byte
	// Version is the persisted document version, or 0 when the durability
	// attempt failed and the document is serving from memory only.
	Version int64
	// Durable reports whether both persistence writes succeeded.
	Durable bool
}

// ApplyUpdate merges a delta into the document and, on success, performs one
// write-through persistence pass: the full snapshot into the documents table
// and the delta into the update log. A merge rejection leaves the document
// byte-for-byte unchanged. A persistence failure is logged and counted but
// does not fail the call; the document keeps serving from memory.
func (r *Registry) ApplyUpdate(ctx context.Context, docID string, delta []byte) (ApplyResult, error) {
	doc, err := r.handle(docID)
	if err != nil {
		return ApplyResult{}, err
	}

	doc.mu.Lock()
	defer doc.mu.Unlock()
	if doc.destroyed {
		return ApplyResult{}, ErrDestroyed
	}
	r.ensureLoaded(ctx, docID, doc)

	if err := doc.state.ApplyDelta(delta); err != nil {
		return ApplyResult{}, err
	}
	return r.persistLocked(ctx, docID, doc, delta), nil
}

// SetKey assigns value to key through the same serialization point as
// ApplyUpdate and returns the generated delta for relaying.
func (r *Registry) SetKey(ctx context.Context, docID, key string, value any) ([]byte, ApplyResult, error) {
	return r.assign(ctx, docID, func(state *merge.State) ([]byte, error) {
		return state.AssignDelta(key, value)
	})
}

// ReplaceArray replaces the array stored under name through the same
// serialization point as ApplyUpdate and returns the generated delta.
func (r *Registry) ReplaceArray(ctx context.Context, docID, name string, items []any) ([]byte, ApplyResult, error) {
	return r.assign(ctx, docID, func(state *merge.State) ([]byte, error) {
		return state.AssignDelta(name, items)
	})
}

// SetText sets or appends to the shared text stored under name and returns
// the generated delta. When replace is false the content is appended to the
// current text.
func (r *Registry) SetText(ctx context.Context, docID, name, content string, replace bool) ([]byte, ApplyResult, error) {
	return r.assign(ctx, docID, func(state *merge.State) ([]byte, error) {
		next := content
		if !replace {
			if current, ok := state.TextValue(name); ok {
				next = current + content
			}
		}
		return state.AssignDelta(name, next)
	})
}

// FullState returns the deterministic full-state encoding of the document,
// equivalent to replaying every successfully applied delta from empty.
func (r *Registry) FullState(ctx context.Context, docID string) ([]byte, error) {
	doc, err := r.handle(docID)
	if err != nil {
		return nil, err
	}

	doc.mu.Lock()
	defer doc.mu.Unlock()
	if doc.destroyed {
		return nil, ErrDestroyed
	}
	r.ensureLoaded(ctx, docID, doc)
	return doc.state.EncodeFull(), nil
}

// DocumentJSON returns the document's key to value mapping.
func (r *Registry) DocumentJSON(ctx context.Context, docID string) (map[string]json.RawMessage, error) {
	doc, err := r.handle(docID)
	if err != nil {
		return nil, err
	}

	doc.mu.Lock()
	defer doc.mu.Unlock()
	if doc.destroyed {
		return nil, ErrDestroyed
	}
	r.ensureLoaded(ctx, docID, doc)
	return doc.state.SnapshotJSON(), nil
}

// TextValue returns the shared text stored under name.
func (r *Registry) TextValue(ctx context.Context, docID, name string) (string, bool, error) {
	doc, err := r.handle(docID)
	if err != nil {
		return "", false, err
	}

	doc.mu.Lock()
	defer doc.mu.Unlock()
	if doc.destroyed {
		return "", false, ErrDestroyed
	}
	r.ensureLoaded(ctx, docID, doc)
	text, ok := doc.state.TextValue(name)
	return text, ok, nil
}

// Destroy tombstones the live handle, deletes every persisted row for the
// document, and only then drops the handle from the registry. The tombstone
// and the row deletion happen under the handle mutex, so an update racing
// the destroy serializes on the same handle and fails with ErrDestroyed
// instead of recreating the document through a fresh handle.
func (r *Registry) Destroy(ctx context.Context, docID string) error {
	doc, err := r.handle(docID)
	if err != nil {
		return fmt.Errorf("%s: %w", opDestroy, err)
	}

	doc.mu.Lock()
	defer doc.mu.Unlock()
	doc.destroyed = true

	if err := r.store.DeleteDocument(ctx, docID); err != nil {
		r.logger.Error("registry error",
			zap.String("operation", opDestroy),
			zap.String("reason", "delete_failed"),
			zap.Error(err),
			zap.String(fieldDocID, docID))
		return err
	}

	r.mu.Lock()
	if r.docs[docID] == doc {
		delete(r.docs, docID)
	}
	r.mu.Unlock()
	return nil
}

// RegistryStats reports live-state counters alongside the store aggregates.
type RegistryStats struct {
	OpenDocuments  int         `json:"open_documents"`
	DegradedWrites int64       `json:"degraded_writes"`
	Store          store.Stats `json:"store"`
}

// Stats returns live and persisted aggregates, including the count of
// persistence attempts that failed while the document kept serving from
// memory.
func (r *Registry) Stats(ctx context.Context) (RegistryStats, error) {
	storeStats, err := r.store.GetStats(ctx)
	if err != nil {
		return RegistryStats{}, err
	}

	r.mu.Lock()
	open := len(r.docs)
	r.mu.Unlock()

	return RegistryStats{
		OpenDocuments:  open,
		DegradedWrites: r.degradedWrites.Load(),
		Store:          storeStats,
	}, nil
}

func (r *Registry) assign(ctx context.Context, docID string, build func(*merge.State) ([]byte, error)) ([]byte, ApplyResult, error) {
	doc, err := r.handle(docID)
	if err != nil {
		return nil, ApplyResult{}, err
	}

	doc.mu.Lock()
	defer doc.mu.Unlock()
	if doc.destroyed {
		return nil, ApplyResult{}, ErrDestroyed
	}
	r.ensureLoaded(ctx, docID, doc)

	delta, err := build(doc.state)
	if err != nil {
		return nil, ApplyResult{}, err
	}
	if err := doc.state.ApplyDelta(delta); err != nil {
		return nil, ApplyResult{}, err
	}
	return delta, r.persistLocked(ctx, docID, doc, delta), nil
}

// persistLocked runs the write-through pass. Callers hold doc.mu; storage is
// assumed to complete quickly, so the lock is held across the writes to keep
// apply order, log order, and broadcast order identical.
func (r *Registry) persistLocked(ctx context.Context, docID string, doc *document, delta []byte) ApplyResult {
	result := ApplyResult{Snapshot: doc.state.EncodeFull(), Durable: true}

	version, err := r.store.SaveDocument(ctx, docID, result.Snapshot)
	if err != nil {
		result.Durable = false
		r.degradedWrites.Add(1)
		r.logger.Error("registry error",
			zap.String("operation", opApplyUpdate),
			zap.String("reason", "snapshot_write_failed"),
			zap.Error(err),
			zap.String(fieldDocID, docID))
	} else {
		result.Version = version
	}

	if err := r.store.AppendUpdate(ctx, docID, delta); err != nil {
		result.Durable = false
		r.degradedWrites.Add(1)
		r.logger.Error("registry error",
			zap.String("operation", opApplyUpdate),
			zap.String("reason", "update_log_write_failed"),
			zap.Error(err),
			zap.String(fieldDocID, docID))
	}
	return result
}

func (r *Registry) handle(docID string) (*document, error) {
	if strings.TrimSpace(docID) == "" {
		return nil, errMissingDocID
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[docID]
	if !ok {
		doc = &document{state: merge.NewState(r.writerID)}
		r.docs[docID] = doc
	}
	return doc, nil
}

// ensureLoaded hydrates the handle from the persisted snapshot on first
// access. The load goes through the merge path but never back into the
// store, so reloading does not re-trigger persistence. Corrupt bytes are
// logged and treated as an empty document.
func (r *Registry) ensureLoaded(ctx context.Context, docID string, doc *document) {
	if doc.loaded {
		return
	}
	doc.loaded = true

	snapshot, err := r.store.LoadDocument(ctx, docID)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		r.logger.Warn("registry load skipped",
			zap.String("operation", opLoad),
			zap.String("reason", "load_failed"),
			zap.Error(err),
			zap.String(fieldDocID, docID))
		return
	}
	if err := doc.state.Load(snapshot); err != nil {
		r.logger.Warn("registry load skipped",
			zap.String("operation", opLoad),
			zap.String("reason", "corrupt_snapshot"),
			zap.Error(err),
			zap.String(fieldDocID, docID))
	}
}
