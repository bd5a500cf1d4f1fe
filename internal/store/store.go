package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound indicates that no row exists for the requested identifier.
	ErrNotFound = errors.New("store: not found")

	errMissingDatabase = errors.New("database handle is required")
	errMissingDocID    = errors.New("document identifier is required")
	errEmptySnapshot   = errors.New("snapshot payload is required")
	errEmptyPayload    = errors.New("update payload is required")
	noOpLogger         = zap.NewNop()
)

const (
	opStoreNew        = "store.new"
	opSaveDocument    = "store.save_document"
	opLoadDocument    = "store.load_document"
	opAppendUpdate    = "store.append_update"
	opListUpdates     = "store.list_updates_since"
	opDeleteDocument  = "store.delete_document"
	opSaveMetadata    = "store.save_metadata"
	opGetMetadata     = "store.get_metadata"
	opListDocumentIDs = "store.list_document_ids"
	opGetStats        = "store.get_stats"

	fieldDocID = "doc_id"
	queryDocID = fieldDocID + " = ?"

	// DefaultUpdateBatchLimit caps a ListUpdatesSince batch.
	DefaultUpdateBatchLimit = 1000
)

// StoreError carries an operation.reason code and the underlying cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Config describes the dependencies required to build a Store.
type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store persists document snapshots, the append-only update log, and
// document metadata. Failures on the write path are logged and reported to
// the caller; they never escalate beyond an error return.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// SaveDocument upserts the full snapshot for a document. The stored version
// is the prior version plus one, starting at 1 for a new document.
func (s *Store) SaveDocument(ctx context.Context, docID string, snapshot []byte) (int64, error) {
	if strings.TrimSpace(docID) == "" {
		return 0, newStoreError(opSaveDocument, "missing_doc_id", errMissingDocID)
	}
	if len(snapshot) == 0 {
		return 0, newStoreError(opSaveDocument, "empty_snapshot", errEmptySnapshot)
	}

	nowSeconds := s.clock().UTC().Unix()
	var version int64
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Document
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryDocID, docID).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			version = 1
			return tx.Create(&Document{
				DocID:            docID,
				Snapshot:         snapshot,
				Version:          version,
				CreatedAtSeconds: nowSeconds,
				UpdatedAtSeconds: nowSeconds,
			}).Error
		}
		if err != nil {
			return err
		}
		version = existing.Version + 1
		existing.Snapshot = snapshot
		existing.Version = version
		existing.UpdatedAtSeconds = nowSeconds
		return tx.Save(&existing).Error
	})
	if txErr != nil {
		s.logError(opSaveDocument, "upsert_failed", txErr, zap.String(fieldDocID, docID))
		return 0, newStoreError(opSaveDocument, "upsert_failed", txErr)
	}
	return version, nil
}

// LoadDocument returns the stored snapshot bytes for a document.
func (s *Store) LoadDocument(ctx context.Context, docID string) ([]byte, error) {
	if strings.TrimSpace(docID) == "" {
		return nil, newStoreError(opLoadDocument, "missing_doc_id", errMissingDocID)
	}

	var document Document
	err := s.db.WithContext(ctx).Where(queryDocID, docID).Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		s.logError(opLoadDocument, "query_failed", err, zap.String(fieldDocID, docID))
		return nil, newStoreError(opLoadDocument, "query_failed", err)
	}
	return document.Snapshot, nil
}

// AppendUpdate inserts one delta into the append-only update log.
func (s *Store) AppendUpdate(ctx context.Context, docID string, payload []byte) error {
	if strings.TrimSpace(docID) == "" {
		return newStoreError(opAppendUpdate, "missing_doc_id", errMissingDocID)
	}
	if len(payload) == 0 {
		return newStoreError(opAppendUpdate, "empty_payload", errEmptyPayload)
	}

	record := UpdateRecord{
		DocID:            docID,
		Payload:          payload,
		AppliedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opAppendUpdate, "insert_failed", err, zap.String(fieldDocID, docID))
		return newStoreError(opAppendUpdate, "insert_failed", err)
	}
	return nil
}

// ListUpdatesSince returns updates with identifiers greater than cursor in
// ascending order, capped at limit (DefaultUpdateBatchLimit when limit is
// not positive). This is an audit and replay feed; recovery always starts
// from the latest snapshot.
func (s *Store) ListUpdatesSince(ctx context.Context, docID string, cursor int64, limit int) ([]UpdateRecord, error) {
	if strings.TrimSpace(docID) == "" {
		return nil, newStoreError(opListUpdates, "missing_doc_id", errMissingDocID)
	}
	if limit <= 0 {
		limit = DefaultUpdateBatchLimit
	}

	var records []UpdateRecord
	err := s.db.WithContext(ctx).
		Where(queryDocID+" AND update_id > ?", docID, cursor).
		Order("update_id ASC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		s.logError(opListUpdates, "query_failed", err, zap.String(fieldDocID, docID))
		return nil, newStoreError(opListUpdates, "query_failed", err)
	}
	return records, nil
}

// DeleteDocument removes the document snapshot, its update log, and its
// metadata in a single transaction.
func (s *Store) DeleteDocument(ctx context.Context, docID string) error {
	if strings.TrimSpace(docID) == "" {
		return newStoreError(opDeleteDocument, "missing_doc_id", errMissingDocID)
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where(queryDocID, docID).Delete(&UpdateRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where(queryDocID, docID).Delete(&DocumentMetadata{}).Error; err != nil {
			return err
		}
		return tx.Where(queryDocID, docID).Delete(&Document{}).Error
	})
	if txErr != nil {
		s.logError(opDeleteDocument, "transaction_failed", txErr, zap.String(fieldDocID, docID))
		return newStoreError(opDeleteDocument, "transaction_failed", txErr)
	}
	return nil
}

// SaveMetadata upserts the metadata row for a document.
func (s *Store) SaveMetadata(ctx context.Context, docID, name, description, owner string) error {
	if strings.TrimSpace(docID) == "" {
		return newStoreError(opSaveMetadata, "missing_doc_id", errMissingDocID)
	}

	metadata := DocumentMetadata{
		DocID:            docID,
		Name:             name,
		Description:      description,
		Owner:            owner,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: fieldDocID}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "description", "owner"}),
		}).
		Create(&metadata).Error
	if err != nil {
		s.logError(opSaveMetadata, "upsert_failed", err, zap.String(fieldDocID, docID))
		return newStoreError(opSaveMetadata, "upsert_failed", err)
	}
	return nil
}

// GetMetadata returns the metadata row for a document.
func (s *Store) GetMetadata(ctx context.Context, docID string) (DocumentMetadata, error) {
	if strings.TrimSpace(docID) == "" {
		return DocumentMetadata{}, newStoreError(opGetMetadata, "missing_doc_id", errMissingDocID)
	}

	var metadata DocumentMetadata
	err := s.db.WithContext(ctx).Where(queryDocID, docID).Take(&metadata).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DocumentMetadata{}, ErrNotFound
	}
	if err != nil {
		s.logError(opGetMetadata, "query_failed", err, zap.String(fieldDocID, docID))
		return DocumentMetadata{}, newStoreError(opGetMetadata, "query_failed", err)
	}
	return metadata, nil
}

// ListDocumentIDs returns all persisted document identifiers, newest first.
func (s *Store) ListDocumentIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&Document{}).
		Order("created_at_s DESC").
		Pluck(fieldDocID, &ids).Error
	if err != nil {
		s.logError(opListDocumentIDs, "query_failed", err)
		return nil, newStoreError(opListDocumentIDs, "query_failed", err)
	}
	return ids, nil
}

// Stats aggregates row counts across the persistence log.
type Stats struct {
	Documents int64 `json:"documents"`
	Updates   int64 `json:"updates"`
}

// GetStats returns aggregate counts for documents and logged updates.
func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := s.db.WithContext(ctx).Model(&Document{}).Count(&stats.Documents).Error; err != nil {
		s.logError(opGetStats, "document_count_failed", err)
		return Stats{}, newStoreError(opGetStats, "document_count_failed", err)
	}
	if err := s.db.WithContext(ctx).Model(&UpdateRecord{}).Count(&stats.Updates).Error; err != nil {
		s.logError(opGetStats, "update_count_failed", err)
		return Stats{}, newStoreError(opGetStats, "update_count_failed", err)
	}
	return stats, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("store error", attrs...)
}
