package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func TestSaveDocumentRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	snapshot := []byte(`{"entries":[{"key":"title","value":"X","clock":1,"writer":"w"}]}`)
	version, err := store.SaveDocument(ctx, "doc-1", snapshot)
	if err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	if version != 1 {
		t.Fatalf("expected version 1 for new document, got %d", version)
	}

	loaded, err := store.LoadDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if !bytes.Equal(loaded, snapshot) {
		t.Fatalf("loaded snapshot differs: %s vs %s", loaded, snapshot)
	}
}

func TestSaveDocumentVersionsAreMonotonic(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	const saves = 5
	for i := 1; i <= saves; i++ {
		version, err := store.SaveDocument(ctx, "doc-1", []byte(fmt.Sprintf(`{"pass":%d}`, i)))
		if err != nil {
			t.Fatalf("unexpected save error on pass %d: %v", i, err)
		}
		if version != int64(i) {
			t.Fatalf("expected version %d, got %d", i, version)
		}
	}

	var stored Document
	if err := db.Take(&stored).Error; err != nil {
		t.Fatalf("failed to load stored document: %v", err)
	}
	if stored.Version != saves {
		t.Fatalf("expected stored version %d, got %d", saves, stored.Version)
	}
}

func TestLoadDocumentReportsNotFound(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.LoadDocument(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListUpdatesSinceFiltersByCursor(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		if err := store.AppendUpdate(ctx, "doc-1", []byte(fmt.Sprintf(`{"n":%d}`, i))); err != nil {
			t.Fatalf("unexpected append error: %v", err)
		}
	}
	if err := store.AppendUpdate(ctx, "doc-2", []byte(`{"other":true}`)); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}

	all, err := store.ListUpdatesSince(ctx, "doc-1", 0, 0)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 updates, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].UpdateID <= all[i-1].UpdateID {
			t.Fatalf("expected ascending update ids, got %d then %d", all[i-1].UpdateID, all[i].UpdateID)
		}
	}

	tail, err := store.ListUpdatesSince(ctx, "doc-1", all[1].UpdateID, 0)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(tail) != 2 {
		t.Fatalf("expected 2 updates after cursor, got %d", len(tail))
	}
	if tail[0].UpdateID != all[2].UpdateID {
		t.Fatalf("expected first tail id %d, got %d", all[2].UpdateID, tail[0].UpdateID)
	}

	capped, err := store.ListUpdatesSince(ctx, "doc-1", 0, 2)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(capped) != 2 {
		t.Fatalf("expected limit of 2 to apply, got %d", len(capped))
	}
}

func TestDeleteDocumentRemovesAllRows(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	if _, err := store.SaveDocument(ctx, "doc-1", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	if err := store.AppendUpdate(ctx, "doc-1", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}
	if err := store.SaveMetadata(ctx, "doc-1", "Notes", "shared notes", "ada"); err != nil {
		t.Fatalf("unexpected metadata error: %v", err)
	}

	if err := store.DeleteDocument(ctx, "doc-1"); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}

	for _, model := range []any{&Document{}, &UpdateRecord{}, &DocumentMetadata{}} {
		var count int64
		if err := db.Model(model).Count(&count).Error; err != nil {
			t.Fatalf("failed to count rows: %v", err)
		}
		if count != 0 {
			t.Fatalf("expected no rows left for %T, got %d", model, count)
		}
	}
}

func TestSaveMetadataUpserts(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.SaveMetadata(ctx, "doc-1", "First", "", "ada"); err != nil {
		t.Fatalf("unexpected metadata error: %v", err)
	}
	if err := store.SaveMetadata(ctx, "doc-1", "Second", "renamed", "ada"); err != nil {
		t.Fatalf("unexpected metadata error: %v", err)
	}

	metadata, err := store.GetMetadata(ctx, "doc-1")
	if err != nil {
		t.Fatalf("unexpected metadata read error: %v", err)
	}
	if metadata.Name != "Second" || metadata.Description != "renamed" {
		t.Fatalf("unexpected metadata after upsert: %+v", metadata)
	}

	if _, err := store.GetMetadata(ctx, "doc-2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing metadata, got %v", err)
	}
}

func TestGetStatsCountsRows(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for _, docID := range []string{"doc-1", "doc-2"} {
		if _, err := store.SaveDocument(ctx, docID, []byte(`{"a":1}`)); err != nil {
			t.Fatalf("unexpected save error: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		if err := store.AppendUpdate(ctx, "doc-1", []byte(`{"a":1}`)); err != nil {
			t.Fatalf("unexpected append error: %v", err)
		}
	}

	stats, err := store.GetStats(ctx)
	if err != nil {
		t.Fatalf("unexpected stats error: %v", err)
	}
	if stats.Documents != 2 || stats.Updates != 3 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestListDocumentIDsNewestFirst(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	seed := []Document{
		{DocID: "older", Snapshot: []byte(`{}`), Version: 1, CreatedAtSeconds: 100, UpdatedAtSeconds: 100},
		{DocID: "newer", Snapshot: []byte(`{}`), Version: 1, CreatedAtSeconds: 200, UpdatedAtSeconds: 200},
	}
	for _, doc := range seed {
		if err := db.Create(&doc).Error; err != nil {
			t.Fatalf("failed to seed document: %v", err)
		}
	}

	ids, err := store.ListDocumentIDs(ctx)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(ids) != 2 || ids[0] != "newer" || ids[1] != "older" {
		t.Fatalf("unexpected ordering: %v", ids)
	}
}

func newTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:relaypad_store_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Document{}, &UpdateRecord{}, &DocumentMetadata{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := func() time.Time { return time.Unix(1700000600, 0).UTC() }
	store, err := NewStore(Config{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store, db
}
