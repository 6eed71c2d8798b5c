package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/kirillkom/docqa-retrieval/internal/core/domain"
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	return db, mock, func() { _ = db.Close() }
}

func TestGetByIDsDecodesDocs(t *testing.T) {
	db, mock, done := newMockDB(t)
	defer done()

	mock.ExpectQuery("SELECT doc FROM fragments").
		WithArgs(`["f1","f2"]`).
		WillReturnRows(sqlmock.NewRows([]string{"doc"}).
			AddRow([]byte(`{"uuid":"f1","file_uuid":"doc","ori_id":["1,1"],"level":2,"children_fragment_uuids":["f2"]}`)).
			AddRow([]byte(`{"uuid":"f2","file_uuid":"doc","ori_id":["1,2"],"level":3,"leaf":true,"parent_frament_uuid":"f1"}`)))

	got, err := NewFragmentStore(db, nil).GetByIDs(context.Background(), []string{"f1", "f2"})
	if err != nil {
		t.Fatalf("GetByIDs() error = %v", err)
	}
	if len(got) != 2 || got[0].ChildIDs[0] != "f2" || got[1].ParentID != "f1" || !got[1].Leaf {
		t.Fatalf("unexpected fragments %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetByIDsSkipsEmptyInput(t *testing.T) {
	db, mock, done := newMockDB(t)
	defer done()

	got, err := NewFragmentStore(db, nil).GetByIDs(context.Background(), nil)
	if err != nil || got != nil {
		t.Fatalf("expected no-op, got %v %v", got, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetParentsJoinsOnParentID(t *testing.T) {
	db, mock, done := newMockDB(t)
	defer done()

	mock.ExpectQuery(`SELECT DISTINCT p.doc FROM fragments c\s+JOIN fragments p ON p.id = c.parent_id`).
		WithArgs(`["f2"]`).
		WillReturnRows(sqlmock.NewRows([]string{"doc"}).AddRow([]byte(`{"uuid":"f1","level":2}`)))

	got, err := NewFragmentStore(db, nil).GetParents(context.Background(), []string{"f2"})
	if err != nil {
		t.Fatalf("GetParents() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "f1" {
		t.Fatalf("unexpected parents %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestFragmentStoreTagsMalformedDocs(t *testing.T) {
	db, mock, done := newMockDB(t)
	defer done()

	mock.ExpectQuery("SELECT doc FROM fragments").
		WithArgs(`["f1"]`).
		WillReturnRows(sqlmock.NewRows([]string{"doc"}).AddRow([]byte(`{"uuid":`)))

	_, err := NewFragmentStore(db, nil).GetChildren(context.Background(), []string{"f1"})
	if !domain.IsKind(err, domain.ErrMalformedPayload) {
		t.Fatalf("expected malformed payload, got %v", err)
	}
}

func TestFragmentStoreTagsQueryFailures(t *testing.T) {
	db, mock, done := newMockDB(t)
	defer done()

	mock.ExpectQuery("SELECT doc FROM fragments").
		WithArgs("doc").
		WillReturnError(errors.New("connection reset"))

	_, err := NewFragmentStore(db, nil).ListByFile(context.Background(), "doc")
	if !domain.IsKind(err, domain.ErrUpstreamUnavailable) {
		t.Fatalf("expected upstream unavailable, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetByLocatorsReturnsFoundContent(t *testing.T) {
	db, mock, done := newMockDB(t)
	defer done()

	mock.ExpectQuery("SELECT locator, content FROM contents").
		WithArgs("doc", `["1,1","1,2"]`).
		WillReturnRows(sqlmock.NewRows([]string{"locator", "content"}).AddRow("1,1", "revenue grew"))

	got, err := NewContentStore(db, nil).GetByLocators(context.Background(), "doc", []string{"1,1", "1,2"})
	if err != nil {
		t.Fatalf("GetByLocators() error = %v", err)
	}
	if len(got) != 1 || got["1,1"] != "revenue grew" {
		t.Fatalf("unexpected content %v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestEnsureSchemaTakesAdvisoryLock(t *testing.T) {
	db, mock, done := newMockDB(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS fragments").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	if err := EnsureSchema(context.Background(), db); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
