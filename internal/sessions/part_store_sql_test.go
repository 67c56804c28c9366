package sessions

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/haasonsaas/nexus/pkg/models"
)

func newMockStore(t *testing.T) (*SQLPartStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewSQLPartStoreWithDB(db), mock
}

var partCols = []string{
	"id", "message_id", "kind", "role", "text_content", "call_id", "tool_name", "status",
	"input", "output", "is_pruned", "spill_path", "summary", "compacted_message_count",
	"compacted_token_count", "compacted_at", "created_at", "updated_at",
}

func TestSQLPartStoreAppendPart(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectExec("INSERT INTO message_parts").
		WithArgs("p1", "s1", "m1", string(models.PartText), "user", "hello",
			"", "", "", "", "", false, "", "", 0, 0, sqlmock.AnyArg(), now, now).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.AppendPart(context.Background(), "s1", models.MessagePart{
		ID: "p1", MessageID: "m1", Kind: models.PartText, Role: "user", Text: "hello",
		CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("AppendPart returned error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSQLPartStoreLoadParts(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	rows := sqlmock.NewRows(partCols).
		AddRow("p1", "m1", string(models.PartText), "user", "hi", "", "", "", "", "", false, "", "", 0, 0, nil, now, now).
		AddRow("p2", "m2", string(models.PartTool), "", "", "c1", "bash", string(models.ToolPartCompleted), `{"command":"ls"}`, "a\nb", false, "", "", 0, 0, nil, now, now)

	mock.ExpectQuery("FROM message_parts WHERE session_id").
		WithArgs("s1").
		WillReturnRows(rows)

	parts := store.LoadParts(context.Background(), "s1")
	if len(parts) != 2 {
		t.Fatalf("LoadParts returned %d parts, want 2", len(parts))
	}
	if parts[0].Text != "hi" || parts[0].Role != "user" {
		t.Errorf("first part = %+v", parts[0])
	}
	if parts[1].ToolName != "bash" || parts[1].Status != models.ToolPartCompleted {
		t.Errorf("second part = %+v", parts[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSQLPartStoreLoadMessagesExcludesCompacted(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	rows := sqlmock.NewRows([]string{"id", "session_id", "role", "content", "is_compacted", "sequence", "created_at"}).
		AddRow("m3", "s1", string(models.RoleUser), "latest", false, int64(3), now)

	mock.ExpectQuery("is_compacted = FALSE").
		WithArgs("s1").
		WillReturnRows(rows)

	msgs := store.LoadMessages(context.Background(), "s1")
	if len(msgs) != 1 || msgs[0].ID != "m3" || msgs[0].Sequence != 3 {
		t.Fatalf("LoadMessages = %+v", msgs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSQLPartStoreMarkCompacted(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE session_messages SET is_compacted").
		WithArgs("m1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE session_messages SET is_compacted").
		WithArgs("m2").WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.MarkCompacted(context.Background(), []string{"m1", "m2"}); err != nil {
		t.Fatalf("MarkCompacted returned error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSQLPartStoreListAfter(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	rows := sqlmock.NewRows([]string{"id", "session_id", "role", "content", "is_compacted", "sequence", "created_at"}).
		AddRow("m4", "s1", string(models.RoleAssistant), "after", false, int64(4), now)

	mock.ExpectQuery("sequence > COALESCE").
		WithArgs("s1", "m3").
		WillReturnRows(rows)

	msgs := store.ListAfter(context.Background(), "s1", "m3")
	if len(msgs) != 1 || msgs[0].ID != "m4" {
		t.Fatalf("ListAfter = %+v", msgs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSQLPartStoreMostRecentCompaction(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	rows := sqlmock.NewRows(partCols).
		AddRow("c2", "m9", string(models.PartCompaction), "", "", "", "", "", "", "", false, "", "the summary", 12, 54000, now, now, now)

	mock.ExpectQuery("ORDER BY compacted_at DESC LIMIT 1").
		WithArgs("s1", string(models.PartCompaction)).
		WillReturnRows(rows)

	part, ok := store.MostRecentCompaction(context.Background(), "s1")
	if !ok || part.Summary != "the summary" || part.CompactedMessageCount != 12 {
		t.Fatalf("MostRecentCompaction = (%+v, %v)", part, ok)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
