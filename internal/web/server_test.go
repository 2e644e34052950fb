package web

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/conorfennell/tactix/internal/domain"
	"github.com/conorfennell/tactix/internal/review"
	"github.com/conorfennell/tactix/internal/srs"
	"github.com/conorfennell/tactix/internal/storage"
)

func newTestServer(t *testing.T) (*Server, *storage.DB) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.sqlite3"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	if err := db.EnsureUser(ctx, 1, "me"); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertPuzzles(ctx, []domain.Puzzle{
		{ID: "aaa", Rating: 1500, Themes: "fork", FEN: "fen", Moves: "e2e4"},
		{ID: "bbb", Rating: 1600, Themes: "pin", FEN: "fen", Moves: "d2d4"},
	}); err != nil {
		t.Fatal(err)
	}

	svc := review.NewService(db, srs.DefaultParams())
	srv := NewServer(db, svc, Options{
		UserID:         1,
		QueueCap:       60,
		IncludeOverdue: true,
		DedupWindow:    2 * time.Second,
	})
	return srv, db
}

func postLog(srv *Server, puzzleID, result string) *httptest.ResponseRecorder {
	form := url.Values{"puzzle_id": {puzzleID}, "result": {result}}
	req := httptest.NewRequest(http.MethodPost, "/log", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestIndexRedirectsToQueue(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/queue" {
		t.Errorf("got %d -> %q", rec.Code, rec.Header().Get("Location"))
	}
}

func TestQueuePage(t *testing.T) {
	srv, _ := newTestServer(t)

	// Empty queue first.
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/queue", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("queue status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Nothing due") {
		t.Errorf("empty queue page missing placeholder")
	}

	// A loss makes the puzzle due tomorrow; move the clock a day ahead.
	if rec := postLog(srv, "aaa", "loss"); rec.Code != http.StatusSeeOther {
		t.Fatalf("log status %d: %s", rec.Code, rec.Body.String())
	}
	srv.now = func() time.Time { return time.Now().AddDate(0, 0, 1) }

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/queue", nil))
	body := rec.Body.String()
	if !strings.Contains(body, "lichess.org/training/aaa") {
		t.Errorf("due puzzle missing from queue page:\n%s", body)
	}
	if !strings.Contains(body, "fork") {
		t.Errorf("themes missing from queue page")
	}
}

func TestPostLogRecordsAttempt(t *testing.T) {
	srv, db := newTestServer(t)

	if rec := postLog(srv, "aaa", "win"); rec.Code != http.StatusSeeOther {
		t.Fatalf("log status %d: %s", rec.Code, rec.Body.String())
	}

	record, err := db.FindRecord(context.Background(), 1, "aaa")
	if err != nil || record == nil {
		t.Fatalf("FindRecord: %v, %v", record, err)
	}
	if record.SuccessStreak != 1 {
		t.Errorf("streak %d after logged win", record.SuccessStreak)
	}
}

func TestPostLogDedupWindow(t *testing.T) {
	srv, db := newTestServer(t)

	if rec := postLog(srv, "aaa", "win"); rec.Code != http.StatusSeeOther {
		t.Fatal("first submit failed")
	}
	// Same result inside the window is absorbed, not an error.
	if rec := postLog(srv, "aaa", "win"); rec.Code != http.StatusSeeOther {
		t.Errorf("double-click got %d", rec.Code)
	}

	attempts, err := db.AttemptsForPuzzle(context.Background(), 1, "aaa")
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 1 {
		t.Errorf("dedup window let %d attempts through", len(attempts))
	}
}

func TestPostLogErrorMapping(t *testing.T) {
	srv, _ := newTestServer(t)

	if rec := postLog(srv, "nope", "win"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown puzzle got %d", rec.Code)
	}
	if rec := postLog(srv, "aaa", "draw"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad result got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/log", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /log got %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("health body %q", rec.Body.String())
	}
}
