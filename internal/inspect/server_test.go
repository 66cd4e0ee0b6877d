package inspect

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"runloop/internal/journal"
	"runloop/loop"
)

func newTestLoop(t *testing.T) *loop.Loop {
	t.Helper()
	return loop.New(loop.WithErrorSink(func(loop.TaskError) {}))
}

func TestHealth(t *testing.T) {
	srv := NewServer(newTestLoop(t), nil)

	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
}

func TestStats(t *testing.T) {
	lp := newTestLoop(t)
	_, err := lp.QueueMicrotask(func() {})
	require.NoError(t, err)
	lp.RunUntilIdle()

	srv := NewServer(lp, nil)
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/stats", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var st loop.Stats
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	assert.Equal(t, lp.ID(), st.LoopID)
	assert.Equal(t, uint64(1), st.ExecutedMicrotasks)
}

func TestJournalRoutesDisabledWithoutRecorder(t *testing.T) {
	srv := NewServer(newTestLoop(t), nil)

	for _, path := range []string{"/journal/tasks", "/journal/rejections"} {
		rr := httptest.NewRecorder()
		srv.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, rr.Code, path)
	}
}

func TestJournalTasks(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, journal.EnsureSchema(db))

	rec := journal.NewRecorder(db)
	require.NoError(t, rec.RecordTask(context.Background(), loop.TaskRecord{
		LoopID:  "loop_test",
		Kind:    loop.Microtask,
		Seq:     7,
		FiredAt: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}))

	srv := NewServer(newTestLoop(t), rec)
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/journal/tasks?limit=5", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var events []journal.TaskEvent
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, uint64(7), events[0].Seq)
	assert.Equal(t, "microtask", events[0].Kind)
}

func TestDebugRoutesGatedBehindFlag(t *testing.T) {
	lp := newTestLoop(t)

	rr := httptest.NewRecorder()
	NewServer(lp, nil).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = httptest.NewRecorder()
	NewServerWithDebug(lp, nil, true).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}
