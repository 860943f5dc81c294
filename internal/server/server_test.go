package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attendance-mail/attendance/internal/config"
	"github.com/attendance-mail/attendance/internal/history"
	"github.com/attendance-mail/attendance/internal/logger"
	"github.com/attendance-mail/attendance/internal/pipeline"
)

func init() {
	logger.Silence()
}

type fakeRunner struct {
	mu      sync.Mutex
	modes   []pipeline.Mode
	err     error
	started chan struct{}
	release chan struct{}
	ctxErr  error // ctx.Err() once the run was released
}

func (f *fakeRunner) Run(ctx context.Context, mode pipeline.Mode) (*pipeline.Result, error) {
	f.mu.Lock()
	f.modes = append(f.modes, mode)
	release := f.release
	f.mu.Unlock()

	if f.started != nil {
		close(f.started)
	}
	if release != nil {
		<-release
	}
	f.mu.Lock()
	f.ctxErr = ctx.Err()
	f.mu.Unlock()
	res := &pipeline.Result{RunID: "run-1", Mode: mode, Success: f.err == nil}
	if f.err != nil {
		res.Error = f.err.Error()
	}
	return res, f.err
}

type fakeRuns struct {
	runs []history.Run
	err  error
}

func (f fakeRuns) GetRecentRuns(limit int) ([]history.Run, error) { return f.runs, f.err }

func do(t *testing.T, h http.Handler, method, path, token string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var body map[string]interface{}
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	return rec, body
}

func TestHealthNeedsNoToken(t *testing.T) {
	s := NewServer(config.ServerConfig{Token: "secret"}, &fakeRunner{}, nil)

	rec, body := do(t, s.Router(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestRunRoutes(t *testing.T) {
	tests := []struct {
		path string
		mode pipeline.Mode
	}{
		{"/run/all", pipeline.ModeAll},
		{"/run/deductions", pipeline.ModeDeductions},
		{"/run/report", pipeline.ModeReport},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			runner := &fakeRunner{}
			s := NewServer(config.ServerConfig{Token: "secret"}, runner, nil)

			rec, body := do(t, s.Router(), http.MethodPost, tt.path, "secret")
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, string(JobStatusCompleted), body["status"])
			assert.Equal(t, []pipeline.Mode{tt.mode}, runner.modes)

			result, ok := body["result"].(map[string]interface{})
			require.True(t, ok)
			assert.Equal(t, true, result["success"])
		})
	}
}

func TestRunRequiresToken(t *testing.T) {
	runner := &fakeRunner{}
	s := NewServer(config.ServerConfig{Token: "secret"}, runner, nil)

	rec, _ := do(t, s.Router(), http.MethodPost, "/run/all", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = do(t, s.Router(), http.MethodPost, "/run/all", "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, runner.modes)
}

func TestEmptyTokenDisablesAuth(t *testing.T) {
	s := NewServer(config.ServerConfig{}, &fakeRunner{}, nil)

	rec, _ := do(t, s.Router(), http.MethodPost, "/run/report", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRunFailureReturns500WithResult(t *testing.T) {
	s := NewServer(config.ServerConfig{}, &fakeRunner{err: errors.New("mailbox authentication failed")}, nil)

	rec, body := do(t, s.Router(), http.MethodPost, "/run/all", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, string(JobStatusError), body["status"])
	assert.Equal(t, "mailbox authentication failed", body["error"])
	require.NotNil(t, body["result"])
}

func TestConcurrentRunRejected(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{})}
	s := NewServer(config.ServerConfig{}, runner, nil)
	h := s.Router()

	rec, body := do(t, h, http.MethodPost, "/run/all?async=1", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	jobID, _ := body["id"].(string)
	require.NotEmpty(t, jobID)

	rec, _ = do(t, h, http.MethodPost, "/run/deductions", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, body = do(t, h, http.MethodGet, "/jobs/active", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotNil(t, body["job"])

	close(runner.release)
	require.Eventually(t, func() bool {
		return !s.jobManager.Get(jobID).running()
	}, 2*time.Second, 10*time.Millisecond)

	_, body = do(t, h, http.MethodGet, "/jobs/"+jobID, "")
	assert.Equal(t, string(JobStatusCompleted), body["status"])

	rec, _ = do(t, h, http.MethodPost, "/run/deductions", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestJobNotFound(t *testing.T) {
	s := NewServer(config.ServerConfig{}, &fakeRunner{}, nil)

	rec, _ := do(t, s.Router(), http.MethodGet, "/jobs/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRuns(t *testing.T) {
	runs := fakeRuns{runs: []history.Run{{ID: "r1", Mode: history.ModeAll, Success: true}}}
	s := NewServer(config.ServerConfig{}, &fakeRunner{}, runs)

	req := httptest.NewRequest(http.MethodGet, "/runs", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var got []history.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "r1", got[0].ID)

	s = NewServer(config.ServerConfig{}, &fakeRunner{}, fakeRuns{err: errors.New("disk")})
	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.2"))
}

func TestJobManagerCleanup(t *testing.T) {
	jm := NewJobManager()
	job, ok := jm.Start(pipeline.ModeAll)
	require.True(t, ok)

	jm.Cleanup(0)
	assert.NotNil(t, jm.Get(job.ID), "running jobs are kept")

	job.Finish(&pipeline.Result{}, nil)
	job.CompletedAt = time.Now().Add(-time.Hour)
	jm.Cleanup(time.Minute)
	assert.Nil(t, jm.Get(job.ID))
}

func TestSyncRunSurvivesClientDisconnect(t *testing.T) {
	runner := &fakeRunner{started: make(chan struct{}), release: make(chan struct{})}
	s := NewServer(config.ServerConfig{}, runner, nil)
	h := s.Router()

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/run/deductions", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.ServeHTTP(rec, req)
		close(done)
	}()

	<-runner.started
	cancel()
	close(runner.release)
	<-done

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.NoError(t, runner.ctxErr)
	assert.Equal(t, http.StatusOK, rec.Code)
}
