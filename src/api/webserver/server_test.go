package webserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stake-plus/govvote/src/api/auth"
	"github.com/stake-plus/govvote/src/data/memory"
	"github.com/stake-plus/govvote/src/voting"
)

var secret = []byte("test-secret-test-secret")

const adminID = 900

func newServer(t *testing.T, store voting.Store, opts Options) *Server {
	t.Helper()
	if store == nil {
		store = memory.New()
	}
	reg := prometheus.NewRegistry()
	svc := voting.NewService(store, voting.WithAdmin(adminID), voting.WithMetrics(voting.NewMetrics(reg)))
	opts.JWTSecret = secret
	opts.Gatherer = reg
	s := New(svc, opts)
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s
}

func token(t *testing.T, id int64, name string) string {
	t.Helper()
	tok, err := auth.IssueToken(secret, voting.Member{ID: id, DisplayName: name}, time.Hour, time.Now())
	require.NoError(t, err)
	return tok
}

func do(t *testing.T, s *Server, method, path, tok, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealthzIsPublic(t *testing.T) {
	s := newServer(t, nil, Options{})
	w := do(t, s, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestV1NeedsToken(t *testing.T) {
	s := newServer(t, nil, Options{})

	w := do(t, s, http.MethodGet, "/v1/proposals", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, s, http.MethodGet, "/v1/proposals", "garbage", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), `"err"`)
}

func TestProposalFlow(t *testing.T) {
	s := newServer(t, nil, Options{})
	ana, ben := token(t, 1, "Ana"), token(t, 2, "Ben")

	w := do(t, s, http.MethodPost, "/v1/proposals", ana, `{"text":"  More <b>pizza</b> "}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[voting.Proposal](t, w)
	assert.Equal(t, uint64(1), created.ID)
	assert.Equal(t, "More <b>pizza</b>", created.Text)
	assert.Equal(t, "Ana", created.AuthorDisplayName)

	w = do(t, s, http.MethodPost, "/v1/proposals", ben, `{"text":"Longer lunch"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(t, s, http.MethodPost, "/v1/proposals/2/votes", ana, "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	voted := decode[struct {
		Proposal voting.Proposal `json:"proposal"`
		Revoked  uint64          `json:"revoked"`
	}](t, w)
	assert.Equal(t, 1, voted.Proposal.VoteCount)
	assert.Zero(t, voted.Revoked)

	w = do(t, s, http.MethodPost, "/v1/proposals/2/votes", ana, "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, s, http.MethodPost, "/v1/proposals/9/votes", ana, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, s, http.MethodGet, "/v1/proposals/top?limit=1", ben, "")
	require.Equal(t, http.StatusOK, w.Code)
	top := decode[[]voting.Proposal](t, w)
	require.Len(t, top, 1)
	assert.Equal(t, uint64(2), top[0].ID)

	w = do(t, s, http.MethodGet, "/v1/proposals/1", ben, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "More <b>pizza</b>", decode[voting.Proposal](t, w).Text)

	w = do(t, s, http.MethodGet, "/v1/participation", ben, "")
	require.Equal(t, http.StatusOK, w.Code)
	parts := decode[[]voting.Participant](t, w)
	require.Len(t, parts, 2)
	assert.Equal(t, voting.Participant{UserID: 1, DisplayName: "Ana", Count: 2}, parts[0])
	assert.Equal(t, voting.Participant{UserID: 2, DisplayName: "Ben", Count: 1}, parts[1])
}

func TestProposalTextHTML(t *testing.T) {
	s := newServer(t, nil, Options{})
	tok := token(t, 1, "Ana")

	raw := `<script>alert(1)</script>use Map<K,V> & <b>more</b>`
	body, err := json.Marshal(map[string]string{"text": raw})
	require.NoError(t, err)
	w := do(t, s, http.MethodPost, "/v1/proposals", tok, string(body))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	type view struct {
		Text     string `json:"text"`
		TextHTML string `json:"textHtml"`
	}
	created := decode[view](t, w)
	assert.Equal(t, raw, created.Text)
	assert.NotContains(t, created.TextHTML, "<script")
	assert.Contains(t, created.TextHTML, "<b>more</b>")

	w = do(t, s, http.MethodGet, "/v1/proposals", tok, "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[[]view](t, w)
	require.Len(t, list, 1)
	assert.Equal(t, created, list[0])
}

func TestBadInput(t *testing.T) {
	s := newServer(t, nil, Options{})
	tok := token(t, 1, "Ana")

	tests := []struct {
		method, path, body string
	}{
		{http.MethodPost, "/v1/proposals", `{"text":"   "}`},
		{http.MethodPost, "/v1/proposals", `{}`},
		{http.MethodPost, "/v1/proposals", `not json`},
		{http.MethodPost, "/v1/proposals/abc/votes", ""},
		{http.MethodPost, "/v1/proposals/0/votes", ""},
		{http.MethodDelete, "/v1/proposals/-1", ""},
		{http.MethodGet, "/v1/proposals/top?limit=0", ""},
		{http.MethodGet, "/v1/proposals/top?limit=x", ""},
	}
	for _, tc := range tests {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			w := do(t, s, tc.method, tc.path, tok, tc.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestDeletePermissions(t *testing.T) {
	s := newServer(t, nil, Options{})
	ana, ben, admin := token(t, 1, "Ana"), token(t, 2, "Ben"), token(t, adminID, "Admin")

	for range 2 {
		w := do(t, s, http.MethodPost, "/v1/proposals", ana, `{"text":"idea"}`)
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := do(t, s, http.MethodDelete, "/v1/proposals/1", ben, "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, s, http.MethodDelete, "/v1/proposals/1", ana, "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, s, http.MethodDelete, "/v1/proposals/1", ana, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, s, http.MethodDelete, "/v1/proposals/2", admin, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestResetIsAdminOnly(t *testing.T) {
	s := newServer(t, nil, Options{})
	ana, admin := token(t, 1, "Ana"), token(t, adminID, "Admin")

	w := do(t, s, http.MethodPost, "/v1/proposals", ana, `{"text":"idea"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(t, s, http.MethodPost, "/v1/admin/reset", ana, "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, s, http.MethodPost, "/v1/admin/reset", admin, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodGet, "/v1/proposals", ana, "")
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestListETag(t *testing.T) {
	s := newServer(t, nil, Options{})
	tok := token(t, 1, "Ana")

	w := do(t, s, http.MethodGet, "/v1/proposals", tok, "")
	require.Equal(t, http.StatusOK, w.Code)
	empty := w.Header().Get("ETag")
	require.NotEmpty(t, empty)

	w = do(t, s, http.MethodGet, "/v1/proposals", tok, "", "If-None-Match", empty)
	assert.Equal(t, http.StatusNotModified, w.Code)
	assert.Empty(t, w.Body.String())

	do(t, s, http.MethodPost, "/v1/proposals", tok, `{"text":"idea"}`)
	w = do(t, s, http.MethodGet, "/v1/proposals", tok, "", "If-None-Match", empty)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEqual(t, empty, w.Header().Get("ETag"))
}

func TestRateLimitPerUser(t *testing.T) {
	s := newServer(t, nil, Options{RateLimit: 2, RateWindow: time.Hour})
	ana, ben := token(t, 1, "Ana"), token(t, 2, "Ben")

	for range 2 {
		assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/v1/proposals", ana, "").Code)
	}
	w := do(t, s, http.MethodGet, "/v1/proposals", ana, "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "rate limit exceeded")

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/v1/proposals", ben, "").Code)
}

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	defer rl.Stop()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("k"))
	assert.False(t, rl.Allow("k"))
	now = now.Add(time.Minute)
	assert.True(t, rl.Allow("k"))

	now = now.Add(2 * time.Minute)
	rl.cleanup()
	rl.mu.Lock()
	assert.Empty(t, rl.requests)
	rl.mu.Unlock()
}

type downStore struct{ voting.Store }

func (downStore) Proposals(context.Context) ([]voting.Proposal, error) {
	return nil, voting.Unavailable("list proposals", errors.New("connection refused"))
}

func TestStoreFailureIs503(t *testing.T) {
	s := newServer(t, downStore{}, Options{})
	w := do(t, s, http.MethodGet, "/v1/proposals", token(t, 1, "Ana"), "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"err":"store unavailable"}`, w.Body.String())
}

func TestMetricsRoute(t *testing.T) {
	s := newServer(t, nil, Options{})
	tok := token(t, 1, "Ana")
	do(t, s, http.MethodPost, "/v1/proposals", tok, `{"text":"idea"}`)
	do(t, s, http.MethodPost, "/v1/proposals/1/votes", tok, "")

	w := do(t, s, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `govvote_votes_total{result="ok"} 1`)
	assert.Contains(t, w.Body.String(), "govvote_proposals_created_total 1")
}

func TestStartStop(t *testing.T) {
	s := newServer(t, nil, Options{Addr: "127.0.0.1:0"})
	require.NoError(t, s.Start(context.Background()))

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	client.CloseIdleConnections()
}
