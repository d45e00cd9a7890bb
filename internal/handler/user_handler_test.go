package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/hitoshi/userquery/internal/middleware"
	"github.com/hitoshi/userquery/internal/model"
	"github.com/hitoshi/userquery/internal/query"
	"github.com/hitoshi/userquery/internal/userstore"
)

// testEnv はテスト用のユーザーAPIサーバーとルーターをまとめたもの。
type testEnv struct {
	upstream *httptest.Server
	store    *userstore.Store
	router   http.Handler
	status   atomic.Int32
	body     atomic.Value
}

func newTestEnv(t *testing.T, body []byte) *testEnv {
	t.Helper()
	env := &testEnv{}
	env.status.Store(http.StatusOK)
	env.body.Store(body)

	env.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(int(env.status.Load()))
		w.Write(env.body.Load().([]byte))
	}))
	t.Cleanup(env.upstream.Close)

	logger := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
	env.store = userstore.New(env.upstream.Client(), env.upstream.URL, userstore.WithLogger(logger))
	engine := query.NewEngine(env.store, query.WithLogger(logger))

	env.router = NewRouter(&RouterDeps{
		Logger:  logger,
		Loader:  env.store,
		Queries: engine,
	})
	return env
}

func (env *testEnv) load(t *testing.T) {
	t.Helper()
	if err := env.store.Load(context.Background()); err != nil {
		t.Fatalf("Load がエラーを返した: %v", err)
	}
}

func (env *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func loadFixture(t *testing.T) []byte {
	t.Helper()
	data, err := os.ReadFile("../../testdata/users.json")
	if err != nil {
		t.Fatalf("フィクスチャの読み込みに失敗: %v", err)
	}
	return data
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) middleware.ErrorResponseBody {
	t.Helper()
	var body middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("エラーレスポンスのデコードに失敗: %v\nbody: %s", err, w.Body.String())
	}
	return body
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, []byte(`[]`))

	w := env.do(http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"ok"`) {
		t.Errorf("body = %s", w.Body.String())
	}
	if w.Header().Get(middleware.RequestIDHeader) == "" {
		t.Error("X-Request-ID ヘッダーが設定されていない")
	}
}

func TestCount(t *testing.T) {
	env := newTestEnv(t, loadFixture(t))

	// 未読み込みでも0を返す
	w := env.do(http.MethodGet, "/api/users/count", "")
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != `{"count":0}` {
		t.Errorf("未読み込み: status = %d, body = %s", w.Code, w.Body.String())
	}

	env.load(t)
	w = env.do(http.MethodGet, "/api/users/count", "")
	if strings.TrimSpace(w.Body.String()) != `{"count":10}` {
		t.Errorf("body = %s, want {\"count\":10}", w.Body.String())
	}
}

func TestEmails(t *testing.T) {
	env := newTestEnv(t, loadFixture(t))

	w := env.do(http.MethodGet, "/api/users/emails", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("未読み込み: status = %d, want 404", w.Code)
	}
	if body := decodeError(t, w); body.Message != "No users loaded!" {
		t.Errorf("message = %q", body.Message)
	}

	env.load(t)
	w = env.do(http.MethodGet, "/api/users/emails", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp emailsResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("デコードに失敗: %v", err)
	}
	if len(resp.Emails) != 10 || resp.Emails[1] != "Shanna@melissa.tv" {
		t.Errorf("emails = %v", resp.Emails)
	}
}

func TestList(t *testing.T) {
	env := newTestEnv(t, loadFixture(t))
	env.load(t)

	w := env.do(http.MethodGet, "/api/users", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp usersResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("デコードに失敗: %v", err)
	}
	if len(resp.Users) != 10 {
		t.Errorf("len(users) = %d, want 10", len(resp.Users))
	}
}

func TestSearch(t *testing.T) {
	env := newTestEnv(t, loadFixture(t))
	env.load(t)

	w := env.do(http.MethodPost, "/api/users/search", `{"username":"Antonette"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body = %s", w.Code, w.Body.String())
	}
	var resp usersResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("デコードに失敗: %v", err)
	}
	if len(resp.Users) != 1 {
		t.Fatalf("len(users) = %d, want 1", len(resp.Users))
	}
	if resp.Users[0]["name"] != "Ervin Howell" {
		t.Errorf("name = %v, want Ervin Howell", resp.Users[0]["name"])
	}
}

func TestSearch_NestedCriteria(t *testing.T) {
	env := newTestEnv(t, loadFixture(t))
	env.load(t)

	w := env.do(http.MethodPost, "/api/users/search", `{"address":{"geo":{"lat":"-37.3159"}},"id":1}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body = %s", w.Code, w.Body.String())
	}
	var resp usersResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("デコードに失敗: %v", err)
	}
	if len(resp.Users) != 1 || resp.Users[0]["username"] != "Bret" {
		t.Errorf("users = %v", resp.Users)
	}
}

func TestSearch_Errors(t *testing.T) {
	tests := []struct {
		name       string
		load       bool
		body       string
		wantStatus int
		wantCode   string
	}{
		{"条件なし", true, `{}`, http.StatusBadRequest, model.ErrCodeNoSearchParams},
		{"条件なし（未読み込み）", false, `{}`, http.StatusBadRequest, model.ErrCodeNoSearchParams},
		{"未読み込み", false, `{"username":"Antonette"}`, http.StatusNotFound, model.ErrCodeNoUsersLoaded},
		{"一致なし", true, `{"username":"no-such-user"}`, http.StatusNotFound, model.ErrCodeNoMatchingUsers},
		{"空ボディ", true, ``, http.StatusBadRequest, model.ErrCodeInvalidRequest},
		{"配列ボディ", true, `[1,2]`, http.StatusBadRequest, model.ErrCodeInvalidRequest},
		{"不正なJSON", true, `{"username":`, http.StatusBadRequest, model.ErrCodeInvalidRequest},
		{"後続データ", true, `{"id":1} {"id":2}`, http.StatusBadRequest, model.ErrCodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, loadFixture(t))
			if tt.load {
				env.load(t)
			}

			w := env.do(http.MethodPost, "/api/users/search", tt.body)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if body := decodeError(t, w); body.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
			}
		})
	}
}

func TestMatch(t *testing.T) {
	env := newTestEnv(t, []byte(`[]`))

	tests := []struct {
		name string
		body string
		want bool
	}{
		{"一致", `{"user":{"id":1,"website":"hildegard.org"},"criteria":{"website":"hildegard.org"}}`, true},
		{"不一致", `{"user":{"id":1,"username":"Bret"},"criteria":{"username":"Bret123"}}`, false},
		{"条件なし", `{"user":{"id":1},"criteria":{}}`, false},
		{"条件省略", `{"user":{"id":1}}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(http.MethodPost, "/api/users/match", tt.body)
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200, body = %s", w.Code, w.Body.String())
			}
			var resp matchResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("デコードに失敗: %v", err)
			}
			if resp.Matched != tt.want {
				t.Errorf("matched = %v, want %v", resp.Matched, tt.want)
			}
		})
	}
}

func TestMatch_MissingUser(t *testing.T) {
	env := newTestEnv(t, []byte(`[]`))

	w := env.do(http.MethodPost, "/api/users/match", `{"criteria":{"id":1}}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestReload(t *testing.T) {
	env := newTestEnv(t, loadFixture(t))

	w := env.do(http.MethodPost, "/api/users/reload", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body = %s", w.Code, w.Body.String())
	}
	if strings.TrimSpace(w.Body.String()) != `{"count":10}` {
		t.Errorf("body = %s", w.Body.String())
	}
}

// TestReload_FailureKeepsCache は再読み込み失敗時に502を返し、既存の一覧を維持することを検証する。
func TestReload_FailureKeepsCache(t *testing.T) {
	env := newTestEnv(t, loadFixture(t))
	env.load(t)

	env.status.Store(http.StatusServiceUnavailable)
	w := env.do(http.MethodPost, "/api/users/reload", "")
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	body := decodeError(t, w)
	if body.Code != model.ErrCodeLoadFailed {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeLoadFailed)
	}
	if body.Message != "Failed to load users data: request failed with status code 503" {
		t.Errorf("message = %q", body.Message)
	}

	w = env.do(http.MethodGet, "/api/users/count", "")
	if strings.TrimSpace(w.Body.String()) != `{"count":10}` {
		t.Errorf("失敗後の count = %s, want 10", w.Body.String())
	}
}

func TestMetricsRoute(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
	store := userstore.New(nil, "http://localhost:3000")
	router := NewRouter(&RouterDeps{
		Logger:  logger,
		Loader:  store,
		Queries: query.NewEngine(store),
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("# metrics"))
		}),
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK || w.Body.String() != "# metrics" {
		t.Errorf("status = %d, body = %q", w.Code, w.Body.String())
	}
}

func TestRateLimitAppliesToAPI(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
	store := userstore.New(nil, "http://localhost:3000")
	rl := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		Rate:            0.01,
		Burst:           1,
		CleanupInterval: middleware.DefaultRateLimiterConfig().CleanupInterval,
	})
	defer rl.Stop()

	router := NewRouter(&RouterDeps{
		Logger:      logger,
		RateLimiter: rl,
		Loader:      store,
		Queries:     query.NewEngine(store),
	})

	codes := make([]int, 0, 3)
	for _, path := range []string{"/api/users/count", "/api/users/count", "/health"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		codes = append(codes, w.Code)
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Errorf("API status codes = %v, want [200 429]", codes[:2])
	}
	if codes[2] != http.StatusOK {
		t.Errorf("/health は制限対象外であるべき: status = %d", codes[2])
	}
}

func TestHealth_ReportsLoadState(t *testing.T) {
	env := newTestEnv(t, loadFixture(t))

	var before healthResponse
	w := env.do(http.MethodGet, "/health", "")
	if err := json.NewDecoder(w.Body).Decode(&before); err != nil {
		t.Fatalf("レスポンスのデコードに失敗: %v", err)
	}
	if before.UsersLoaded || before.UserCount != 0 || before.LoadedAt != nil {
		t.Errorf("未読み込み時の health = %+v", before)
	}

	env.load(t)

	var after healthResponse
	w = env.do(http.MethodGet, "/health", "")
	if err := json.NewDecoder(w.Body).Decode(&after); err != nil {
		t.Fatalf("レスポンスのデコードに失敗: %v", err)
	}
	if !after.UsersLoaded {
		t.Error("読み込み後は users_loaded = true であるべき")
	}
	if after.UserCount != 10 {
		t.Errorf("user_count = %d, want 10", after.UserCount)
	}
	if after.LoadedAt == nil || !after.LoadedAt.Equal(env.store.LoadedAt()) {
		t.Errorf("loaded_at = %v, want %v", after.LoadedAt, env.store.LoadedAt())
	}
}

type queryCounter struct {
	calls atomic.Int32
}

func (q *queryCounter) RecordQuery(operation, outcome string) {
	q.calls.Add(1)
}

// TestReload_DoesNotRecordQuery は再読み込みがクエリメトリクスを記録しないことを検証する。
func TestReload_DoesNotRecordQuery(t *testing.T) {
	env := newTestEnv(t, loadFixture(t))
	counter := &queryCounter{}
	logger := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
	router := NewRouter(&RouterDeps{
		Logger:  logger,
		Loader:  env.store,
		Queries: query.NewEngine(env.store, query.WithMetrics(counter)),
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/users/reload", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if strings.TrimSpace(w.Body.String()) != `{"count":10}` {
		t.Errorf("body = %s", w.Body.String())
	}
	if got := counter.calls.Load(); got != 0 {
		t.Errorf("RecordQuery の呼び出し回数 = %d, want 0", got)
	}
}
