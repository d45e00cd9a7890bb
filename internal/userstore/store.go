// Package userstore はユーザーエンドポイントからのユーザー一覧の取得と、
// メモリ上のキャッシュ保持を提供する。
package userstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/userquery/internal/model"
)

const (
	// usersPath はユーザー一覧APIのパス。
	usersPath = "/users"
	// defaultMaxBodySize はレスポンスボディの最大サイズのデフォルト値（5MiB）。
	defaultMaxBodySize int64 = 5 << 20
)

// LoadRecorder は読み込み結果のメトリクス記録インターフェース。
type LoadRecorder interface {
	RecordLoadSuccess(userCount int)
	RecordLoadFailure(reason string)
	RecordLoadLatency(duration time.Duration)
}

// Option はStoreの任意設定を行う関数。
type Option func(*Store)

// WithLogger はログ出力先のロガーを設定する。
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithMetrics はメトリクス記録先を設定する。
func WithMetrics(recorder LoadRecorder) Option {
	return func(s *Store) {
		s.metrics = recorder
	}
}

// WithMaxBodySize はレスポンスボディの最大サイズを設定する。0以下の場合はデフォルト値を使う。
func WithMaxBodySize(n int64) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxBodySize = n
		}
	}
}

// Store はユーザー一覧をメモリ上に保持する。
// 読み込みは全置換のみで、失敗した場合は直前の内容を維持する。
type Store struct {
	httpClient  *http.Client
	logger      *slog.Logger
	metrics     LoadRecorder
	endpoint    string
	maxBodySize int64

	mu       sync.RWMutex
	users    []model.User
	loaded   bool
	loadedAt time.Time
}

// New はStoreの新しいインスタンスを生成する。
// baseURLにはユーザーAPIのベースURL（例: http://localhost:3000）を指定する。
func New(httpClient *http.Client, baseURL string, opts ...Option) *Store {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	s := &Store{
		httpClient:  httpClient,
		logger:      slog.Default(),
		endpoint:    strings.TrimRight(baseURL, "/") + usersPath,
		maxBodySize: defaultMaxBodySize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Endpoint は読み込み先のURLを返す。
func (s *Store) Endpoint() string {
	return s.endpoint
}

// Load はユーザー一覧を取得し、メモリ上の一覧を丸ごと置き換える。
// 通信エラーや200以外のレスポンスの場合はLoadErrorを返し、既存の一覧は変更しない。
func (s *Store) Load(ctx context.Context) error {
	start := time.Now()

	users, err := s.fetch(ctx)
	if s.metrics != nil {
		s.metrics.RecordLoadLatency(time.Since(start))
	}
	if err != nil {
		s.logger.Error("ユーザーデータの読み込みに失敗しました",
			slog.String("endpoint", s.endpoint),
			slog.String("error", err.Error()),
		)
		if s.metrics != nil {
			s.metrics.RecordLoadFailure(failureReason(err))
		}
		return model.NewLoadError(err)
	}

	s.mu.Lock()
	s.users = users
	s.loaded = true
	s.loadedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("ユーザーデータを読み込みました",
		slog.String("endpoint", s.endpoint),
		slog.Int("user_count", len(users)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	if s.metrics != nil {
		s.metrics.RecordLoadSuccess(len(users))
	}
	return nil
}

// statusError は200以外のHTTPステータスを表す。
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("request failed with status code %d", e.code)
}

var (
	errBodyTooLarge = errors.New("response body exceeds size limit")
	errParse        = errors.New("failed to parse response JSON")
)

// fetch はユーザーAPIを1回呼び出し、デコード済みの一覧を返す。
func (s *Store) fetch(ctx context.Context) ([]model.User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "userquery/1.0")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{code: resp.StatusCode}
	}

	// 上限+1バイトまで読み、超過を検出する
	limit := s.maxBodySize
	if limit < math.MaxInt64 {
		limit++
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(body)) > s.maxBodySize {
		return nil, errBodyTooLarge
	}

	var users []model.User
	if err := json.Unmarshal(body, &users); err != nil {
		return nil, fmt.Errorf("%w: %v", errParse, err)
	}
	if users == nil {
		users = []model.User{}
	}
	return users, nil
}

// failureReason はメトリクス用の失敗理由を分類する。
func failureReason(err error) string {
	var se *statusError
	switch {
	case errors.As(err, &se):
		return "http_status"
	case errors.Is(err, errBodyTooLarge):
		return "body_too_large"
	case errors.Is(err, errParse):
		return "parse"
	default:
		return "transport"
	}
}

// Users は読み込み済みユーザー一覧のスナップショットを読み込み順で返す。
// ネストしたオブジェクトと配列も複製するため、戻り値を変更してもキャッシュには影響しない。
func (s *Store) Users() []model.User {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.User, len(s.users))
	for i, u := range s.users {
		out[i] = model.User(cloneObject(u))
	}
	return out
}

// cloneObject はJSONから復元したオブジェクトを再帰的に複製する。
func cloneObject(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = cloneValue(v)
	}
	return dst
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneObject(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Count は読み込み済みユーザー数を返す。未読み込みの場合は0を返す。
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

// EmailList は読み込み済みユーザーのemailを読み込み順で返す。
// ユーザーが1件もない場合はNoUsersLoadedエラーを返す。
func (s *Store) EmailList() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.users) == 0 {
		return nil, model.NewNoUsersLoadedError()
	}

	emails := make([]string, len(s.users))
	for i, u := range s.users {
		emails[i] = u.Email()
	}
	return emails, nil
}

// Loaded は1回以上読み込みに成功しているかを返す。
func (s *Store) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

// LoadedAt は最後に読み込みに成功した時刻を返す。未読み込みの場合はゼロ値。
func (s *Store) LoadedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadedAt
}
