// Package query はメモリ上のユーザー一覧に対する集計と検索を提供する。
package query

import (
	"log/slog"

	"github.com/hitoshi/userquery/internal/match"
	"github.com/hitoshi/userquery/internal/model"
)

// UserSource はEngineが参照するユーザー一覧の読み取りインターフェース。
// userstore.Storeが実装する。
type UserSource interface {
	Users() []model.User
	Count() int
	EmailList() ([]string, error)
}

// MatchFunc はユーザーが検索条件に一致するかを判定する関数。
type MatchFunc func(user model.User, criteria model.Criteria, opts match.Options) bool

// QueryRecorder はクエリ結果のメトリクス記録インターフェース。
type QueryRecorder interface {
	RecordQuery(operation string, outcome string)
}

// Option はEngineの任意設定を行う関数。
type Option func(*Engine)

// WithMatcher は一致判定関数を差し替える。
func WithMatcher(fn MatchFunc) Option {
	return func(e *Engine) {
		e.matcher = fn
	}
}

// WithMetrics はメトリクス記録先を設定する。
func WithMetrics(recorder QueryRecorder) Option {
	return func(e *Engine) {
		e.metrics = recorder
	}
}

// WithLogger はログ出力先のロガーを設定する。
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// Engine はユーザー一覧に対するクエリエンジン。
// 一覧の所有者はUserSourceであり、Engineは読み取りのみを行う。
type Engine struct {
	source  UserSource
	matcher MatchFunc
	metrics QueryRecorder
	logger  *slog.Logger
}

// NewEngine はEngineの新しいインスタンスを生成する。
func NewEngine(source UserSource, opts ...Option) *Engine {
	e := &Engine{
		source:  source,
		matcher: defaultMatcher,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func defaultMatcher(user model.User, criteria model.Criteria, opts match.Options) bool {
	return match.MatchesWith(user, criteria, opts)
}

// NumberOfUsers は読み込み済みユーザー数を返す。未読み込みでも0を返しエラーにはしない。
func (e *Engine) NumberOfUsers() int {
	n := e.source.Count()
	e.record("count", "ok")
	return n
}

// EmailList は読み込み済みユーザーのemailを読み込み順で返す。
func (e *Engine) EmailList() ([]string, error) {
	emails, err := e.source.EmailList()
	if err != nil {
		e.record("emails", "no_users")
		return nil, err
	}
	e.record("emails", "ok")
	return emails, nil
}

// IsMatchingAllSearchParams はユーザーが検索条件のすべてに一致するかを判定する。
// 条件が空の場合はfalseを返す。
func (e *Engine) IsMatchingAllSearchParams(user model.User, criteria model.Criteria) bool {
	return e.matcher(user, criteria, match.Options{})
}

// FindUsers は検索条件に一致するユーザーを読み込み順で返す。
// 判定順序: 条件なし → 未読み込み → 絞り込み → 一致なし。
func (e *Engine) FindUsers(criteria model.Criteria) ([]model.User, error) {
	if len(criteria) == 0 {
		e.record("find", "no_search_params")
		return nil, model.NewNoSearchParamsError()
	}

	users := e.source.Users()
	if len(users) == 0 {
		e.record("find", "no_users")
		return nil, model.NewNoUsersLoadedError()
	}

	matched := e.filter(users, criteria, match.Options{})
	if len(matched) == 0 {
		e.record("find", "no_match")
		return nil, model.NewNoMatchingUsersError()
	}

	e.logger.Debug("ユーザー検索が完了しました",
		slog.Int("criteria_keys", len(criteria)),
		slog.Int("matched_count", len(matched)),
	)
	e.record("find", "ok")
	return matched, nil
}

// ListUsers は読み込み済みの全ユーザーを返す。
// 空の条件に対して明示的に全件一致を指定して絞り込む。
func (e *Engine) ListUsers() ([]model.User, error) {
	users := e.source.Users()
	if len(users) == 0 {
		e.record("list", "no_users")
		return nil, model.NewNoUsersLoadedError()
	}

	matched := e.filter(users, model.Criteria{}, match.Options{MatchAllWhenEmpty: true})
	e.record("list", "ok")
	return matched, nil
}

func (e *Engine) filter(users []model.User, criteria model.Criteria, opts match.Options) []model.User {
	matched := make([]model.User, 0, len(users))
	for _, u := range users {
		if e.matcher(u, criteria, opts) {
			matched = append(matched, u)
		}
	}
	return matched
}

func (e *Engine) record(operation, outcome string) {
	if e.metrics != nil {
		e.metrics.RecordQuery(operation, outcome)
	}
}
