package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/userquery/internal/middleware"
	"github.com/hitoshi/userquery/internal/model"
)

// maxRequestBodySize は検索リクエストボディの最大サイズ。
const maxRequestBodySize = 1 << 20

// UserLoader はユーザー一覧の再読み込みと読み込み状態の参照インターフェース。
type UserLoader interface {
	Load(ctx context.Context) error
	Count() int
	Loaded() bool
	LoadedAt() time.Time
}

// UserQueryService はユーザーハンドラーが必要とするクエリインターフェース。
type UserQueryService interface {
	NumberOfUsers() int
	EmailList() ([]string, error)
	FindUsers(criteria model.Criteria) ([]model.User, error)
	ListUsers() ([]model.User, error)
	IsMatchingAllSearchParams(user model.User, criteria model.Criteria) bool
}

// UserHandler はユーザー一覧のHTTPハンドラー。
type UserHandler struct {
	loader  UserLoader
	queries UserQueryService
	logger  *slog.Logger
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(loader UserLoader, queries UserQueryService, logger *slog.Logger) *UserHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &UserHandler{
		loader:  loader,
		queries: queries,
		logger:  logger,
	}
}

type healthResponse struct {
	Status      string     `json:"status"`
	UsersLoaded bool       `json:"users_loaded"`
	UserCount   int        `json:"user_count"`
	LoadedAt    *time.Time `json:"loaded_at,omitempty"`
}

type countResponse struct {
	Count int `json:"count"`
}

type emailsResponse struct {
	Emails []string `json:"emails"`
}

type usersResponse struct {
	Users []model.User `json:"users"`
}

type matchRequest struct {
	User     model.User     `json:"user"`
	Criteria model.Criteria `json:"criteria"`
}

type matchResponse struct {
	Matched bool `json:"matched"`
}

// Reload はユーザー一覧を再読み込みする。
// POST /api/users/reload
func (h *UserHandler) Reload(w http.ResponseWriter, r *http.Request) {
	if err := h.loader.Load(r.Context()); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: h.loader.Count()})
}

// Health はプロセスの稼働状態とユーザーデータの読み込み状態を返す。
// 未読み込みでも200を返し、再読み込みで復旧できるようにする。
// GET /health
func (h *UserHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:      "ok",
		UsersLoaded: h.loader.Loaded(),
		UserCount:   h.loader.Count(),
	}
	if resp.UsersLoaded {
		loadedAt := h.loader.LoadedAt().UTC()
		resp.LoadedAt = &loadedAt
	}
	writeJSON(w, http.StatusOK, resp)
}

// Count は読み込み済みユーザー数を返す。
// GET /api/users/count
func (h *UserHandler) Count(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, countResponse{Count: h.queries.NumberOfUsers()})
}

// Emails は読み込み済みユーザーのemail一覧を返す。
// GET /api/users/emails
func (h *UserHandler) Emails(w http.ResponseWriter, r *http.Request) {
	emails, err := h.queries.EmailList()
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, emailsResponse{Emails: emails})
}

// List は読み込み済みの全ユーザーを返す。
// GET /api/users
func (h *UserHandler) List(w http.ResponseWriter, r *http.Request) {
	users, err := h.queries.ListUsers()
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, usersResponse{Users: users})
}

// Search は検索条件に一致するユーザーを返す。
// POST /api/users/search（ボディは検索条件のJSONオブジェクト）
func (h *UserHandler) Search(w http.ResponseWriter, r *http.Request) {
	var criteria model.Criteria
	if err := decodeJSONBody(r, &criteria); err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	users, err := h.queries.FindUsers(criteria)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	h.logger.Info("user search completed",
		slog.Int("criteria_keys", len(criteria)),
		slog.Int("matched_count", len(users)),
		slog.String("request_id", middleware.RequestIDFromContext(r.Context())),
	)
	writeJSON(w, http.StatusOK, usersResponse{Users: users})
}

// Match は指定ユーザーが検索条件のすべてに一致するかを返す。
// POST /api/users/match（ボディは {"user": {...}, "criteria": {...}}）
func (h *UserHandler) Match(w http.ResponseWriter, r *http.Request) {
	var req matchRequest
	if err := decodeJSONBody(r, &req); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	if req.User == nil {
		middleware.WriteError(w, r, model.NewInvalidRequestError("user is required"))
		return
	}

	matched := h.queries.IsMatchingAllSearchParams(req.User, req.Criteria)
	writeJSON(w, http.StatusOK, matchResponse{Matched: matched})
}

// decodeJSONBody はリクエストボディを1つのJSONオブジェクトとしてデコードする。
// 空ボディ、オブジェクト以外、後続データがある場合はInvalidRequestエラーを返す。
func decodeJSONBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodySize))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return model.NewInvalidRequestError("empty body")
		}
		return model.NewInvalidRequestError(err.Error())
	}
	if dec.More() {
		return model.NewInvalidRequestError("unexpected data after JSON object")
	}
	return nil
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
