package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: load, query, validation, system
	Action   string // ユーザー向け対処方法
	Err      error  // 原因となったエラー（LoadErrorのみ）
}

// Error はerrorインターフェースを実装する。
// 呼び出し元が文言で分岐できるよう、メッセージのみを返す。
func (e *APIError) Error() string {
	return e.Message
}

// Unwrap は原因となったエラーを返す。
func (e *APIError) Unwrap() error {
	return e.Err
}

// Is はエラーコードが一致する場合にtrueを返す。
// errors.Is(err, ErrNoUsersLoaded) のようにエラー種別で判定できる。
func (e *APIError) Is(target error) bool {
	t, ok := target.(*APIError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// 定義済みエラーコード
const (
	ErrCodeLoadFailed      = "LOAD_FAILED"
	ErrCodeNoUsersLoaded   = "NO_USERS_LOADED"
	ErrCodeNoSearchParams  = "NO_SEARCH_PARAMS"
	ErrCodeNoMatchingUsers = "NO_MATCHING_USERS"
	ErrCodeInvalidRequest  = "INVALID_REQUEST"
)

// errors.Isによる種別判定用のセンチネル。
var (
	ErrLoadFailed      = &APIError{Code: ErrCodeLoadFailed}
	ErrNoUsersLoaded   = NewNoUsersLoadedError()
	ErrNoSearchParams  = NewNoSearchParamsError()
	ErrNoMatchingUsers = NewNoMatchingUsersError()
)

// NewLoadError はユーザーデータ読み込み失敗エラーを生成する。
func NewLoadError(cause error) *APIError {
	return &APIError{
		Code:     ErrCodeLoadFailed,
		Message:  fmt.Sprintf("Failed to load users data: %v", cause),
		Category: "load",
		Action:   "ユーザーエンドポイントの稼働状況を確認し、再読み込みしてください。",
		Err:      cause,
	}
}

// NewNoUsersLoadedError はユーザー未読み込みエラーを生成する。
func NewNoUsersLoadedError() *APIError {
	return &APIError{
		Code:     ErrCodeNoUsersLoaded,
		Message:  "No users loaded!",
		Category: "query",
		Action:   "ユーザーデータを読み込んでから再度お試しください。",
	}
}

// NewNoSearchParamsError は検索条件未指定エラーを生成する。
func NewNoSearchParamsError() *APIError {
	return &APIError{
		Code:     ErrCodeNoSearchParams,
		Message:  "No search parameters provided!",
		Category: "validation",
		Action:   "検索条件を1つ以上指定してください。",
	}
}

// NewNoMatchingUsersError は検索条件に一致するユーザーがいない場合のエラーを生成する。
func NewNoMatchingUsersError() *APIError {
	return &APIError{
		Code:     ErrCodeNoMatchingUsers,
		Message:  "No matching users found!",
		Category: "query",
		Action:   "検索条件を見直してください。",
	}
}

// NewInvalidRequestError はリクエスト形式が不正な場合のエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("invalid request: %s", reason),
		Category: "validation",
		Action:   "リクエストボディがJSONオブジェクトであることを確認してください。",
	}
}
