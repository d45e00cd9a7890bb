// Package model はドメインモデルを定義する。
package model

// User はユーザーエンドポイントから読み込んだ1件のユーザーレコードを表す。
// スキーマは固定せず、JSONオブジェクトをそのまま保持する。
// id、name、username、email、address（geoを含む）、companyなどのフィールドを想定する。
type User map[string]any

// Criteria はユーザー検索条件を表す。
// Userのフィールドの部分集合をテンプレートとして記述する。
// 値にはスカラーまたはネストしたオブジェクトを指定できる。
type Criteria map[string]any

// Email はemailフィールドの値を返す。
// 文字列でない場合や存在しない場合は空文字を返す。
func (u User) Email() string {
	s, _ := u["email"].(string)
	return s
}

