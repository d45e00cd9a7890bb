// Package match はユーザーレコードと検索条件の再帰的な一致判定を提供する。
// スキーマを仮定せず、JSONから復元した汎用データ（map/slice/スカラー）に対して動作する。
package match

import (
	"reflect"

	"github.com/hitoshi/userquery/internal/model"
)

// Options は一致判定の挙動を切り替える。
type Options struct {
	// MatchAllWhenEmpty がtrueの場合、条件が空なら常に一致とみなす。
	// falseの場合（デフォルト）、空の条件は不一致となる。
	MatchAllWhenEmpty bool
}

// Matches はcriteriaの全キーについて、targetの同じキーの値と深い等価性が成り立つかを判定する。
// criteriaが空の場合はfalseを返す。
func Matches(target, criteria map[string]any) bool {
	return MatchesWith(target, criteria, Options{})
}

// MatchesWith はOptionsを指定して一致判定を行う。
func MatchesWith(target, criteria map[string]any, opts Options) bool {
	if len(criteria) == 0 {
		return opts.MatchAllWhenEmpty
	}
	return subset(target, criteria)
}

// subset はwantの全キーがgotに存在し、値が一致するかを判定する。
// ネストしたオブジェクトでは空のwantは常に一致する。
func subset(got, want map[string]any) bool {
	for key, wv := range want {
		gv, ok := got[key]
		if !ok {
			return false
		}
		if !equal(gv, wv) {
			return false
		}
	}
	return true
}

// equal はgotとwantの値を比較する。
// オブジェクトはwantのキーに限って再帰的に比較し、配列は長さと各要素を比較する。
// スカラーは型変換せずに比較する（数値同士のみ数値として比較する）。
func equal(got, want any) bool {
	if w, ok := asObject(want); ok {
		g, ok := asObject(got)
		if !ok {
			return false
		}
		return subset(g, w)
	}

	if w, ok := asArray(want); ok {
		g, ok := asArray(got)
		if !ok || len(g) != len(w) {
			return false
		}
		for i := range w {
			if !equal(g[i], w[i]) {
				return false
			}
		}
		return true
	}

	if want == nil {
		return got == nil
	}

	if wn, ok := toFloat(want); ok {
		gn, ok := toFloat(got)
		return ok && gn == wn
	}

	switch w := want.(type) {
	case string:
		g, ok := got.(string)
		return ok && g == w
	case bool:
		g, ok := got.(bool)
		return ok && g == w
	}
	return false
}

// asObject は文字列キーのマップをオブジェクトとして扱う。
// map[string]stringのようなGoの型付きマップはmap[string]anyに変換する。
func asObject(v any) (map[string]any, bool) {
	switch o := v.(type) {
	case map[string]any:
		return o, true
	case model.User:
		return o, true
	case model.Criteria:
		return o, true
	case nil:
		return nil, false
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, true
}

// asArray はスライスと配列を[]anyとして扱う。
// []stringのようなGoの型付きスライスは要素ごとに[]anyへ変換する。
func asArray(v any) ([]any, bool) {
	switch a := v.(type) {
	case []any:
		return a, true
	case nil:
		return nil, false
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// toFloat はGoの数値型をfloat64に変換する。
// JSONの数値は型を区別しないため、intとfloat64を同じ値として扱う。
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
