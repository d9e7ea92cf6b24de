// Package storage はセッション資格情報の保存先となるキーバリューストアを提供する。
//
// 耐久性の異なる3つの階層を持つ:
//   - durable: SQLiteファイルに保存し、プロセスや閲覧セッションをまたいで残る
//   - session: 閲覧セッションIDで区切られ、同じ閲覧セッション内の再読み込みでのみ残る
//   - volatile: メモリ上のみ。再読み込みで失われる
package storage

import (
	"context"
	"errors"
)

// Tier はストレージの耐久性階層を表す。
type Tier string

const (
	TierDurable  Tier = "durable"
	TierSession  Tier = "session"
	TierVolatile Tier = "volatile"
)

// ErrUnavailable はストアが利用できない状態で操作した場合のエラー。
var ErrUnavailable = errors.New("storage: store is unavailable")

// KeyValueStore は文字列キーと文字列値を保存するストアのインターフェース。
type KeyValueStore interface {
	// Get はキーに対応する値を返す。存在しない場合はfalseを返す。
	Get(ctx context.Context, key string) (string, bool, error)
	// Set はキーに値を保存する。
	Set(ctx context.Context, key, value string) error
	// Delete はキーを削除する。存在しない場合もエラーにしない。
	Delete(ctx context.Context, key string) error
}

// Tiers は階層ごとのストアをまとめたもの。
// 利用できない階層はnilでよい。Volatileは常に非nilであること。
type Tiers struct {
	Durable  KeyValueStore
	Session  KeyValueStore
	Volatile KeyValueStore
}

// For は指定階層のストアを返す。nilの階層やVolatileの場合はVolatileを返す。
func (t Tiers) For(tier Tier) KeyValueStore {
	switch tier {
	case TierDurable:
		if t.Durable != nil {
			return t.Durable
		}
	case TierSession:
		if t.Session != nil {
			return t.Session
		}
	}
	return t.Volatile
}
