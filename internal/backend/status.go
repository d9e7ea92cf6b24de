package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Result はバックエンド呼び出し結果の分類。
type Result int

const (
	// ResultOK は成功（2xx）。
	ResultOK Result = iota
	// ResultRejected はクライアント側の拒否（4xx）。再試行しない。
	ResultRejected
	// ResultRetriable はサーバーエラー（5xx）やネットワーク・タイムアウト。再試行してよい。
	ResultRetriable
)

// String は分類名を返す。メトリクスのラベルに使う。
func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultRejected:
		return "rejected"
	default:
		return "retriable"
	}
}

var (
	// ErrRejected はバックエンドがリクエストを拒否した場合のエラー。
	ErrRejected = errors.New("backend: request rejected")
	// ErrNoCredential は認証ヘッダーが未設定の場合のエラー。
	ErrNoCredential = errors.New("backend: no credential")
)

// ClassifyStatus はHTTPステータスコードを呼び出し結果に分類する。
func ClassifyStatus(statusCode int) Result {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return ResultOK
	case statusCode >= 500:
		return ResultRetriable
	default:
		return ResultRejected
	}
}

// StatusError はバックエンドが2xx以外を返した場合のエラー。
type StatusError struct {
	Status  int
	Message string
}

// Error はerrorインターフェースを実装する。
func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("backend returned status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("backend returned status %d", e.Status)
}

// Is は4xxをErrRejectedとして判定できるようにする。
func (e *StatusError) Is(target error) bool {
	return target == ErrRejected && ClassifyStatus(e.Status) == ResultRejected
}

// Classify はバックエンド呼び出しのエラーを分類する。nilはResultOK。
func Classify(err error) Result {
	if err == nil {
		return ResultOK
	}

	var se *StatusError
	if errors.As(err, &se) {
		return ClassifyStatus(se.Status)
	}
	if errors.Is(err, ErrRejected) {
		return ResultRejected
	}
	// トークン未取得はローカルの一時的な状態で、サーバーの拒否ではない
	if errors.Is(err, ErrNoCredential) {
		return ResultRetriable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ResultRetriable
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ResultRetriable
	}

	// レスポンスを解釈できない等はサーバー側の一時的な不具合として扱う
	return ResultRetriable
}
