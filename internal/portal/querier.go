// Package portal は外部ポータルへのマージン照会を抽象化します。
package portal

import (
	"context"

	"github.com/yourusername/margin-console/internal/margin"
)

// Querier は1行分のマージン照会を行います。
// 実装は再試行に耐える（同じ行を再度照会しても副作用がない）必要があり、
// ctx の期限内に戻らなければなりません。
type Querier interface {
	Query(ctx context.Context, row margin.Row) (margin.Details, error)
}

// QuerierFunc は関数を Querier として扱うためのアダプターです。
type QuerierFunc func(ctx context.Context, row margin.Row) (margin.Details, error)

// Query は f を呼び出します。
func (f QuerierFunc) Query(ctx context.Context, row margin.Row) (margin.Details, error) {
	return f(ctx, row)
}
