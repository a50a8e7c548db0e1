// Package mocks はテスト用のモックを提供します。
//
// インターフェースを変更した場合は次のコマンドで再生成します。
//
//	go generate ./internal/mocks
package mocks

//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=querier_mock.go github.com/yourusername/margin-console/internal/portal Querier
