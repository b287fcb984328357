package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
)

// リクエストの入口ごとの分類
const (
	SurfaceAdmin       = "admin"
	SurfaceLink        = "link"
	SurfaceInteraction = "interaction"
	SurfaceSystem      = "system"
)

type requestInfoKey struct{}

// requestInfo はハンドラーが処理中に書き足すログ属性。
type requestInfo struct {
	mu    sync.Mutex
	attrs []slog.Attr
}

// NewRequestInfoMiddleware はハンドラーがAnnotateで属性を追加できるようにする。
// アクセスログとpanicログは追加された属性を出力する。チェーンの最外側に置く。
func NewRequestInfoMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), requestInfoKey{}, &requestInfo{})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Annotate はリクエストのログ属性を追加する。NewRequestInfoMiddlewareの外では何もしない。
func Annotate(ctx context.Context, attrs ...slog.Attr) {
	info, ok := ctx.Value(requestInfoKey{}).(*requestInfo)
	if !ok {
		return
	}
	info.mu.Lock()
	info.attrs = append(info.attrs, attrs...)
	info.mu.Unlock()
}

// Annotations はAnnotateで追加された属性を返す。
func Annotations(ctx context.Context) []slog.Attr {
	info, ok := ctx.Value(requestInfoKey{}).(*requestInfo)
	if !ok {
		return nil
	}
	info.mu.Lock()
	defer info.mu.Unlock()
	return append([]slog.Attr(nil), info.attrs...)
}

// Surface はパスから入口の分類を返す。
func Surface(path string) string {
	switch {
	case strings.HasPrefix(path, "/api/admin"):
		return SurfaceAdmin
	case path == "/oauth/callback":
		return SurfaceLink
	case path == "/interactions":
		return SurfaceInteraction
	default:
		return SurfaceSystem
	}
}
