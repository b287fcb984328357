// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	clientIPContextKey = contextKey("client_ip")
	actorContextKey    = contextKey("actor")
)

// NewClientIPMiddleware は呼び出し元IPを決定してコンテキストに注入する。
// trustProxyがtrueの場合のみX-Forwarded-Forの先頭要素を採用する。
func NewClientIPMiddleware(trustProxy bool) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := ContextWithClientIP(r.Context(), ClientIP(r, trustProxy))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientIP はリクエストの呼び出し元IPを返す。
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ClientIPFromContext はコンテキストから呼び出し元IPを取得する。未設定なら空文字列。
func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPContextKey).(string)
	return ip
}

// ContextWithClientIP はコンテキストに呼び出し元IPを注入する。
func ContextWithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey, ip)
}
