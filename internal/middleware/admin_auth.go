package middleware

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/trialkey/internal/model"
)

// AdminActor は管理APIの操作者として通知に記録する名前。
const AdminActor = "api:admin"

// NewAdminAuthMiddleware はBearerトークンで管理APIを保護するミドルウェアを返す。
// tokenが空の場合は管理APIを無効とし、常に401を返す。
func NewAdminAuthMiddleware(token string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token == "" || !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				slog.Warn("admin auth failed",
					slog.String("path", r.URL.Path),
					slog.String("client_ip", ClientIPFromContext(r.Context())),
				)
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			Annotate(r.Context(), slog.String("actor", AdminActor))
			ctx := context.WithValue(r.Context(), actorContextKey, AdminActor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ActorFromContext は認証済みの操作者名を返す。未認証なら空文字列。
func ActorFromContext(ctx context.Context) string {
	actor, _ := ctx.Value(actorContextKey).(string)
	return actor
}
