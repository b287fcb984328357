package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/trialkey/internal/middleware"
	"github.com/hitoshi/trialkey/internal/model"
)

// Linker はOAuthコールバックを処理する。
type Linker interface {
	CompleteLink(ctx context.Context, code, state, callerIP string) (*model.LinkResult, error)
}

// CallbackConfig はコールバックハンドラーの設定。
type CallbackConfig struct {
	// PostLinkRedirectURL は連携成功後のリダイレクト先。空ならJSONで結果を返す。
	PostLinkRedirectURL string
}

// CallbackHandler はGET /oauth/callback を処理する。
type CallbackHandler struct {
	linker Linker
	config CallbackConfig
}

// NewCallbackHandler はCallbackHandlerを生成する。
func NewCallbackHandler(linker Linker, config CallbackConfig) *CallbackHandler {
	return &CallbackHandler{linker: linker, config: config}
}

// callbackResponse はリダイレクト先未設定時のレスポンス。キーは含めない。
type callbackResponse struct {
	Identity      string `json:"identity"`
	AlreadyLinked bool   `json:"already_linked"`
	Outcome       string `json:"outcome"`
}

// ServeHTTP はOAuthコールバックを処理する。
// GET /oauth/callback?code=xxx&state=yyy
func (h *CallbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ip := middleware.ClientIPFromContext(r.Context())

	result, err := h.linker.CompleteLink(r.Context(), q.Get("code"), q.Get("state"), ip)
	if err != nil {
		writeCallbackError(w, err)
		return
	}
	middleware.Annotate(r.Context(), slog.Bool("already_linked", result.AlreadyLinked))
	if result.Dispense != nil {
		middleware.Annotate(r.Context(), slog.String("outcome", string(result.Dispense.Outcome)))
	}

	if h.config.PostLinkRedirectURL != "" {
		http.Redirect(w, r, h.config.PostLinkRedirectURL, http.StatusFound)
		return
	}

	resp := callbackResponse{Identity: result.Identity, AlreadyLinked: result.AlreadyLinked}
	if result.Dispense != nil {
		resp.Outcome = string(result.Dispense.Outcome)
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeCallbackError はエラー種別をHTTPステータスと統一エラーフォーマットに変換する。
func writeCallbackError(w http.ResponseWriter, err error) {
	var throttled *model.ThrottledError
	var upstream *model.UpstreamAuthError

	switch {
	case errors.As(err, &throttled):
		middleware.WriteRateLimited(w, throttled.RetryAfter)
	case errors.Is(err, model.ErrMissingCallbackParams):
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewMissingCallbackParamsError())
	case errors.Is(err, model.ErrInvalidOrExpiredLinkToken):
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidLinkStateError())
	case errors.As(err, &upstream):
		middleware.WriteErrorResponse(w, http.StatusBadGateway, model.NewUpstreamAuthError())
	default:
		slog.Error("oauth callback failed", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
	}
}
