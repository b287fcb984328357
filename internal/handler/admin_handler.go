package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/trialkey/internal/admin"
	"github.com/hitoshi/trialkey/internal/middleware"
	"github.com/hitoshi/trialkey/internal/model"
	"github.com/hitoshi/trialkey/internal/pool"
)

const maxAdminBody = 1 << 20

// AdminService は管理操作のインターフェース。
type AdminService interface {
	SetFrozen(ctx context.Context, actor string, frozen bool) (bool, error)
	AddCredentials(ctx context.Context, actor string, ids []string) (model.AddReport, error)
	ClearAllCredentials(ctx context.Context, actor string) (int, error)
	Unlink(ctx context.Context, actor, identity string) error
	SetCooldown(ctx context.Context, actor string, d time.Duration) error
	Status(ctx context.Context) (*admin.Status, error)
}

// Dispenser はDiscord以外のフロントエンドから払い出しを行うためのインターフェース。
type Dispenser interface {
	RequestCredential(ctx context.Context, identity string) (*model.DispenseResult, error)
	BeginLink(ctx context.Context, identity string) (string, error)
}

// AdminHandler は/api/admin/* を処理する。
type AdminHandler struct {
	service   AdminService
	dispenser Dispenser
}

// NewAdminHandler はAdminHandlerを生成する。
func NewAdminHandler(service AdminService, dispenser Dispenser) *AdminHandler {
	return &AdminHandler{service: service, dispenser: dispenser}
}

type frozenResponse struct {
	Frozen  bool `json:"frozen"`
	Changed bool `json:"changed"`
}

// Freeze は払い出しを一時停止する。
// POST /api/admin/freeze
func (h *AdminHandler) Freeze(w http.ResponseWriter, r *http.Request) {
	h.setFrozen(w, r, true)
}

// Unfreeze は払い出しを再開する。
// POST /api/admin/unfreeze
func (h *AdminHandler) Unfreeze(w http.ResponseWriter, r *http.Request) {
	h.setFrozen(w, r, false)
}

func (h *AdminHandler) setFrozen(w http.ResponseWriter, r *http.Request, frozen bool) {
	changed, err := h.service.SetFrozen(r.Context(), middleware.ActorFromContext(r.Context()), frozen)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, frozenResponse{Frozen: frozen, Changed: changed})
}

// addCredentialsRequest はキー追加のリクエストボディ。
// idsとraw（カンマ・改行区切り）のどちらか、または両方を指定する。
type addCredentialsRequest struct {
	IDs []string `json:"ids"`
	Raw string   `json:"raw"`
}

// AddCredentials はキーを一括登録する。
// POST /api/admin/credentials
func (h *AdminHandler) AddCredentials(w http.ResponseWriter, r *http.Request) {
	var req addCredentialsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ids := append(req.IDs, pool.ParseIDs(req.Raw)...)
	if len(ids) == 0 {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("no credential IDs given"))
		return
	}

	report, err := h.service.AddCredentials(r.Context(), middleware.ActorFromContext(r.Context()), ids)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ClearCredentials は未発行のキーをすべて削除する。
// DELETE /api/admin/credentials
func (h *AdminHandler) ClearCredentials(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.ClearAllCredentials(r.Context(), middleware.ActorFromContext(r.Context()))
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

// Unlink はアカウントの連携を解除する。
// DELETE /api/admin/accounts/{identity}
func (h *AdminHandler) Unlink(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	err := h.service.Unlink(r.Context(), middleware.ActorFromContext(r.Context()), identity)
	if errors.Is(err, model.ErrNotLinked) {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewNotLinkedError(identity))
		return
	}
	if err != nil {
		writeInternalError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type cooldownRequest struct {
	Days *int `json:"days"`
}

// SetCooldown はクールダウン期間を日数で設定する。
// PUT /api/admin/cooldown
func (h *AdminHandler) SetCooldown(w http.ResponseWriter, r *http.Request) {
	var req cooldownRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Days == nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("days is required"))
		return
	}
	d, err := admin.ParseCooldownDays(*req.Days)
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError(err.Error()))
		return
	}
	if err := h.service.SetCooldown(r.Context(), middleware.ActorFromContext(r.Context()), d); err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cooldown":         admin.FormatDuration(d),
		"cooldown_seconds": int64(d / time.Second),
	})
}

// Status は払い出しの現在の状態を返す。
// GET /api/admin/status
func (h *AdminHandler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.service.Status(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type identityRequest struct {
	Identity string `json:"identity"`
}

// BeginLink は指定ユーザーの連携URLを発行する。
// POST /api/admin/link
func (h *AdminHandler) BeginLink(w http.ResponseWriter, r *http.Request) {
	identity, ok := decodeIdentity(w, r)
	if !ok {
		return
	}
	url, err := h.dispenser.BeginLink(r.Context(), identity)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"authorization_url": url})
}

// dispenseResponse は払い出し結果のレスポンス。
type dispenseResponse struct {
	Outcome           model.Outcome `json:"outcome"`
	CredentialID      string        `json:"credential_id,omitempty"`
	RetryAfterSeconds float64       `json:"retry_after_seconds,omitempty"`
	RemainingSeconds  float64       `json:"remaining_seconds,omitempty"`
	AuthorizationURL  string        `json:"authorization_url,omitempty"`
	DeliveryError     string        `json:"delivery_error,omitempty"`
}

// Dispense は指定ユーザーに対して払い出しを行う。
// POST /api/admin/dispense
func (h *AdminHandler) Dispense(w http.ResponseWriter, r *http.Request) {
	identity, ok := decodeIdentity(w, r)
	if !ok {
		return
	}

	result, err := h.dispenser.RequestCredential(r.Context(), identity)
	if err != nil {
		var inc *model.InconsistencyError
		if errors.As(err, &inc) {
			slog.Error("dispense incident", slog.String("incident_id", inc.IncidentID), slog.String("error", err.Error()))
			middleware.WriteErrorResponse(w, http.StatusInternalServerError, model.NewIncidentError(inc.IncidentID))
			return
		}
		writeInternalError(w, err)
		return
	}
	middleware.Annotate(r.Context(), slog.String("outcome", string(result.Outcome)))

	resp := dispenseResponse{
		Outcome:           result.Outcome,
		CredentialID:      result.CredentialID,
		RetryAfterSeconds: result.RetryAfter.Seconds(),
		RemainingSeconds:  result.Remaining.Seconds(),
		AuthorizationURL:  result.AuthorizationURL,
	}
	if result.DeliveryErr != nil {
		resp.DeliveryError = result.DeliveryErr.Error()
	}

	status := http.StatusOK
	if result.Outcome == model.OutcomeThrottled {
		w.Header().Set("Retry-After", retryAfterHeader(result.RetryAfter))
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, resp)
}

func decodeIdentity(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req identityRequest
	if !decodeBody(w, r, &req) {
		return "", false
	}
	identity := strings.TrimSpace(req.Identity)
	if identity == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("identity is required"))
		return "", false
	}
	return identity, true
}

// decodeBody はJSONボディを読み込む。失敗時は400を書き込んでfalseを返す。
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("malformed JSON body"))
		return false
	}
	return true
}
