package discord

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/trialkey/internal/admin"
	"github.com/hitoshi/trialkey/internal/middleware"
	"github.com/hitoshi/trialkey/internal/model"
	"github.com/hitoshi/trialkey/internal/pool"
)

const maxInteractionBody = 64 << 10

const colorBlurple = 0x5865F2

// Dispenser は/trialコマンドの処理を行う。
type Dispenser interface {
	RequestCredential(ctx context.Context, identity string) (*model.DispenseResult, error)
}

// AdminService は管理コマンドの処理を行う。
type AdminService interface {
	SetFrozen(ctx context.Context, actor string, frozen bool) (bool, error)
	AddCredentials(ctx context.Context, actor string, ids []string) (model.AddReport, error)
	ClearAllCredentials(ctx context.Context, actor string) (int, error)
	Unlink(ctx context.Context, actor, identity string) error
	SetCooldown(ctx context.Context, actor string, d time.Duration) error
	Status(ctx context.Context) (*admin.Status, error)
}

// Responder は保留中の応答を書き換える。
type Responder interface {
	EditOriginal(ctx context.Context, interactionToken string, msg Message) error
}

// InteractionConfig はInteractionHandlerの設定。
type InteractionConfig struct {
	PublicKey   ed25519.PublicKey
	AdminRoleID string
	// CommandTimeout は保留応答後のコマンド処理全体の上限。
	// Discordのインタラクショントークンは15分で失効する。
	CommandTimeout time.Duration
}

// InteractionHandler はDiscordのインタラクションWebhookを処理する。
// コマンドには即座に保留応答（ephemeral）を返し、処理結果は後から応答を書き換えて伝える。
type InteractionHandler struct {
	config    InteractionConfig
	dispenser Dispenser
	admin     AdminService
	responder Responder
	wg        sync.WaitGroup
}

// NewInteractionHandler はInteractionHandlerを生成する。
func NewInteractionHandler(config InteractionConfig, dispenser Dispenser, adminSvc AdminService, responder Responder) *InteractionHandler {
	if config.CommandTimeout <= 0 {
		config.CommandTimeout = 30 * time.Second
	}
	return &InteractionHandler{
		config:    config,
		dispenser: dispenser,
		admin:     adminSvc,
		responder: responder,
	}
}

// ServeHTTP はPOST /interactions を処理する。
func (h *InteractionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxInteractionBody+1))
	if err != nil || len(body) > maxInteractionBody {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if !VerifySignature(h.config.PublicKey,
		r.Header.Get("X-Signature-Ed25519"),
		r.Header.Get("X-Signature-Timestamp"),
		body,
	) {
		slog.Warn("interaction signature rejected", slog.String("remote_addr", r.RemoteAddr))
		http.Error(w, "invalid request signature", http.StatusUnauthorized)
		return
	}

	var in Interaction
	if err := json.Unmarshal(body, &in); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	middleware.Annotate(r.Context(), slog.Int("interaction_type", in.Type))
	if in.Data != nil {
		middleware.Annotate(r.Context(), slog.String("command", in.Data.Name))
	}

	switch in.Type {
	case InteractionPing:
		writeJSON(w, map[string]int{"type": responsePong})
	case InteractionApplicationCommand:
		if in.Data == nil || in.Invoker() == "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]any{
			"type": responseDeferredChannelMessage,
			"data": map[string]int{"flags": messageFlagEphemeral},
		})

		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), h.config.CommandTimeout)
			defer cancel()

			msg := h.handleCommand(ctx, &in)
			if err := h.responder.EditOriginal(ctx, in.Token, msg); err != nil {
				slog.Error("failed to send interaction response",
					slog.String("command", in.Data.Name),
					slog.String("error", err.Error()),
				)
			}
		}()
	default:
		http.Error(w, "unsupported interaction type", http.StatusBadRequest)
	}
}

// Wait は処理中のコマンドの完了を待つ。
func (h *InteractionHandler) Wait() {
	h.wg.Wait()
}

func (h *InteractionHandler) handleCommand(ctx context.Context, in *Interaction) Message {
	actor := in.Invoker()
	name := in.Data.Name

	if name == "trial" {
		return h.trial(ctx, actor)
	}

	if !in.IsAdmin(h.config.AdminRoleID) {
		slog.Warn("admin command denied",
			slog.String("command", name),
			slog.String("identity", actor),
		)
		return Message{Content: "⛔ You don't have permission to use this command."}
	}

	switch name {
	case "freeze", "unfreeze":
		frozen := name == "freeze"
		changed, err := h.admin.SetFrozen(ctx, actor, frozen)
		if err != nil {
			return internalError(name, err)
		}
		switch {
		case !changed && frozen:
			return Message{Content: "Dispensing is already paused."}
		case !changed:
			return Message{Content: "Dispensing is already active."}
		case frozen:
			return Message{Content: "⏸️ Trial key dispensing paused."}
		default:
			return Message{Content: "▶️ Trial key dispensing resumed."}
		}

	case "addkeys":
		raw, _ := in.Data.StringOption("keys")
		report, err := h.admin.AddCredentials(ctx, actor, pool.ParseIDs(raw))
		if err != nil {
			return internalError(name, err)
		}
		return Message{Content: fmt.Sprintf("Added %d key(s). Skipped %d duplicate(s) and %d invalid.",
			report.Added, report.Duplicate, report.Invalid)}

	case "clearkeys":
		n, err := h.admin.ClearAllCredentials(ctx, actor)
		if err != nil {
			return internalError(name, err)
		}
		return Message{Content: fmt.Sprintf("🗑️ Removed %d unissued key(s).", n)}

	case "unlink":
		target, ok := in.Data.StringOption("user")
		if !ok || target == "" {
			return Message{Content: "Please specify a user."}
		}
		err := h.admin.Unlink(ctx, actor, target)
		if errors.Is(err, model.ErrNotLinked) {
			return Message{Content: fmt.Sprintf("<@%s> is not linked.", target)}
		}
		if err != nil {
			return internalError(name, err)
		}
		return Message{Content: fmt.Sprintf("Unlinked <@%s>.", target)}

	case "setcooldown":
		days, ok := in.Data.IntOption("days")
		if !ok {
			return Message{Content: "Please specify the number of days."}
		}
		d, err := admin.ParseCooldownDays(days)
		if err != nil {
			return Message{Content: "Cooldown must be between 0 and 3650 days."}
		}
		if err := h.admin.SetCooldown(ctx, actor, d); err != nil {
			return internalError(name, err)
		}
		return Message{Content: "Cooldown set to " + admin.FormatDuration(d) + "."}

	case "keystatus":
		st, err := h.admin.Status(ctx)
		if err != nil {
			return internalError(name, err)
		}
		state := "active"
		if st.Frozen {
			state = "paused"
		}
		return Message{Embeds: []Embed{{
			Title: "Trial Key Status",
			Description: fmt.Sprintf("Available keys: **%d**\nDispensing: **%s**\nCooldown: **%s**\nLinked accounts: **%d**\nPending links: **%d**",
				st.Available, state, st.CooldownText, st.LinkedAccounts, st.PendingLinks),
			Color: colorBlurple,
		}}}
	}

	return Message{Content: "Unknown command."}
}

func (h *InteractionHandler) trial(ctx context.Context, identity string) Message {
	result, err := h.dispenser.RequestCredential(ctx, identity)
	if err != nil {
		var inc *model.InconsistencyError
		if errors.As(err, &inc) {
			return Message{Content: fmt.Sprintf("⚠️ Something went wrong while issuing your key. Please contact staff with incident ID `%s`.", inc.IncidentID)}
		}
		return internalError("trial", err)
	}
	return TrialMessage(result)
}

// TrialMessage は/trialの結果をユーザー向けメッセージに変換する。
func TrialMessage(r *model.DispenseResult) Message {
	switch r.Outcome {
	case model.OutcomeThrottled:
		return Message{Content: fmt.Sprintf("⏳ You're doing that too fast. Try again in %s.", roundUp(r.RetryAfter))}
	case model.OutcomePaused:
		return Message{Content: "⏸️ Trial key dispensing is currently paused. Please try again later."}
	case model.OutcomeLinkRequired:
		return Message{
			Embeds: []Embed{{
				Title:       "🔗 Link Discord & run again!",
				Description: "Click the button below to link.",
				Color:       colorBlurple,
			}},
			Components: LinkButton("Link Discord", r.AuthorizationURL),
		}
	case model.OutcomeCooldownActive:
		return Message{Content: fmt.Sprintf("🕒 You already claimed a key: **%s**\nYou can claim a new one in %s.",
			r.CredentialID, admin.FormatDuration(roundUp(r.Remaining)))}
	case model.OutcomePoolExhausted:
		return Message{Content: "😔 We're out of trial keys right now. Please check back later."}
	case model.OutcomeDispensed:
		msg := "🎉 Your trial key: **" + r.CredentialID + "**"
		if r.DeliveryErr != nil {
			return Message{Content: msg + "\nWe couldn't DM you a copy, so save it now."}
		}
		return Message{Content: msg + "\nWe've also sent it to your DMs."}
	}
	return Message{Content: "Unknown result."}
}

// VerifySignature はDiscordが付与したEd25519署名を検証する。
// 署名対象はタイムスタンプとリクエストボディを連結したもの。
func VerifySignature(publicKey ed25519.PublicKey, signatureHex, timestamp string, body []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || signatureHex == "" || timestamp == "" {
		return false
	}
	sig, err := hex.DecodeString(signatureHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	msg := make([]byte, 0, len(timestamp)+len(body))
	msg = append(msg, timestamp...)
	msg = append(msg, body...)
	return ed25519.Verify(publicKey, msg, sig)
}

// ParsePublicKey は16進表記の公開鍵を解析する。
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key length %d", len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

func roundUp(d time.Duration) time.Duration {
	r := d.Truncate(time.Second)
	if r < d {
		r += time.Second
	}
	return r
}

func internalError(command string, err error) Message {
	slog.Error("command failed",
		slog.String("command", command),
		slog.String("error", err.Error()),
	)
	return Message{Content: "❌ Something went wrong. Please try again later."}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
