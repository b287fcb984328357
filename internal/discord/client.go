package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ClientConfig はREST APIクライアントの設定。
type ClientConfig struct {
	BotToken      string
	ApplicationID string
	// InfoURL はDMの末尾に案内するURL。空なら省略する。
	InfoURL string

	// テスト用にオーバーライド可能
	BaseURL    string
	HTTPClient *http.Client
}

// Client はBotトークンでDiscord REST APIを呼び出す。
type Client struct {
	baseURL       string
	botToken      string
	applicationID string
	infoURL       string
	http          *http.Client
}

// NewClient はClientを生成する。
func NewClient(config ClientConfig) *Client {
	if config.BaseURL == "" {
		config.BaseURL = defaultAPIBaseURL
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL:       config.BaseURL,
		botToken:      config.BotToken,
		applicationID: config.ApplicationID,
		infoURL:       config.InfoURL,
		http:          config.HTTPClient,
	}
}

// APIError はDiscord APIが2xx以外を返したことを表す。
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("discord %s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// SendCredential はユーザーとのDMチャンネルを開き、トライアルキーを送信する。
func (c *Client) SendCredential(ctx context.Context, identity, credentialID string) error {
	var channel struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/users/@me/channels", map[string]string{"recipient_id": identity}, &channel, true); err != nil {
		return fmt.Errorf("failed to open DM channel: %w", err)
	}

	msg := Message{Content: CredentialMessage(credentialID, c.infoURL)}
	if err := c.do(ctx, http.MethodPost, "/channels/"+channel.ID+"/messages", msg, nil, true); err != nil {
		return fmt.Errorf("failed to send DM: %w", err)
	}
	return nil
}

// EditOriginal は保留中のインタラクション応答を書き換える。
// インタラクショントークンで認証するためBotトークンは送らない。
func (c *Client) EditOriginal(ctx context.Context, interactionToken string, msg Message) error {
	path := "/webhooks/" + c.applicationID + "/" + interactionToken + "/messages/@original"
	if err := c.do(ctx, http.MethodPatch, path, msg, nil, false); err != nil {
		return fmt.Errorf("failed to edit interaction response: %w", err)
	}
	return nil
}

// RegisterCommands はスラッシュコマンドを一括登録する。guildIDが空ならグローバル登録。
func (c *Client) RegisterCommands(ctx context.Context, guildID string, commands []Command) error {
	path := "/applications/" + c.applicationID + "/commands"
	if guildID != "" {
		path = "/applications/" + c.applicationID + "/guilds/" + guildID + "/commands"
	}
	if err := c.do(ctx, http.MethodPut, path, commands, nil, true); err != nil {
		return fmt.Errorf("failed to register commands: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any, botAuth bool) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if botAuth {
		req.Header.Set("Authorization", "Bot "+c.botToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Method: method, Path: path, Status: resp.StatusCode, Body: string(raw)}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

// CredentialMessage はトライアルキーを届けるDMの本文を返す。
func CredentialMessage(credentialID, infoURL string) string {
	msg := "🎉 Here's your trial key:\n**" + credentialID + "**\n\n" +
		"`Note: This is a temporary trial key. Keep it private; it is tied to your account.`\n" +
		"You can claim another once your cooldown ends"
	if infoURL != "" {
		msg += " or visit " + infoURL
	}
	return msg + "."
}
