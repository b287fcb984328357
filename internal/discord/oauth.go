// Package discord はDiscordとの連携（OAuth、REST API、インタラクション受信）を提供する。
package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/hitoshi/trialkey/internal/model"
)

const (
	defaultAuthURL    = "https://discord.com/oauth2/authorize"
	defaultTokenURL   = "https://discord.com/api/oauth2/token"
	defaultAPIBaseURL = "https://discord.com/api/v10"
)

// ErrEmailMissing はプロフィールにメールアドレスが含まれていないことを表す。
var ErrEmailMissing = errors.New("email scope missing")

// OAuthConfig はDiscord OAuthの設定。
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// テスト用にオーバーライド可能なURL
	AuthURL    string
	TokenURL   string
	APIBaseURL string

	// HTTPClient はトークン交換とプロフィール取得に使う。nilならhttp.DefaultClient。
	HTTPClient *http.Client
}

// OAuthProvider はDiscord OAuth 2.0でユーザーのプロフィールを取得する。
type OAuthProvider struct {
	oauth      *oauth2.Config
	apiBaseURL string
	httpClient *http.Client
}

// NewOAuthProvider はOAuthProviderを生成する。スコープはidentifyとemail。
func NewOAuthProvider(config OAuthConfig) *OAuthProvider {
	if config.AuthURL == "" {
		config.AuthURL = defaultAuthURL
	}
	if config.TokenURL == "" {
		config.TokenURL = defaultTokenURL
	}
	if config.APIBaseURL == "" {
		config.APIBaseURL = defaultAPIBaseURL
	}
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	return &OAuthProvider{
		oauth: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURL,
			Scopes:       []string{"identify", "email"},
			Endpoint: oauth2.Endpoint{
				AuthURL:   config.AuthURL,
				TokenURL:  config.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		apiBaseURL: config.APIBaseURL,
		httpClient: config.HTTPClient,
	}
}

// AuthorizationURL はstateを埋め込んだ認可URLを返す。
func (p *OAuthProvider) AuthorizationURL(state string) string {
	return p.oauth.AuthCodeURL(state)
}

// discordUser は/users/@meのレスポンス。
type discordUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Verified bool   `json:"verified"`
}

// Exchange は認可コードをアクセストークンに交換し、プロフィールを取得する。
// メールアドレスが取得できない場合はErrEmailMissingを返す。
func (p *OAuthProvider) Exchange(ctx context.Context, code string) (*model.Profile, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	token, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange token: %w", err)
	}

	user, err := p.fetchUser(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user: %w", err)
	}
	if user.Email == "" {
		return nil, ErrEmailMissing
	}

	return &model.Profile{
		ProviderUserID: user.ID,
		Email:          user.Email,
		Username:       user.Username,
	}, nil
}

func (p *OAuthProvider) fetchUser(ctx context.Context, token *oauth2.Token) (*discordUser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBaseURL+"/users/@me", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create user request: %w", err)
	}

	resp, err := p.oauth.Client(ctx, token).Do(req)
	if err != nil {
		return nil, fmt.Errorf("user request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read user response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("user request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var user discordUser
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, fmt.Errorf("failed to parse user response: %w", err)
	}
	return &user, nil
}
