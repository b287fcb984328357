package discord

import (
	"encoding/json"
	"strconv"
)

// インタラクション種別
const (
	InteractionPing               = 1
	InteractionApplicationCommand = 2
)

// 応答種別
const (
	responsePong                     = 1
	responseDeferredChannelMessage   = 5
	messageFlagEphemeral             = 1 << 6
	permissionAdministrator   uint64 = 1 << 3
)

// コマンドオプション種別
const (
	OptionString  = 3
	OptionInteger = 4
	OptionUser    = 6
)

// Message はメッセージ本文。インタラクション応答の編集にも使う。
type Message struct {
	Content    string      `json:"content"`
	Embeds     []Embed     `json:"embeds,omitempty"`
	Components []Component `json:"components,omitempty"`
}

// Embed はメッセージ埋め込み。
type Embed struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Color       int    `json:"color,omitempty"`
}

// Component はボタンなどのメッセージコンポーネント。
type Component struct {
	Type       int         `json:"type"`
	Style      int         `json:"style,omitempty"`
	Label      string      `json:"label,omitempty"`
	URL        string      `json:"url,omitempty"`
	Components []Component `json:"components,omitempty"`
}

// LinkButton はURLを開くボタンを1つ含む行を返す。
func LinkButton(label, url string) []Component {
	return []Component{{
		Type: 1,
		Components: []Component{{
			Type:  2,
			Style: 5,
			Label: label,
			URL:   url,
		}},
	}}
}

// Command はスラッシュコマンドの定義。
type Command struct {
	Name                     string          `json:"name"`
	Description              string          `json:"description"`
	Options                  []CommandOption `json:"options,omitempty"`
	DefaultMemberPermissions *string         `json:"default_member_permissions,omitempty"`
}

// CommandOption はスラッシュコマンドの引数定義。
type CommandOption struct {
	Type        int    `json:"type"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Required    bool   `json:"required,omitempty"`
	MinValue    *int   `json:"min_value,omitempty"`
}

// Commands はこのアプリケーションが登録するスラッシュコマンドを返す。
// 管理コマンドはデフォルトで管理者権限を要求する。
func Commands() []Command {
	admin := strconv.FormatUint(permissionAdministrator, 10)
	zero := 0
	return []Command{
		{Name: "trial", Description: "🔑 Claim your free trial key!"},
		{Name: "freeze", Description: "Pause trial key dispensing", DefaultMemberPermissions: &admin},
		{Name: "unfreeze", Description: "Resume trial key dispensing", DefaultMemberPermissions: &admin},
		{
			Name:                     "addkeys",
			Description:              "Add trial keys (comma or newline separated)",
			DefaultMemberPermissions: &admin,
			Options: []CommandOption{
				{Type: OptionString, Name: "keys", Description: "Keys to add", Required: true},
			},
		},
		{Name: "clearkeys", Description: "Remove all unissued trial keys", DefaultMemberPermissions: &admin},
		{
			Name:                     "unlink",
			Description:              "Unlink a user's account",
			DefaultMemberPermissions: &admin,
			Options: []CommandOption{
				{Type: OptionUser, Name: "user", Description: "User to unlink", Required: true},
			},
		},
		{
			Name:                     "setcooldown",
			Description:              "Set the cooldown between trial keys",
			DefaultMemberPermissions: &admin,
			Options: []CommandOption{
				{Type: OptionInteger, Name: "days", Description: "Cooldown in days", Required: true, MinValue: &zero},
			},
		},
		{Name: "keystatus", Description: "Show trial key pool status", DefaultMemberPermissions: &admin},
	}
}

// Interaction は受信したインタラクション。
type Interaction struct {
	ID            string           `json:"id"`
	ApplicationID string           `json:"application_id"`
	Type          int              `json:"type"`
	Token         string           `json:"token"`
	GuildID       string           `json:"guild_id,omitempty"`
	Data          *InteractionData `json:"data,omitempty"`
	Member        *Member          `json:"member,omitempty"`
	User          *User            `json:"user,omitempty"`
}

// InteractionData はコマンド名と引数。
type InteractionData struct {
	Name    string              `json:"name"`
	Options []InteractionOption `json:"options,omitempty"`
}

// InteractionOption はコマンド引数の値。
type InteractionOption struct {
	Name  string          `json:"name"`
	Type  int             `json:"type"`
	Value json.RawMessage `json:"value"`
}

// Member はサーバー内で実行された場合の実行者。
type Member struct {
	User        *User    `json:"user"`
	Roles       []string `json:"roles"`
	Permissions string   `json:"permissions"`
}

// User はDiscordユーザー。
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Invoker は実行者のユーザーIDを返す。
func (i *Interaction) Invoker() string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

// IsAdmin は実行者が管理者権限または指定ロールを持つかを返す。
// DMからの実行は管理者として扱わない。
func (i *Interaction) IsAdmin(adminRoleID string) bool {
	if i.Member == nil {
		return false
	}
	if perms, err := strconv.ParseUint(i.Member.Permissions, 10, 64); err == nil && perms&permissionAdministrator != 0 {
		return true
	}
	if adminRoleID == "" {
		return false
	}
	for _, r := range i.Member.Roles {
		if r == adminRoleID {
			return true
		}
	}
	return false
}

// StringOption は文字列引数を返す。
func (d *InteractionData) StringOption(name string) (string, bool) {
	for _, o := range d.Options {
		if o.Name != name {
			continue
		}
		var s string
		if err := json.Unmarshal(o.Value, &s); err != nil {
			return "", false
		}
		return s, true
	}
	return "", false
}

// IntOption は整数引数を返す。
func (d *InteractionData) IntOption(name string) (int, bool) {
	for _, o := range d.Options {
		if o.Name != name {
			continue
		}
		var f float64
		if err := json.Unmarshal(o.Value, &f); err != nil {
			return 0, false
		}
		return int(f), true
	}
	return 0, false
}
