// Package security は外部送信先URLの検証とテキストの無害化を提供する。
package security

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// OutboundGuard は通知Webhookなど外部送信先へのリクエストを保護する。
// 設定されたURLの事前検証と、SSRF防止付きHTTPクライアントの生成を行う。
type OutboundGuard interface {
	// Client はプライベートIP、ループバック、リンクローカル宛ての接続を
	// DNS解決後に拒否するHTTPクライアントを返す。
	Client(timeout time.Duration) *http.Client

	// Validate はURLをDNS解決なしで静的に検証する。
	Validate(rawURL string) error
}

// allowedSchemes は送信先として許可するURLスキーム。
var allowedSchemes = []string{"http", "https"}

// allowedPorts は送信先として許可するポート。
var allowedPorts = []int{80, 443}

// blockedNetworks は送信先として拒否するネットワーク範囲。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		// プライベートIPアドレス (RFC 1918)
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		// ループバック
		"127.0.0.0/8",
		// リンクローカル（クラウドメタデータIPを含む）
		"169.254.0.0/16",
		"0.0.0.0/8",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

// urlGuard はOutboundGuardの実装。
type urlGuard struct{}

// NewOutboundGuard はOutboundGuardを生成する。
func NewOutboundGuard() OutboundGuard {
	return &urlGuard{}
}

// Client はsafeurlでラップしたHTTPクライアントを返す。
// 接続時のDialer検証でDNS再バインディングも防ぐ。
func (g *urlGuard) Client(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(allowedPorts...).
		Build()

	return safeurl.Client(config).Client
}

// Validate はURLのスキーム、ホスト、ポートを検証する。
func (g *urlGuard) Validate(rawURL string) error {
	if rawURL == "" {
		return errors.New("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !isAllowedScheme(scheme) {
		return fmt.Errorf("disallowed scheme: %q (allowed: %v)", scheme, allowedSchemes)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}

	if port := parsed.Port(); port != "" && !isAllowedPort(port) {
		return fmt.Errorf("disallowed port: %s", port)
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
		return nil
	}

	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return fmt.Errorf("blocked host: %s", host)
	}
	return nil
}

// ValidateAll は複数のURLを検証し、不正なものをまとめて報告する。
func ValidateAll(g OutboundGuard, urls []string) error {
	var errs []error
	for i, u := range urls {
		if err := g.Validate(u); err != nil {
			errs = append(errs, fmt.Errorf("url #%d: %w", i+1, err))
		}
	}
	return errors.Join(errs...)
}

func isAllowedScheme(scheme string) bool {
	for _, allowed := range allowedSchemes {
		if strings.EqualFold(scheme, allowed) {
			return true
		}
	}
	return false
}

func isAllowedPort(port string) bool {
	for _, p := range allowedPorts {
		if port == fmt.Sprint(p) {
			return true
		}
	}
	return false
}

func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
