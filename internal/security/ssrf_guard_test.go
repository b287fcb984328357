package security

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// TestClientTimeout はタイムアウト設定が反映されることをテストする。
func TestClientTimeout(t *testing.T) {
	client := NewOutboundGuard().Client(5 * time.Second)
	if client.Timeout != 5*time.Second {
		t.Errorf("expected timeout 5s, got %v", client.Timeout)
	}
	if client.Transport == nil || client.Transport == http.DefaultTransport {
		t.Error("expected safeurl transport")
	}
}

// TestClientBlocksLoopback はループバック宛てのリクエストが拒否されることをテストする。
// httptestサーバーは127.0.0.1で起動されるため、safeurlがブロックする。
func TestClientBlocksLoopback(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	_, err := NewOutboundGuard().Client(5 * time.Second).Post(ts.URL, "application/json", strings.NewReader("{}"))
	if err == nil {
		t.Fatal("expected error for loopback address request, got nil")
	}
}

func TestValidate(t *testing.T) {
	guard := NewOutboundGuard()

	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://discord.com/api/webhooks/123/abc", false},
		{"http://hooks.example.org/notify", false},
		{"https://example.com:443/hook", false},
		{"", true},
		{"ftp://example.com/hook", true},
		{"https:///nohost", true},
		{"https://example.com:8443/hook", true},
		{"http://127.0.0.1/hook", true},
		{"http://10.1.2.3/hook", true},
		{"http://169.254.169.254/latest/meta-data", true},
		{"http://[::1]/hook", true},
		{"http://localhost/hook", true},
		{"http://api.localhost/hook", true},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := guard.Validate(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

// TestValidateAll は不正なURLがすべて報告されることをテストする。
func TestValidateAll(t *testing.T) {
	guard := NewOutboundGuard()

	if err := ValidateAll(guard, []string{"https://a.example.com/h", "https://b.example.com/h"}); err != nil {
		t.Errorf("ValidateAll(valid) = %v", err)
	}
	if err := ValidateAll(guard, nil); err != nil {
		t.Errorf("ValidateAll(nil) = %v", err)
	}

	err := ValidateAll(guard, []string{"https://ok.example.com/h", "http://127.0.0.1/h", "gopher://x"})
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "url #2") || !strings.Contains(msg, "url #3") || strings.Contains(msg, "url #1") {
		t.Errorf("error = %q, want #2 and #3 only", msg)
	}
}
