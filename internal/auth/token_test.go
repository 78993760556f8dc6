package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/agentwarden/ai-gateway-agent/internal/clock"
	"github.com/agentwarden/ai-gateway-agent/internal/config"
)

var epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func TestTokenManager_CreateAndValidate(t *testing.T) {
	m := NewTokenManager(time.Hour, clock.NewVirtual(epoch), nil)

	token, err := m.CreateToken(RoleOperator, "ci", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if token.Secret == "" {
		t.Fatal("expected non-empty secret")
	}
	if token.ID == "" {
		t.Fatal("expected non-empty ID")
	}
	if token.Role != RoleOperator {
		t.Errorf("role = %q, want %q", token.Role, RoleOperator)
	}
	if !token.ExpiresAt.Equal(epoch.Add(time.Hour)) {
		t.Errorf("expires_at = %v, want %v", token.ExpiresAt, epoch.Add(time.Hour))
	}

	validated, err := m.ValidateToken(token.Secret, "10.0.0.1:5123")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if validated.ID != token.ID {
		t.Errorf("validated ID = %q, want %q", validated.ID, token.ID)
	}
}

func TestTokenManager_CreateUnknownRole(t *testing.T) {
	m := NewTokenManager(time.Hour, nil, nil)
	if _, err := m.CreateToken("root", "", ""); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestTokenManager_InvalidToken(t *testing.T) {
	m := NewTokenManager(time.Hour, nil, nil)

	_, err := m.ValidateToken("bogus-token", "")
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestTokenManager_ExpiredToken(t *testing.T) {
	clk := clock.NewVirtual(epoch)
	m := NewTokenManager(time.Minute, clk, nil)

	token, err := m.CreateToken(RoleAdmin, "", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	clk.Advance(time.Minute + time.Second)

	if _, err := m.ValidateToken(token.Secret, ""); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("err = %v, want ErrTokenExpired", err)
	}
	if n := m.ActiveTokenCount(); n != 0 {
		t.Errorf("active tokens = %d, want 0", n)
	}
	if _, err := m.ValidateToken(token.Secret, ""); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("second validate err = %v, want ErrInvalidToken", err)
	}
}

func TestTokenManager_SourceBinding(t *testing.T) {
	m := NewTokenManager(time.Hour, nil, nil)

	token, err := m.CreateToken(RoleViewer, "", "10.0.0.1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	tests := []struct {
		name    string
		addr    string
		wantErr error
	}{
		{"same host with port", "10.0.0.1:40000", nil},
		{"same host bare", "10.0.0.1", nil},
		{"other host", "10.0.0.2:40000", ErrWrongSource},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.ValidateToken(token.Secret, tt.addr)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestTokenManager_Load(t *testing.T) {
	clk := clock.NewVirtual(epoch)
	m := NewTokenManager(time.Minute, clk, nil)
	secret := strings.Repeat("k", config.MinTokenSecretLen)

	err := m.Load([]config.TokenConfig{{Name: "ops", Secret: secret, Role: "admin"}})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	clk.Advance(365 * 24 * time.Hour)
	token, err := m.ValidateToken(secret, "127.0.0.1:1")
	if err != nil {
		t.Fatalf("configured token should not expire: %v", err)
	}
	if token.ID != "ops" || token.Role != RoleAdmin {
		t.Errorf("token = %+v, want ops/admin", token)
	}

	bad := []config.TokenConfig{
		{Name: "short", Secret: "abc", Role: "admin"},
		{Name: "role", Secret: secret, Role: "root"},
	}
	for _, tc := range bad {
		if err := m.Load([]config.TokenConfig{tc}); err == nil {
			t.Errorf("Load(%s) should fail", tc.Name)
		}
	}
}

func TestTokenManager_Revoke(t *testing.T) {
	m := NewTokenManager(time.Hour, nil, nil)

	token, _ := m.CreateToken(RoleOperator, "", "")
	if !m.RevokeToken(token.ID) {
		t.Fatal("RevokeToken should find the token")
	}
	if m.RevokeToken(token.ID) {
		t.Error("second RevokeToken should report nothing removed")
	}
	if _, err := m.ValidateToken(token.Secret, ""); err == nil {
		t.Fatal("expected error after revocation")
	}
}

func TestTokenManager_ListAndClean(t *testing.T) {
	clk := clock.NewVirtual(epoch)
	m := NewTokenManager(time.Minute, clk, nil)

	first, _ := m.CreateToken(RoleViewer, "first", "")
	clk.Advance(30 * time.Second)
	second, _ := m.CreateToken(RoleViewer, "second", "")

	list := m.List()
	if len(list) != 2 || list[0].ID != first.ID || list[1].ID != second.ID {
		t.Fatalf("List() = %+v, want first then second", list)
	}

	clk.Advance(45 * time.Second)
	if n := m.CleanExpired(); n != 1 {
		t.Errorf("CleanExpired() = %d, want 1", n)
	}
	if n := m.ActiveTokenCount(); n != 1 {
		t.Errorf("active tokens = %d, want 1", n)
	}
}

func TestHasPermission(t *testing.T) {
	tests := []struct {
		role   Role
		action string
		want   bool
	}{
		{RoleAdmin, ActionConfigChange, true},
		{RoleAdmin, ActionTokenManage, true},
		{RoleOperator, ActionDecisionRead, true},
		{RoleOperator, ActionFeed, true},
		{RoleOperator, ActionConfigChange, false},
		{RoleOperator, ActionTokenManage, false},
		{RoleViewer, ActionStatsRead, true},
		{RoleViewer, ActionConfigRead, true},
		{RoleViewer, ActionDecisionRead, false},
		{RoleViewer, ActionFeed, false},
		{"", ActionStatsRead, false},
	}
	for _, tt := range tests {
		if got := HasPermission(tt.role, tt.action); got != tt.want {
			t.Errorf("HasPermission(%q, %q) = %v, want %v", tt.role, tt.action, got, tt.want)
		}
	}
}
