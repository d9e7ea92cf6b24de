package security

import (
	"strings"
	"testing"
	"time"

	"github.com/srinathnulidonda/savlink/internal/model"
)

func TestProfileSanitizer_DisplayName(t *testing.T) {
	s := NewProfileSanitizer()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"通常の名前はそのまま", "山田 太郎", "山田 太郎"},
		{"scriptタグは除去される", `<script>alert(1)</script>Taro`, "Taro"},
		{"タグは除去され本文は残る", `<b>Taro</b> <i>Yamada</i>`, "Taro Yamada"},
		{"アンパサンドはプレーンテキストで返る", "Tom & Jerry", "Tom & Jerry"},
		{"連続する空白は詰める", "  Taro \n  Yamada ", "Taro Yamada"},
		{"空文字列", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.DisplayName(tt.input); got != tt.want {
				t.Errorf("DisplayName(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestProfileSanitizer_DisplayName_Truncates(t *testing.T) {
	s := NewProfileSanitizer()
	got := s.DisplayName(strings.Repeat("あ", 200))
	if n := len([]rune(got)); n != maxDisplayNameRunes {
		t.Errorf("文字数 = %d, want %d", n, maxDisplayNameRunes)
	}
}

func TestProfileSanitizer_AvatarURL(t *testing.T) {
	s := NewProfileSanitizer()

	tests := []struct {
		input string
		want  string
	}{
		{"https://example.com/a.png", "https://example.com/a.png"},
		{"http://example.com/a.png", "http://example.com/a.png"},
		{"javascript:alert(1)", ""},
		{"data:image/png;base64,AAAA", ""},
		{"/relative/a.png", ""},
		{"http://169.254.169.254/latest/meta-data/", ""},
		{"  https://example.com/b.png  ", "https://example.com/b.png"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := s.AvatarURL(tt.input); got != tt.want {
			t.Errorf("AvatarURL(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestProfileSanitizer_FallbackProfile(t *testing.T) {
	s := NewProfileSanitizer()
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	p := s.FallbackProfile(model.ProviderIdentity{
		UID:           "uid-1",
		Email:         "user@example.com",
		DisplayName:   "<b>Taro</b>",
		PhotoURL:      "javascript:alert(1)",
		EmailVerified: true,
		CreatedAt:     created,
	})

	if p.ID != "uid-1" || p.Email != "user@example.com" {
		t.Errorf("profile = %+v", p)
	}
	if p.Name != "Taro" {
		t.Errorf("Name = %q, want Taro", p.Name)
	}
	if p.AvatarURL != "" {
		t.Errorf("AvatarURL = %q, want empty", p.AvatarURL)
	}
	if p.Source != model.ProfileSourceProvider {
		t.Errorf("Source = %q, want provider", p.Source)
	}
	if !p.EmailVerified || !p.CreatedAt.Equal(created) {
		t.Errorf("IdPのフィールドを引き継ぐべき, got %+v", p)
	}
}

func TestProfileSanitizer_FallbackProfile_NameFromEmail(t *testing.T) {
	s := NewProfileSanitizer()
	p := s.FallbackProfile(model.ProviderIdentity{UID: "uid-1", Email: "hanako@example.com"})
	if p.Name != "hanako" {
		t.Errorf("Name = %q, want hanako", p.Name)
	}
}

func TestProfileSanitizer_Profile(t *testing.T) {
	s := NewProfileSanitizer()
	if s.Profile(nil) != nil {
		t.Error("nil には nil を返すべき")
	}

	in := &model.BackendProfile{ID: "1", Name: "<img src=x onerror=alert(1)>Taro", AvatarURL: "ftp://example.com/a.png"}
	out := s.Profile(in)
	if out.Name != "Taro" {
		t.Errorf("Name = %q, want Taro", out.Name)
	}
	if out.AvatarURL != "" {
		t.Errorf("AvatarURL = %q, want empty", out.AvatarURL)
	}
	if in.Name == out.Name {
		t.Error("元のプロフィールを書き換えてはならない")
	}
}
