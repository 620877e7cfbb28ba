package forge

import (
	"io"
	"log/slog"
	"strings"
	"testing"
)

func TestConfigured(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
		want bool
	}{
		{
			name: "empty config",
			cfg:  Config{},
			want: false,
		},
		{
			name: "one complete account",
			cfg: Config{
				Accounts: []AccountConfig{
					{Name: "gh", Provider: "github", Token: "tok123"},
				},
			},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := tt.cfg.Configured()
			if got != tt.want {
				t.Errorf("Configured() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr string // empty means no error expected
	}{
		{
			name: "valid github config",
			cfg: Config{
				Accounts: []AccountConfig{
					{Name: "primary", Provider: "github", Token: "ghp_abc"},
				},
			},
		},
		{
			name: "valid multiple accounts",
			cfg: Config{
				Accounts: []AccountConfig{
					{Name: "primary", Provider: "github", Token: "ghp_abc"},
					{Name: "gitea-work", Provider: "gitea", Token: "tok", URL: "https://gitea.example.com"},
				},
			},
		},
		{
			name: "missing name",
			cfg: Config{
				Accounts: []AccountConfig{
					{Provider: "github", Token: "ghp_abc"},
				},
			},
			wantErr: "name must not be empty",
		},
		{
			name: "duplicate name",
			cfg: Config{
				Accounts: []AccountConfig{
					{Name: "dup", Provider: "github", Token: "tok1"},
					{Name: "dup", Provider: "github", Token: "tok2"},
				},
			},
			wantErr: "duplicate",
		},
		{
			name: "unsupported provider",
			cfg: Config{
				Accounts: []AccountConfig{
					{Name: "noprov", Provider: "bitbucket", Token: "tok"},
				},
			},
			wantErr: `provider must be "github" or "gitea"`,
		},
		{
			name: "missing token",
			cfg: Config{
				Accounts: []AccountConfig{
					{Name: "notok", Provider: "github"},
				},
			},
			wantErr: "token is required",
		},
		{
			name:    "empty config is valid",
			cfg:     Config{},
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want substring %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Accounts: []AccountConfig{
			{Name: "gh-no-url", Provider: "github", Token: "tok"},
			{Name: "gh-custom-url", Provider: "github", Token: "tok", URL: "https://github.corp.example.com"},
			{Name: "gitea-with-url", Provider: "gitea", Token: "tok", URL: "https://gitea.example.com"},
		},
	}

	cfg.ApplyDefaults()

	expectations := map[string]string{
		"gh-no-url":      "https://api.github.com",
		"gh-custom-url":  "https://github.corp.example.com",
		"gitea-with-url": "https://gitea.example.com",
	}

	for _, acct := range cfg.Accounts {
		want, ok := expectations[acct.Name]
		if !ok {
			t.Fatalf("unexpected account %q in config", acct.Name)
		}
		if acct.URL != want {
			t.Errorf("account %q: URL = %q, want %q", acct.Name, acct.URL, want)
		}
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewRegistry(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Accounts: []AccountConfig{
			{Name: "primary", Provider: "github", Token: "ghp_test", URL: "https://api.github.com", Owner: "myorg"},
			{Name: "secondary", Provider: "github", Token: "ghp_test2", URL: "https://api.github.com", Owner: "otherorg"},
		},
	}

	r, err := NewRegistry(cfg, discardLogger())
	if err != nil {
		t.Fatalf("NewRegistry() unexpected error: %v", err)
	}

	// Empty name returns primary (first configured) account.
	p, _, err := r.Account("")
	if err != nil {
		t.Fatalf("Account(\"\") unexpected error: %v", err)
	}
	if p.Name() != "github" {
		t.Errorf("Account(\"\").Name() = %q, want %q", p.Name(), "github")
	}

	// Named account returns correct provider.
	p2, acfg2, err := r.Account("secondary")
	if err != nil {
		t.Fatalf("Account(\"secondary\") unexpected error: %v", err)
	}
	if p2.Name() != "github" {
		t.Errorf("Account(\"secondary\").Name() = %q, want %q", p2.Name(), "github")
	}
	if acfg2.Owner != "otherorg" {
		t.Errorf("Account(\"secondary\") config.Owner = %q, want %q", acfg2.Owner, "otherorg")
	}

	// Nonexistent account returns error.
	_, _, err = r.Account("nonexistent")
	if err == nil {
		t.Fatal("Account(\"nonexistent\") expected error, got nil")
	}
	if !strings.Contains(err.Error(), "no account named") {
		t.Errorf("Account(\"nonexistent\") error = %q, want substring %q", err.Error(), "no account named")
	}
}

func TestNewRegistrySkipsUnknownProvider(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Accounts: []AccountConfig{
			{Name: "bad", Provider: "unsupported", Token: "tok"},
		},
	}

	r, err := NewRegistry(cfg, discardLogger())
	if err != nil {
		t.Fatalf("NewRegistry() unexpected error: %v", err)
	}

	// The unknown-provider account is skipped, not registered.
	_, _, err = r.Account("bad")
	if err == nil {
		t.Fatal("Account(\"bad\") expected error for skipped account, got nil")
	}
}

func TestNewRegistryEmptyConfig(t *testing.T) {
	t.Parallel()

	r, err := NewRegistry(Config{}, discardLogger())
	if err != nil {
		t.Fatalf("NewRegistry() unexpected error: %v", err)
	}

	_, _, err = r.Account("")
	if err == nil {
		t.Fatal("Account(\"\") expected error on registry with no accounts, got nil")
	}
}

func TestResolveRepo(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Accounts: []AccountConfig{
			{Name: "with-owner", Provider: "github", Token: "tok", URL: "https://api.github.com", Owner: "myorg"},
			{Name: "no-owner", Provider: "github", Token: "tok", URL: "https://api.github.com"},
		},
	}

	r, err := NewRegistry(cfg, discardLogger())
	if err != nil {
		t.Fatalf("NewRegistry() unexpected error: %v", err)
	}

	tests := []struct {
		name        string
		accountName string
		repo        string
		wantOwner   string
		wantName    string
	}{
		{
			name:        "qualified repo passes through",
			accountName: "with-owner",
			repo:        "someowner/somerepo",
			wantOwner:   "someowner",
			wantName:    "somerepo",
		},
		{
			name:        "bare repo gets owner prepended",
			accountName: "with-owner",
			repo:        "myrepo",
			wantOwner:   "myorg",
			wantName:    "myrepo",
		},
		{
			name:        "bare repo with no owner configured leaves owner empty",
			accountName: "no-owner",
			repo:        "myrepo",
			wantOwner:   "",
			wantName:    "myrepo",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, acfg, err := r.Account(tt.accountName)
			if err != nil {
				t.Fatalf("Account(%q) unexpected error: %v", tt.accountName, err)
			}
			owner, name := r.ResolveRepo(acfg, tt.repo)
			if owner != tt.wantOwner || name != tt.wantName {
				t.Errorf("ResolveRepo(%q) = (%q, %q), want (%q, %q)", tt.repo, owner, name, tt.wantOwner, tt.wantName)
			}
		})
	}
}
