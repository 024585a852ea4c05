package runner

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

func TestDefaultSSHConfig(t *testing.T) {
	config := DefaultSSHConfig("example.com", "deploy")

	if config.Port != 22 {
		t.Errorf("expected port 22, got %d", config.Port)
	}
	if config.AuthMethod != SSHAuthKey {
		t.Errorf("expected auth method 'key', got '%s'", config.AuthMethod)
	}
	if config.ConnectionTimeout != 30*time.Second {
		t.Errorf("expected connection timeout 30s, got %v", config.ConnectionTimeout)
	}
}

func TestSSHConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		modifyFunc  func(*SSHConfig)
		expectError bool
	}{
		{
			name: "valid password config",
			modifyFunc: func(c *SSHConfig) {
				c.AuthMethod = SSHAuthPassword
				c.Password = "secret"
			},
		},
		{
			name:        "missing host",
			modifyFunc:  func(c *SSHConfig) { c.Host = "" },
			expectError: true,
		},
		{
			name:        "bad port",
			modifyFunc:  func(c *SSHConfig) { c.Port = 70000 },
			expectError: true,
		},
		{
			name: "password missing",
			modifyFunc: func(c *SSHConfig) {
				c.AuthMethod = SSHAuthPassword
			},
			expectError: true,
		},
		{
			name: "unknown auth",
			modifyFunc: func(c *SSHConfig) {
				c.AuthMethod = "agent"
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultSSHConfig("example.com", "deploy")
			tt.modifyFunc(config)
			err := config.Validate()
			if (err != nil) != tt.expectError {
				t.Errorf("Validate() error = %v, expectError %v", err, tt.expectError)
			}
		})
	}
}

func TestSSHClientConfigWithKey(t *testing.T) {
	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(privKey, "")
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}

	config := DefaultSSHConfig("example.com", "deploy")
	config.PrivateKeyPath = keyPath
	config.StrictHostKeyChecking = false

	if err := config.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	cc, err := config.ClientConfig()
	if err != nil {
		t.Fatalf("ClientConfig() error = %v", err)
	}
	if cc.User != "deploy" || len(cc.Auth) != 1 {
		t.Errorf("unexpected client config: user=%s auth=%d", cc.User, len(cc.Auth))
	}
}

func TestSSHCommandLine(t *testing.T) {
	r := &SSHRunner{
		config: &SSHConfig{Host: "h", Sudo: true},
		Env:    map[string]string{"LC_ALL": "C"},
	}
	got := r.commandLine([]string{"rpm", "-q", "--queryformat", "%{NAME} %{VERSION}\\n", "it's"}, map[string]string{"DEBIAN_FRONTEND": "noninteractive"})
	want := `sudo -n env DEBIAN_FRONTEND=noninteractive LC_ALL=C rpm -q --queryformat '%{NAME} %{VERSION}\n' 'it'\''s'`
	if got != want {
		t.Errorf("commandLine() =\n%s\nwant\n%s", got, want)
	}
}

func TestShellQuote(t *testing.T) {
	tests := map[string]string{
		"":          "''",
		"plain":     "plain",
		"a b":       "'a b'",
		"nginx=1.2": "nginx=1.2",
	}
	for in, want := range tests {
		if got := ShellQuote(in); got != want {
			t.Errorf("ShellQuote(%q) = %q, want %q", in, got, want)
		}
	}
}
