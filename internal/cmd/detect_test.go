package cmd

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeAssistantConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".claude.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadLoggedInAccount(t *testing.T) {
	path := writeAssistantConfig(t, `{
  "numStartups": 12,
  "oauthAccount": {
    "accountUuid": "u-carol",
    "emailAddress": "carol@example.com",
    "organizationUuid": "org-9",
    "organizationRole": "admin",
    "displayName": "Carol"
  }
}`)
	acct, err := ReadLoggedInAccount(path)
	if err != nil {
		t.Fatalf("ReadLoggedInAccount() error = %v", err)
	}
	if acct.AccountUUID != "u-carol" || acct.EmailAddress != "carol@example.com" ||
		acct.OrganizationUUID != "org-9" || acct.OrganizationRole != "admin" {
		t.Errorf("account = %+v", acct)
	}
}

func TestReadLoggedInAccount_Missing(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "no oauth block", content: `{"numStartups": 1}`},
		{name: "empty oauth block", content: `{"oauthAccount": {}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadLoggedInAccount(writeAssistantConfig(t, tt.content))
			if !errors.Is(err, ErrNoLoggedInAccount) {
				t.Errorf("error = %v, want ErrNoLoggedInAccount", err)
			}
		})
	}

	if _, err := ReadLoggedInAccount(writeAssistantConfig(t, `{broken`)); err == nil {
		t.Error("malformed config should fail")
	}
}

func TestDoDetect_UpsertsAccount(t *testing.T) {
	reg := newTestRegistry(t)
	path := writeAssistantConfig(t, `{"oauthAccount": {"accountUuid": "u-carol", "emailAddress": "carol@example.com"}}`)
	locate := func() (string, error) { return "/usr/local/bin/claude", nil }

	var buf bytes.Buffer
	if err := DoDetect(&buf, reg, path, locate, false); err != nil {
		t.Fatalf("DoDetect() error = %v", err)
	}
	s := reg.Snapshot()
	if s.Provider("official").Account("u-carol") == nil {
		t.Fatal("carol was not added to the official provider")
	}
	if !bytes.Contains(buf.Bytes(), []byte("Added official account carol@example.com")) {
		t.Errorf("output = %q", buf.String())
	}

	buf.Reset()
	if err := DoDetect(&buf, reg, path, locate, false); err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(buf.Bytes(), []byte("already registered")) {
		t.Errorf("second detect output = %q", buf.String())
	}
}
