package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/Finesssee/ccswitch/internal/channel"
	"github.com/Finesssee/ccswitch/internal/config"
	"github.com/tidwall/gjson"
)

// ErrNoLoggedInAccount is returned when the assistant config has no oauthAccount.
var ErrNoLoggedInAccount = errors.New("no logged-in account found")

// DetectResult reports what `ccswitch detect` found.
type DetectResult struct {
	ConfigPath string          `json:"configPath"`
	BinaryPath string          `json:"binaryPath,omitempty"`
	Account    channel.Account `json:"account"`
	Created    bool            `json:"created"`
}

// DefaultAssistantConfigPath returns ~/.claude.json.
func DefaultAssistantConfigPath() string {
	return config.ExpandPath("~/.claude.json")
}

// ReadLoggedInAccount extracts the official account the assistant is logged
// in with from its config file.
func ReadLoggedInAccount(path string) (channel.Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return channel.Account{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if !gjson.ValidBytes(data) {
		return channel.Account{}, fmt.Errorf("%s is not valid JSON", path)
	}
	oauth := gjson.GetBytes(data, "oauthAccount")
	if !oauth.IsObject() {
		return channel.Account{}, fmt.Errorf("%w in %s", ErrNoLoggedInAccount, path)
	}
	acct := channel.Account{
		AccountUUID:      oauth.Get("accountUuid").String(),
		EmailAddress:     oauth.Get("emailAddress").String(),
		OrganizationUUID: oauth.Get("organizationUuid").String(),
		OrganizationRole: oauth.Get("organizationRole").String(),
	}
	if acct.AccountUUID == "" && acct.EmailAddress == "" {
		return channel.Account{}, fmt.Errorf("%w in %s", ErrNoLoggedInAccount, path)
	}
	return acct, nil
}

// AccountUpserter is the part of the registry detect needs.
type AccountUpserter interface {
	UpsertOfficialAccount(acct channel.Account) (bool, error)
}

// DoDetect registers the assistant's logged-in account as an official account.
// locate, when non-nil, reports the assistant binary for display.
func DoDetect(w io.Writer, reg AccountUpserter, configPath string, locate func() (string, error), jsonOutput bool) error {
	if configPath == "" {
		configPath = DefaultAssistantConfigPath()
	}
	result := DetectResult{ConfigPath: configPath}
	if locate != nil {
		if path, err := locate(); err == nil {
			result.BinaryPath = path
		}
	}

	acct, err := ReadLoggedInAccount(configPath)
	if err != nil {
		return err
	}
	result.Account = acct
	result.Created, err = reg.UpsertOfficialAccount(acct)
	if err != nil {
		return fmt.Errorf("failed to register account: %w", err)
	}

	if jsonOutput {
		return outputJSON(w, result)
	}

	fmt.Fprintln(w, "Detecting logged-in assistant account...")
	fmt.Fprintln(w)
	if result.BinaryPath != "" {
		fmt.Fprintf(w, "  %-15s %s\n", "Binary:", result.BinaryPath)
	} else {
		fmt.Fprintf(w, "  %-15s %s[-] Not found%s\n", "Binary:", colorYellow, colorReset)
	}
	fmt.Fprintf(w, "  %-15s %s\n", "Config:", filepath.Clean(configPath))
	fmt.Fprintf(w, "  %-15s %s\n", "Account:", acct.EmailAddress)
	if acct.OrganizationUUID != "" {
		fmt.Fprintf(w, "  %-15s %s (%s)\n", "Organization:", acct.OrganizationUUID, acct.OrganizationRole)
	}
	fmt.Fprintln(w)
	if result.Created {
		fmt.Fprintf(w, "%s[+] Added official account %s%s\n", colorGreen, acct.Label(), colorReset)
	} else {
		fmt.Fprintf(w, "%s[=] Official account %s already registered%s\n", colorDim, acct.Label(), colorReset)
	}
	fmt.Fprintln(w, "The account's authorization is captured the first time the assistant sends a request.")
	return nil
}
