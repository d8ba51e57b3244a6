package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/Finesssee/ccswitch/internal/channel"
)

// ErrAmbiguousTarget is returned when a switch target names several accounts.
var ErrAmbiguousTarget = errors.New("switch target matches more than one account")

// SwitchResult describes the outcome of a switch.
type SwitchResult struct {
	ProviderID string `json:"provider"`
	AccountID  string `json:"account"`
	Label      string `json:"label"`
	Changed    bool   `json:"changed"`
}

// ResolveTarget finds the provider and account named by target. Accepted
// forms are a provider id (its active or first account), "provider/account",
// an account key, or an account email or name.
func ResolveTarget(s channel.Settings, target string) (providerID, accountID string, err error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", "", errors.New("switch target is empty")
	}

	if p := s.Provider(target); p != nil {
		if len(p.Accounts) == 0 {
			return "", "", fmt.Errorf("%w: provider %s has no accounts", channel.ErrAccountNotFound, p.ID)
		}
		if p.ActiveAccountID != "" && p.Account(p.ActiveAccountID) != nil {
			return p.ID, p.ActiveAccountID, nil
		}
		return p.ID, p.Accounts[0].Key(), nil
	}

	var found []AccountInfo
	for _, row := range parseAccounts(s) {
		if row.matches(target) {
			found = append(found, row)
		}
	}
	switch len(found) {
	case 0:
		return "", "", fmt.Errorf("%w: %s", channel.ErrAccountNotFound, target)
	case 1:
		return found[0].ProviderID, found[0].AccountID, nil
	default:
		names := make([]string, 0, len(found))
		for _, f := range found {
			names = append(names, f.ProviderID+"/"+f.AccountID)
		}
		return "", "", fmt.Errorf("%w: %s", ErrAmbiguousTarget, strings.Join(names, ", "))
	}
}

// SwitchChannel makes target the active channel.
func SwitchChannel(w io.Writer, reg channel.Service, target string, jsonOutput bool) error {
	s := reg.Snapshot()
	providerID, accountID, err := ResolveTarget(s, target)
	if err != nil {
		return err
	}

	before, hadActive := s.ActiveChannel()
	if err := reg.SetActiveAccount(providerID, accountID); err != nil {
		return fmt.Errorf("failed to switch channel: %w", err)
	}
	after, _ := reg.ActiveChannel()
	result := SwitchResult{
		ProviderID: providerID,
		AccountID:  accountID,
		Label:      after.Account.Label(),
		Changed:    !hadActive || before.Provider.ID != providerID || before.Account.Key() != accountID,
	}

	if jsonOutput {
		return outputJSON(w, result)
	}
	if !result.Changed {
		fmt.Fprintf(w, "%s✓ Already using %s / %s%s\n", colorDim, result.ProviderID, result.Label, colorReset)
		return nil
	}
	fmt.Fprintf(w, "%s✓ Switched to %s / %s%s\n", colorGreen, result.ProviderID, result.Label, colorReset)
	return nil
}

// ConfigureUpstreamProxy enables the upstream proxy at rawURL, or disables it
// when rawURL is empty or "off".
func ConfigureUpstreamProxy(w io.Writer, reg channel.Service, rawURL, username, password string) error {
	cfg := channel.UpstreamProxyConfig{}
	rawURL = strings.TrimSpace(rawURL)
	if rawURL != "" && !strings.EqualFold(rawURL, "off") {
		cfg.Enabled = true
		cfg.URL = rawURL
		if username != "" || password != "" {
			cfg.Auth = &channel.ProxyAuth{Username: username, Password: password}
		}
	}
	if err := reg.SetUpstreamProxyConfig(cfg); err != nil {
		return err
	}
	if !cfg.Enabled {
		fmt.Fprintf(w, "%s✓ Upstream proxy disabled%s\n", colorGreen, colorReset)
		return nil
	}
	shown := cfg.URL
	if u, err := cfg.ProxyURL(); err == nil {
		shown = u.Redacted()
	}
	fmt.Fprintf(w, "%s✓ Upstream proxy set to %s%s\n", colorGreen, shown, colorReset)
	return nil
}
