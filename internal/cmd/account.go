// Package cmd provides CLI command implementations for ccswitch.
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/Finesssee/ccswitch/internal/channel"
	"github.com/Finesssee/ccswitch/internal/util"
)

// ANSI color codes for terminal output
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
)

// AccountInfo is one account row for display.
type AccountInfo struct {
	ProviderID   string `json:"provider"`
	ProviderType string `json:"type"`
	AccountID    string `json:"account"`
	Label        string `json:"label"`
	BaseURL      string `json:"baseUrl,omitempty"`
	Credential   string `json:"credential"`
	Active       bool   `json:"active"`
}

// StatusInfo summarizes the registry for `ccswitch status`.
type StatusInfo struct {
	SettingsFile   string        `json:"settingsFile"`
	ActiveProvider string        `json:"activeProvider,omitempty"`
	ActiveAccount  string        `json:"activeAccount,omitempty"`
	UpstreamProxy  string        `json:"upstreamProxy,omitempty"`
	Accounts       []AccountInfo `json:"accounts"`
}

// parseAccounts flattens settings into display rows, active channel marked.
func parseAccounts(s channel.Settings) []AccountInfo {
	active, ok := s.ActiveChannel()
	var rows []AccountInfo
	for _, p := range s.Providers {
		for _, a := range p.Accounts {
			row := AccountInfo{
				ProviderID:   p.ID,
				ProviderType: string(p.Type),
				AccountID:    a.Key(),
				Label:        a.Label(),
				Active:       ok && active.Provider.ID == p.ID && active.Account.Key() == a.Key(),
			}
			if p.Type == channel.ProviderOfficial {
				row.Credential = "not captured"
				if a.CapturedAuthorization != "" {
					row.Credential = util.MaskSecret(a.CapturedAuthorization)
				}
			} else {
				row.BaseURL = a.BaseURL
				row.Credential = util.MaskSecret(a.APIKey)
			}
			rows = append(rows, row)
		}
	}
	return rows
}

// ShowStatus prints the active channel and every configured account.
func ShowStatus(w io.Writer, reg channel.Service, settingsPath string, jsonOutput bool) error {
	s := reg.Snapshot()
	info := StatusInfo{SettingsFile: settingsPath, Accounts: parseAccounts(s)}
	if ch, ok := s.ActiveChannel(); ok {
		info.ActiveProvider = ch.Provider.ID
		info.ActiveAccount = ch.Account.Label()
	}
	if s.UpstreamProxy.Active() {
		if u, err := s.UpstreamProxy.ProxyURL(); err == nil {
			info.UpstreamProxy = u.Redacted()
		}
	}
	if jsonOutput {
		return outputJSON(w, info)
	}

	fmt.Fprintf(w, "\n%s%sccswitch status%s\n", colorBold, colorCyan, colorReset)
	fmt.Fprintf(w, "%s─────────────────────────────%s\n", colorDim, colorReset)
	fmt.Fprintf(w, "  %-15s %s\n", "Settings:", info.SettingsFile)
	if info.ActiveProvider == "" {
		fmt.Fprintf(w, "  %-15s %sno active channel%s\n", "Channel:", colorYellow, colorReset)
	} else {
		fmt.Fprintf(w, "  %-15s %s%s / %s%s\n", "Channel:", colorGreen, info.ActiveProvider, info.ActiveAccount, colorReset)
	}
	if info.UpstreamProxy != "" {
		fmt.Fprintf(w, "  %-15s %s\n", "Upstream proxy:", info.UpstreamProxy)
	}
	fmt.Fprintln(w)
	return outputTable(w, info.Accounts)
}

// outputJSON writes data as indented JSON
func outputJSON(w io.Writer, data any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

// outputTable writes accounts as a formatted table
func outputTable(w io.Writer, accounts []AccountInfo) error {
	if len(accounts) == 0 {
		fmt.Fprintf(w, "%sNo accounts configured%s\n", colorYellow, colorReset)
		return nil
	}

	fmt.Fprintf(w, "%s%s  %-14s %-12s %-32s %s%s\n",
		colorBold, colorCyan,
		"PROVIDER", "TYPE", "ACCOUNT", "CREDENTIAL",
		colorReset)
	fmt.Fprintf(w, "%s──────────────────────────────────────────────────────────────────────────%s\n", colorDim, colorReset)

	for _, acc := range accounts {
		label := acc.Label
		if len(label) > 30 {
			label = label[:27] + "..."
		}
		marker := " "
		color := ""
		if acc.Active {
			marker = "*"
			color = colorGreen
		}
		cred := acc.Credential
		if cred == "not captured" {
			cred = colorRed + cred + colorReset
		}
		fmt.Fprintf(w, "%s%s %-14s %-12s %-32s%s %s\n",
			color, marker, acc.ProviderID, acc.ProviderType, label, colorReset, cred)
		if acc.BaseURL != "" {
			fmt.Fprintf(w, "%s  %-14s %-12s %s%s\n", colorDim, "", "", acc.BaseURL, colorReset)
		}
	}
	fmt.Fprintln(w)
	return nil
}

// matches reports whether identifier names the row, case-insensitively, by
// account key, label or provider/account pair.
func (a AccountInfo) matches(identifier string) bool {
	id := strings.ToLower(strings.TrimSpace(identifier))
	if id == "" {
		return false
	}
	return strings.EqualFold(a.AccountID, id) ||
		strings.EqualFold(a.Label, id) ||
		strings.EqualFold(a.ProviderID+"/"+a.AccountID, id) ||
		strings.EqualFold(a.ProviderID+"/"+a.Label, id)
}
