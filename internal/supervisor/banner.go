package supervisor

import (
	"fmt"
	"strings"

	"github.com/Finesssee/ccswitch/internal/channel"
	"github.com/charmbracelet/lipgloss"
)

var (
	bannerBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#4B5563")).
			Padding(0, 1)

	bannerTitle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00D4FF"))
	bannerLabel = lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF"))
	bannerValue = lipgloss.NewStyle().Foreground(lipgloss.Color("#E5E7EB"))
	bannerWarn  = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
)

// RenderBanner describes the channel the assistant is about to use.
func RenderBanner(ch channel.Channel, ok bool, proxyURL string) string {
	var lines []string
	lines = append(lines, bannerTitle.Render("ccswitch"))
	if !ok {
		lines = append(lines, bannerWarn.Render("no active channel, requests will be rejected"))
	} else {
		name := ch.Provider.DisplayName
		if name == "" {
			name = ch.Provider.ID
		}
		kind := "third-party"
		if ch.Official() {
			kind = "official"
		}
		lines = append(lines,
			row("provider", fmt.Sprintf("%s (%s)", name, kind)),
			row("account", ch.Account.Label()),
		)
		if !ch.Official() && ch.Account.BaseURL != "" {
			lines = append(lines, row("base url", ch.Account.BaseURL))
		}
	}
	if proxyURL != "" {
		lines = append(lines, row("proxy", proxyURL))
	}
	return bannerBox.Render(strings.Join(lines, "\n"))
}

func row(label, value string) string {
	return bannerLabel.Render(fmt.Sprintf("%-9s", label)) + bannerValue.Render(value)
}
