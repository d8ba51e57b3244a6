package tui

import (
	"fmt"
	"strings"

	"github.com/Finesssee/ccswitch/internal/channel"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// ChannelItem is one selectable provider/account pair.
type ChannelItem struct {
	ProviderID   string
	ProviderName string
	AccountID    string
	Label        string
	Official     bool
	Captured     bool
	Active       bool
}

// registryChangedMsg is sent when the registry publishes an event, so the
// list follows switches made elsewhere.
type registryChangedMsg struct{}

// PickerModel is the bubbletea model for the channel picker.
type PickerModel struct {
	reg      channel.Service
	items    []ChannelItem
	cursor   int
	width    int
	height   int
	quitting bool
	message  string
	isError  bool
}

// PickerKeyMap defines key bindings for the picker.
type PickerKeyMap struct {
	Up     key.Binding
	Down   key.Binding
	Select key.Binding
	Quit   key.Binding
}

// DefaultPickerKeyMap returns the default key bindings
func DefaultPickerKeyMap() PickerKeyMap {
	return PickerKeyMap{
		Up: key.NewBinding(
			key.WithKeys("up", "k"),
			key.WithHelp("up/k", "up"),
		),
		Down: key.NewBinding(
			key.WithKeys("down", "j"),
			key.WithHelp("down/j", "down"),
		),
		Select: key.NewBinding(
			key.WithKeys("enter", " "),
			key.WithHelp("enter", "use channel"),
		),
		Quit: key.NewBinding(
			key.WithKeys("esc", "q", "ctrl+c"),
			key.WithHelp("esc/q", "quit"),
		),
	}
}

// NewPickerModel creates a picker over reg with the cursor on the active channel.
func NewPickerModel(reg channel.Service) PickerModel {
	m := PickerModel{reg: reg, width: 80, height: 24}
	m.refresh()
	for i, it := range m.items {
		if it.Active {
			m.cursor = i
			break
		}
	}
	return m
}

// channelItems flattens the settings in display order.
func channelItems(s channel.Settings) []ChannelItem {
	active, ok := s.ActiveChannel()
	var items []ChannelItem
	for _, p := range s.Providers {
		name := p.DisplayName
		if name == "" {
			name = p.ID
		}
		for _, a := range p.Accounts {
			items = append(items, ChannelItem{
				ProviderID:   p.ID,
				ProviderName: name,
				AccountID:    a.Key(),
				Label:        a.Label(),
				Official:     p.Type == channel.ProviderOfficial,
				Captured:     a.CapturedAuthorization != "",
				Active:       ok && active.Provider.ID == p.ID && active.Account.Key() == a.Key(),
			})
		}
	}
	return items
}

func (m *PickerModel) refresh() {
	m.items = channelItems(m.reg.Snapshot())
	if m.cursor >= len(m.items) {
		m.cursor = max(0, len(m.items)-1)
	}
}

// Init implements tea.Model
func (m PickerModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model
func (m PickerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	keys := DefaultPickerKeyMap()

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case registryChangedMsg:
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			m.quitting = true
			return m, tea.Quit

		case key.Matches(msg, keys.Up):
			if m.cursor > 0 {
				m.cursor--
			}
			m.message = ""
			return m, nil

		case key.Matches(msg, keys.Down):
			if m.cursor < len(m.items)-1 {
				m.cursor++
			}
			m.message = ""
			return m, nil

		case key.Matches(msg, keys.Select):
			m.selectCurrent()
			return m, nil
		}
	}

	return m, nil
}

// selectCurrent makes the row under the cursor the active channel
func (m *PickerModel) selectCurrent() {
	if m.cursor >= len(m.items) {
		return
	}
	it := m.items[m.cursor]
	if err := m.reg.SetActiveAccount(it.ProviderID, it.AccountID); err != nil {
		m.message, m.isError = fmt.Sprintf("Error: %v", err), true
		return
	}
	m.message, m.isError = fmt.Sprintf("Now using %s / %s", it.ProviderName, it.Label), false
	m.refresh()
}

// View implements tea.Model
func (m PickerModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("Select Channel"))
	b.WriteString("\n")
	b.WriteString(lipgloss.NewStyle().
		Foreground(BorderColor).
		Render(strings.Repeat("─", min(40, max(m.width-2, 1)))))
	b.WriteString("\n")

	if len(m.items) == 0 {
		b.WriteString("\n")
		b.WriteString(MutedBadge.Render("NO ACCOUNTS"))
		b.WriteString("\n")
		b.WriteString(HelpDescStyle.Render("Run `ccswitch detect` or edit the settings file to add one."))
		b.WriteString("\n")
	}

	lastProvider := ""
	for i, it := range m.items {
		if it.ProviderID != lastProvider {
			b.WriteString(SectionStyle.Render(it.ProviderName))
			b.WriteString("\n")
			lastProvider = it.ProviderID
		}
		label := fmt.Sprintf("%-32s", truncate(it.Label, 32))
		if i == m.cursor {
			b.WriteString(CursorStyle.Render("> ") + SelectedItemStyle.Render(label))
		} else {
			b.WriteString("  " + MenuItemStyle.Render(label))
		}
		b.WriteString(" ")
		b.WriteString(m.formatBadge(it))
		b.WriteString("\n")
	}

	if m.message != "" {
		b.WriteString("\n")
		style := lipgloss.NewStyle().Foreground(InfoColor)
		if m.isError {
			style = lipgloss.NewStyle().Foreground(ErrorColor)
		}
		b.WriteString(style.Render(m.message))
		b.WriteString("\n")
	}

	b.WriteString(m.renderHelp())
	return b.String()
}

func (m PickerModel) formatBadge(it ChannelItem) string {
	switch {
	case it.Active:
		return SuccessBadge.Render("ACTIVE")
	case it.Official && !it.Captured:
		return WarningBadge.Render("NO TOKEN")
	case it.Official:
		return InfoBadge.Render("OFFICIAL")
	default:
		return MutedBadge.Render("API KEY")
	}
}

func (m PickerModel) renderHelp() string {
	help := []string{
		HelpKeyStyle.Render("[Enter]") + " " + HelpDescStyle.Render("Use Channel"),
		HelpKeyStyle.Render("[Esc]") + " " + HelpDescStyle.Render("Quit"),
	}
	return HelpStyle.Render(strings.Join(help, "  "))
}

func truncate(s string, n int) string {
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-3]) + "..."
}
