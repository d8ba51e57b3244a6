// Package tui implements the interactive channel picker.
package tui

import (
	"fmt"

	"github.com/Finesssee/ccswitch/internal/channel"
	tea "github.com/charmbracelet/bubbletea"
)

// RunPicker runs the channel picker until the user quits. Changes made by
// other processes show up while it is open.
func RunPicker(reg channel.Service) error {
	p := tea.NewProgram(NewPickerModel(reg), tea.WithAltScreen())
	unsubscribe := reg.Subscribe(func(channel.Event) {
		p.Send(registryChangedMsg{})
	})
	defer unsubscribe()

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("failed to run picker: %w", err)
	}
	return nil
}
