// pattern: Imperative Shell

// Command termhub-monitor is a small polling dashboard over a running
// termhub instance's /api/sessions endpoint: a much smaller replacement for
// the orchestrator's full container-management TUI, scoped to read-only
// session observability (spec.md §2 ConnectionManager, §6.1).
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"

	"termhub/internal/instance"
)

func main() {
	configDir := flag.String("config-dir", "", "termhub config directory (default: ~/.config/termhub)")
	theme := flag.String("theme", "mocha", "catppuccin flavor: latte/frappe/macchiato/mocha")
	addr := flag.String("addr", "", "termhub web address, e.g. 127.0.0.1:7880 (default: auto-discover)")
	flag.Parse()

	baseURL, err := resolveBaseURL(*configDir, *addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	client := instance.NewClient(baseURL)
	model := NewModel(client, NewStyles(*theme))

	if _, err := tea.NewProgram(model).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func resolveBaseURL(configDir, addr string) (string, error) {
	if addr != "" {
		return "http://" + addr, nil
	}

	dataDir := configDir
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".config", "termhub")
	}

	baseURL, err := instance.Discover(dataDir)
	if err != nil {
		return "", fmt.Errorf("no running termhub instance found: %w", err)
	}
	return baseURL, nil
}
