package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/mimicproxy/internal/config"
	"github.com/Rorqualx/mimicproxy/pkg/version"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#8BC34A"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#9AA5B1")).Width(10)
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#2a3850")).
			Padding(0, 2)
)

// renderBanner builds the startup box shown on the console.
func renderBanner(cfg *config.Config) string {
	backend := cfg.CDPAddr()
	if cfg.CDPURL != "" {
		backend = cfg.CDPURL
	}
	if cfg.ChromeLaunch {
		backend = "launched"
	}

	rows := [][2]string{
		{"version", version.Full()},
		{"listen", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		{"backend", backend},
	}
	lines := make([]string, 0, len(rows)+1)
	lines = append(lines, titleStyle.Render("mimicproxy"))
	for _, r := range rows {
		lines = append(lines, lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(r[0]), r[1]))
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}

func printBanner(cfg *config.Config) {
	fmt.Println(renderBanner(cfg))
	log.Info().
		Str("version", version.Full()).
		Str("go_version", version.GoVersion()).
		Msg("Starting mimicproxy")
}
