package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"bitruisseau/p2p-media/peer"
	"bitruisseau/p2p-media/pkg/protocol"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	primaryColor = lipgloss.Color("#7571f9")
	mutedColor   = lipgloss.Color("#6c757d")

	headerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#ffffff")).Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	emptyStyle  = lipgloss.NewStyle().Foreground(mutedColor).Italic(true)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#42c767")).Bold(true)
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(primaryColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...)
}

func renderPeers(peers []peer.PeerInfo) string {
	if len(peers) == 0 {
		return emptyStyle.Render("No peers online.")
	}
	t := newTable("PEER", "FIRST SEEN", "LAST SEEN")
	for _, p := range peers {
		t.Row(p.ID, p.FirstSeen.Format("15:04:05"), since(p.LastSeen))
	}
	return t.Render()
}

// renderSongs lists songs numbered from 1, the index the shell's import command takes.
func renderSongs(songs []protocol.SongDescriptor) string {
	if len(songs) == 0 {
		return emptyStyle.Render("Catalog is empty.")
	}
	t := newTable("#", "TITLE", "ARTIST", "YEAR", "LENGTH", "SIZE", "HASH")
	for i, s := range songs {
		t.Row(
			strconv.Itoa(i+1),
			s.Title,
			s.Artist,
			strconv.Itoa(s.Year),
			s.Duration.String(),
			formatSize(s.SizeBytes),
			shortHash(s.Hash),
		)
	}
	return t.Render()
}

func renderStatus(st peer.Status, libDir string, songs int) string {
	lines := []string{
		lipgloss.NewStyle().Foreground(primaryColor).Bold(true).Render("Node " + st.Self),
		fmt.Sprintf("  Library:          %s (%d songs)", libDir, songs),
		fmt.Sprintf("  Peers online:     %s", okStyle.Render(strconv.Itoa(len(st.Peers)))),
		fmt.Sprintf("  Cached catalogs:  %d", st.CachedCatalogs),
		fmt.Sprintf("  Pending catalogs: %d", st.PendingCatalogs),
		fmt.Sprintf("  Pending chunks:   %d", st.PendingChunks),
	}
	return strings.Join(lines, "\n")
}

func since(t time.Time) string {
	d := time.Since(t).Round(time.Second)
	if d < time.Second {
		return "now"
	}
	return d.String() + " ago"
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func formatSize(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
