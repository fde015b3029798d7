package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/vidchain/vidchain/internal/catalog"
	"github.com/vidchain/vidchain/internal/pending"
)

const maxCellWidth = 48

var (
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#7571f9"))
	headerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#ffffff")).Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#6c757d"))
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...)
}

func writeVideos(w io.Writer, videos []catalog.Video, gateway string) {
	if len(videos) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("No videos found."))
		return
	}
	t := newTable("ID", "TITLE", "UPLOADER", "PUBLISHED", "URL")
	for _, v := range videos {
		t.Row(
			fmt.Sprintf("%d", v.ID),
			truncate(v.Title, maxCellWidth),
			shortAddress(v.Uploader),
			v.Time().Format(time.DateTime),
			v.URL(gateway),
		)
	}
	fmt.Fprintln(w, t.Render())
}

func writePending(w io.Writer, uploads []pending.Upload) {
	if len(uploads) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("No pending uploads."))
		return
	}
	t := newTable("CONTENT HASH", "TITLE", "ATTEMPTS", "LAST ERROR", "UPLOADED")
	for _, u := range uploads {
		t.Row(
			u.ContentHash,
			truncate(u.Title, maxCellWidth),
			fmt.Sprintf("%d", u.Attempts),
			truncate(u.LastError, maxCellWidth),
			u.CreatedAt.UTC().Format(time.DateTime),
		)
	}
	fmt.Fprintln(w, t.Render())
}

// truncate shortens s to at most n runes, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func shortAddress(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:6] + "…" + addr[len(addr)-4:]
}

func joinArgs(args []string) string {
	return strings.Join(args, " ")
}
