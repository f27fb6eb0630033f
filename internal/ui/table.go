package ui

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	prettytable "github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Member is one row of the member table.
type Member struct {
	ID        string
	Self      bool
	Connected bool
}

// MemberTableView renders room members and their data channel status.
func MemberTableView(members []Member) string {
	if len(members) == 0 {
		return MutedStyle.Render("No members")
	}

	rows := make([][]string, 0, len(members))
	for i, m := range members {
		status := "waiting"
		switch {
		case m.Self:
			status = "you"
		case m.Connected:
			status = "direct"
		}
		rows = append(rows, []string{fmt.Sprintf("%d", i+1), truncateString(m.ID, 40), status})
	}

	tbl := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Primary)).
		Headers("#", "Member", "Link").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return TableHeaderStyle
			case row%2 == 0:
				return TableRowStyle
			default:
				return TableRowAltStyle
			}
		})

	return tbl.Render()
}

// RoomRow is one live room as reported by the relay.
type RoomRow struct {
	ID      string   `json:"id"`
	Clients []string `json:"clients"`
}

// RenderRooms writes the relay's room listing to w.
func RenderRooms(w io.Writer, rooms []RoomRow) {
	if len(rooms) == 0 {
		fmt.Fprintln(w, MutedStyle.Render("No active rooms"))
		return
	}

	t := prettytable.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(prettytable.StyleRounded)
	t.Style().Title.Align = text.AlignCenter
	t.SetTitle(IconRoom + " Active Rooms")
	t.AppendHeader(prettytable.Row{"#", "Room", "Members", "Clients"})
	total := 0
	for i, r := range rooms {
		t.AppendRow(prettytable.Row{i + 1, r.ID, len(r.Clients), strings.Join(r.Clients, ", ")})
		total += len(r.Clients)
	}
	t.AppendFooter(prettytable.Row{"", "Total", total, ""})
	t.SetColumnConfigs([]prettytable.ColumnConfig{
		{Number: 3, Align: text.AlignRight},
		{Number: 4, WidthMax: 60},
	})
	t.Render()
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
