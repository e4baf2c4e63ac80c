package views

import (
	"fmt"
	"time"

	"github.com/parleyapp/parley/internal/chat"
	"github.com/rivo/tview"
)

// ChatList is the conversation list view.
type ChatList struct {
	*tview.Table
	chats      []chat.Chat
	selectedFn func() (int, int)
}

// NewChatList creates a new conversation list table.
func NewChatList() *ChatList {
	table := tview.NewTable().
		SetSelectable(true, false).
		SetBorders(false)
	table.SetBorder(true).SetTitle(" Chats ")

	cl := &ChatList{Table: table}
	cl.selectedFn = table.GetSelection
	return cl
}

// Update refreshes the list. settings and unread are keyed by chat id; unread
// is the viewer's own count.
func (cl *ChatList) Update(chats []chat.Chat, settings func(string) chat.Settings, unread func(chat.Chat) int) {
	cl.chats = chats
	cl.Clear()

	// Header row.
	cl.SetCell(0, 0, tview.NewTableCell(" Name").SetSelectable(false).SetTextColor(tview.Styles.SecondaryTextColor))
	cl.SetCell(0, 1, tview.NewTableCell(" Last Message").SetSelectable(false).SetTextColor(tview.Styles.SecondaryTextColor))
	cl.SetCell(0, 2, tview.NewTableCell(" Time").SetSelectable(false).SetTextColor(tview.Styles.SecondaryTextColor))

	for i, c := range chats {
		row := i + 1
		name := c.OtherUser.Username
		if name == "" {
			name = c.ID
		}

		s := settings(c.ID)
		if s.IsPinned {
			name = "^ " + name
		}
		if s.IsMuted {
			name += " [m]"
		}
		if n := unread(c); n > 0 {
			name = fmt.Sprintf("* %s (%d)", name, n)
		}

		preview := ""
		when := ""
		if c.LastMessage != nil {
			preview = c.LastMessage.Text
			when = formatTimestamp(c.LastMessage.Timestamp)
		}

		cl.SetCell(row, 0, tview.NewTableCell(" "+name).SetMaxWidth(30).SetExpansion(1))
		cl.SetCell(row, 1, tview.NewTableCell(" "+preview).SetMaxWidth(40).SetExpansion(2))
		cl.SetCell(row, 2, tview.NewTableCell(" "+when).SetMaxWidth(12))
	}
}

// SelectedChat returns the id of the currently selected conversation.
func (cl *ChatList) SelectedChat() string {
	row, _ := cl.selectedFn()
	idx := row - 1 // account for header
	if idx >= 0 && idx < len(cl.chats) {
		return cl.chats[idx].ID
	}
	return ""
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	now := time.Now()
	if t.Year() == now.Year() && t.YearDay() == now.YearDay() {
		return t.Format("15:04")
	}
	return t.Format("01/02")
}
