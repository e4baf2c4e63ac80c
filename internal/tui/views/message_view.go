package views

import (
	"fmt"
	"sort"
	"strings"

	"github.com/parleyapp/parley/internal/chat"
	"github.com/parleyapp/parley/internal/recon"
	"github.com/rivo/tview"
)

// MessageView displays the grouped entries of one open conversation.
type MessageView struct {
	*tview.TextView
	peerName string
	entries  []recon.DisplayEntry
	selected map[string]bool
}

// NewMessageView creates a new message view.
func NewMessageView() *MessageView {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWordWrap(true)
	tv.SetBorder(true).SetTitle(" Messages ")

	return &MessageView{TextView: tv, selected: map[string]bool{}}
}

// SetPeerName updates the title with the other user's name.
func (mv *MessageView) SetPeerName(name string) {
	mv.peerName = name
	mv.SetTitle(fmt.Sprintf(" %s ", name))
}

// SetSelected marks entry ids for selection-mode rendering.
func (mv *MessageView) SetSelected(ids []string) {
	mv.selected = map[string]bool{}
	for _, id := range ids {
		mv.selected[id] = true
	}
}

// Entries returns the entries currently rendered, newest first.
func (mv *MessageView) Entries() []recon.DisplayEntry {
	return mv.entries
}

// Update refreshes the view with a grouped projection. ownID identifies the
// viewer so their messages render as "You".
func (mv *MessageView) Update(entries []recon.DisplayEntry, ownID string) {
	mv.entries = entries
	mv.Clear()

	// Entries come newest first; display oldest first.
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		sender := e.SenderID
		if sender == ownID {
			sender = "You"
		}

		marker := ""
		if mv.selected[e.ID] {
			marker = "[red][x][-] "
		}

		ts := formatTimestamp(e.Timestamp)
		_, _ = fmt.Fprintf(mv, "%s[::b]%s[-:-:-] [::d]%s[-:-:-]\n", marker, sender, ts)

		if e.ReplyTo != nil {
			_, _ = fmt.Fprintf(mv, "  [::d]> %s: %s[-:-:-]\n", e.ReplyTo.SenderName, sanitizeForTerminal(e.ReplyTo.Text))
		}

		_, _ = fmt.Fprint(mv, renderBody(e))

		if e.IsForwarded {
			_, _ = fmt.Fprint(mv, " [::d](forwarded)[-:-:-]")
		}
		if e.IsEdited {
			_, _ = fmt.Fprint(mv, " [::d](edited)[-:-:-]")
		}
		if line := renderReactions(e); line != "" {
			_, _ = fmt.Fprintf(mv, "\n  %s", line)
		}
		_, _ = fmt.Fprint(mv, "\n\n")
	}

	mv.ScrollToEnd()
}

func renderBody(e recon.DisplayEntry) string {
	if e.IsGrid() {
		return fmt.Sprintf("[blue][%d images][-]", len(e.Images))
	}
	switch e.Type {
	case chat.TypeImage:
		return fmt.Sprintf("[blue][image] %s[-]", e.MediaURL.Single())
	case chat.TypeFile:
		return fmt.Sprintf("[blue][file] %s[-]", e.MediaURL.Single())
	case chat.TypeContact:
		return "[blue][contact card][-]"
	default:
		return sanitizeForTerminal(e.Text)
	}
}

func renderReactions(e recon.DisplayEntry) string {
	if len(e.Reactions) == 0 {
		return ""
	}
	emojis := make([]string, 0, len(e.Reactions))
	for emoji := range e.Reactions {
		emojis = append(emojis, emoji)
	}
	sort.Strings(emojis)

	parts := make([]string, 0, len(emojis))
	for _, emoji := range emojis {
		parts = append(parts, fmt.Sprintf("%s %d", sanitizeForTerminal(emoji), len(e.Reactions[emoji])))
	}
	return strings.Join(parts, "  ")
}
