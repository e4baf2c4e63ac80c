package views

import (
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// Composer is the single-line input for the open conversation. Enter hands
// the trimmed text to the send callback and clears the field.
type Composer struct {
	*tview.InputField
	onSend func(text string)
}

// NewComposer creates the message input.
func NewComposer() *Composer {
	c := &Composer{
		InputField: tview.NewInputField().
			SetLabel(" > ").
			SetPlaceholder("message").
			SetFieldWidth(0),
	}

	c.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := strings.TrimSpace(c.GetText())
		if text == "" || c.onSend == nil {
			return
		}
		c.SetText("")
		c.onSend(text)
	})

	return c
}

// SetOnSend registers the callback invoked on Enter.
func (c *Composer) SetOnSend(fn func(text string)) {
	c.onSend = fn
}
