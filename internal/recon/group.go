package recon

import (
	"time"

	"github.com/parleyapp/parley/internal/chat"
)

// groupWindow is the maximum gap between adjacent image messages for them to
// coalesce into one grid entry.
const groupWindow = 60 * time.Second

// GridIDPrefix marks synthetic grid entry ids.
const GridIDPrefix = "grid-"

// DisplayEntry is one row of the rendered conversation. For a synthetic
// image_grid entry, Images carries the constituent messages in order and the
// entry id is "grid-" + the first member's id. For everything else it is the
// message itself with Images nil.
type DisplayEntry struct {
	chat.Message
	Images []chat.Message
}

// IsGrid reports whether the entry is a synthetic grouped entry.
func (e DisplayEntry) IsGrid() bool { return len(e.Images) > 0 }

// Group computes the display projection of an ordered message sequence: any
// run of two or more consecutive image messages from the same sender whose
// adjacent timestamps differ by less than a minute collapses into a single
// image_grid entry. A run of one is left as-is. The projection is
// re-derivable and never mutates the input sequence.
func Group(msgs []chat.Message) []DisplayEntry {
	out := make([]DisplayEntry, 0, len(msgs))
	for i := 0; i < len(msgs); {
		m := msgs[i]
		if m.Type != chat.TypeImage {
			out = append(out, DisplayEntry{Message: m})
			i++
			continue
		}

		j := i + 1
		for j < len(msgs) {
			next := msgs[j]
			gap := msgs[j-1].Timestamp.Sub(next.Timestamp)
			if gap < 0 {
				gap = -gap
			}
			if next.Type != chat.TypeImage || next.SenderID != m.SenderID || gap >= groupWindow {
				break
			}
			j++
		}

		if j-i > 1 {
			images := make([]chat.Message, j-i)
			copy(images, msgs[i:j])
			head := m
			head.ID = GridIDPrefix + m.ID
			head.Type = chat.TypeImageGrid
			out = append(out, DisplayEntry{Message: head, Images: images})
		} else {
			out = append(out, DisplayEntry{Message: m})
		}
		i = j
	}
	return out
}
