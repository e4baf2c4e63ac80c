package recon

import (
	"testing"
	"time"

	"github.com/parleyapp/parley/internal/chat"
)

func img(id, sender string, at time.Time) chat.Message {
	return chat.Message{
		ID: id, SenderID: sender, Type: chat.TypeImage,
		MediaURL:  chat.MediaRef{URLs: []string{"https://cdn/" + id + ".jpg"}},
		Timestamp: at,
	}
}

func TestGroupConsecutiveImages(t *testing.T) {
	// Newest-first sequence: three images within 10 seconds collapse, a
	// fourth 90 seconds earlier stays separate.
	msgs := []chat.Message{
		img("i3", "u1", ts(20)),
		img("i2", "u1", ts(15)),
		img("i1", "u1", ts(10)),
		img("i0", "u1", time.Date(2025, 6, 1, 11, 58, 40, 0, time.UTC)),
	}

	entries := Group(msgs)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if !entries[0].IsGrid() || len(entries[0].Images) != 3 {
		t.Errorf("first entry = %+v, want grid of 3", entries[0])
	}
	if entries[0].ID != "grid-i3" {
		t.Errorf("grid id = %q, want grid-i3", entries[0].ID)
	}
	if entries[0].Type != chat.TypeImageGrid {
		t.Errorf("grid type = %q, want image_grid", entries[0].Type)
	}
	if entries[1].IsGrid() || entries[1].ID != "i0" {
		t.Errorf("second entry = %+v, want single i0", entries[1])
	}
}

func TestGroupSingleImageUngrouped(t *testing.T) {
	msgs := []chat.Message{
		msg("t1", "caption", "u1", ts(30)),
		img("i1", "u1", ts(20)),
		msg("t0", "hello", "u2", ts(10)),
	}

	entries := Group(msgs)
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	if entries[1].IsGrid() || entries[1].ID != "i1" {
		t.Errorf("lone image grouped: %+v", entries[1])
	}
}

func TestGroupDifferentSendersNotGrouped(t *testing.T) {
	msgs := []chat.Message{
		img("i2", "u2", ts(12)),
		img("i1", "u1", ts(10)),
	}

	entries := Group(msgs)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2: %+v", len(entries), entries)
	}
}

func TestGroupDoesNotMutateInput(t *testing.T) {
	msgs := []chat.Message{
		img("i2", "u1", ts(12)),
		img("i1", "u1", ts(10)),
	}

	_ = Group(msgs)
	if msgs[0].ID != "i2" || msgs[0].Type != chat.TypeImage {
		t.Errorf("grouping mutated the authoritative sequence: %+v", msgs[0])
	}
}
