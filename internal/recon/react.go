package recon

import "github.com/parleyapp/parley/internal/chat"

// maxDistinctEmoji caps the number of distinct reaction symbols per message.
const maxDistinctEmoji = 2

// ToggleReaction applies the per-(message, emoji) toggle state machine and
// returns an updated copy of the message plus whether the toggle applied.
//
// Removing: the user is taken out of the reactor set; an emptied emoji key
// is deleted. Adding: rejected when the message already carries two distinct
// emoji keys and this emoji is not one of them -- any number of users may
// pile onto an already-present emoji.
func ToggleReaction(msg chat.Message, emoji, userID string) (chat.Message, bool) {
	reactions := msg.Reactions.Clone()
	if reactions == nil {
		reactions = chat.Reactions{}
	}

	if reactions.Has(emoji, userID) {
		users := reactions[emoji]
		kept := make([]string, 0, len(users)-1)
		for _, u := range users {
			if u != userID {
				kept = append(kept, u)
			}
		}
		if len(kept) == 0 {
			delete(reactions, emoji)
		} else {
			reactions[emoji] = kept
		}
		msg.Reactions = reactions
		return msg, true
	}

	if _, present := reactions[emoji]; !present && len(reactions) >= maxDistinctEmoji {
		return msg, false
	}
	reactions[emoji] = append(reactions[emoji], userID)
	msg.Reactions = reactions
	return msg, true
}

// SetReactions overwrites the reaction map for the given message id with the
// server-confirmed state (overwrite, not merge -- the server is
// authoritative). Returns the updated slice and whether anything changed.
func SetReactions(msgs []chat.Message, msgID string, reactions chat.Reactions) ([]chat.Message, bool) {
	for i, m := range msgs {
		if m.ID != msgID {
			continue
		}
		out := make([]chat.Message, len(msgs))
		copy(out, msgs)
		out[i].Reactions = reactions.Clone()
		return out, true
	}
	return msgs, false
}
