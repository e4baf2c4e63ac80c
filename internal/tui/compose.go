package tui

import "github.com/parleyapp/parley/internal/chat"

// composeState tracks what the composer's next submit means: a fresh send,
// a reply to a message, or an edit of one. Reply and edit are mutually
// exclusive; starting one cancels the other.
type composeState struct {
	editID  string
	replyTo *chat.ReplyRef
}

func (cs *composeState) beginEdit(msgID string) {
	cs.editID = msgID
	cs.replyTo = nil
}

func (cs *composeState) beginReply(ref *chat.ReplyRef) {
	cs.replyTo = ref
	cs.editID = ""
}

func (cs *composeState) reset() {
	*cs = composeState{}
}

func (cs *composeState) active() bool {
	return cs.editID != "" || cs.replyTo != nil
}

func (cs *composeState) label() string {
	switch {
	case cs.editID != "":
		return " edit > "
	case cs.replyTo != nil:
		return " reply > "
	default:
		return " > "
	}
}
