package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/parleyapp/parley/internal/bus"
	"go.uber.org/zap"
)

// API is the slice of the REST transport the store depends on.
type API interface {
	ListChats(ctx context.Context) ([]Chat, error)
	CreateChat(ctx context.Context, targetUserID string) (*Chat, error)
	ClearChat(ctx context.Context, chatID string) error
	GetChatSettings(ctx context.Context) (map[string]Settings, error)
	SetChatSetting(ctx context.Context, chatID, setting string, value bool) error
	GetStarred(ctx context.Context) ([]StarredMessage, error)
	StarMessage(ctx context.Context, msgID, chatID string, msg Message) (bool, error)
	GetBlocked(ctx context.Context) ([]PeerProfile, error)
	BlockUser(ctx context.Context, userID string) error
	UnblockUser(ctx context.Context, userID string) error
	MarkRead(ctx context.Context, chatID string) error
}

// Socket is the slice of the persistent transport the store depends on.
type Socket interface {
	Connect(ctx context.Context, token, userID string) error
	Disconnect()
	Connected() bool
	On(event string, fn func(data json.RawMessage)) func()
	Emit(event string, payload any) error
	OnConnect(fn func())
}

// ChatCache persists the conversation list between runs so a restart shows
// chats before the first fetch completes.
type ChatCache interface {
	UpsertChat(c Chat, unread int) error
	Chats() ([]Chat, error)
}

// SendPayload is the send_message frame body.
type SendPayload struct {
	ChatID      string      `json:"chatId"`
	ClientID    string      `json:"clientId"`
	SenderID    string      `json:"senderId"`
	Text        string      `json:"text"`
	Type        MessageType `json:"type"`
	MediaURL    string      `json:"mediaUrl,omitempty"`
	ReplyTo     *ReplyRef   `json:"replyTo,omitempty"`
	IsForwarded bool        `json:"isForwarded,omitempty"`
	AspectRatio float64     `json:"aspectRatio,omitempty"`
}

// Store holds process-wide chat state: the conversation list, settings,
// starred and blocked collections, and the deleted-message tombstones. Three
// input sources mutate it (UI actions, poll results, socket pushes), so all
// state lives behind one mutex.
type Store struct {
	api    API
	sock   Socket
	bus    *bus.Bus
	cache  ChatCache
	logger *zap.Logger

	mu            sync.Mutex
	userID        string
	token         string
	chats         []Chat
	settings      map[string]Settings
	starred       []StarredMessage
	blocked       []PeerProfile
	tombstones    map[string]bool
	selectionMode bool
	selected      map[string]bool
	offs          []func()
}

// NewStore creates an empty store bound to its transports.
func NewStore(api API, sock Socket, b *bus.Bus, logger *zap.Logger) *Store {
	s := &Store{
		api:        api,
		sock:       sock,
		bus:        b,
		logger:     logger,
		settings:   map[string]Settings{},
		tombstones: map[string]bool{},
		selected:   map[string]bool{},
	}
	if sock != nil {
		sock.OnConnect(s.resync)
	}
	return s
}

// AttachCache wires the warm-start cache: cached conversations seed an
// empty list immediately and every fetched list is written back through.
func (s *Store) AttachCache(cc ChatCache) {
	cached, err := cc.Chats()
	if err != nil {
		s.logger.Warn("chat cache read failed", zap.Error(err))
		cached = nil
	}

	s.mu.Lock()
	s.cache = cc
	seeded := len(s.chats) == 0 && len(cached) > 0
	if seeded {
		s.chats = cached
	}
	s.mu.Unlock()

	if seeded {
		s.publish("chats.updated", "", nil)
	}
}

// UserID returns the authenticated user's id.
func (s *Store) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// ConnectSocket connects the persistent transport and registers the store's
// push handlers. Idempotent; a second call on a live connection is a no-op.
func (s *Store) ConnectSocket(ctx context.Context, token, userID string) error {
	s.mu.Lock()
	s.userID = userID
	s.token = token
	if len(s.offs) == 0 {
		s.offs = []func(){
			s.sock.On("chat_updated", s.onChatUpdated),
			s.sock.On("message_deleted", s.onMessageDeleted),
			s.sock.On("message_edited", s.onMessageEdited),
		}
	}
	s.mu.Unlock()

	return s.sock.Connect(ctx, token, userID)
}

// DisconnectSocket closes the persistent transport. Push handlers stay
// registered for the next connect.
func (s *Store) DisconnectSocket() {
	s.sock.Disconnect()
}

// Reconnect re-dials the socket with the credentials of the last connect.
// Used when resuming from the backgrounded state.
func (s *Store) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	token, userID := s.token, s.userID
	s.mu.Unlock()
	if token == "" {
		return fmt.Errorf("no previous connection to resume")
	}
	return s.sock.Connect(ctx, token, userID)
}

// resync refreshes chats and settings after every (re)connect; missed pushes
// are recovered by refetching.
func (s *Store) resync() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if _, err := s.FetchChats(ctx); err != nil {
		s.logger.Warn("resync chats failed", zap.Error(err))
	}
	if err := s.FetchChatSettings(ctx); err != nil {
		s.logger.Warn("resync settings failed", zap.Error(err))
	}
}

// FetchChats refreshes the conversation list from the server.
func (s *Store) FetchChats(ctx context.Context) ([]Chat, error) {
	chats, err := s.api.ListChats(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.chats = chats
	cc := s.cache
	userID := s.userID
	s.mu.Unlock()
	s.publish("chats.updated", "", nil)

	if cc != nil {
		for _, c := range chats {
			if err := cc.UpsertChat(c, c.UnreadCounts[userID]); err != nil {
				s.logger.Warn("chat cache write failed", zap.String("chat", c.ID), zap.Error(err))
				break
			}
		}
	}
	return chats, nil
}

// Chats returns a copy of the current conversation list.
func (s *Store) Chats() []Chat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Chat(nil), s.chats...)
}

// CreateChat creates (or returns) the conversation with the target user and
// inserts it into the local list.
func (s *Store) CreateChat(ctx context.Context, targetUserID string) (*Chat, error) {
	c, err := s.api.CreateChat(ctx, targetUserID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	found := false
	for _, existing := range s.chats {
		if existing.ID == c.ID {
			found = true
			break
		}
	}
	if !found {
		s.chats = append([]Chat{*c}, s.chats...)
	}
	s.mu.Unlock()
	s.publish("chats.updated", "", nil)
	return c, nil
}

// SendMessage emits a send frame on the socket.
func (s *Store) SendMessage(p SendPayload) error {
	return s.sock.Emit("send_message", p)
}

// ClearChat wipes a conversation's history. Optimistic: the local last
// message is dropped immediately, then the server is told.
func (s *Store) ClearChat(ctx context.Context, chatID string) error {
	s.mu.Lock()
	for i := range s.chats {
		if s.chats[i].ID == chatID {
			s.chats[i].LastMessage = nil
		}
	}
	s.mu.Unlock()
	s.publish("chat.cleared", chatID, nil)
	s.publish("chats.updated", "", nil)
	return s.api.ClearChat(ctx, chatID)
}

// FetchChatSettings refreshes per-conversation settings.
func (s *Store) FetchChatSettings(ctx context.Context) error {
	settings, err := s.api.GetChatSettings(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()
	s.publish("chats.updated", "", nil)
	return nil
}

// ChatSettings returns the settings for one conversation.
func (s *Store) ChatSettings(chatID string) Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings[chatID]
}

// ToggleChatSetting flips one setting optimistically. A failed request is
// logged but not rolled back; the next settings fetch corrects it.
func (s *Store) ToggleChatSetting(ctx context.Context, chatID, setting string) error {
	s.mu.Lock()
	cur := s.settings[chatID]
	var value bool
	switch setting {
	case "isPinned":
		cur.IsPinned = !cur.IsPinned
		value = cur.IsPinned
	case "isArchived":
		cur.IsArchived = !cur.IsArchived
		value = cur.IsArchived
	case "isMuted":
		cur.IsMuted = !cur.IsMuted
		value = cur.IsMuted
	default:
		s.mu.Unlock()
		return fmt.Errorf("unknown chat setting %q", setting)
	}
	s.settings[chatID] = cur
	s.mu.Unlock()
	s.publish("chats.updated", "", nil)

	if err := s.api.SetChatSetting(ctx, chatID, setting, value); err != nil {
		s.logger.Warn("chat setting not saved",
			zap.String("chat", chatID), zap.String("setting", setting), zap.Error(err))
		return err
	}
	return nil
}

// FetchStarred refreshes the starred-messages collection.
func (s *Store) FetchStarred(ctx context.Context) ([]StarredMessage, error) {
	starred, err := s.api.GetStarred(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.starred = starred
	s.mu.Unlock()
	return starred, nil
}

// Starred returns a copy of the starred collection.
func (s *Store) Starred() []StarredMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StarredMessage(nil), s.starred...)
}

// IsStarred reports whether a message id is in the starred collection.
func (s *Store) IsStarred(msgID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sm := range s.starred {
		if sm.ID == msgID {
			return true
		}
	}
	return false
}

// ToggleStar stars or unstars a message. Unlike the other toggles this one
// waits for the server's verdict before updating local state.
func (s *Store) ToggleStar(ctx context.Context, chatID string, msg Message) (bool, error) {
	starred, err := s.api.StarMessage(ctx, msg.ID, chatID, msg)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	if starred {
		s.starred = append(s.starred, StarredMessage{
			ID:        msg.ID,
			ChatID:    chatID,
			Message:   msg,
			StarredAt: time.Now().UTC(),
		})
	} else {
		s.removeStarredLocked(msg.ID)
	}
	s.mu.Unlock()
	return starred, nil
}

// RemoveStarred drops a message from the local starred collection, e.g. when
// the message is deleted.
func (s *Store) RemoveStarred(msgID string) {
	s.mu.Lock()
	s.removeStarredLocked(msgID)
	s.mu.Unlock()
}

func (s *Store) removeStarredLocked(msgID string) {
	kept := s.starred[:0]
	for _, sm := range s.starred {
		if sm.ID != msgID {
			kept = append(kept, sm)
		}
	}
	s.starred = kept
}

// FetchBlocked refreshes the blocked-users collection.
func (s *Store) FetchBlocked(ctx context.Context) ([]PeerProfile, error) {
	blocked, err := s.api.GetBlocked(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.blocked = blocked
	s.mu.Unlock()
	return blocked, nil
}

// IsBlocked reports whether a user id is in the blocked collection.
func (s *Store) IsBlocked(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.blocked {
		if p.ID == userID {
			return true
		}
	}
	return false
}

// Block adds a user to the block list, optimistically.
func (s *Store) Block(ctx context.Context, user PeerProfile) error {
	s.mu.Lock()
	s.blocked = append(s.blocked, user)
	s.mu.Unlock()
	return s.api.BlockUser(ctx, user.ID)
}

// Unblock removes a user from the block list, optimistically.
func (s *Store) Unblock(ctx context.Context, userID string) error {
	s.mu.Lock()
	kept := s.blocked[:0]
	for _, p := range s.blocked {
		if p.ID != userID {
			kept = append(kept, p)
		}
	}
	s.blocked = kept
	s.mu.Unlock()
	return s.api.UnblockUser(ctx, userID)
}

// MarkRead zeroes the viewer's unread count immediately; the server is told
// in the background. Fire and forget: a lost request is corrected by the
// next chat list fetch.
func (s *Store) MarkRead(ctx context.Context, chatID string) {
	s.mu.Lock()
	userID := s.userID
	for i := range s.chats {
		if s.chats[i].ID == chatID && s.chats[i].UnreadCounts != nil {
			s.chats[i].UnreadCounts[userID] = 0
		}
	}
	s.mu.Unlock()
	s.publish("chats.updated", "", nil)

	go func() {
		if err := s.api.MarkRead(ctx, chatID); err != nil {
			s.logger.Warn("mark read failed", zap.String("chat", chatID), zap.Error(err))
		}
	}()
}

// Tombstone records a deleted message id so no later fetch resurrects it.
// Tombstones are process-wide and never expire.
func (s *Store) Tombstone(ids ...string) {
	s.mu.Lock()
	for _, id := range ids {
		s.tombstones[id] = true
	}
	s.mu.Unlock()
}

// IsTombstoned reports whether a message id has been deleted locally.
func (s *Store) IsTombstoned(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tombstones[id]
}

// SetSelectionMode enters or leaves multi-select mode. Leaving clears the
// selection.
func (s *Store) SetSelectionMode(on bool) {
	s.mu.Lock()
	s.selectionMode = on
	if !on {
		s.selected = map[string]bool{}
	}
	s.mu.Unlock()
}

// SelectionMode reports whether multi-select mode is active.
func (s *Store) SelectionMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectionMode
}

// ToggleSelected adds or removes an entry id from the selection.
func (s *Store) ToggleSelected(id string) {
	s.mu.Lock()
	if s.selected[id] {
		delete(s.selected, id)
	} else {
		s.selected[id] = true
	}
	s.mu.Unlock()
}

// SelectedIDs returns the currently selected entry ids.
func (s *Store) SelectedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.selected))
	for id := range s.selected {
		ids = append(ids, id)
	}
	return ids
}

type chatUpdatedPush struct {
	ChatID      string       `json:"chatId"`
	LastMessage *LastMessage `json:"lastMessage"`
}

type messageDeletedPush struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
}

type messageEditedPush struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	NewText   string `json:"newText"`
}

func (s *Store) onChatUpdated(data json.RawMessage) {
	var p chatUpdatedPush
	if err := json.Unmarshal(data, &p); err != nil {
		s.logger.Warn("malformed chat_updated push", zap.Error(err))
		return
	}

	s.mu.Lock()
	known := false
	for i := range s.chats {
		if s.chats[i].ID == p.ChatID {
			known = true
			if p.LastMessage != nil {
				s.chats[i].LastMessage = p.LastMessage
			}
			break
		}
	}
	s.mu.Unlock()

	if !known {
		// A chat we have never seen; pull the full list.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := s.FetchChats(ctx); err != nil {
			s.logger.Warn("chat list refetch failed", zap.Error(err))
		}
		return
	}
	s.publish("chats.updated", "", nil)
}

func (s *Store) onMessageDeleted(data json.RawMessage) {
	var p messageDeletedPush
	if err := json.Unmarshal(data, &p); err != nil {
		s.logger.Warn("malformed message_deleted push", zap.Error(err))
		return
	}
	s.Tombstone(p.MessageID)
	s.RemoveStarred(p.MessageID)
	s.publish("chat.message_deleted", p.ChatID, p)
}

func (s *Store) onMessageEdited(data json.RawMessage) {
	var p messageEditedPush
	if err := json.Unmarshal(data, &p); err != nil {
		s.logger.Warn("malformed message_edited push", zap.Error(err))
		return
	}
	s.publish("chat.message_edited", p.ChatID, p)
}

func (s *Store) publish(kind, chatID string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{
		Kind:      kind,
		ChatID:    chatID,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}
