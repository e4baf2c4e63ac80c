package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/parleyapp/parley/internal/bus"
	"github.com/parleyapp/parley/internal/cache"
	"github.com/parleyapp/parley/internal/chat"
	"github.com/parleyapp/parley/internal/recon"
	"github.com/parleyapp/parley/internal/transport"
	"go.uber.org/zap"
)

// Fetcher is the slice of the REST transport a controller depends on.
type Fetcher interface {
	FetchMessages(ctx context.Context, chatID string) ([]chat.Message, error)
	DeleteMessage(ctx context.Context, chatID, msgID string) error
	EditMessage(ctx context.Context, chatID, msgID, newText string) error
	UploadMedia(ctx context.Context, name string, content io.Reader) (*transport.Upload, error)
}

// Deps bundles a controller's collaborators.
type Deps struct {
	Store        *chat.Store
	API          Fetcher
	Socket       chat.Socket
	Cache        *cache.DB // optional warm-start cache
	Bus          *bus.Bus
	Logger       *zap.Logger
	PollInterval time.Duration
}

// Controller owns the working set of one open conversation. It reconciles
// three inputs (poll results, socket pushes, local optimistic edits) into a
// single newest-first message sequence. All mutation happens under one
// mutex; reconciliation itself is pure (recon package).
type Controller struct {
	chatID string
	userID string
	d      Deps

	mu     sync.Mutex
	msgs   []chat.Message
	opened bool
	cancel context.CancelFunc
	offs   []func()
}

// New creates a closed controller for one conversation.
func New(chatID, userID string, d Deps) *Controller {
	if d.PollInterval <= 0 {
		d.PollInterval = time.Second
	}
	return &Controller{chatID: chatID, userID: userID, d: d}
}

// ChatID returns the conversation this controller owns.
func (c *Controller) ChatID() string { return c.chatID }

// Open joins the conversation: seeds from the warm-start cache, fetches the
// current page, starts the silent poll loop and subscribes to pushes.
// Opening an open controller is a no-op.
func (c *Controller) Open(ctx context.Context) {
	c.mu.Lock()
	if c.opened {
		c.mu.Unlock()
		return
	}
	c.opened = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if c.d.Cache != nil {
		if warm, err := c.d.Cache.Messages(c.chatID); err == nil && len(warm) > 0 {
			c.msgs = recon.Merge(nil, warm, c.d.Store.IsTombstoned)
		}
	}

	c.offs = []func(){
		c.d.Socket.On(transport.EventReceiveMessage, c.onReceiveMessage),
		c.d.Socket.On(transport.EventMessageDeleted, c.onMessageDeleted),
		c.d.Socket.On(transport.EventMessageEdited, c.onMessageEdited),
		c.d.Socket.On(transport.EventReactionUpdate, c.onReactionUpdate),
	}
	c.mu.Unlock()

	// Open runs on the UI goroutine; nothing here may wait on the network.
	// The socket write has its own timeout, so it goes to the background.
	go func() {
		if err := c.d.Socket.Emit(transport.EventJoinChat, map[string]string{
			"chatId": c.chatID, "userId": c.userID,
		}); err != nil {
			c.d.Logger.Warn("join chat failed", zap.String("chat", c.chatID), zap.Error(err))
		}
	}()
	c.d.Store.MarkRead(runCtx, c.chatID)

	c.publish()
	go c.watchCleared(runCtx)
	go c.refetch(runCtx, false)
	go c.pollLoop(runCtx)
}

// watchCleared empties the working set when this conversation's history is
// wiped through the store.
func (c *Controller) watchCleared(ctx context.Context) {
	ch, unsub := c.d.Bus.Subscribe("chat.cleared", 8)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-ch:
			if evt.ChatID != c.chatID {
				continue
			}
			c.mu.Lock()
			c.msgs = nil
			c.mu.Unlock()
			if c.d.Cache != nil {
				if err := c.d.Cache.ClearChat(c.chatID); err != nil {
					c.d.Logger.Warn("cache clear failed", zap.String("chat", c.chatID), zap.Error(err))
				}
			}
			c.publish()
		}
	}
}

// Close leaves the conversation and stops all background work. In-flight
// fetch results are discarded.
func (c *Controller) Close() {
	c.mu.Lock()
	if !c.opened {
		c.mu.Unlock()
		return
	}
	c.opened = false
	cancel := c.cancel
	offs := c.offs
	c.cancel = nil
	c.offs = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, off := range offs {
		off()
	}
	if err := c.d.Socket.Emit(transport.EventLeaveChat, map[string]string{
		"chatId": c.chatID, "userId": c.userID,
	}); err != nil {
		c.d.Logger.Debug("leave chat failed", zap.String("chat", c.chatID), zap.Error(err))
	}
}

func (c *Controller) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(c.d.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.refetch(ctx, true)
		}
	}
}

// refetch pulls the conversation page and reconciles it into the working
// set. Silent refetches publish nothing when the merge is a no-op, so the
// steady state produces zero churn.
func (c *Controller) refetch(ctx context.Context, silent bool) {
	incoming, err := c.d.API.FetchMessages(ctx, c.chatID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if !silent {
			c.notifyError(fmt.Errorf("load messages: %w", err))
		} else if !transport.IsNetwork(err) {
			c.d.Logger.Warn("poll fetch failed", zap.String("chat", c.chatID), zap.Error(err))
		}
		return
	}
	if ctx.Err() != nil {
		// Closed or switched away while the fetch was in flight.
		return
	}

	c.mu.Lock()
	if !c.opened {
		c.mu.Unlock()
		return
	}
	var changed bool
	if silent {
		c.msgs, changed = recon.MergeSilent(c.msgs, incoming, c.d.Store.IsTombstoned)
	} else {
		c.msgs = recon.Merge(c.msgs, incoming, c.d.Store.IsTombstoned)
		changed = true
	}
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	if !changed {
		return
	}
	c.persist(snapshot)
	c.publish()
}

// SendText sends a text message. A placeholder appears immediately; if the
// send cannot be handed to the socket the placeholder is removed again and
// the error surfaced. No background retry.
func (c *Controller) SendText(text string, replyTo *chat.ReplyRef) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	clientID := chat.PlaceholderPrefix + uuid.NewString()
	placeholder := chat.Message{
		ID:        clientID,
		ClientID:  clientID,
		Text:      text,
		SenderID:  c.userID,
		Type:      chat.TypeText,
		ReplyTo:   replyTo,
		Timestamp: time.Now().UTC(),
	}

	c.mu.Lock()
	c.msgs = append([]chat.Message{placeholder}, c.msgs...)
	c.mu.Unlock()
	c.publish()

	err := c.d.Store.SendMessage(chat.SendPayload{
		ChatID:   c.chatID,
		ClientID: clientID,
		SenderID: c.userID,
		Text:     text,
		Type:     chat.TypeText,
		ReplyTo:  replyTo,
	})
	if err != nil {
		c.removeByID(clientID)
		c.notifyError(fmt.Errorf("send message: %w", err))
		return err
	}
	return nil
}

// SendImages uploads each file and sends one image message per upload.
// A failed upload drops that image only.
func (c *Controller) SendImages(ctx context.Context, paths []string) error {
	var firstErr error
	for _, path := range paths {
		if err := c.sendImage(ctx, path); err != nil {
			c.d.Logger.Warn("image send failed", zap.String("path", path), zap.Error(err))
			c.notifyError(fmt.Errorf("send %s: %w", filepath.Base(path), err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (c *Controller) sendImage(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	up, err := c.d.API.UploadMedia(ctx, filepath.Base(path), f)
	if err != nil {
		return err
	}
	var aspect float64
	if up.Height > 0 {
		aspect = float64(up.Width) / float64(up.Height)
	}

	clientID := chat.PlaceholderPrefix + uuid.NewString()
	placeholder := chat.Message{
		ID:          clientID,
		ClientID:    clientID,
		SenderID:    c.userID,
		Type:        chat.TypeImage,
		MediaURL:    chat.MediaRef{URLs: []string{up.Location()}},
		AspectRatio: aspect,
		Timestamp:   time.Now().UTC(),
	}

	c.mu.Lock()
	c.msgs = append([]chat.Message{placeholder}, c.msgs...)
	c.mu.Unlock()
	c.publish()

	err = c.d.Store.SendMessage(chat.SendPayload{
		ChatID:      c.chatID,
		ClientID:    clientID,
		SenderID:    c.userID,
		Type:        chat.TypeImage,
		MediaURL:    up.Location(),
		AspectRatio: aspect,
	})
	if err != nil {
		c.removeByID(clientID)
		return err
	}
	return nil
}

// Edit rewrites a message optimistically and tells the server. A rejection
// (e.g. edit window expired) surfaces as an error with no retry; the next
// refetch restores the server's text.
func (c *Controller) Edit(ctx context.Context, msgID, newText string) error {
	c.mu.Lock()
	for i := range c.msgs {
		if c.msgs[i].ID == msgID {
			c.msgs[i].Text = newText
			c.msgs[i].IsEdited = true
			break
		}
	}
	c.mu.Unlock()
	c.publish()

	if err := c.d.API.EditMessage(ctx, c.chatID, msgID, newText); err != nil {
		c.notifyError(fmt.Errorf("edit message: %w", err))
		return err
	}
	return nil
}

// Delete removes messages. Grid entry ids expand to their constituent
// images. Removal is optimistic and permanent on this side: ids are
// tombstoned before the server round trips, the independent DELETEs run in
// parallel, and failures are logged but never rolled back.
func (c *Controller) Delete(ctx context.Context, ids ...string) {
	expanded := c.expandGridIDs(ids)
	if len(expanded) == 0 {
		return
	}

	c.d.Store.Tombstone(expanded...)
	for _, id := range expanded {
		c.d.Store.RemoveStarred(id)
	}

	c.mu.Lock()
	kept := c.msgs[:0]
	drop := map[string]bool{}
	for _, id := range expanded {
		drop[id] = true
	}
	for _, m := range c.msgs {
		if !drop[m.ID] {
			kept = append(kept, m)
		}
	}
	c.msgs = kept
	snapshot := c.snapshotLocked()
	c.mu.Unlock()
	c.persist(snapshot)
	c.publish()

	var wg sync.WaitGroup
	for _, id := range expanded {
		wg.Add(1)
		go func(msgID string) {
			defer wg.Done()
			if err := c.d.API.DeleteMessage(ctx, c.chatID, msgID); err != nil {
				c.d.Logger.Warn("server delete failed",
					zap.String("chat", c.chatID), zap.String("message", msgID), zap.Error(err))
			}
		}(id)
	}
	wg.Wait()
}

// expandGridIDs maps display-entry ids to message ids, unpacking synthetic
// grid entries into their constituents.
func (c *Controller) expandGridIDs(ids []string) []string {
	c.mu.Lock()
	entries := recon.Group(c.msgs)
	c.mu.Unlock()

	byID := map[string]recon.DisplayEntry{}
	for _, e := range entries {
		byID[e.ID] = e
	}

	var out []string
	for _, id := range ids {
		if !strings.HasPrefix(id, recon.GridIDPrefix) {
			out = append(out, id)
			continue
		}
		e, ok := byID[id]
		if !ok {
			continue
		}
		for _, img := range e.Images {
			out = append(out, img.ID)
		}
	}
	return out
}

// Forward sends a copy of a message to each target conversation.
func (c *Controller) Forward(msg chat.Message, targetChatIDs []string) error {
	var firstErr error
	for _, target := range targetChatIDs {
		err := c.d.Store.SendMessage(chat.SendPayload{
			ChatID:      target,
			ClientID:    chat.PlaceholderPrefix + uuid.NewString(),
			SenderID:    c.userID,
			Text:        msg.Text,
			Type:        msg.Type,
			MediaURL:    msg.MediaURL.Single(),
			AspectRatio: msg.AspectRatio,
			IsForwarded: true,
		})
		if err != nil {
			c.d.Logger.Warn("forward failed", zap.String("target", target), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		c.notifyError(fmt.Errorf("forward message: %w", firstErr))
	}
	return firstErr
}

// ToggleReaction applies the reaction locally (two-distinct-emoji cap) and
// emits the toggle. The server's reaction_update push is authoritative and
// overwrites whatever we applied.
func (c *Controller) ToggleReaction(msgID, emoji string) error {
	c.mu.Lock()
	applied := false
	for i := range c.msgs {
		if c.msgs[i].ID == msgID {
			var updated chat.Message
			updated, applied = recon.ToggleReaction(c.msgs[i], emoji, c.userID)
			if applied {
				c.msgs[i] = updated
			}
			break
		}
	}
	c.mu.Unlock()

	if !applied {
		return nil
	}
	c.publish()

	err := c.d.Socket.Emit(transport.EventReaction, map[string]string{
		"chatId":    c.chatID,
		"messageId": msgID,
		"emoji":     emoji,
		"userId":    c.userID,
	})
	if err != nil {
		c.notifyError(fmt.Errorf("toggle reaction: %w", err))
		return err
	}
	return nil
}

// Star toggles the message in the starred collection via the store.
func (c *Controller) Star(ctx context.Context, msgID string) (bool, error) {
	c.mu.Lock()
	var msg chat.Message
	found := false
	for _, m := range c.msgs {
		if m.ID == msgID {
			msg = m
			found = true
			break
		}
	}
	c.mu.Unlock()
	if !found {
		return false, fmt.Errorf("message %s not in working set", msgID)
	}
	return c.d.Store.ToggleStar(ctx, c.chatID, msg)
}

// Messages returns a copy of the working set, newest first.
func (c *Controller) Messages() []chat.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]chat.Message(nil), c.msgs...)
}

// Snapshot returns the grouped display projection of the working set.
func (c *Controller) Snapshot() []recon.DisplayEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return recon.Group(c.msgs)
}

type pushMessage struct {
	chat.Message
	ChatID string `json:"chatId"`
}

func (c *Controller) onReceiveMessage(data json.RawMessage) {
	var p pushMessage
	if err := json.Unmarshal(data, &p); err != nil {
		c.d.Logger.Warn("malformed receive_message push", zap.Error(err))
		return
	}
	if p.ChatID != c.chatID {
		return
	}

	c.mu.Lock()
	c.msgs = recon.ApplyPush(c.msgs, p.Message, c.d.Store.IsTombstoned)
	snapshot := c.snapshotLocked()
	c.mu.Unlock()
	c.persist(snapshot)
	c.publish()
}

func (c *Controller) onMessageDeleted(data json.RawMessage) {
	var p struct {
		ChatID    string `json:"chatId"`
		MessageID string `json:"messageId"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.ChatID != c.chatID {
		return
	}

	c.mu.Lock()
	kept := c.msgs[:0]
	for _, m := range c.msgs {
		if m.ID != p.MessageID {
			kept = append(kept, m)
		}
	}
	c.msgs = kept
	snapshot := c.snapshotLocked()
	c.mu.Unlock()
	c.persist(snapshot)
	c.publish()
}

func (c *Controller) onMessageEdited(data json.RawMessage) {
	var p struct {
		ChatID    string `json:"chatId"`
		MessageID string `json:"messageId"`
		NewText   string `json:"newText"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.ChatID != c.chatID {
		return
	}

	c.mu.Lock()
	for i := range c.msgs {
		if c.msgs[i].ID == p.MessageID {
			c.msgs[i].Text = p.NewText
			c.msgs[i].IsEdited = true
			break
		}
	}
	snapshot := c.snapshotLocked()
	c.mu.Unlock()
	c.persist(snapshot)
	c.publish()
}

func (c *Controller) onReactionUpdate(data json.RawMessage) {
	var p struct {
		ChatID    string         `json:"chatId"`
		MessageID string         `json:"messageId"`
		Reactions chat.Reactions `json:"reactions"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.ChatID != c.chatID {
		return
	}

	c.mu.Lock()
	var changed bool
	c.msgs, changed = recon.SetReactions(c.msgs, p.MessageID, p.Reactions)
	c.mu.Unlock()
	if changed {
		c.publish()
	}
}

func (c *Controller) removeByID(id string) {
	c.mu.Lock()
	kept := c.msgs[:0]
	for _, m := range c.msgs {
		if m.ID != id {
			kept = append(kept, m)
		}
	}
	c.msgs = kept
	c.mu.Unlock()
	c.publish()
}

func (c *Controller) snapshotLocked() []chat.Message {
	return append([]chat.Message(nil), c.msgs...)
}

// persist writes confirmed state through to the warm-start cache.
func (c *Controller) persist(msgs []chat.Message) {
	if c.d.Cache == nil {
		return
	}
	if err := c.d.Cache.UpsertMessages(c.chatID, msgs); err != nil {
		c.d.Logger.Warn("cache write failed", zap.String("chat", c.chatID), zap.Error(err))
	}
}

func (c *Controller) publish() {
	if c.d.Bus == nil {
		return
	}
	c.d.Bus.Publish(bus.Event{
		Kind:      "conversation.updated",
		ChatID:    c.chatID,
		Timestamp: time.Now(),
	})
}

func (c *Controller) notifyError(err error) {
	c.d.Logger.Warn("conversation error", zap.String("chat", c.chatID), zap.Error(err))
	if c.d.Bus == nil {
		return
	}
	c.d.Bus.Publish(bus.Event{
		Kind:      "notify.error",
		ChatID:    c.chatID,
		Timestamp: time.Now(),
		Payload:   err,
	})
}
