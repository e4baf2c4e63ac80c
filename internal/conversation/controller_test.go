package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/parleyapp/parley/internal/bus"
	"github.com/parleyapp/parley/internal/chat"
	"github.com/parleyapp/parley/internal/recon"
	"github.com/parleyapp/parley/internal/transport"
	"go.uber.org/zap"
)

type fakeFetcher struct {
	mu      sync.Mutex
	page    []chat.Message
	deleted []string

	deleteErr error
	editErr   error
	edits     []string
}

func (f *fakeFetcher) FetchMessages(context.Context, string) ([]chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chat.Message(nil), f.page...), nil
}

func (f *fakeFetcher) DeleteMessage(_ context.Context, _, msgID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, msgID)
	return f.deleteErr
}

func (f *fakeFetcher) EditMessage(_ context.Context, _, msgID, newText string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, msgID+":"+newText)
	return f.editErr
}

func (f *fakeFetcher) UploadMedia(context.Context, string, io.Reader) (*transport.Upload, error) {
	return &transport.Upload{SecureURL: "https://cdn/up.jpg", Width: 4, Height: 3}, nil
}

func (f *fakeFetcher) deletedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

// storeAPI is a no-op chat.API for wiring a real store into the controller.
type storeAPI struct{}

func (storeAPI) ListChats(context.Context) ([]chat.Chat, error)           { return nil, nil }
func (storeAPI) CreateChat(context.Context, string) (*chat.Chat, error)   { return &chat.Chat{}, nil }
func (storeAPI) ClearChat(context.Context, string) error                  { return nil }
func (storeAPI) GetChatSettings(context.Context) (map[string]chat.Settings, error) {
	return nil, nil
}
func (storeAPI) SetChatSetting(context.Context, string, string, bool) error { return nil }
func (storeAPI) GetStarred(context.Context) ([]chat.StarredMessage, error)  { return nil, nil }
func (storeAPI) StarMessage(context.Context, string, string, chat.Message) (bool, error) {
	return true, nil
}
func (storeAPI) GetBlocked(context.Context) ([]chat.PeerProfile, error) { return nil, nil }
func (storeAPI) BlockUser(context.Context, string) error                { return nil }
func (storeAPI) UnblockUser(context.Context, string) error              { return nil }
func (storeAPI) MarkRead(context.Context, string) error                 { return nil }

type emitted struct {
	event   string
	payload any
}

type fakeSock struct {
	mu       sync.Mutex
	handlers map[string][]func(json.RawMessage)
	frames   []emitted
	emitErr  error
}

func newFakeSock() *fakeSock {
	return &fakeSock{handlers: map[string][]func(json.RawMessage){}}
}

func (f *fakeSock) Connect(context.Context, string, string) error { return nil }
func (f *fakeSock) Disconnect()                                   {}
func (f *fakeSock) Connected() bool                               { return true }
func (f *fakeSock) OnConnect(func())                              {}

func (f *fakeSock) On(event string, fn func(json.RawMessage)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = append(f.handlers[event], fn)
	return func() {}
}

func (f *fakeSock) Emit(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitErr != nil {
		return f.emitErr
	}
	f.frames = append(f.frames, emitted{event, payload})
	return nil
}

func (f *fakeSock) push(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	f.mu.Lock()
	fns := append(([]func(json.RawMessage))(nil), f.handlers[event]...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(data)
	}
}

func (f *fakeSock) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.frames))
	for i, fr := range f.frames {
		out[i] = fr.event
	}
	return out
}

type harness struct {
	ctrl    *Controller
	fetcher *fakeFetcher
	sock    *fakeSock
	store   *chat.Store
	bus     *bus.Bus
	updates <-chan bus.Event
}

func newHarness(t *testing.T, page []chat.Message, poll time.Duration) *harness {
	t.Helper()
	b := bus.New()
	fetcher := &fakeFetcher{page: page}
	sock := newFakeSock()
	store := chat.NewStore(storeAPI{}, sock, b, zap.NewNop())

	updates, unsub := b.Subscribe("conversation.", 64)
	t.Cleanup(unsub)

	ctrl := New("chat-1", "u1", Deps{
		Store:        store,
		API:          fetcher,
		Socket:       sock,
		Bus:          b,
		Logger:       zap.NewNop(),
		PollInterval: poll,
	})
	t.Cleanup(ctrl.Close)
	return &harness{ctrl: ctrl, fetcher: fetcher, sock: sock, store: store, bus: b, updates: updates}
}

func (h *harness) waitUpdate(t *testing.T) {
	t.Helper()
	select {
	case <-h.updates:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for conversation.updated")
	}
}

// waitForFrame blocks until the socket saw an emit of the given event.
func (h *harness) waitForFrame(t *testing.T, event string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, e := range h.sock.events() {
			if e == event {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("socket events = %v, want %s", h.sock.events(), event)
}

func (h *harness) openAndSettle(t *testing.T) {
	t.Helper()
	h.ctrl.Open(context.Background())
	// Open publishes once immediately; the initial fetch publishes again.
	h.waitUpdate(t)
	h.waitUpdate(t)
}

func tsAt(sec int) time.Time {
	return time.Date(2025, 6, 1, 12, 0, sec, 0, time.UTC)
}

func textMsg(id, text, sender string, at time.Time) chat.Message {
	return chat.Message{ID: id, Text: text, SenderID: sender, Type: chat.TypeText, Timestamp: at}
}

func imageMsg(id, sender string, at time.Time) chat.Message {
	return chat.Message{
		ID: id, SenderID: sender, Type: chat.TypeImage,
		MediaURL:  chat.MediaRef{URLs: []string{"https://cdn/" + id + ".jpg"}},
		Timestamp: at,
	}
}

func TestOpenFetchesInitialPage(t *testing.T) {
	page := []chat.Message{
		textMsg("m2", "later", "u2", tsAt(20)),
		textMsg("m1", "earlier", "u1", tsAt(10)),
	}
	h := newHarness(t, page, time.Hour)
	h.openAndSettle(t)

	msgs := h.ctrl.Messages()
	if len(msgs) != 2 || msgs[0].ID != "m2" {
		t.Errorf("messages = %+v", msgs)
	}

	h.waitForFrame(t, transport.EventJoinChat)
}

func TestSendTextShowsPlaceholder(t *testing.T) {
	h := newHarness(t, nil, time.Hour)
	h.openAndSettle(t)

	if err := h.ctrl.SendText("hello there", nil); err != nil {
		t.Fatal(err)
	}

	msgs := h.ctrl.Messages()
	if len(msgs) != 1 || !msgs[0].IsPlaceholder() {
		t.Fatalf("messages = %+v, want one placeholder", msgs)
	}
	if msgs[0].ClientID != msgs[0].ID {
		t.Error("placeholder ClientID must equal its id")
	}

	found := false
	for _, e := range h.sock.events() {
		if e == transport.EventSendMessage {
			found = true
		}
	}
	if !found {
		t.Error("send_message never emitted")
	}
}

func TestSendTextFailureRemovesPlaceholder(t *testing.T) {
	h := newHarness(t, nil, time.Hour)
	h.openAndSettle(t)
	h.sock.emitErr = errors.New("socket down")

	if err := h.ctrl.SendText("hello", nil); err == nil {
		t.Fatal("expected send error")
	}
	if msgs := h.ctrl.Messages(); len(msgs) != 0 {
		t.Errorf("placeholder survived failed send: %+v", msgs)
	}
}

func TestSendTextIgnoresBlank(t *testing.T) {
	h := newHarness(t, nil, time.Hour)
	h.openAndSettle(t)

	if err := h.ctrl.SendText("   ", nil); err != nil {
		t.Fatal(err)
	}
	if msgs := h.ctrl.Messages(); len(msgs) != 0 {
		t.Errorf("blank send produced a message: %+v", msgs)
	}
}

func TestReceiveMessageResolvesPlaceholder(t *testing.T) {
	h := newHarness(t, nil, time.Hour)
	h.openAndSettle(t)

	if err := h.ctrl.SendText("ping", nil); err != nil {
		t.Fatal(err)
	}
	clientID := h.ctrl.Messages()[0].ClientID

	h.sock.push(t, transport.EventReceiveMessage, map[string]any{
		"chatId":    "chat-1",
		"id":        "srv-1",
		"clientId":  clientID,
		"text":      "ping",
		"senderId":  "u1",
		"type":      "text",
		"timestamp": tsAt(30),
	})

	msgs := h.ctrl.Messages()
	if len(msgs) != 1 || msgs[0].ID != "srv-1" {
		t.Errorf("messages = %+v, want placeholder replaced by srv-1", msgs)
	}
}

func TestReceiveMessageOtherChatIgnored(t *testing.T) {
	h := newHarness(t, nil, time.Hour)
	h.openAndSettle(t)

	h.sock.push(t, transport.EventReceiveMessage, map[string]any{
		"chatId": "chat-other", "id": "srv-1", "text": "hi", "senderId": "u2",
		"type": "text", "timestamp": tsAt(30),
	})

	if msgs := h.ctrl.Messages(); len(msgs) != 0 {
		t.Errorf("foreign chat message applied: %+v", msgs)
	}
}

func TestEditOptimistic(t *testing.T) {
	page := []chat.Message{textMsg("m1", "original", "u1", tsAt(10))}
	h := newHarness(t, page, time.Hour)
	h.openAndSettle(t)

	if err := h.ctrl.Edit(context.Background(), "m1", "fixed"); err != nil {
		t.Fatal(err)
	}

	msgs := h.ctrl.Messages()
	if msgs[0].Text != "fixed" || !msgs[0].IsEdited {
		t.Errorf("message = %+v", msgs[0])
	}
}

func TestEditRejectionKeepsOptimisticText(t *testing.T) {
	page := []chat.Message{textMsg("m1", "original", "u1", tsAt(10))}
	h := newHarness(t, page, time.Hour)
	h.openAndSettle(t)
	h.fetcher.editErr = errors.New("edit window expired")

	if err := h.ctrl.Edit(context.Background(), "m1", "too late"); err == nil {
		t.Fatal("expected edit rejection")
	}
	// No rollback; the next refetch restores the server text.
	if msgs := h.ctrl.Messages(); msgs[0].Text != "too late" {
		t.Errorf("text = %q", msgs[0].Text)
	}
}

func TestDeleteExpandsGridAndTombstones(t *testing.T) {
	page := []chat.Message{
		imageMsg("i3", "u1", tsAt(20)),
		imageMsg("i2", "u1", tsAt(15)),
		imageMsg("i1", "u1", tsAt(10)),
		textMsg("m0", "keep me", "u2", tsAt(5)),
	}
	h := newHarness(t, page, time.Hour)
	h.openAndSettle(t)

	h.ctrl.Delete(context.Background(), recon.GridIDPrefix+"i3")

	msgs := h.ctrl.Messages()
	if len(msgs) != 1 || msgs[0].ID != "m0" {
		t.Errorf("messages = %+v, want only m0", msgs)
	}
	for _, id := range []string{"i1", "i2", "i3"} {
		if !h.store.IsTombstoned(id) {
			t.Errorf("%s not tombstoned", id)
		}
	}
	if got := h.fetcher.deletedIDs(); len(got) != 3 {
		t.Errorf("server deletes = %v, want all three constituents", got)
	}
}

func TestDeleteFailureNotRolledBack(t *testing.T) {
	page := []chat.Message{textMsg("m1", "doomed", "u1", tsAt(10))}
	h := newHarness(t, page, time.Hour)
	h.openAndSettle(t)
	h.fetcher.deleteErr = errors.New("500")

	h.ctrl.Delete(context.Background(), "m1")

	if msgs := h.ctrl.Messages(); len(msgs) != 0 {
		t.Errorf("failed delete rolled back: %+v", msgs)
	}
	if !h.store.IsTombstoned("m1") {
		t.Error("tombstone missing after failed delete")
	}
}

func TestDeleteTombstoneBlocksRefetchResurrection(t *testing.T) {
	page := []chat.Message{textMsg("m1", "doomed", "u1", tsAt(10))}
	h := newHarness(t, page, 30*time.Millisecond)
	h.openAndSettle(t)
	h.fetcher.deleteErr = errors.New("500")

	// The server still returns m1 on every poll; the tombstone must win.
	h.ctrl.Delete(context.Background(), "m1")
	time.Sleep(150 * time.Millisecond)

	if msgs := h.ctrl.Messages(); len(msgs) != 0 {
		t.Errorf("deleted message resurrected by poll: %+v", msgs)
	}
}

func TestToggleReactionAppliesAndEmits(t *testing.T) {
	page := []chat.Message{textMsg("m1", "nice", "u2", tsAt(10))}
	h := newHarness(t, page, time.Hour)
	h.openAndSettle(t)

	if err := h.ctrl.ToggleReaction("m1", "👍"); err != nil {
		t.Fatal(err)
	}

	msgs := h.ctrl.Messages()
	if !msgs[0].Reactions.Has("👍", "u1") {
		t.Errorf("reactions = %v", msgs[0].Reactions)
	}

	found := false
	for _, e := range h.sock.events() {
		if e == transport.EventReaction {
			found = true
		}
	}
	if !found {
		t.Error("toggle_reaction never emitted")
	}
}

func TestToggleReactionCapSkipsEmit(t *testing.T) {
	m := textMsg("m1", "nice", "u2", tsAt(10))
	m.Reactions = chat.Reactions{"❤️": {"u2"}, "😂": {"u3"}}
	h := newHarness(t, []chat.Message{m}, time.Hour)
	h.openAndSettle(t)
	h.waitForFrame(t, transport.EventJoinChat)
	before := len(h.sock.events())

	if err := h.ctrl.ToggleReaction("m1", "👍"); err != nil {
		t.Fatal(err)
	}

	if got := h.ctrl.Messages()[0].Reactions; len(got) != 2 {
		t.Errorf("reactions = %v, want unchanged", got)
	}
	if len(h.sock.events()) != before {
		t.Error("rejected reaction was emitted")
	}
}

func TestReactionUpdatePushOverwrites(t *testing.T) {
	page := []chat.Message{textMsg("m1", "nice", "u2", tsAt(10))}
	h := newHarness(t, page, time.Hour)
	h.openAndSettle(t)

	if err := h.ctrl.ToggleReaction("m1", "👍"); err != nil {
		t.Fatal(err)
	}
	h.sock.push(t, transport.EventReactionUpdate, map[string]any{
		"chatId": "chat-1", "messageId": "m1",
		"reactions": chat.Reactions{"❤️": {"u2", "u3"}},
	})

	got := h.ctrl.Messages()[0].Reactions
	if got.Has("👍", "u1") {
		t.Error("local reaction survived authoritative overwrite")
	}
	if len(got["❤️"]) != 2 {
		t.Errorf("reactions = %v", got)
	}
}

func TestForwardMarksForwarded(t *testing.T) {
	page := []chat.Message{textMsg("m1", "pass it on", "u2", tsAt(10))}
	h := newHarness(t, page, time.Hour)
	h.openAndSettle(t)

	if err := h.ctrl.Forward(page[0], []string{"chat-2", "chat-3"}); err != nil {
		t.Fatal(err)
	}

	sent := 0
	h.sock.mu.Lock()
	for _, fr := range h.sock.frames {
		if fr.event != transport.EventSendMessage {
			continue
		}
		p, ok := fr.payload.(chat.SendPayload)
		if !ok {
			continue
		}
		if p.ChatID == "chat-1" {
			continue
		}
		if !p.IsForwarded {
			t.Errorf("forwarded payload missing flag: %+v", p)
		}
		sent++
	}
	h.sock.mu.Unlock()
	if sent != 2 {
		t.Errorf("forwarded sends = %d, want 2", sent)
	}
}

// drainQuiet consumes updates until the stream has been quiet for the given
// window, so startup publishes don't leak into poll assertions.
func (h *harness) drainQuiet(t *testing.T, quiet time.Duration) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-h.updates:
		case <-time.After(quiet):
			return
		case <-deadline:
			t.Fatal("update stream never went quiet")
		}
	}
}

func TestSilentPollPublishesNothingWhenUnchanged(t *testing.T) {
	page := []chat.Message{textMsg("m1", "stable", "u1", tsAt(10))}
	h := newHarness(t, page, 25*time.Millisecond)
	h.openAndSettle(t)
	h.drainQuiet(t, 100*time.Millisecond)

	// Several polls of an identical page must stay silent.
	select {
	case <-h.updates:
		t.Error("silent poll published for an unchanged page")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestPollPicksUpServerChange(t *testing.T) {
	page := []chat.Message{textMsg("m1", "first", "u1", tsAt(10))}
	h := newHarness(t, page, 25*time.Millisecond)
	h.openAndSettle(t)

	h.fetcher.mu.Lock()
	h.fetcher.page = append([]chat.Message{textMsg("m2", "second", "u2", tsAt(20))}, h.fetcher.page...)
	h.fetcher.mu.Unlock()

	deadline := time.After(2 * time.Second)
	for {
		msgs := h.ctrl.Messages()
		if len(msgs) == 2 && msgs[0].ID == "m2" {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("poll never applied the new message: %+v", msgs)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestCloseLeavesChat(t *testing.T) {
	h := newHarness(t, nil, time.Hour)
	h.openAndSettle(t)

	h.ctrl.Close()

	h.waitForFrame(t, transport.EventLeaveChat)

	// Closing twice is harmless.
	h.ctrl.Close()
}

func TestSnapshotGroupsImages(t *testing.T) {
	page := []chat.Message{
		imageMsg("i2", "u1", tsAt(20)),
		imageMsg("i1", "u1", tsAt(15)),
		textMsg("m0", "caption", "u1", tsAt(5)),
	}
	h := newHarness(t, page, time.Hour)
	h.openAndSettle(t)

	entries := h.ctrl.Snapshot()
	if len(entries) != 2 {
		t.Fatalf("entries = %+v", entries)
	}
	if !entries[0].IsGrid() || entries[0].ID != recon.GridIDPrefix+"i2" {
		t.Errorf("first entry = %+v, want grid", entries[0])
	}
}

func TestClearChatEmptiesWorkingSet(t *testing.T) {
	page := []chat.Message{textMsg("m1", "hello", "u2", tsAt(10))}
	h := newHarness(t, page, time.Hour)
	h.openAndSettle(t)

	if err := h.store.ClearChat(context.Background(), "chat-1"); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(h.ctrl.Messages()) == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("messages = %+v, want empty after clear", h.ctrl.Messages())
}
