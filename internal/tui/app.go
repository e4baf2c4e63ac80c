package tui

import (
	"context"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/parleyapp/parley/internal/bus"
	"github.com/parleyapp/parley/internal/chat"
	"github.com/parleyapp/parley/internal/conversation"
	"github.com/parleyapp/parley/internal/recon"
	"github.com/parleyapp/parley/internal/status"
	"github.com/parleyapp/parley/internal/tui/views"
	"github.com/rivo/tview"
	"go.uber.org/zap"
)

// ControllerFactory creates a closed controller for a conversation.
type ControllerFactory func(chatID string) *conversation.Controller

// App is the main TUI application shell.
type App struct {
	app     *tview.Application
	pages   *tview.Pages
	store   *chat.Store
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger
	factory ControllerFactory

	statusBar    *views.StatusBar
	chatList     *views.ChatList
	msgView      *views.MessageView
	composer     *views.Composer
	forwardList  *tview.List
	newChatInput *tview.InputField

	active     *conversation.Controller
	cursor     int
	compose    composeState
	forwardMsg chat.Message
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewApp creates the TUI application.
func NewApp(store *chat.Store, b *bus.Bus, machine *status.Machine, factory ControllerFactory, sessionName string, logger *zap.Logger) *App {
	ctx, cancel := context.WithCancel(context.Background())

	a := &App{
		app:          tview.NewApplication(),
		pages:        tview.NewPages(),
		store:        store,
		bus:          b,
		machine:      machine,
		logger:       logger,
		factory:      factory,
		statusBar:    views.NewStatusBar(),
		chatList:     views.NewChatList(),
		msgView:      views.NewMessageView(),
		composer:     views.NewComposer(),
		forwardList:  tview.NewList().ShowSecondaryText(false),
		newChatInput: tview.NewInputField().SetLabel(" user id > ").SetFieldWidth(0),
		ctx:          ctx,
		cancel:       cancel,
	}
	a.forwardList.SetBorder(true)
	a.forwardList.SetTitle(" Forward to ")
	a.newChatInput.SetBorder(true)
	a.newChatInput.SetTitle(" New Chat ")

	a.statusBar.SetSession(sessionName)
	a.statusBar.SetState(string(machine.Current()))
	a.setupCallbacks()
	a.setupLayout()

	return a
}

func (a *App) setupCallbacks() {
	a.chatList.SetSelectedFunc(func(row, col int) {
		if id := a.chatList.SelectedChat(); id != "" {
			a.openChat(id)
		}
	})

	a.composer.SetOnSend(a.submitComposer)

	a.newChatInput.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		target := strings.TrimSpace(a.newChatInput.GetText())
		a.newChatInput.SetText("")
		a.pages.HidePage("newchat")
		a.app.SetFocus(a.chatList)
		a.submitNewChat(target)
	})
}

// submitComposer routes the composer text by compose mode: a pending edit
// goes through the edit endpoint, anything else is a send carrying the
// pending reply reference if one is set.
func (a *App) submitComposer(text string) {
	ctrl := a.active
	if ctrl == nil {
		return
	}
	editID := a.compose.editID
	replyTo := a.compose.replyTo
	a.compose.reset()
	a.composer.SetLabel(a.compose.label())

	go func() {
		var err error
		if editID != "" {
			err = ctrl.Edit(a.ctx, editID, text)
		} else {
			err = ctrl.SendText(text, replyTo)
		}
		if err != nil {
			a.flash("Send failed: " + err.Error())
		}
	}()
}

func (a *App) submitNewChat(targetUserID string) {
	if targetUserID == "" {
		return
	}
	go func() {
		if _, err := a.store.CreateChat(a.ctx, targetUserID); err != nil {
			a.flash("New chat failed: " + err.Error())
		}
	}()
}

func (a *App) setupLayout() {
	chatFlex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.msgView, 0, 1, true).
		AddItem(a.composer, 1, 0, false)

	a.pages.AddPage("chats", a.chatList, true, true)
	a.pages.AddPage("chat", chatFlex, true, false)
	a.pages.AddPage("forward", a.forwardList, true, false)
	a.pages.AddPage("newchat", a.newChatInput, true, false)

	root := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.pages, 0, 1, true).
		AddItem(a.statusBar, 1, 0, false)

	a.app.SetRoot(root, true)
	a.app.SetInputCapture(a.handleKey)
}

func (a *App) handleKey(event *tcell.EventKey) *tcell.EventKey {
	currentPage, _ := a.pages.GetFrontPage()

	if event.Key() == tcell.KeyEscape {
		switch currentPage {
		case "forward":
			a.pages.HidePage("forward")
			a.app.SetFocus(a.msgView)
			return nil
		case "newchat":
			a.pages.HidePage("newchat")
			a.app.SetFocus(a.chatList)
			return nil
		case "chat":
			if a.compose.active() {
				a.cancelCompose()
				return nil
			}
			if _, ok := a.app.GetFocus().(*tview.InputField); ok {
				a.app.SetFocus(a.msgView)
				return nil
			}
			a.closeChat()
			return nil
		}
	}

	// Let text input widgets handle all keys normally.
	if _, ok := a.app.GetFocus().(*tview.InputField); ok {
		return event
	}

	if event.Key() != tcell.KeyRune {
		return event
	}

	switch event.Rune() {
	case 'q':
		if currentPage == "chats" {
			a.app.Stop()
			return nil
		}
	case 'i':
		if currentPage == "chat" {
			a.app.SetFocus(a.composer.InputField)
			return nil
		}
	case 'j', 'k':
		if currentPage == "chat" {
			a.moveCursor(event.Rune())
			return nil
		}
	case 'v':
		if currentPage == "chat" {
			a.store.SetSelectionMode(!a.store.SelectionMode())
			a.redrawMessages()
			return nil
		}
	case 'x':
		if currentPage == "chat" && a.store.SelectionMode() {
			if id := a.cursorEntryID(); id != "" {
				a.store.ToggleSelected(id)
				a.redrawMessages()
			}
			return nil
		}
	case 'd':
		if currentPage == "chat" {
			a.deleteSelection()
			return nil
		}
	case 's':
		if currentPage == "chat" {
			a.starCursor()
			return nil
		}
	case 't':
		if currentPage == "chat" {
			a.reactCursor("👍")
			return nil
		}
	case 'e':
		if currentPage == "chat" {
			a.editCursor()
			return nil
		}
	case 'r':
		if currentPage == "chat" {
			a.replyCursor()
			return nil
		}
	case 'f':
		if currentPage == "chat" {
			a.openForward()
			return nil
		}
	case 'p':
		if currentPage == "chats" {
			a.toggleSettingSelected("isPinned")
			return nil
		}
	case 'm':
		if currentPage == "chats" {
			a.toggleSettingSelected("isMuted")
			return nil
		}
	case 'c':
		if currentPage == "chats" {
			a.clearSelected()
			return nil
		}
	case 'n':
		if currentPage == "chats" {
			a.pages.ShowPage("newchat")
			a.app.SetFocus(a.newChatInput)
			return nil
		}
	case 'b':
		if currentPage == "chats" {
			a.toggleBlockSelected()
			return nil
		}
	case 'B':
		a.toggleBackground()
		return nil
	}

	return event
}

func (a *App) openChat(chatID string) {
	if a.active != nil {
		a.active.Close()
	}
	a.active = a.factory(chatID)
	a.cursor = 0
	a.compose.reset()
	a.composer.SetLabel(a.compose.label())
	a.composer.SetText("")
	a.active.Open(a.ctx)

	peer := chatID
	for _, c := range a.store.Chats() {
		if c.ID == chatID && c.OtherUser.Username != "" {
			peer = c.OtherUser.Username
			break
		}
	}
	a.msgView.SetPeerName(peer)
	a.redrawMessages()
	a.pages.SwitchToPage("chat")
	a.app.SetFocus(a.msgView)
}

func (a *App) closeChat() {
	if a.active != nil {
		a.active.Close()
		a.active = nil
	}
	a.store.SetSelectionMode(false)
	a.compose.reset()
	a.composer.SetLabel(a.compose.label())
	a.composer.SetText("")
	a.pages.SwitchToPage("chats")
	a.app.SetFocus(a.chatList)
}

func (a *App) moveCursor(r rune) {
	n := len(a.msgView.Entries())
	if n == 0 {
		return
	}
	// Entries are newest first; j walks toward older messages.
	if r == 'j' && a.cursor < n-1 {
		a.cursor++
	}
	if r == 'k' && a.cursor > 0 {
		a.cursor--
	}
	a.redrawMessages()
}

func (a *App) cursorEntryID() string {
	e, ok := a.cursorEntry()
	if !ok {
		return ""
	}
	return e.ID
}

func (a *App) cursorEntry() (recon.DisplayEntry, bool) {
	entries := a.msgView.Entries()
	if a.cursor < 0 || a.cursor >= len(entries) {
		return recon.DisplayEntry{}, false
	}
	return entries[a.cursor], true
}

// editCursor puts the composer into edit mode for the message under the
// cursor. Only the viewer's own confirmed text messages are editable.
func (a *App) editCursor() {
	e, ok := a.cursorEntry()
	if !ok || e.IsGrid() || e.IsPlaceholder() {
		return
	}
	if e.Type != chat.TypeText || e.SenderID != a.store.UserID() {
		return
	}
	a.compose.beginEdit(e.ID)
	a.composer.SetLabel(a.compose.label())
	a.composer.SetText(e.Text)
	a.app.SetFocus(a.composer.InputField)
}

// replyCursor arms the composer with a reply reference to the message under
// the cursor; the next send carries it.
func (a *App) replyCursor() {
	e, ok := a.cursorEntry()
	if !ok || e.IsGrid() || e.IsPlaceholder() {
		return
	}
	a.compose.beginReply(&chat.ReplyRef{
		ID:         e.ID,
		Text:       e.Text,
		SenderName: a.senderName(e.SenderID),
	})
	a.composer.SetLabel(a.compose.label())
	a.app.SetFocus(a.composer.InputField)
}

func (a *App) cancelCompose() {
	a.compose.reset()
	a.composer.SetLabel(a.compose.label())
	a.composer.SetText("")
	a.app.SetFocus(a.msgView)
}

func (a *App) senderName(userID string) string {
	if userID == a.store.UserID() {
		return "You"
	}
	for _, c := range a.store.Chats() {
		if c.OtherUser.ID == userID && c.OtherUser.Username != "" {
			return c.OtherUser.Username
		}
	}
	return userID
}

// openForward shows the target picker for the message under the cursor.
func (a *App) openForward() {
	ctrl := a.active
	e, ok := a.cursorEntry()
	if ctrl == nil || !ok || e.IsGrid() || e.IsPlaceholder() {
		return
	}
	a.forwardMsg = e.Message
	a.forwardList.Clear()
	for _, c := range a.store.Chats() {
		if c.ID == ctrl.ChatID() {
			continue
		}
		name := c.OtherUser.Username
		if name == "" {
			name = c.ID
		}
		targetID := c.ID
		a.forwardList.AddItem(name, "", 0, func() {
			a.forwardTo(targetID)
		})
	}
	a.pages.ShowPage("forward")
	a.app.SetFocus(a.forwardList)
}

func (a *App) forwardTo(targetChatID string) {
	ctrl := a.active
	msg := a.forwardMsg
	a.pages.HidePage("forward")
	a.app.SetFocus(a.msgView)
	if ctrl == nil {
		return
	}
	// Failures surface through the notify bus channel.
	go func() { _ = ctrl.Forward(msg, []string{targetChatID}) }()
}

func (a *App) toggleSettingSelected(setting string) {
	chatID := a.chatList.SelectedChat()
	if chatID == "" {
		return
	}
	// Errors are logged by the store; the next settings fetch corrects state.
	go func() { _ = a.store.ToggleChatSetting(a.ctx, chatID, setting) }()
}

func (a *App) clearSelected() {
	chatID := a.chatList.SelectedChat()
	if chatID == "" {
		return
	}
	go func() {
		if err := a.store.ClearChat(a.ctx, chatID); err != nil {
			a.flash("Clear failed: " + err.Error())
		}
	}()
}

func (a *App) toggleBlockSelected() {
	chatID := a.chatList.SelectedChat()
	if chatID == "" {
		return
	}
	var peer chat.PeerProfile
	for _, c := range a.store.Chats() {
		if c.ID == chatID {
			peer = c.OtherUser
			break
		}
	}
	if peer.ID == "" {
		return
	}
	go func() {
		var err error
		if a.store.IsBlocked(peer.ID) {
			err = a.store.Unblock(a.ctx, peer.ID)
		} else {
			err = a.store.Block(a.ctx, peer)
		}
		if err != nil {
			a.flash("Block failed: " + err.Error())
		}
	}()
}

func (a *App) deleteSelection() {
	ctrl := a.active
	if ctrl == nil {
		return
	}
	ids := a.store.SelectedIDs()
	if len(ids) == 0 {
		if id := a.cursorEntryID(); id != "" {
			ids = []string{id}
		}
	}
	if len(ids) == 0 {
		return
	}
	a.store.SetSelectionMode(false)
	go ctrl.Delete(a.ctx, ids...)
}

func (a *App) starCursor() {
	ctrl := a.active
	id := a.cursorEntryID()
	if ctrl == nil || id == "" {
		return
	}
	go func() {
		starred, err := ctrl.Star(a.ctx, id)
		if err != nil {
			a.flash("Star failed: " + err.Error())
			return
		}
		if starred {
			a.flash("Starred")
		} else {
			a.flash("Unstarred")
		}
	}()
}

func (a *App) reactCursor(emoji string) {
	ctrl := a.active
	id := a.cursorEntryID()
	if ctrl == nil || id == "" {
		return
	}
	go func() {
		if err := ctrl.ToggleReaction(id, emoji); err != nil {
			a.flash("Reaction failed: " + err.Error())
		}
	}()
}

// toggleBackground suspends the socket while keeping the UI alive, and
// resumes it on the next press. Resuming rejoins the user room and resyncs
// through the socket's connect callback.
func (a *App) toggleBackground() {
	switch a.machine.Current() {
	case status.Online:
		if err := a.machine.Transition(status.Backgrounded); err != nil {
			return
		}
		a.store.DisconnectSocket()
	case status.Backgrounded:
		if err := a.machine.Transition(status.Reconnecting); err != nil {
			return
		}
		go func() {
			_ = a.machine.Transition(status.Connecting)
			ctx, cancel := context.WithTimeout(a.ctx, 30*time.Second)
			defer cancel()
			if err := a.store.Reconnect(ctx); err != nil {
				a.flash("Reconnect failed: " + err.Error())
				_ = a.machine.Transition(status.Offline)
				return
			}
			_ = a.machine.Transition(status.Online)
		}()
	}
}

func (a *App) flash(msg string) {
	a.app.QueueUpdateDraw(func() {
		a.statusBar.SetFlash(msg)
	})
	time.AfterFunc(5*time.Second, func() {
		a.app.QueueUpdateDraw(func() {
			a.statusBar.SetFlash("")
		})
	})
}

func (a *App) redrawMessages() {
	ctrl := a.active
	if ctrl == nil {
		return
	}
	a.msgView.SetSelected(a.store.SelectedIDs())
	a.msgView.Update(ctrl.Snapshot(), a.store.UserID())
}

func (a *App) redrawChats() {
	a.chatList.Update(a.store.Chats(), a.store.ChatSettings, func(c chat.Chat) int {
		return c.UnreadCounts[a.store.UserID()]
	})
}

// watchBus applies bus events to the UI. All redraws go through
// QueueUpdateDraw; the bus goroutine never touches tview directly.
func (a *App) watchBus() {
	ch, unsub := a.bus.Subscribe("", 128)
	defer unsub()

	for {
		select {
		case <-a.ctx.Done():
			return
		case evt := <-ch:
			a.handleEvent(evt)
		}
	}
}

func (a *App) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case "conversation.updated", "chat.cleared":
		a.app.QueueUpdateDraw(func() {
			if a.active != nil && a.active.ChatID() == evt.ChatID {
				a.redrawMessages()
			}
		})
	case "chats.updated":
		a.app.QueueUpdateDraw(a.redrawChats)
	case "session.status_changed":
		change, ok := evt.Payload.(status.StatusChange)
		if !ok {
			return
		}
		a.app.QueueUpdateDraw(func() {
			a.statusBar.SetState(string(change.To))
		})
	case "notify.error":
		if err, ok := evt.Payload.(error); ok {
			a.flash(err.Error())
		}
	}
}

// Run starts the TUI application and blocks until it exits.
func (a *App) Run() error {
	go a.watchBus()
	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, 15*time.Second)
		defer cancel()
		if _, err := a.store.FetchChats(ctx); err != nil {
			a.flash("Load chats failed: " + err.Error())
		}
		if err := a.store.FetchChatSettings(ctx); err != nil {
			a.logger.Warn("settings fetch failed", zap.Error(err))
		}
		if _, err := a.store.FetchStarred(ctx); err != nil {
			a.logger.Warn("starred fetch failed", zap.Error(err))
		}
		if _, err := a.store.FetchBlocked(ctx); err != nil {
			a.logger.Warn("blocked fetch failed", zap.Error(err))
		}
	}()

	return a.app.Run()
}

// Stop gracefully shuts down the TUI.
func (a *App) Stop() {
	if a.active != nil {
		a.active.Close()
		a.active = nil
	}
	a.cancel()
	a.app.Stop()
}
