package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// Socket event names, client to server.
const (
	EventJoinChat     = "join_chat"
	EventLeaveChat    = "leave_chat"
	EventJoinUserRoom = "join_user_room"
	EventSendMessage  = "send_message"
	EventReaction     = "toggle_reaction"
)

// Socket event names, server to client.
const (
	EventReceiveMessage = "receive_message"
	EventChatUpdated    = "chat_updated"
	EventMessageDeleted = "message_deleted"
	EventMessageEdited  = "message_edited"
	EventReactionUpdate = "message_reaction_update"
)

const writeTimeout = 5 * time.Second

// envelope is the wire frame for both directions: an event name and an
// arbitrary JSON payload.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}


// Socket is the persistent half of the transport adapter. A single reader
// goroutine owns the connection; handlers run on that goroutine, so they
// must hand long work off elsewhere.
type Socket struct {
	url    string
	logger *zap.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	cancel    context.CancelFunc
	handlers  map[string][]*handlerEntry
	onConnect func()
}

type handlerEntry struct {
	fn func(data json.RawMessage)
}

// NewSocket creates a disconnected socket for the given server base URL.
// The ws scheme is derived from the http scheme.
func NewSocket(baseURL string, logger *zap.Logger) *Socket {
	wsURL := strings.Replace(baseURL, "http", "ws", 1)
	return &Socket{
		url:      strings.TrimRight(wsURL, "/") + "/socket",
		logger:   logger,
		handlers: map[string][]*handlerEntry{},
	}
}

// OnConnect registers a callback invoked after every successful connect,
// including reconnects. The store uses it to rejoin rooms and refetch.
func (s *Socket) OnConnect(fn func()) {
	s.mu.Lock()
	s.onConnect = fn
	s.mu.Unlock()
}

// Connect dials the socket and starts the read loop. Calling Connect while
// already connected is a no-op.
func (s *Socket) Connect(ctx context.Context, token, userID string) error {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, s.url+"?token="+token, nil)
	if err != nil {
		return &NetworkError{Err: fmt.Errorf("dial socket: %w", err)}
	}
	conn.SetReadLimit(1 << 20)

	loopCtx, loopCancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		loopCancel()
		_ = conn.Close(websocket.StatusNormalClosure, "duplicate connect")
		return nil
	}
	s.conn = conn
	s.cancel = loopCancel
	onConnect := s.onConnect
	s.mu.Unlock()

	go s.readLoop(loopCtx, conn)

	if err := s.Emit(EventJoinUserRoom, map[string]string{"userId": userID}); err != nil {
		s.logger.Warn("join user room failed", zap.Error(err))
	}
	if onConnect != nil {
		onConnect()
	}
	s.logger.Info("socket connected", zap.String("url", s.url))
	return nil
}

// Connected reports whether the socket currently holds a live connection.
func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Disconnect closes the connection and stops the read loop. Registered
// handlers survive for the next Connect.
func (s *Socket) Disconnect() {
	s.mu.Lock()
	conn := s.conn
	cancel := s.cancel
	s.conn = nil
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
}

// On registers a handler for a server push event and returns a function
// that removes it. Handlers run on the read loop goroutine.
func (s *Socket) On(event string, fn func(data json.RawMessage)) func() {
	entry := &handlerEntry{fn: fn}
	s.mu.Lock()
	s.handlers[event] = append(s.handlers[event], entry)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		list := s.handlers[event]
		for i, e := range list {
			if e == entry {
				s.handlers[event] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
	}
}

// Emit sends an event frame to the server. Emitting on a disconnected
// socket returns a NetworkError.
func (s *Socket) Emit(event string, payload any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return &NetworkError{Err: fmt.Errorf("socket not connected")}
	}

	var data json.RawMessage
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", event, err)
		}
		data = buf
	}
	frame, err := json.Marshal(envelope{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", event, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return &NetworkError{Err: fmt.Errorf("write %s: %w", event, err)}
	}
	return nil
}

func (s *Socket) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.mu.Lock()
			if s.conn == conn {
				s.conn = nil
				s.cancel = nil
			}
			s.mu.Unlock()
			if ctx.Err() == nil {
				s.logger.Warn("socket read failed", zap.Error(err))
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Warn("malformed socket frame", zap.Error(err))
			continue
		}
		s.dispatch(env.Event, env.Data)
	}
}

func (s *Socket) dispatch(event string, data json.RawMessage) {
	s.mu.Lock()
	list := append([]*handlerEntry(nil), s.handlers[event]...)
	s.mu.Unlock()

	if len(list) == 0 {
		s.logger.Debug("unhandled socket event", zap.String("event", event))
		return
	}
	for _, e := range list {
		e.fn(data)
	}
}
