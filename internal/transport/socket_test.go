package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// echoSocketServer accepts one connection and forwards received frames to
// the returned channel. Frames written to push are sent to the client.
func echoSocketServer(t *testing.T) (*httptest.Server, chan envelope, chan envelope) {
	t.Helper()
	received := make(chan envelope, 16)
	push := make(chan envelope, 16)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		ctx := r.Context()

		go func() {
			for env := range push {
				frame, _ := json.Marshal(env)
				if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
					return
				}
			}
		}()

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var env envelope
			if err := json.Unmarshal(data, &env); err != nil {
				t.Errorf("malformed client frame: %v", err)
				continue
			}
			received <- env
		}
	}))
	t.Cleanup(srv.Close)
	return srv, received, push
}

func waitFrame(t *testing.T, ch chan envelope, event string) envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-ch:
			if env.Event == event {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s frame", event)
		}
	}
}

func TestSocketConnectJoinsUserRoom(t *testing.T) {
	srv, received, _ := echoSocketServer(t)
	sock := NewSocket(srv.URL, zap.NewNop())
	defer sock.Disconnect()

	if err := sock.Connect(context.Background(), "tok", "user-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	env := waitFrame(t, received, EventJoinUserRoom)
	var payload map[string]string
	json.Unmarshal(env.Data, &payload)
	if payload["userId"] != "user-1" {
		t.Errorf("join_user_room payload = %v", payload)
	}
}

func TestSocketConnectIdempotent(t *testing.T) {
	srv, received, _ := echoSocketServer(t)
	sock := NewSocket(srv.URL, zap.NewNop())
	defer sock.Disconnect()

	if err := sock.Connect(context.Background(), "tok", "user-1"); err != nil {
		t.Fatalf("first Connect: %v", err)
	}
	waitFrame(t, received, EventJoinUserRoom)

	if err := sock.Connect(context.Background(), "tok", "user-1"); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	select {
	case env := <-received:
		t.Errorf("duplicate connect produced frame %+v", env)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSocketDispatchesPush(t *testing.T) {
	srv, received, push := echoSocketServer(t)
	sock := NewSocket(srv.URL, zap.NewNop())
	defer sock.Disconnect()

	got := make(chan json.RawMessage, 1)
	off := sock.On(EventReceiveMessage, func(data json.RawMessage) {
		got <- data
	})
	defer off()

	if err := sock.Connect(context.Background(), "tok", "user-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFrame(t, received, EventJoinUserRoom)

	push <- envelope{Event: EventReceiveMessage, Data: json.RawMessage(`{"id":"srv-1"}`)}

	select {
	case data := <-got:
		var msg struct {
			ID string `json:"id"`
		}
		json.Unmarshal(data, &msg)
		if msg.ID != "srv-1" {
			t.Errorf("payload = %s", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
}

func TestSocketOffRemovesHandler(t *testing.T) {
	srv, received, push := echoSocketServer(t)
	sock := NewSocket(srv.URL, zap.NewNop())
	defer sock.Disconnect()

	got := make(chan json.RawMessage, 1)
	off := sock.On(EventMessageDeleted, func(data json.RawMessage) {
		got <- data
	})
	off()

	if err := sock.Connect(context.Background(), "tok", "user-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFrame(t, received, EventJoinUserRoom)

	push <- envelope{Event: EventMessageDeleted, Data: json.RawMessage(`{"messageId":"m1"}`)}
	select {
	case <-got:
		t.Error("removed handler still ran")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSocketEmitWhileDisconnected(t *testing.T) {
	sock := NewSocket("http://127.0.0.1:0", zap.NewNop())
	err := sock.Emit(EventSendMessage, map[string]string{"text": "hi"})
	if !IsNetwork(err) {
		t.Errorf("got %v, want NetworkError", err)
	}
}

func TestSocketOnConnectCallback(t *testing.T) {
	srv, received, _ := echoSocketServer(t)
	sock := NewSocket(srv.URL, zap.NewNop())
	defer sock.Disconnect()

	fired := make(chan struct{}, 1)
	sock.OnConnect(func() { fired <- struct{}{} })

	if err := sock.Connect(context.Background(), "tok", "user-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFrame(t, received, EventJoinUserRoom)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("onConnect never fired")
	}
}
