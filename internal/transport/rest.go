package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/parleyapp/parley/internal/chat"
	"go.uber.org/zap"
)

const requestTimeout = 10 * time.Second

// TokenSource supplies the current session token. An empty token is not an
// error at this layer; the server answers with an auth failure.
type TokenSource func() string

// REST is the request/response half of the transport adapter. Every request
// attaches the bearer token from the token source when one is present.
type REST struct {
	base   string
	http   *http.Client
	token  TokenSource
	logger *zap.Logger
}

// NewREST creates a REST client for the given server base URL.
func NewREST(baseURL string, token TokenSource, logger *zap.Logger) *REST {
	return &REST{
		base:   strings.TrimRight(baseURL, "/"),
		http:   &http.Client{Timeout: requestTimeout},
		token:  token,
		logger: logger,
	}
}

// Do performs a JSON request. body is marshalled when non-nil; the response
// body is decoded into out when out is non-nil. Errors follow the transport
// taxonomy: AuthError, NetworkError, ServerError.
func (r *REST) Do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.base+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := r.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return &NetworkError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return statusError(resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// Me returns the authenticated user's profile.
func (r *REST) Me(ctx context.Context) (*chat.PeerProfile, error) {
	var me chat.PeerProfile
	if err := r.Do(ctx, http.MethodGet, "/user/me", nil, &me); err != nil {
		return nil, err
	}
	return &me, nil
}

// FetchMessages returns the message page for a conversation.
func (r *REST) FetchMessages(ctx context.Context, chatID string) ([]chat.Message, error) {
	var msgs []chat.Message
	if err := r.Do(ctx, http.MethodGet, "/user/messages/"+url.PathEscape(chatID), nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// DeleteMessage deletes a single message server-side.
func (r *REST) DeleteMessage(ctx context.Context, chatID, msgID string) error {
	return r.Do(ctx, http.MethodDelete,
		"/user/chat/"+url.PathEscape(chatID)+"/message/"+url.PathEscape(msgID), nil, nil)
}

// EditMessage rewrites a message's text. The server may reject edits outside
// its allowed window; that surfaces as a ServerError with no retry.
func (r *REST) EditMessage(ctx context.Context, chatID, msgID, newText string) error {
	return r.Do(ctx, http.MethodPost,
		"/user/chat/"+url.PathEscape(chatID)+"/message/"+url.PathEscape(msgID)+"/edit",
		map[string]string{"newText": newText}, nil)
}

// ListChats fetches the conversation list.
func (r *REST) ListChats(ctx context.Context) ([]chat.Chat, error) {
	var chats []chat.Chat
	if err := r.Do(ctx, http.MethodGet, "/user/chats", nil, &chats); err != nil {
		return nil, err
	}
	return chats, nil
}

// CreateChat creates (or returns) the conversation with the target user.
func (r *REST) CreateChat(ctx context.Context, targetUserID string) (*chat.Chat, error) {
	var c chat.Chat
	if err := r.Do(ctx, http.MethodPost, "/user/chat",
		map[string]string{"targetUserId": targetUserID}, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ClearChat wipes the conversation history server-side.
func (r *REST) ClearChat(ctx context.Context, chatID string) error {
	return r.Do(ctx, http.MethodDelete, "/user/chat/"+url.PathEscape(chatID)+"/clear", nil, nil)
}

// GetChatSettings returns per-conversation settings keyed by chat id.
func (r *REST) GetChatSettings(ctx context.Context) (map[string]chat.Settings, error) {
	settings := map[string]chat.Settings{}
	if err := r.Do(ctx, http.MethodGet, "/user/chat-settings", nil, &settings); err != nil {
		return nil, err
	}
	return settings, nil
}

// SetChatSetting flips one setting on one conversation.
func (r *REST) SetChatSetting(ctx context.Context, chatID, setting string, value bool) error {
	return r.Do(ctx, http.MethodPost, "/user/chat/"+url.PathEscape(chatID)+"/setting",
		map[string]any{"setting": setting, "value": value}, nil)
}

// GetStarred returns the starred-messages collection.
func (r *REST) GetStarred(ctx context.Context) ([]chat.StarredMessage, error) {
	var starred []chat.StarredMessage
	if err := r.Do(ctx, http.MethodGet, "/user/starred", nil, &starred); err != nil {
		return nil, err
	}
	return starred, nil
}

// StarMessage toggles a message in the starred collection. The server
// decides and reports whether the result is starred or unstarred.
func (r *REST) StarMessage(ctx context.Context, msgID, chatID string, msg chat.Message) (bool, error) {
	var resp struct {
		Starred bool `json:"starred"`
	}
	err := r.Do(ctx, http.MethodPost, "/user/message/"+url.PathEscape(msgID)+"/star",
		map[string]any{"chatId": chatID, "messageData": msg}, &resp)
	if err != nil {
		return false, err
	}
	return resp.Starred, nil
}

// GetBlocked returns the profiles of blocked users.
func (r *REST) GetBlocked(ctx context.Context) ([]chat.PeerProfile, error) {
	var blocked []chat.PeerProfile
	if err := r.Do(ctx, http.MethodGet, "/user/blocked", nil, &blocked); err != nil {
		return nil, err
	}
	return blocked, nil
}

// BlockUser adds a user to the block list.
func (r *REST) BlockUser(ctx context.Context, userID string) error {
	return r.Do(ctx, http.MethodPost, "/user/block", map[string]string{"userId": userID}, nil)
}

// UnblockUser removes a user from the block list.
func (r *REST) UnblockUser(ctx context.Context, userID string) error {
	return r.Do(ctx, http.MethodPost, "/user/unblock", map[string]string{"userId": userID}, nil)
}

// MarkRead resets the viewer's unread count for a conversation.
func (r *REST) MarkRead(ctx context.Context, chatID string) error {
	return r.Do(ctx, http.MethodPost, "/user/chat/"+url.PathEscape(chatID)+"/mark-read", nil, nil)
}

// Upload is the response of a media upload.
type Upload struct {
	URL       string `json:"url"`
	SecureURL string `json:"secure_url"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

// Location returns the preferred URL of the uploaded media.
func (u Upload) Location() string {
	if u.SecureURL != "" {
		return u.SecureURL
	}
	return u.URL
}

// UploadMedia posts a file as multipart form data to the media endpoint.
func (r *REST) UploadMedia(ctx context.Context, name string, content io.Reader) (*Upload, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return nil, fmt.Errorf("copy upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.base+"/media/upload", &buf)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if tok := r.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, statusError(resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var up Upload
	if err := json.NewDecoder(resp.Body).Decode(&up); err != nil {
		return nil, fmt.Errorf("decode upload response: %w", err)
	}
	return &up, nil
}
