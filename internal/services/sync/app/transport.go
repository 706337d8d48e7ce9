package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/openmutual/realtime/internal/platform/timeouts"
	"github.com/openmutual/realtime/internal/services/sync/delta"
	"github.com/openmutual/realtime/internal/services/sync/gateway"
	"github.com/openmutual/realtime/internal/services/sync/pipeline"
	"github.com/openmutual/realtime/internal/services/sync/presence"
	"github.com/openmutual/realtime/internal/services/sync/storage"
)

const (
	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3
)

// Client to server frame types.
const (
	frameMessageSend           = "message:send"
	frameMessageRead           = "message:read"
	frameTypingStart           = "typing:start"
	frameTypingStop            = "typing:stop"
	frameConversationsSync     = "conversations:sync"
	frameMessagesHistory       = "messages:history"
	frameProfileUpdateNeed     = "profile:update:need"
	frameProfileUpdateOffering = "profile:update:offering"
	frameProfileSync           = "profile:sync"
	framePong                  = "pong"
)

// Server to client frame types owned by the transport. The fan-out event
// types live next to the services that produce them.
const (
	eventMessageSent         = "message:sent"
	eventConversationsSynced = "conversations:synced"
	eventProfileSyncComplete = "profile:sync:complete"
	eventProfileUpdateAck    = "profile:update:ack"
	eventError               = "error"
)

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type wsErrorEnvelope struct {
	Error wsError `json:"error"`
}

type wsError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type sendPayload struct {
	TempID         string   `json:"temp_id,omitempty"`
	RecipientID    string   `json:"recipient_id,omitempty"`
	ConversationID string   `json:"conversation_id,omitempty"`
	Kind           string   `json:"kind,omitempty"`
	Body           string   `json:"body"`
	ReplyToID      string   `json:"reply_to_id,omitempty"`
	AttachmentRefs []string `json:"attachment_refs,omitempty"`
}

type sentPayload struct {
	TempID  string               `json:"temp_id,omitempty"`
	Message pipeline.MessageView `json:"message"`
}

type readPayload struct {
	MessageID string `json:"message_id"`
}

type readAckPayload struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

type typingPayload struct {
	ConversationID string `json:"conversation_id"`
}

type historyPayload struct {
	ConversationID  string `json:"conversation_id"`
	Limit           int    `json:"limit,omitempty"`
	BeforeMessageID string `json:"before_message_id,omitempty"`
}

type historyResult struct {
	ConversationID string                 `json:"conversation_id"`
	Messages       []pipeline.MessageView `json:"messages"`
}

type profileUpdatePayload struct {
	EntityID string            `json:"entity_id,omitempty"`
	Action   string            `json:"action"`
	Fields   map[string]string `json:"fields,omitempty"`
}

type profileUpdateAck struct {
	EntityID string `json:"entity_id"`
	Version  int64  `json:"version"`
	Status   string `json:"status"`
}

// wsSink adapts one WebSocket connection to the gateway sink contract. The
// encoder is mutex-guarded so broadcasts never interleave frames.
type wsSink struct {
	conn *websocket.Conn

	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSSink(conn *websocket.Conn) *wsSink {
	return &wsSink{conn: conn, encoder: json.NewEncoder(conn)}
}

func (s *wsSink) WriteEvent(event gateway.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.encoder.Encode(event)
}

func (s *wsSink) Close() error {
	return s.conn.Close()
}

type deps struct {
	store    storage.Store
	registry *gateway.Registry
	pipeline *pipeline.Service
	deltas   *delta.Engine
	presence *presence.Propagator
	clock    func() time.Time
}

type wsUserIDContextKey struct{}

func newHandler(d deps, authorizer wsAuthorizer, requireAuth bool) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		handleWSConn(conn, d)
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if requireAuth {
			if authorizer == nil {
				http.Error(w, "websocket auth is not configured", http.StatusServiceUnavailable)
				return
			}

			token := channelTokenFromRequest(r)
			if token == "" {
				log.Printf("sync: websocket unauthorized: missing channel token for host=%q remote=%s", r.Host, r.RemoteAddr)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}

			userID, err := authorizer.Authenticate(r.Context(), token)
			if err != nil || strings.TrimSpace(userID) == "" {
				log.Printf("sync: websocket unauthorized for host=%q remote=%s err=%v", r.Host, r.RemoteAddr, err)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), wsUserIDContextKey{}, strings.TrimSpace(userID))
			r = r.WithContext(ctx)
		}

		wsHandler.ServeHTTP(w, r)
	})

	return mux
}

func handleWSConn(conn *websocket.Conn, d deps) {
	defer func() {
		_ = conn.Close()
	}()

	userID := ""
	if request := conn.Request(); request != nil {
		if resolved, ok := request.Context().Value(wsUserIDContextKey{}).(string); ok {
			userID = strings.TrimSpace(resolved)
		}
		if userID == "" {
			// Auth-disabled paths (tests, local tooling) identify via
			// query parameter.
			userID = strings.TrimSpace(request.URL.Query().Get("user_id"))
		}
	}

	sink := newWSSink(conn)
	channel, err := d.registry.Connect(userID, sink)
	if err != nil {
		_ = writeFrameError(sink, "", "UNAUTHENTICATED", "user identity is required", false)
		return
	}
	defer d.registry.Disconnect(channel)

	joinExistingConversations(d, channel)

	decoder := json.NewDecoder(conn)
	windowStart := d.clock()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			_ = writeFrameError(sink, "", "INVALID_ARGUMENT", "invalid frame payload", false)
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeFrameError(sink, frame.RequestID, "INVALID_ARGUMENT", "payload too large", false)
			continue
		}

		now := d.clock()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = writeFrameError(sink, frame.RequestID, "RESOURCE_EXHAUSTED", "rate limit exceeded", false)
			return
		}

		switch frame.Type {
		case framePong:
			channel.Ack(now)
		case frameMessageSend:
			handleSendFrame(d, channel, frame)
		case frameMessageRead:
			handleReadFrame(d, channel, frame)
		case frameTypingStart:
			handleTypingFrame(d, channel, frame, true)
		case frameTypingStop:
			handleTypingFrame(d, channel, frame, false)
		case frameConversationsSync:
			handleConversationsSyncFrame(d, channel, frame)
		case frameMessagesHistory:
			handleHistoryFrame(d, channel, frame)
		case frameProfileUpdateNeed:
			handleProfileUpdateFrame(d, channel, frame, storage.EntityNeed)
		case frameProfileUpdateOffering:
			handleProfileUpdateFrame(d, channel, frame, storage.EntityOffering)
		case frameProfileSync:
			handleProfileSyncFrame(d, channel, frame)
		default:
			_ = writeFrameError(sink, frame.RequestID, "INVALID_ARGUMENT", "unsupported frame type", false)
		}
	}
}

// joinExistingConversations subscribes a fresh channel to the routing of
// every conversation the user already belongs to, so broadcasts reach it
// before the first explicit sync.
func joinExistingConversations(d deps, channel *gateway.Channel) {
	ctx, cancel := context.WithTimeout(context.Background(), timeouts.StoreOp)
	defer cancel()

	conversations, err := d.store.ListConversationsByParticipant(ctx, channel.UserID())
	if err != nil {
		log.Printf("sync: list conversations on connect user=%q: %v", channel.UserID(), err)
		return
	}
	for _, conversation := range conversations {
		d.registry.Join(channel, conversation.ID)
	}
}

func opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeouts.StoreOp)
}

func handleSendFrame(d deps, channel *gateway.Channel, frame wsFrame) {
	var payload sendPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeChannelError(channel, frame.RequestID, "INVALID_ARGUMENT", "invalid send payload", false)
		return
	}

	ctx, cancel := opContext()
	defer cancel()
	message, _, err := d.pipeline.SendMessage(ctx, pipeline.SendMessageInput{
		SenderID:       channel.UserID(),
		RecipientID:    strings.TrimSpace(payload.RecipientID),
		ConversationID: strings.TrimSpace(payload.ConversationID),
		Kind:           storage.MessageKind(payload.Kind),
		Body:           strings.TrimSpace(payload.Body),
		ReplyToID:      strings.TrimSpace(payload.ReplyToID),
		AttachmentRefs: payload.AttachmentRefs,
		TempID:         strings.TrimSpace(payload.TempID),
	})
	if err != nil {
		writeDomainError(channel, frame.RequestID, err)
		return
	}

	_ = sendEvent(channel, eventMessageSent, frame.RequestID, sentPayload{
		TempID:  payload.TempID,
		Message: pipeline.NewMessageView(message),
	})
}

func handleReadFrame(d deps, channel *gateway.Channel, frame wsFrame) {
	var payload readPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeChannelError(channel, frame.RequestID, "INVALID_ARGUMENT", "invalid read payload", false)
		return
	}

	ctx, cancel := opContext()
	defer cancel()
	message, _, err := d.pipeline.MarkRead(ctx, channel.UserID(), strings.TrimSpace(payload.MessageID))
	if err != nil {
		writeDomainError(channel, frame.RequestID, err)
		return
	}

	_ = sendEvent(channel, pipeline.EventMessageRead, frame.RequestID, readAckPayload{
		MessageID: message.ID,
		Status:    string(message.Status),
	})
}

func handleTypingFrame(d deps, channel *gateway.Channel, frame wsFrame, typing bool) {
	var payload typingPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeChannelError(channel, frame.RequestID, "INVALID_ARGUMENT", "invalid typing payload", false)
		return
	}

	ctx, cancel := opContext()
	defer cancel()
	if err := d.presence.SetTyping(ctx, channel.UserID(), strings.TrimSpace(payload.ConversationID), typing); err != nil {
		writeDomainError(channel, frame.RequestID, err)
	}
}

func handleConversationsSyncFrame(d deps, channel *gateway.Channel, frame wsFrame) {
	ctx, cancel := opContext()
	defer cancel()

	result, err := d.pipeline.SyncConversations(ctx, channel.UserID())
	if err != nil {
		writeDomainError(channel, frame.RequestID, err)
		return
	}
	for _, conversation := range result.Conversations {
		d.registry.Join(channel, conversation.ID)
	}

	_ = sendEvent(channel, eventConversationsSynced, frame.RequestID, result)
}

func handleHistoryFrame(d deps, channel *gateway.Channel, frame wsFrame) {
	var payload historyPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeChannelError(channel, frame.RequestID, "INVALID_ARGUMENT", "invalid history payload", false)
		return
	}

	ctx, cancel := opContext()
	defer cancel()
	conversationID := strings.TrimSpace(payload.ConversationID)
	messages, err := d.pipeline.History(ctx, channel.UserID(), conversationID, payload.Limit, strings.TrimSpace(payload.BeforeMessageID))
	if err != nil {
		writeDomainError(channel, frame.RequestID, err)
		return
	}

	_ = sendEvent(channel, pipeline.EventMessagesBatch, frame.RequestID, historyResult{
		ConversationID: conversationID,
		Messages:       messages,
	})
}

func handleProfileUpdateFrame(d deps, channel *gateway.Channel, frame wsFrame, kind storage.EntityKind) {
	var payload profileUpdatePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeChannelError(channel, frame.RequestID, "INVALID_ARGUMENT", "invalid profile update payload", false)
		return
	}

	ctx, cancel := opContext()
	defer cancel()
	result, err := d.deltas.ApplyChange(ctx, delta.ChangeInput{
		UserID:          channel.UserID(),
		EntityID:        strings.TrimSpace(payload.EntityID),
		Kind:            kind,
		Action:          delta.Action(payload.Action),
		Fields:          payload.Fields,
		OriginChannelID: channel.ID(),
	})
	if err != nil {
		writeDomainError(channel, frame.RequestID, err)
		return
	}

	status := "ok"
	if result.NoChange {
		status = "no changes detected"
	}
	_ = sendEvent(channel, eventProfileUpdateAck, frame.RequestID, profileUpdateAck{
		EntityID: result.Entity.ID,
		Version:  result.Entity.Version,
		Status:   status,
	})
}

func handleProfileSyncFrame(d deps, channel *gateway.Channel, frame wsFrame) {
	ctx, cancel := opContext()
	defer cancel()

	result, err := d.deltas.Resync(ctx, channel.UserID())
	if err != nil {
		writeDomainError(channel, frame.RequestID, err)
		return
	}

	_ = sendEvent(channel, eventProfileSyncComplete, frame.RequestID, result)
}

func sendEvent(channel *gateway.Channel, eventType string, requestID string, payload any) error {
	return channel.Send(gateway.Event{
		Type:      eventType,
		RequestID: requestID,
		Payload:   mustJSON(payload),
	})
}

func writeDomainError(channel *gateway.Channel, requestID string, err error) {
	code, message, retryable := classifyError(err)
	_ = writeChannelError(channel, requestID, code, message, retryable)
}

func classifyError(err error) (code string, message string, retryable bool) {
	switch {
	case errors.Is(err, pipeline.ErrValidation),
		errors.Is(err, delta.ErrValidation),
		errors.Is(err, presence.ErrValidation):
		return "INVALID_ARGUMENT", err.Error(), false
	case errors.Is(err, storage.ErrNotFound):
		return "NOT_FOUND", "record not found", false
	default:
		return "STORE_ERROR", "storage operation failed", true
	}
}

func writeChannelError(channel *gateway.Channel, requestID string, code string, message string, retryable bool) error {
	return channel.Send(gateway.Event{
		Type:      eventError,
		RequestID: requestID,
		Payload: mustJSON(wsErrorEnvelope{
			Error: wsError{Code: code, Message: message, Retryable: retryable},
		}),
	})
}

func writeFrameError(sink *wsSink, requestID string, code string, message string, retryable bool) error {
	return sink.WriteEvent(gateway.Event{
		Type:      eventError,
		RequestID: requestID,
		Payload: mustJSON(wsErrorEnvelope{
			Error: wsError{Code: code, Message: message, Retryable: retryable},
		}),
	})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("failed to marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}
