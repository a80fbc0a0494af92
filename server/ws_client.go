package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"worshiproom/core/auth"
	"worshiproom/core/room"
	"worshiproom/logger"
	"worshiproom/model"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4096
	sendBuffer     = 256
	requestTimeout = 10 * time.Second
)

// Message types on the socket.
const (
	MsgTypePing     = "ping"
	MsgTypePong     = "pong"
	MsgTypeSync     = "sync"
	MsgTypeCommand  = "command"
	MsgTypeVote     = "vote"
	MsgTypeEnqueue  = "enqueue"
	MsgTypeSnapshot = "snapshot"
	MsgTypeEvent    = "event"
	MsgTypeAck      = "ack"
	MsgTypeError    = "error"
	MsgTypeClosed   = "closed"
)

// WSMessage is the envelope for both directions. Replies echo RequestID.
type WSMessage struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// VotePayload is the data of a vote message. Retract removes the vote.
type VotePayload struct {
	EntryID string         `json:"entryId"`
	Type    model.VoteType `json:"type,omitempty"`
	Retract bool           `json:"retract,omitempty"`
}

// wsClient binds one socket to one room subscription.
type wsClient struct {
	conn     *websocket.Conn
	manager  *room.Manager
	identity auth.Identity
	roomID   string

	mu     sync.Mutex
	sub    *room.Subscription
	send   chan []byte
	closed bool
}

// WebSocketHandler streams a room to a participant. The token travels in
// the query string because browsers cannot set headers on the upgrade.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["room_id"]
	token := r.URL.Query().Get("token")
	if token == "" {
		writeMessage(w, http.StatusUnauthorized, "Missing token")
		return
	}
	id, err := s.tokens.Parse(token)
	if err != nil {
		writeMessage(w, http.StatusUnauthorized, "Invalid token")
		return
	}

	sub, snap, err := s.manager.Subscribe(r.Context(), id, roomID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		logger.Error("websocket upgrade failed", logger.ErrorField(err))
		return
	}

	c := &wsClient{
		conn:     conn,
		manager:  s.manager,
		identity: id,
		roomID:   roomID,
		sub:      sub,
		send:     make(chan []byte, sendBuffer),
	}
	c.reply(MsgTypeSnapshot, "", snap)

	go c.writePump()
	go c.forward(sub)
	go c.readPump()

	logger.Info("websocket connected",
		logger.String("roomId", roomID),
		logger.String("userId", id.UserID),
		logger.Uint64("seq", snap.Seq))
}

// ========== Outbound ==========

// push queues a frame. A client whose buffer is full is disconnected; it
// resyncs from a fresh snapshot when it reconnects.
func (c *wsClient) push(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		logger.Warn("websocket send buffer full",
			logger.String("roomId", c.roomID),
			logger.String("userId", c.identity.UserID))
		c.closeLocked()
		return false
	}
}

func (c *wsClient) reply(msgType, requestID string, payload interface{}) {
	msg := WSMessage{Type: msgType, RequestID: requestID, Timestamp: time.Now().UnixMilli()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			logger.Warn("failed to marshal websocket payload", logger.ErrorField(err))
			return
		}
		msg.Data = data
	}
	c.write(msg)
}

func (c *wsClient) replyError(requestID string, err error) {
	c.write(WSMessage{Type: MsgTypeError, RequestID: requestID, Error: err.Error(), Timestamp: time.Now().UnixMilli()})
}

func (c *wsClient) write(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.push(data)
}

func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *wsClient) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	if c.sub != nil {
		c.sub.Close()
	}
}

// forward relays room events until the subscription ends. A lagging
// subscription is replaced and the client gets a fresh snapshot.
func (c *wsClient) forward(sub *room.Subscription) {
	for {
		for ev := range sub.Events() {
			c.reply(MsgTypeEvent, "", ev)
		}

		reason := sub.Err()
		if errors.Is(reason, room.ErrSubscriberLagged) && c.resubscribe() {
			c.mu.Lock()
			sub = c.sub
			c.mu.Unlock()
			continue
		}
		if reason != nil {
			c.write(WSMessage{Type: MsgTypeClosed, Error: reason.Error(), Timestamp: time.Now().UnixMilli()})
		}
		c.close()
		return
	}
}

func (c *wsClient) resubscribe() bool {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	sub, snap, err := c.manager.Subscribe(ctx, c.identity, c.roomID)
	if err != nil {
		return false
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sub.Close()
		return false
	}
	c.sub = sub
	c.mu.Unlock()

	c.reply(MsgTypeSnapshot, "", snap)
	return true
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.close()
				return
			}

			n := len(c.send)
			for i := 0; i < n; i++ {
				next, ok := <-c.send
				if !ok {
					break
				}
				if err := c.conn.WriteMessage(websocket.TextMessage, next); err != nil {
					c.close()
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// ========== Inbound ==========

func (c *wsClient) readPump() {
	defer func() {
		c.close()
		logger.Info("websocket disconnected",
			logger.String("roomId", c.roomID),
			logger.String("userId", c.identity.UserID))
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("websocket read error",
					logger.String("roomId", c.roomID),
					logger.String("userId", c.identity.UserID),
					logger.ErrorField(err))
			}
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.replyError("", errors.New("invalid message format"))
			continue
		}
		c.handle(&msg)
	}
}

func (c *wsClient) handle(msg *WSMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	switch msg.Type {
	case MsgTypePing:
		if err := c.manager.Heartbeat(ctx, c.identity, c.roomID); err != nil {
			c.replyError(msg.RequestID, err)
			return
		}
		c.reply(MsgTypePong, msg.RequestID, nil)

	case MsgTypeSync:
		snap, err := c.manager.Snapshot(ctx, c.identity, c.roomID)
		if err != nil {
			c.replyError(msg.RequestID, err)
			return
		}
		c.reply(MsgTypeSnapshot, msg.RequestID, snap)

	case MsgTypeCommand:
		var cmd room.Command
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			c.replyError(msg.RequestID, errors.New("invalid command"))
			return
		}
		if _, err := c.manager.Command(ctx, c.identity, c.roomID, cmd); err != nil && !errors.Is(err, room.ErrEmptyQueue) {
			c.replyError(msg.RequestID, err)
			return
		}
		c.reply(MsgTypeAck, msg.RequestID, nil)

	case MsgTypeVote:
		var vote VotePayload
		if err := json.Unmarshal(msg.Data, &vote); err != nil {
			c.replyError(msg.RequestID, errors.New("invalid vote"))
			return
		}
		if vote.Retract {
			if err := c.manager.RetractVote(ctx, c.identity, c.roomID, vote.EntryID); err != nil {
				c.replyError(msg.RequestID, err)
				return
			}
			c.reply(MsgTypeAck, msg.RequestID, nil)
			return
		}
		tally, err := c.manager.Vote(ctx, c.identity, c.roomID, vote.EntryID, vote.Type)
		if err != nil {
			c.replyError(msg.RequestID, err)
			return
		}
		c.reply(MsgTypeAck, msg.RequestID, tally)

	case MsgTypeEnqueue:
		var req room.EnqueueRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			c.replyError(msg.RequestID, errors.New("invalid enqueue request"))
			return
		}
		entry, err := c.manager.Enqueue(ctx, c.identity, c.roomID, req)
		if err != nil {
			c.replyError(msg.RequestID, err)
			return
		}
		c.reply(MsgTypeAck, msg.RequestID, entry)

	default:
		c.replyError(msg.RequestID, errors.New("unknown message type: "+msg.Type))
	}
}
