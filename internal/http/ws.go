package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/models"
)

const (
	authTimeout    = 5 * time.Second
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 8192
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// hello is the first frame a client sends. Token is required when the
// server has an authenticator; otherwise UserID and Role are trusted.
type hello struct {
	Token  string           `json:"token"`
	UserID string           `json:"userId"`
	Role   models.ActorRole `json:"role"`
}

type clientMessage struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data"`
}

type connected struct {
	UserID string           `json:"userId"`
	Role   models.ActorRole `json:"role"`
	Rooms  []string         `json:"rooms"`
}

type ackReply struct {
	RequestID string `json:"requestId,omitempty"`
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
}

type errorReply struct {
	RequestID string `json:"requestId,omitempty"`
	Type      string `json:"type,omitempty"`
	errorBody
}

type rideRef struct {
	RideID string `json:"rideId" validate:"required"`
}

type statusMessage struct {
	RideID     string        `json:"rideId" validate:"required"`
	Status     string        `json:"status"`
	Location   *models.Coord `json:"location"`
	ActualFare *float64      `json:"actualFare" validate:"omitempty,gte=0"`
	Reason     string        `json:"reason" validate:"max=500"`
}

// handleWS upgrades the connection, authenticates it from the first frame,
// joins the caller's rooms and then serves client messages until the
// connection drops.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "remote_addr", clientIP(r))
		return
	}
	conn.SetReadLimit(maxMessageSize)

	actor, err := s.authenticate(conn)
	if err != nil {
		status, body := errorPayload(err)
		s.logger.Info("websocket auth rejected", "status", status, "remote_addr", clientIP(r), "error", err)
		if msg, merr := json.Marshal(events.Envelope{Type: events.Error, Data: body, Timestamp: time.Now()}); merr == nil {
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.TextMessage, msg)
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, body.Error),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	rooms := roomsFor(actor)
	sub := s.hub.Subscribe(newID(), actor.ID, string(actor.Role), rooms...)
	s.hub.SendTo(sub, events.Connected, connected{UserID: actor.ID, Role: actor.Role, Rooms: rooms})
	if actor.Role == models.RoleDriver {
		s.driverConnected(actor.ID)
	}
	log := s.logger.With("conn_id", sub.ID, "user_id", actor.ID, "role", actor.Role)
	log.Info("websocket connected")

	go s.writePump(conn, sub)
	s.readPump(r.Context(), conn, sub, actor)

	s.hub.Unsubscribe(sub)
	if actor.Role == models.RoleDriver {
		s.driverDisconnected(context.WithoutCancel(r.Context()), actor.ID)
	}
	log.Info("websocket disconnected")
}

func (s *Server) authenticate(conn *websocket.Conn) (models.Actor, error) {
	_ = conn.SetReadDeadline(time.Now().Add(authTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return models.Actor{}, apperr.New(apperr.ErrUnauthorized, "no auth frame: %v", err)
	}
	var h hello
	if err := json.Unmarshal(raw, &h); err != nil {
		return models.Actor{}, apperr.New(apperr.ErrUnauthorized, "malformed auth frame")
	}
	if s.auth != nil {
		a, err := s.auth.Actor(h.Token)
		if err != nil {
			return models.Actor{}, apperr.New(apperr.ErrUnauthorized, "invalid token")
		}
		return a, nil
	}
	switch h.Role {
	case models.RoleRider, models.RoleDriver, models.RoleAdmin:
	default:
		return models.Actor{}, apperr.New(apperr.ErrUnauthorized, "unknown role %q", h.Role)
	}
	if h.UserID == "" {
		return models.Actor{}, apperr.New(apperr.ErrUnauthorized, "userId required")
	}
	return models.Actor{ID: h.UserID, Role: h.Role}, nil
}

func roomsFor(a models.Actor) []string {
	switch a.Role {
	case models.RoleDriver:
		return []string{events.DriverRoom(a.ID)}
	case models.RoleRider:
		return []string{events.RiderRoom(a.ID)}
	default:
		return []string{events.AdminRoom}
	}
}

func (s *Server) readPump(ctx context.Context, conn *websocket.Conn, sub *events.Subscriber, actor models.Actor) {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read failed", "conn_id", sub.ID, "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.reply(sub, msg, nil, apperr.Validation(map[string][]string{"frame": {"malformed JSON"}}))
			continue
		}
		data, err := s.route(ctx, actor, msg)
		s.reply(sub, msg, data, err)
	}
}

// writePump is the only writer on conn. It exits when the subscriber's
// channel is closed, which also happens when the hub drops a slow reader.
func (s *Server) writePump(conn *websocket.Conn, sub *events.Subscriber) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case msg, ok := <-sub.Messages():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) reply(sub *events.Subscriber, msg clientMessage, data any, err error) {
	if err != nil {
		_, body := errorPayload(err)
		s.hub.SendTo(sub, events.Error, errorReply{RequestID: msg.RequestID, Type: msg.Type, errorBody: body})
		return
	}
	s.hub.SendTo(sub, events.Ack, ackReply{RequestID: msg.RequestID, Type: msg.Type, Data: data})
}

// route runs one client message with the connection's identity.
func (s *Server) route(ctx context.Context, actor models.Actor, msg clientMessage) (any, error) {
	switch msg.Type {
	case events.RideRequest:
		var req models.RideRequest
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &req); err != nil {
				return nil, apperr.Validation(map[string][]string{"data": {"malformed JSON"}})
			}
		}
		return s.requestRide(ctx, actor, req)

	case events.RideAccept:
		var ref rideRef
		if err := s.unmarshal(msg.Data, &ref); err != nil {
			return nil, err
		}
		return s.acceptRide(ctx, actor, ref.RideID)

	case events.RideDecline:
		var ref rideRef
		if err := s.unmarshal(msg.Data, &ref); err != nil {
			return nil, err
		}
		return nil, s.declineRide(ctx, actor, ref.RideID)

	case events.RideStatus, events.RideComplete, events.RideCancel:
		var sm statusMessage
		if err := s.unmarshal(msg.Data, &sm); err != nil {
			return nil, err
		}
		to, err := statusFor(msg.Type, sm.Status)
		if err != nil {
			return nil, err
		}
		return s.changeStatus(ctx, actor, sm.RideID, statusChange{
			To:         to,
			Location:   sm.Location,
			ActualFare: sm.ActualFare,
			Reason:     sm.Reason,
		})

	case events.DriverLocation:
		var fix locationFix
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &fix); err != nil {
				return nil, apperr.Validation(map[string][]string{"data": {"malformed JSON"}})
			}
		}
		p, applied, err := s.updateLocation(ctx, actor, actor.ID, fix)
		if err != nil {
			return nil, err
		}
		return map[string]any{"applied": applied, "driver": p}, nil

	case events.DriverAvailability:
		var req availabilityRequest
		if err := s.unmarshal(msg.Data, &req); err != nil {
			return nil, err
		}
		return s.setAvailability(ctx, actor, actor.ID, *req.Available)
	}
	return nil, apperr.Validation(map[string][]string{"type": {"unknown message type " + msg.Type}})
}

func statusFor(msgType, status string) (models.RideStatus, error) {
	switch msgType {
	case events.RideComplete:
		return models.StatusCompleted, nil
	case events.RideCancel:
		return models.StatusCancelled, nil
	}
	to, ok := lifecycle.ParseStatus(status)
	if !ok {
		return "", apperr.Validation(map[string][]string{"status": {"unknown status " + status}})
	}
	return to, nil
}

func (s *Server) driverConnected(driverID string) {
	s.connMu.Lock()
	s.driverConns[driverID]++
	s.connMu.Unlock()
}

// driverDisconnected takes the driver offline once their last connection
// is gone. A ride already assigned to them is left alone.
func (s *Server) driverDisconnected(ctx context.Context, driverID string) {
	s.connMu.Lock()
	s.driverConns[driverID]--
	last := s.driverConns[driverID] <= 0
	if last {
		delete(s.driverConns, driverID)
	}
	s.connMu.Unlock()
	if !last {
		return
	}
	p, err := s.drivers.SetUnavailable(ctx, driverID)
	if err != nil {
		if !errors.Is(err, apperr.ErrDriverNotFound) {
			s.logger.Warn("offline on disconnect failed", "driver_id", driverID, "error", err)
		}
		return
	}
	s.hub.Publish(events.AdminRoom, events.DriverAvailabilityUpdate, p)
}
