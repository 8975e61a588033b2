package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"fxflow/internal/symbols"
	"fxflow/logger"
	"fxflow/models"
)

const (
	writeWait      = 10 * time.Second
	maxClientFrame = 4096
)

// handleSubscribe upgrades to a WebSocket and streams snapshots for one pair,
// or for every pair when the pair query is empty or "*", until either side
// closes.
func (s *Server) handleSubscribe(c *gin.Context) {
	pair := models.PairAll
	if raw := c.Query("pair"); raw != "" && raw != string(models.PairAll) {
		p, err := symbols.ParsePair(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorBody("invalid_pair"))
			return
		}
		if !s.tracked[p] {
			c.JSON(http.StatusNotFound, errorBody("not_found"))
			return
		}
		pair = p
	}

	// Subscribe before the handshake completes so nothing published after
	// the client sees the upgrade is missed.
	sub := s.snapshots.Subscribe(pair, 0)
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		sub.Cancel()
		s.log.WithComponent("gateway").WithError(err).Warn("websocket upgrade failed")
		return
	}

	log := s.log.WithComponent("gateway").WithFields(logger.Fields{
		"subscription_id": sub.ID,
		"pair":            string(pair),
		"remote":          c.Request.RemoteAddr,
	})
	log.Info("subscriber connected")

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer func() {
		cancel()
		sub.Cancel()
		conn.Close()
		log.WithField("dropped", sub.Dropped()).Info("subscriber disconnected")
	}()

	go s.readPump(ctx, cancel, conn)
	s.writePump(ctx, conn, sub, log)
}

// readPump discards client frames and keeps the read deadline fresh on pong.
// Any read error ends the stream.
func (s *Server) readPump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()
	pongWait := s.cfg.PingInterval * 2
	conn.SetReadLimit(maxClientFrame)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

type subscription interface {
	Next(ctx context.Context) (models.MergedSnapshot, error)
}

func (s *Server) writePump(ctx context.Context, conn *websocket.Conn, sub subscription, log *logger.Entry) {
	snaps := make(chan models.MergedSnapshot)
	go func() {
		defer close(snaps)
		for {
			snap, err := sub.Next(ctx)
			if err != nil {
				return
			}
			select {
			case snaps <- snap:
			case <-ctx.Done():
				return
			}
		}
	}()

	ping := time.NewTicker(s.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"),
				time.Now().Add(writeWait))
			return
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(snap); err != nil {
				log.WithError(err).Debug("websocket write failed")
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.WithError(err).Debug("websocket ping failed")
				return
			}
		}
	}
}
