package server

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/agentlens/internal/broadcast"
	"github.com/thebtf/agentlens/pkg/models"
)

// writeTimeout bounds one websocket write so a stalled transport buffer is
// charged to this connection only.
const writeTimeout = 2 * time.Second

// handleWS upgrades the connection and attaches it to the hub. The client
// receives one full-state bundle stamped with the current version, then
// every later envelope in non-decreasing version order. Tearing down one
// connection has no effect on any other.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Debug().Err(err).Msg("Failed to accept websocket")
		return
	}

	connID := uuid.NewString()
	queue := broadcast.NewQueue(connID, s.queueSize)

	s.hub.Subscribe(connID, queue, func() any {
		return s.store.Snapshot()
	})
	defer s.hub.Unsubscribe(connID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The protocol is push-only; the read loop exists to notice the close.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	log.Debug().Str("connId", connID).Msg("Websocket client connected")
	defer log.Debug().Str("connId", connID).Msg("Websocket client disconnected")

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "connection closed")
			return
		case <-queue.Done():
			// Hub released us: drain what is buffered, then close with a
			// terminal notice.
			s.drainAndClose(ctx, conn, queue)
			return
		case env := <-queue.Out():
			if !s.writeEnvelope(ctx, conn, env) {
				return
			}
		}
	}
}

func (s *Server) drainAndClose(ctx context.Context, conn *websocket.Conn, queue *broadcast.Queue) {
	for {
		select {
		case env := <-queue.Out():
			if !s.writeEnvelope(ctx, conn, env) {
				return
			}
		default:
			conn.Close(websocket.StatusNormalClosure, "server shutting down")
			return
		}
	}
}

// writeEnvelope sends one envelope with a bounded write deadline. Reports
// false when the connection is gone.
func (s *Server) writeEnvelope(ctx context.Context, conn *websocket.Conn, env models.Envelope) bool {
	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode envelope")
		return true
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		log.Debug().Err(err).Msg("Websocket write failed, closing connection")
		return false
	}
	return true
}
