package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleConsoleStream streams console entries of one sandbox over a
// WebSocket until the client disconnects or the sandbox terminates.
func (s *Server) handleConsoleStream(c *gin.Context) {
	ch, cancel, err := s.manager.Subscribe(c.Param("id"))
	if errors.Is(err, ErrSandboxNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		cancel()
		return
	}
	s.metrics.IncWSConnections()
	defer func() {
		s.metrics.DecWSConnections()
		cancel()
		conn.Close()
	}()

	// Reader goroutine: its only job is noticing the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case entry, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(entry); err != nil {
				if s.log != nil {
					s.log.Debug("console stream write failed", zap.Error(err))
				}
				return
			}
		case <-gone:
			return
		}
	}
}
