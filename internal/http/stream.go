package httpapi

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/parking-valet/internal/models"
	"github.com/example/parking-valet/internal/storage"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// streamSession serializes writes to one websocket connection.
type streamSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *streamSession) send(flow models.RequestFlow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(flow)
}

func (s *streamSession) close(code int, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, text)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = s.conn.Close()
}

// handleStream pushes the flow document every time its updatedAt changes and
// closes the connection once the flow reaches a terminal stage.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["requestId"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("requestId", id).Msg("websocket upgrade failed")
		return
	}
	sess := &streamSession{conn: conn}
	// Clear deadlines inherited from the http.Server timeouts.
	_ = conn.SetReadDeadline(time.Time{})

	// The read loop only notices the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	var last time.Time
	for {
		flow, err := s.store.Get(r.Context(), id)
		switch {
		case errors.Is(err, storage.ErrNotFound):
		case err != nil:
			s.logger.Error().Err(err).Str("requestId", id).Msg("stream read failed")
			sess.close(websocket.CloseInternalServerErr, "status unavailable")
			return
		case !flow.UpdatedAt.Equal(last):
			last = flow.UpdatedAt
			if err := sess.send(flow); err != nil {
				s.logger.Debug().Err(err).Str("requestId", id).Msg("stream send failed")
				_ = conn.Close()
				return
			}
			if flow.Stage.Terminal() {
				sess.close(websocket.CloseNormalClosure, string(flow.Stage))
				return
			}
		}

		select {
		case <-ticker.C:
		case <-gone:
			_ = conn.Close()
			return
		case <-r.Context().Done():
			_ = conn.Close()
			return
		}
	}
}
