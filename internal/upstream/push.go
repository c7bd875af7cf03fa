package upstream

import (
	"context"
	"encoding/json"
	"sync"

	"subsync/internal/apperror"
	"subsync/internal/model"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ProgressStream consumes the upstream push channel for a single query.
// Events stop when the connection drops or Close is called; the poller
// treats a closed stream as "push unavailable" and falls back to polling.
type ProgressStream struct {
	conn      *websocket.Conn
	events    chan model.QueryProgress
	done      chan struct{}
	closeOnce sync.Once
	log       *zap.Logger
}

// DialProgress opens the push channel for a query id.
func (c *Client) DialProgress(ctx context.Context, queryID string) (*ProgressStream, error) {
	header := make(map[string][]string)
	if c.token != "" {
		header["Authorization"] = []string{"Bearer " + c.token}
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.wsBaseURL+"/queries/"+queryID+"/progress", header)
	if err != nil {
		if resp != nil {
			return nil, apperror.FromResponse(resp.StatusCode, nil)
		}
		return nil, apperror.Normalize(err)
	}

	s := &ProgressStream{
		conn:   conn,
		events: make(chan model.QueryProgress, 16),
		done:   make(chan struct{}),
		log:    c.log,
	}
	go s.readLoop(queryID)
	return s, nil
}

// Events returns the push event channel. It is closed when the stream ends.
func (s *ProgressStream) Events() <-chan model.QueryProgress {
	return s.events
}

func (s *ProgressStream) Close() {
	s.closeOnce.Do(func() { close(s.done) })
	s.conn.Close()
}

func (s *ProgressStream) readLoop(queryID string) {
	defer close(s.events)
	defer s.conn.Close()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.log.Debug("Push channel closed",
					zap.String("query_id", queryID),
					zap.Error(err),
				)
			}
			return
		}

		var progress model.QueryProgress
		if err := json.Unmarshal(data, &progress); err != nil {
			s.log.Warn("Failed to parse push event",
				zap.String("query_id", queryID),
				zap.Error(err),
			)
			continue
		}

		select {
		case s.events <- progress:
		case <-s.done:
			return
		}
	}
}
