package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"cowlend/core/events"
)

const streamWriteTimeout = 5 * time.Second

// streamEvents upgrades to a websocket and pushes journal records as they are
// appended. A cursor query parameter replays the backlog after that sequence
// first.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Journal == nil {
		s.writeError(w, r, "stream_events", errNotConfigured)
		return
	}
	cursor, _, err := pageParams(r)
	if err != nil {
		s.writeError(w, r, "stream_events", err)
		return
	}
	// subscribe before the upgrade and the backlog read so nothing falls in
	// between
	live, unsubscribe := s.deps.Journal.Subscribe(s.opts.StreamBuffer)
	defer unsubscribe()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.opts.CORS.AllowedOrigins})
	if err != nil {
		s.logger.Debug("websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")
	ctx := conn.CloseRead(r.Context())

	last := cursor
	if cursor > 0 {
		backlog, err := s.deps.Journal.Since(cursor, 0)
		if err != nil {
			conn.Close(websocket.StatusInternalError, "backlog unavailable")
			return
		}
		for _, rec := range backlog {
			if err := writeRecord(ctx, conn, rec); err != nil {
				return
			}
			last = rec.Sequence
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-live:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "journal closed")
				return
			}
			if rec.Sequence <= last {
				continue
			}
			if err := writeRecord(ctx, conn, rec); err != nil {
				if !errors.Is(err, context.Canceled) {
					s.logger.Debug("event stream write failed", slog.Any("error", err))
				}
				return
			}
			last = rec.Sequence
		}
	}
}

func writeRecord(ctx context.Context, conn *websocket.Conn, rec events.Record) error {
	wctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(wctx, conn, rec)
}
