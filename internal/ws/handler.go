package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/DoyleJ11/roomsync-backend/internal/hub"
	"github.com/DoyleJ11/roomsync-backend/internal/room"
	"github.com/DoyleJ11/roomsync-backend/internal/types"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Options struct {
	Logger         *zap.Logger
	OutboxSize     int
	WriteTimeout   time.Duration
	PingInterval   time.Duration // 0 disables latency probing
	ReadLimit      int64
	OriginPatterns []string
}

func (o *Options) defaults() {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.OutboxSize <= 0 {
		o.OutboxSize = 16
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 3 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 64 << 10
	}
}

// Handler upgrades GET /ws?room=<id>&user=<userId>. The room is activated on
// first connect, with the connecting user as host if it did not exist.
func Handler(h *hub.Hub, opts Options) http.HandlerFunc {
	opts.defaults()

	return func(w http.ResponseWriter, r *http.Request) {
		roomID := r.URL.Query().Get("room")
		userID := r.URL.Query().Get("user")
		if roomID == "" || userID == "" {
			http.Error(w, "missing room or user", http.StatusBadRequest)
			return
		}

		rm := h.Ensure(r.Context(), roomID, userID)
		if rm == nil {
			http.Error(w, "room unavailable", http.StatusServiceUnavailable)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: opts.OriginPatterns,
		})
		if err != nil {
			opts.Logger.Debug("websocket accept failed", zap.Error(err))
			return
		}
		defer conn.CloseNow()
		conn.SetReadLimit(opts.ReadLimit)

		connID := uuid.NewString()
		log := opts.Logger.With(zap.String("room", roomID), zap.String("user", userID), zap.String("conn", connID))

		out := make(chan room.Update, opts.OutboxSize)
		if !rm.Send(room.Join{ConnID: connID, UserID: userID, Outbox: out}) {
			conn.Close(websocket.StatusTryAgainLater, "room closed")
			return
		}
		defer rm.Send(room.Leave{ConnID: connID})

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine
		go func() {
			defer cancel()
			for {
				select {
				case u, ok := <-out:
					if !ok {
						// Dropped by the room, or the room stopped.
						conn.Close(websocket.StatusGoingAway, "room closed")
						return
					}
					if err := write(ctx, conn, opts.WriteTimeout, encode(u)); err != nil {
						log.Debug("write failed", zap.Error(err))
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}()

		if opts.PingInterval > 0 {
			go measureLatency(ctx, conn, rm, connID, opts.PingInterval, log)
		}

		log.Info("connection open")
		err = readLoop(ctx, conn, rm, connID, opts.WriteTimeout, log)
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			log.Info("connection closed")
		default:
			if !errors.Is(err, context.Canceled) {
				log.Info("connection closed", zap.Error(err))
			}
		}
	}
}

func readLoop(ctx context.Context, conn *websocket.Conn, rm *room.Room, connID string, writeTimeout time.Duration, log *zap.Logger) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		cm, err := types.Decode(data)
		if err != nil {
			if err := write(ctx, conn, writeTimeout, types.Error(err)); err != nil {
				return err
			}
			continue
		}

		var m room.Msg
		if cm.Type == types.TypeRequestSync {
			m = room.RequestSync{ConnID: connID}
		} else {
			cmd, err := types.ToCommand(cm)
			if err != nil {
				if err := write(ctx, conn, writeTimeout, types.Error(err)); err != nil {
					return err
				}
				continue
			}
			m = room.FromClient{ConnID: connID, Cmd: cmd}
		}

		if !rm.Send(m) {
			log.Debug("room stopped while reading")
			return conn.Close(websocket.StatusGoingAway, "room closed")
		}
	}
}

// measureLatency pings the peer and reports half the round trip to the room.
func measureLatency(ctx context.Context, conn *websocket.Conn, rm *room.Room, connID string, every time.Duration, log *zap.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, every)
			start := time.Now()
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				log.Debug("ping failed", zap.Error(err))
				continue
			}
			if !rm.Send(room.SetLatency{ConnID: connID, Latency: time.Since(start) / 2}) {
				return
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, timeout time.Duration, msg types.ServerMessage) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}

func encode(u room.Update) types.ServerMessage {
	switch u.Kind {
	case room.UpdateError:
		return types.Error(u.Err)
	case room.UpdateSync:
		return types.SyncState(u.State)
	default:
		return types.StateUpdate(u.State)
	}
}
