package api

import (
	"context"
	"net/http"
	"time"

	"AirCast/internal/domain/models"
	xlogger "AirCast/pkg/logger"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const (
	writeWait    = 5 * time.Second
	pingInterval = 20 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// snapshotFunc loads the current state of a watched resource.
type snapshotFunc func(ctx context.Context) (v interface{}, updated time.Time, terminal bool, err error)

// watch streams a resource as JSON over a websocket: once on connect, then on every change
// until it reaches a terminal status. Changes are noticed through published events and by
// re-reading the store every watchPoll.
func (h *PlatformHandler) watch(c echo.Context, kind models.ResourceKind, name string, load snapshotFunc) error {
	ctx := c.Request().Context()
	v, updated, terminal, err := load(ctx)
	if err != nil {
		return h.fail(c, "watch", err)
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", xlogger.String("name", name), xlogger.Error(err))
		return nil
	}
	defer conn.Close()

	var events <-chan models.JobEvent
	if h.events != nil {
		var cancel func()
		events, cancel = h.events.Subscribe(kind, name)
		defer cancel()
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(v interface{}) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(v)
	}
	if err := send(v); err != nil {
		return nil
	}

	poll := time.NewTicker(h.watchPoll)
	defer poll.Stop()
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for !terminal {
		select {
		case <-closed:
			return nil
		case <-ctx.Done():
			return nil
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return nil
			}
			continue
		case <-events:
		case <-poll.C:
		}

		next, nextUpdated, nextTerminal, err := load(ctx)
		if err != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error())
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return nil
		}
		if nextUpdated.Equal(updated) && nextTerminal == terminal {
			continue
		}
		v, updated, terminal = next, nextUpdated, nextTerminal
		if err := send(v); err != nil {
			return nil
		}
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "finished")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	return nil
}
