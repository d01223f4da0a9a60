package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ChuLiYu/analysis-dispatch/internal/events"
)

// sseKeepAlive 沒有事件時送出註解行的間隔
const sseKeepAlive = 15 * time.Second

// streamEvents 以 Server-Sent Events 推送事件
//
// ?types=node.offline,task.created 只推送指定類型。
// 訂閱者跟不上時事件會被丟棄，不會阻塞發送端。
func (s *Server) streamEvents(c echo.Context) error {
	if s.deps.Events == nil {
		return fail(c, http.StatusServiceUnavailable, errors.New("event stream is not enabled"))
	}

	want := make(map[events.Type]struct{})
	for _, t := range strings.Split(c.QueryParam("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			want[events.Type(t)] = struct{}{}
		}
	}

	ctx := c.Request().Context()
	sub := s.deps.Events.Subscribe(ctx)

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return nil
			}
			w.Flush()
		case ev, open := <-sub:
			if !open {
				return nil
			}
			if len(want) > 0 {
				if _, ok := want[ev.Type]; !ok {
					continue
				}
			}
			data, err := json.Marshal(ev)
			if err != nil {
				log.WithError(err).Warn("Failed to encode event")
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				return nil
			}
			w.Flush()
		}
	}
}
