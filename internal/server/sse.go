package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/conductor/internal/eventbus"
	"github.com/ashita-ai/conductor/internal/model"
)

// HandleEventStream handles GET /v1/branches/{branch_id}/events/stream.
//
// The stream first replays persisted events after the client's cursor
// (Last-Event-ID header or after_seq query parameter), then forwards live
// events. Events are delivered in sequence order without duplicates; a gap
// left by a dropped live event is backfilled from the event log.
func (h *Handlers) HandleEventStream(w http.ResponseWriter, r *http.Request) {
	b, ok := h.loadBranch(w, r)
	if !ok {
		return
	}
	cursor, err := queryInt64(r, "after_seq")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > cursor {
			cursor = n
		}
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return
	}
	// Idle streams would otherwise be cut by the server's WriteTimeout.
	_ = rc.SetWriteDeadline(time.Time{})

	// Subscribe before replaying so nothing published in between is lost.
	sub := h.bus.Subscribe(b.ID)
	defer h.bus.Unsubscribe(sub)

	ctx := r.Context()
	send := func(e model.ProcessEvent) bool {
		frame, err := eventbus.FormatSSE(e)
		if err != nil {
			h.logger.Warn("sse: encode event", "error", err, "branch_id", b.ID)
			return true
		}
		if _, err := w.Write(frame); err != nil {
			return false
		}
		cursor = e.Sequence
		return rc.Flush() == nil
	}
	backfill := func(upTo int64) bool {
		for cursor < upTo {
			evs, err := h.engine.ListEvents(ctx, b.ID, cursor, maxQueryLimit)
			if err != nil || len(evs) == 0 {
				return err == nil
			}
			for _, e := range evs {
				if e.Sequence > upTo {
					return true
				}
				if !send(e) {
					return false
				}
			}
		}
		return true
	}

	if !backfill(1<<62) {
		return
	}

	keepalive := time.NewTicker(h.keepalive)
	defer keepalive.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			if rc.Flush() != nil {
				return
			}
		case e := <-sub.C:
			if e.Sequence <= cursor {
				continue
			}
			if e.Sequence > cursor+1 && !backfill(e.Sequence-1) {
				return
			}
			if !send(e) {
				return
			}
		}
	}
}
