package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/courier-mq/courier/internal/queue"
	"github.com/courier-mq/courier/pkg/log"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: msg}})
}

// writeQueueError maps queue sentinels onto HTTP statuses.
func writeQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, queue.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.rt.CheckHealth(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_serving"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleQueueList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"queues": s.rt.Registry().Names()})
}

type enqueueReq struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	Priority string          `json:"priority"`
	DelayMs  int64           `json:"delayMs"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	q, ok := s.rt.Queue(chi.URLParam(r, "queue"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_queue", "queue is not configured")
		return
	}
	var req enqueueReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body: "+err.Error())
		return
	}
	prio, err := queue.ParsePriority(req.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.DelayMs < 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "delayMs must be >= 0")
		return
	}
	id, err := q.Enqueue(r.Context(), req.Type, req.Payload, queue.EnqueueOptions{
		Priority: prio,
		Delay:    time.Duration(req.DelayMs) * time.Millisecond,
	})
	if err != nil {
		if errors.Is(err, queue.ErrUnavailable) {
			writeQueueError(w, err)
			return
		}
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	s.audit(r, "enqueue", q.Name(), id)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	q, ok := s.rt.Queue(chi.URLParam(r, "queue"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_queue", "queue is not configured")
		return
	}
	st, err := q.Stats(r.Context())
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleDLQGet serves list and stats reads over the dead-letter queue.
// ?action=stats switches to aggregate counts; the default is a page of
// entries honoring limit, offset, and an optional CEL filter.
func (s *Server) handleDLQGet(w http.ResponseWriter, r *http.Request) {
	q, ok := s.rt.Queue(r.URL.Query().Get("queue"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_queue", "queue is not configured")
		return
	}
	dlq := q.DeadLetter()

	if r.URL.Query().Get("action") == "stats" {
		st, err := dlq.Stats(r.Context())
		if err != nil {
			writeQueueError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
		return
	}

	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	page, err := dlq.List(r.Context(), limit, offset, r.URL.Query().Get("filter"))
	if err != nil {
		if errors.Is(err, queue.ErrUnavailable) {
			writeQueueError(w, err)
			return
		}
		writeError(w, http.StatusBadRequest, "bad_filter", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, page)
}

type dlqActionReq struct {
	Action     string   `json:"action"`
	QueueName  string   `json:"queueName"`
	MessageID  string   `json:"messageId"`
	MessageIDs []string `json:"messageIds"`
}

func (s *Server) handleDLQAction(w http.ResponseWriter, r *http.Request) {
	var req dlqActionReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body: "+err.Error())
		return
	}
	q, ok := s.rt.Queue(req.QueueName)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_queue", "queue is not configured")
		return
	}
	dlq := q.DeadLetter()

	switch req.Action {
	case "replay":
		newID, err := dlq.Replay(r.Context(), req.MessageID)
		if err != nil {
			writeQueueError(w, err)
			return
		}
		s.audit(r, "dlq.replay", q.Name(), req.MessageID)
		writeJSON(w, http.StatusOK, map[string]string{"id": newID})
	case "replayBulk":
		if len(req.MessageIDs) == 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "messageIds is required")
			return
		}
		res := dlq.ReplayBulk(r.Context(), req.MessageIDs)
		s.audit(r, "dlq.replayBulk", q.Name(), req.MessageIDs...)
		writeJSON(w, http.StatusOK, res)
	case "delete":
		existed, err := dlq.Delete(r.Context(), req.MessageID)
		if err != nil {
			writeQueueError(w, err)
			return
		}
		if !existed {
			writeError(w, http.StatusNotFound, "not_found", "no dead-letter entry with that id")
			return
		}
		s.audit(r, "dlq.delete", q.Name(), req.MessageID)
		writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
	case "purge":
		removed, err := dlq.Purge(r.Context())
		if err != nil {
			writeQueueError(w, err)
			return
		}
		s.audit(r, "dlq.purge", q.Name())
		writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
	default:
		writeError(w, http.StatusBadRequest, "bad_request", "unknown action: "+req.Action)
	}
}

func (s *Server) audit(r *http.Request, action, queueName string, targets ...string) {
	s.logger.Info("admin action",
		log.F("action", action),
		log.F("queue", queueName),
		log.F("targets", targets),
		log.F("remote", r.RemoteAddr),
	)
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return n, nil
}
