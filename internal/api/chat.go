package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/aigis/internal/breaker"
	"github.com/kalambet/aigis/internal/chat"
	"github.com/kalambet/aigis/internal/content"
	"github.com/kalambet/aigis/internal/storage"
)

// ChatRequest is the POST /chat body.
type ChatRequest struct {
	MessageID  string `json:"message_id"`
	ChannelID  string `json:"channel_id"`
	GuildID    string `json:"guild_id"`
	AuthorID   string `json:"author_id"`
	AuthorName string `json:"author_name"`
	Message    string `json:"message"`
}

type chatResponse struct {
	Response         string `json:"response"`
	ReplyID          string `json:"reply_id,omitempty"`
	Memories         int    `json:"memories"`
	Degraded         bool   `json:"degraded,omitempty"`
	ProcessingTimeMs int64  `json:"processing_time_ms"`
}

func handleChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Chat == nil {
			httpError(w, http.StatusNotImplemented, "api_error", "chat is not configured")
			return
		}
		start := time.Now()

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.ChannelID == "" || req.AuthorID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "channel_id and author_id are required")
			return
		}
		if req.MessageID == "" {
			req.MessageID = uuid.NewString()
		}

		reply, err := deps.Chat.Handle(r.Context(), chat.Event{
			MessageID:   req.MessageID,
			ChannelID:   req.ChannelID,
			GuildID:     req.GuildID,
			AuthorID:    req.AuthorID,
			AuthorName:  req.AuthorName,
			Content:     req.Message,
			Destination: chat.TextDestination{ChannelID: req.ChannelID},
		})
		switch {
		case errors.Is(err, chat.ErrEmptyMessage), errors.Is(err, storage.ErrInvalidMessage):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "chat failed: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, chatResponse{
			Response:         reply.Text,
			ReplyID:          reply.ExternalID,
			Memories:         reply.Memories,
			Degraded:         reply.Degraded,
			ProcessingTimeMs: time.Since(start).Milliseconds(),
		})
	}
}

func handleQuote(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Quotes == nil {
			httpError(w, http.StatusNotImplemented, "api_error", "quotes are not configured")
			return
		}
		writeJSON(w, http.StatusOK, deps.Quotes.Random(r.Context(), r.URL.Query().Get("category")))
	}
}

func handleFetch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Fetcher == nil {
			httpError(w, http.StatusNotImplemented, "api_error", "fetch is not configured")
			return
		}
		query := r.URL.Query()
		format, err := content.ParseFormat(query.Get("format"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		req := content.FetchRequest{URL: strings.TrimSpace(query.Get("url")), Format: format}
		if query.Get("timeout") != "" {
			secs := parseIntParam(r, "timeout", 0, int(content.MaxTimeout/time.Second))
			req.Timeout = time.Duration(secs) * time.Second
		}

		page, err := deps.Fetcher.Fetch(r.Context(), req)
		if err != nil {
			code, typ := fetchErrorStatus(err)
			httpError(w, code, typ, "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, page)
	}
}

func fetchErrorStatus(err error) (int, string) {
	var se *content.StatusError
	switch {
	case errors.Is(err, content.ErrInvalidURL):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, breaker.ErrOpen):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, content.ErrTooLarge), errors.As(err, &se):
		return http.StatusBadGateway, "upstream_error"
	}
	return http.StatusBadGateway, "api_error"
}

type healthResponse struct {
	Status       string             `json:"status"`
	PendingTasks int                `json:"pending_tasks"`
	Messages     *storage.Counts    `json:"messages,omitempty"`
	Breakers     []breaker.Snapshot `json:"breakers"`
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok", Breakers: []breaker.Snapshot{}}
		if deps.Messages != nil {
			resp.PendingTasks = deps.Messages.Pending()
		}
		for _, b := range deps.Breakers {
			snap := b.Snapshot()
			if snap.State != breaker.Closed.String() {
				resp.Status = "degraded"
			}
			resp.Breakers = append(resp.Breakers, snap)
		}
		if deps.Counter != nil {
			counts, err := deps.Counter.CountMessages(r.Context())
			if err != nil {
				deps.Logger.Warn("counting messages failed", "error", err)
				resp.Status = "degraded"
			} else {
				resp.Messages = &counts
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
