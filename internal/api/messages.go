package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/aigis/internal/composer"
	"github.com/kalambet/aigis/internal/gap"
	"github.com/kalambet/aigis/internal/messages"
	"github.com/kalambet/aigis/internal/retrieval"
	"github.com/kalambet/aigis/internal/storage"
)

// IngestRequest is the POST /messages body.
type IngestRequest struct {
	ExternalID string    `json:"external_id"`
	ChannelID  string    `json:"channel_id"`
	GuildID    string    `json:"guild_id"`
	AuthorID   string    `json:"author_id"`
	AuthorName string    `json:"author_name"`
	Content    string    `json:"content"`
	Role       string    `json:"role"`
	CreatedAt  time.Time `json:"created_at"`
}

func handleIngest(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req IngestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		m, err := deps.Messages.Ingest(r.Context(), messages.IngestRequest{
			ExternalID: req.ExternalID,
			ChannelID:  req.ChannelID,
			GuildID:    req.GuildID,
			AuthorID:   req.AuthorID,
			AuthorName: req.AuthorName,
			Content:    req.Content,
			Role:       storage.Role(req.Role),
			CreatedAt:  req.CreatedAt,
		})
		if errors.Is(err, storage.ErrInvalidMessage) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to store message: %v", err)
			return
		}

		writeJSON(w, http.StatusCreated, viewMessage(m))
	}
}

// defaultBackfillBatch bounds one POST /backfill pass.
const defaultBackfillBatch = 100

func handleBackfill(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", defaultBackfillBatch, 1000)
		res, err := deps.Messages.Backfill(r.Context(), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "backfill failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleRecent(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channelID := chi.URLParam(r, "channelID")
		limit := parseIntParam(r, "limit", deps.ContextLimit, 100)

		msgs, err := deps.Messages.Recent(r.Context(), channelID, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load messages: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, viewMessages(msgs))
	}
}

func handleContext(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channelID := chi.URLParam(r, "channelID")
		limit := parseIntParam(r, "limit", deps.ContextLimit, 100)

		label := deps.Label
		if name := r.URL.Query().Get("label"); name != "" {
			l, err := composer.LabelerByName(name)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			label = l
		}

		msgs, err := deps.Messages.Recent(r.Context(), channelID, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load messages: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"channel_id": channelID,
			"count":      len(msgs),
			"context":    composer.BuildContext(msgs, label),
		})
	}
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		if q == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}
		threshold, err := parseFloatParam(r, "threshold", deps.Threshold)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		results, err := deps.Search.Search(r.Context(), retrieval.Query{
			Text:      q,
			ChannelID: r.URL.Query().Get("channel"),
			Limit:     parseIntParam(r, "limit", deps.SearchLimit, 50),
			Threshold: threshold,
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "search failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"count":   len(results),
			"results": viewResults(results),
		})
	}
}

func handleGap(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		req := gap.Request{
			UserID:              query.Get("user"),
			ChannelID:           query.Get("channel"),
			ReferenceExternalID: query.Get("ref"),
			Cap:                 parseIntParam(r, "cap", deps.GapCap, 0),
		}
		if req.UserID == "" || req.ChannelID == "" || req.ReferenceExternalID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user, channel and ref are required")
			return
		}

		res, err := deps.Gaps.Gap(r.Context(), req)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "gap lookup failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, reportGap(res))
	}
}
