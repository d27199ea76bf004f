package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-pkgz/lgr"
	"github.com/google/uuid"

	"github.com/bkalafat/tskulis-sub000/pkg/state"
	"github.com/bkalafat/tskulis-sub000/pkg/telemetry"
)

// statusHandler returns server status with queue, cache and telemetry counters
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	network := "online"
	if !s.queue.Online() {
		network = "offline"
	}
	status := map[string]interface{}{
		"status":    "ok",
		"version":   s.version,
		"time":      time.Now().UTC(),
		"network":   network,
		"queue_len": s.queue.Len(r.Context()),
		"cache":     s.data.Stats(),
		"telemetry": s.reporter.Snapshot(),
	}
	RenderJSON(w, r, http.StatusOK, status)
}

// newsListHandler serves the article list through the cache, falling back to
// the last cached edition when the backend is unreachable
func (s *Server) newsListHandler(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")
	key := newsKey(category)

	v, err := s.data.Fetch(r.Context(), key, func(ctx context.Context) (any, error) {
		return s.api.GetNews(ctx, category)
	})
	if err != nil {
		// offline fallback: serve the stale edition if we have one
		if cached, ok := s.data.Peek(key); ok {
			w.Header().Set("X-Served-From", "cache")
			RenderJSON(w, r, http.StatusOK, cached)
			return
		}
		s.reportFetchError(key, err)
		RenderError(w, r, fmt.Errorf("news unavailable: %w", err), http.StatusServiceUnavailable)
		return
	}

	items, ok := v.([]state.NewsRecord)
	if !ok {
		RenderError(w, r, fmt.Errorf("unexpected cache payload for %s", key), http.StatusInternalServerError)
		return
	}
	if category == "" {
		s.states.Dispatch(state.NewsLoaded{Items: items})
	}
	RenderJSON(w, r, http.StatusOK, items)
}

// newsItemHandler serves a single article through the cache
func (s *Server) newsItemHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	key := "news-item:" + id

	v, err := s.data.Fetch(r.Context(), key, func(ctx context.Context) (any, error) {
		return s.api.GetNewsItem(ctx, id)
	})
	if err != nil {
		if cached, ok := s.data.Peek(key); ok {
			w.Header().Set("X-Served-From", "cache")
			RenderJSON(w, r, http.StatusOK, cached)
			return
		}
		s.reportFetchError(key, err)
		RenderError(w, r, fmt.Errorf("article unavailable: %w", err), http.StatusServiceUnavailable)
		return
	}

	item, ok := v.(*state.NewsRecord)
	if !ok {
		RenderError(w, r, fmt.Errorf("unexpected cache payload for %s", key), http.StatusInternalServerError)
		return
	}
	s.states.Dispatch(state.NewsSelected{ID: item.ID})
	RenderJSON(w, r, http.StatusOK, item)
}

// commentsHandler serves the comments of an article through the cache
func (s *Server) commentsHandler(w http.ResponseWriter, r *http.Request) {
	newsID := r.PathValue("id")
	key := commentsKey(newsID)

	v, err := s.data.Fetch(r.Context(), key, func(ctx context.Context) (any, error) {
		return s.api.GetComments(ctx, newsID)
	})
	if err != nil {
		if cached, ok := s.data.Peek(key); ok {
			w.Header().Set("X-Served-From", "cache")
			RenderJSON(w, r, http.StatusOK, cached)
			return
		}
		s.reportFetchError(key, err)
		RenderError(w, r, fmt.Errorf("comments unavailable: %w", err), http.StatusServiceUnavailable)
		return
	}

	comments, ok := v.([]state.CommentRecord)
	if !ok {
		RenderError(w, r, fmt.Errorf("unexpected cache payload for %s", key), http.StatusInternalServerError)
		return
	}
	s.states.Dispatch(state.CommentsLoaded{Items: comments})
	RenderJSON(w, r, http.StatusOK, comments)
}

// commentRequest is the post-comment payload
type commentRequest struct {
	NewsID string `json:"news_id"`
	Author string `json:"author"`
	Text   string `json:"text"`
}

// postCommentHandler applies the comment optimistically and sends it to the
// backend; without connectivity (or on a failed send) the mutation goes to
// the offline queue instead of being lost
func (s *Server) postCommentHandler(w http.ResponseWriter, r *http.Request) {
	var req commentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RenderError(w, r, fmt.Errorf("decode comment: %w", err), http.StatusBadRequest)
		return
	}
	if req.NewsID == "" || req.Text == "" {
		RenderError(w, r, fmt.Errorf("news_id and text are required"), http.StatusBadRequest)
		return
	}

	comment := state.CommentRecord{
		ID:        uuid.New().String(),
		NewsID:    req.NewsID,
		Author:    req.Author,
		Text:      req.Text,
		CreatedAt: time.Now(),
	}

	// optimistic update: state and cache reflect the comment immediately
	s.states.Dispatch(state.CommentAdded{Comment: comment})
	s.data.Mutate(commentsKey(req.NewsID), func(prev any, ok bool) any {
		comments, _ := prev.([]state.CommentRecord)
		return append(append([]state.CommentRecord(nil), comments...), comment)
	}, false)

	body, err := json.Marshal(comment)
	if err != nil {
		RenderError(w, r, fmt.Errorf("encode comment: %w", err), http.StatusInternalServerError)
		return
	}

	if !s.queue.Online() {
		id := s.queue.Enqueue(r.Context(), "/api/comments", http.MethodPost, body, nil, 0)
		RenderJSON(w, r, http.StatusAccepted, map[string]string{"id": comment.ID, "queued": id})
		return
	}

	if err := s.api.Send(r.Context(), "/api/comments", http.MethodPost, nil, body); err != nil {
		lgr.Printf("[WARN] comment send failed, queueing: %v", err)
		id := s.queue.Enqueue(r.Context(), "/api/comments", http.MethodPost, body, nil, 0)
		RenderJSON(w, r, http.StatusAccepted, map[string]string{"id": comment.ID, "queued": id})
		return
	}

	// reconcile the optimistic entry with the server copy on the next read
	s.data.Invalidate(commentsKey(req.NewsID))
	RenderJSON(w, r, http.StatusCreated, map[string]string{"id": comment.ID})
}

// stateHandler returns the current state tree
func (s *Server) stateHandler(w http.ResponseWriter, r *http.Request) {
	tree := s.states.State()
	RenderJSON(w, r, http.StatusOK, map[string]interface{}{
		"news": map[string]interface{}{
			"count":      len(tree.News.Items),
			"current_id": tree.News.CurrentID,
			"categories": tree.News.CategoryIndex,
			"last_fetch": tree.News.LastFetch,
		},
		"comments": map[string]interface{}{
			"count": len(tree.Comments.Items),
		},
		"ui": map[string]interface{}{
			"theme":         tree.UI.Theme,
			"sidebar_open":  tree.UI.SidebarOpen,
			"notifications": tree.UI.Notifications,
			"search":        tree.UI.SearchQuery,
		},
		"user": map[string]interface{}{
			"authenticated": tree.User.Authenticated,
			"preferences":   tree.User.Preferences,
		},
		"performance": tree.Performance,
	})
}

// preferencesHandler stores a single user preference
func (s *Server) preferencesHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" {
		RenderError(w, r, fmt.Errorf("key and value are required"), http.StatusBadRequest)
		return
	}
	s.states.Dispatch(state.PreferenceSet{Key: req.Key, Value: req.Value})
	RenderJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// themeHandler switches the UI theme
func (s *Server) themeHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Theme string `json:"theme"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Theme == "" {
		RenderError(w, r, fmt.Errorf("theme is required"), http.StatusBadRequest)
		return
	}
	s.states.Dispatch(state.ThemeSet{Theme: req.Theme})
	RenderJSON(w, r, http.StatusOK, map[string]string{"theme": req.Theme})
}

// queueHandler lists pending offline requests
func (s *Server) queueHandler(w http.ResponseWriter, r *http.Request) {
	RenderJSON(w, r, http.StatusOK, s.queue.Pending(r.Context()))
}

// drainHandler triggers an immediate drain
func (s *Server) drainHandler(w http.ResponseWriter, r *http.Request) {
	go s.queue.Drain(context.Background())
	RenderJSON(w, r, http.StatusAccepted, map[string]string{"status": "draining"})
}

// errorReportHandler accepts an error report from the presentational layer
func (s *Server) errorReportHandler(w http.ResponseWriter, r *http.Request) {
	var report telemetry.ErrorReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		RenderError(w, r, fmt.Errorf("decode report: %w", err), http.StatusBadRequest)
		return
	}
	if report.Message == "" {
		RenderError(w, r, fmt.Errorf("message is required"), http.StatusBadRequest)
		return
	}
	s.reporter.ReportError(report)
	RenderJSON(w, r, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) reportFetchError(key string, err error) {
	s.reporter.ReportError(telemetry.ErrorReport{
		Message: err.Error(),
		URL:     key,
		Level:   telemetry.LevelSection,
	})
}

func newsKey(category string) string {
	if category == "" {
		return "news:all"
	}
	return "news:" + category
}

func commentsKey(newsID string) string {
	return "comments:" + newsID
}
