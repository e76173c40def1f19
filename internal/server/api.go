package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gramfix/gramfix/internal/logger"
	"github.com/gramfix/gramfix/internal/scrape"
	"github.com/gramfix/gramfix/internal/shortcode"
)

func (s *Server) handleHome(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleOEmbed fills in the oEmbed document linked from the embed page so
// chat clients can show an author line.
func (s *Server) handleOEmbed(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	writeJSON(w, http.StatusOK, map[string]any{
		"version":       "1.0",
		"type":          "link",
		"provider_name": siteName,
		"provider_url":  baseURL(r),
		"author_name":   q.Get("text"),
		"author_url":    q.Get("url"),
		"title":         siteName,
	})
}

type statusAccount struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Avatar      string `json:"avatar,omitempty"`
}

type statusAttachment struct {
	Type       string `json:"type"`
	URL        string `json:"url"`
	PreviewURL string `json:"preview_url,omitempty"`
}

type statusDoc struct {
	ID          string             `json:"id"`
	URL         string             `json:"url"`
	Content     string             `json:"content"`
	CreatedAt   string             `json:"created_at"`
	Account     statusAccount      `json:"account"`
	Attachments []statusAttachment `json:"media_attachments"`
}

// handleStatus serves a Mastodon-shaped status document. The numeric id is
// the short-code packed into a big-endian integer, so clients that insist
// on integer ids can still address posts.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	code, ok := shortcode.FromStatusID(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	ctx := logger.WithPostID(r.Context(), code)

	post, err := s.posts.Resolve(ctx, code)
	var restricted *scrape.RestrictedError
	switch {
	case errors.As(err, &restricted):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": restricted.Reason})
		return
	case err != nil:
		s.log.ErrorContext(ctx, "post resolution failed", "post_id", code, "err", err)
		http.NotFound(w, r)
		return
	case post == nil:
		http.NotFound(w, r)
		return
	}

	doc := statusDoc{
		ID:        id,
		URL:       s.upstream + s.postPath(post.User.Username, code),
		Content:   post.Caption,
		CreatedAt: time.Unix(post.Timestamp, 0).UTC().Format(time.RFC3339),
		Account: statusAccount{
			Username:    post.User.Username,
			DisplayName: post.User.FullName,
			Avatar:      post.User.ProfilePic,
		},
	}
	for _, m := range post.Medias {
		a := statusAttachment{Type: "image", URL: m.URL, PreviewURL: m.PreviewURL}
		if m.Type == scrape.Video {
			a.Type = "video"
		}
		doc.Attachments = append(doc.Attachments, a)
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleAPIPost exposes the resolved post in its cache wire form.
func (s *Server) handleAPIPost(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	code, ok := s.canonicalID(r, id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	ctx := logger.WithPostID(r.Context(), code)

	post, err := s.posts.Resolve(ctx, code)
	var restricted *scrape.RestrictedError
	switch {
	case errors.As(err, &restricted):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": restricted.Reason})
		return
	case err != nil:
		s.log.ErrorContext(ctx, "post resolution failed", "post_id", code, "err", err)
		http.NotFound(w, r)
		return
	case post == nil:
		http.NotFound(w, r)
		return
	}

	b, err := post.Marshal()
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(b)
}
