package server

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/go-chi/chi/v5"

	"github.com/gramfix/gramfix/internal/grid"
	"github.com/gramfix/gramfix/internal/logger"
	"github.com/gramfix/gramfix/internal/scrape"
	"github.com/gramfix/gramfix/internal/shortcode"
)

// botAgents matches the crawlers that get the meta-tag page; everyone else
// is a human and belongs on the upstream site.
var botAgents = regexp.MustCompile(
	`(?i)discordbot|telegrambot|facebook|whatsapp|firefox/92|vkshare|revoltchat|preview|iframely`)

// Server holds the handler dependencies.
type Server struct {
	log      *slog.Logger
	posts    *scrape.Resolver
	shares   *scrape.ShareResolver
	grids    *grid.Composer
	upstream string
}

func New(log *slog.Logger, posts *scrape.Resolver, shares *scrape.ShareResolver, grids *grid.Composer, upstream string) *Server {
	return &Server{
		log:      log,
		posts:    posts,
		shares:   shares,
		grids:    grids,
		upstream: upstream,
	}
}

// canonicalID maps whatever the route captured to a resolvable short-code:
// share codes go through the share resolver, numeric story ids get
// re-encoded into the url alphabet.
func (s *Server) canonicalID(r *http.Request, id string) (string, bool) {
	if scrape.IsShareCode(id) {
		resolved := s.shares.Resolve(r.Context(), id)
		if resolved == "" {
			return "", false
		}
		return resolved, true
	}
	if shortcode.IsDigits(id) {
		return shortcode.FromDecimal(id)
	}
	return id, true
}

func (s *Server) postPath(user, code string) string {
	if user != "" {
		return "/" + user + "/p/" + code + "/"
	}
	return "/p/" + code + "/"
}

func (s *Server) redirectUpstream(w http.ResponseWriter, r *http.Request, path string) {
	http.Redirect(w, r, s.upstream+path, http.StatusTemporaryRedirect)
}

// baseURL reconstructs our own externally visible origin for media links.
func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = p
	}
	return scheme + "://" + r.Host
}

func hasVideo(medias []scrape.Media) bool {
	for _, m := range medias {
		if m.Type == scrape.Video {
			return true
		}
	}
	return false
}

func (s *Server) handleEmbed(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	user := chi.URLParam(r, "user")

	code, ok := s.canonicalID(r, id)
	if !ok {
		s.redirectUpstream(w, r, s.postPath(user, id))
		return
	}
	ctx := logger.WithPostID(r.Context(), code)

	if !botAgents.MatchString(r.UserAgent()) {
		s.redirectUpstream(w, r, s.postPath(user, code))
		return
	}

	post, err := s.posts.Resolve(ctx, code)
	var restricted *scrape.RestrictedError
	switch {
	case errors.As(err, &restricted):
		s.renderRestricted(w, r, code, restricted.Reason)
		return
	case err != nil:
		s.log.ErrorContext(ctx, "post resolution failed", "post_id", code, "err", err)
		s.redirectUpstream(w, r, s.postPath(user, code))
		return
	case post == nil:
		s.redirectUpstream(w, r, s.postPath(user, code))
		return
	}

	d := embedData{
		Title:       post.User.Username,
		Description: post.Caption,
		PostURL:     s.upstream + s.postPath(post.User.Username, code),
	}

	n, _ := strconv.Atoi(chi.URLParam(r, "n"))
	if n < 1 || n > len(post.Medias) {
		n = 0
	}
	base := baseURL(r)
	if n == 0 && len(post.Medias) > 1 && !hasVideo(post.Medias) {
		d.ImageURL = base + "/grid/" + code + "/"
	} else {
		if n == 0 {
			n = 1
		}
		m := post.Medias[n-1]
		k := strconv.Itoa(n)
		if m.Type == scrape.Video {
			d.VideoURL = base + "/videos/" + code + "/" + k
		} else {
			d.ImageURL = base + "/images/" + code + "/" + k
		}
	}

	body, err := renderEmbed(d)
	if err != nil {
		s.log.ErrorContext(ctx, "embed render failed", "post_id", code, "err", err)
		s.redirectUpstream(w, r, s.postPath(user, code))
		return
	}
	s.serveWithETag(w, r, "text/html; charset=utf-8", body)
}

func (s *Server) renderRestricted(w http.ResponseWriter, r *http.Request, code, reason string) {
	body, err := renderError(errorData{
		PostURL: s.upstream + s.postPath("", code),
		Reason:  reason,
	})
	if err != nil {
		s.redirectUpstream(w, r, s.postPath("", code))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusForbidden)
	_, _ = w.Write(body)
}

// media returns the resolved post and the 1-based media index from the
// route, or writes the failure response itself and reports false.
func (s *Server) media(w http.ResponseWriter, r *http.Request) (*scrape.Post, string, int, bool) {
	id := chi.URLParam(r, "id")
	code, ok := s.canonicalID(r, id)
	if !ok {
		s.redirectUpstream(w, r, s.postPath("", id))
		return nil, "", 0, false
	}
	ctx := logger.WithPostID(r.Context(), code)

	post, err := s.posts.Resolve(ctx, code)
	var restricted *scrape.RestrictedError
	switch {
	case errors.As(err, &restricted):
		s.renderRestricted(w, r, code, restricted.Reason)
		return nil, "", 0, false
	case err != nil:
		s.log.ErrorContext(ctx, "post resolution failed", "post_id", code, "err", err)
		s.redirectUpstream(w, r, s.postPath("", code))
		return nil, "", 0, false
	case post == nil:
		s.redirectUpstream(w, r, s.postPath("", code))
		return nil, "", 0, false
	}

	k, err := strconv.Atoi(chi.URLParam(r, "k"))
	if err != nil || k < 1 || k > len(post.Medias) {
		http.NotFound(w, r)
		return nil, "", 0, false
	}
	return post, code, k, true
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	post, _, k, ok := s.media(w, r)
	if !ok {
		return
	}
	http.Redirect(w, r, post.Medias[k-1].URL, http.StatusTemporaryRedirect)
}

func (s *Server) handleVideo(w http.ResponseWriter, r *http.Request) {
	post, _, k, ok := s.media(w, r)
	if !ok {
		return
	}
	m := post.Medias[k-1]
	target := m.URL
	if r.URL.Query().Get("preview") == "1" && m.PreviewURL != "" {
		target = m.PreviewURL
	}
	http.Redirect(w, r, target, http.StatusTemporaryRedirect)
}

func (s *Server) handleGrid(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	code, ok := s.canonicalID(r, id)
	if !ok {
		s.redirectUpstream(w, r, s.postPath("", id))
		return
	}
	ctx := logger.WithPostID(r.Context(), code)

	post, err := s.posts.Resolve(ctx, code)
	if err != nil || post == nil {
		s.redirectUpstream(w, r, s.postPath("", code))
		return
	}

	var urls []string
	for _, m := range post.Medias {
		if m.Type == scrape.Image {
			urls = append(urls, m.URL)
		}
	}
	single := "/images/" + code + "/1"
	if len(urls) < 2 {
		http.Redirect(w, r, single, http.StatusTemporaryRedirect)
		return
	}

	path, err := s.grids.Compose(ctx, code, urls)
	if err != nil {
		s.log.WarnContext(ctx, "grid composition failed", "post_id", code, "err", err)
		http.Redirect(w, r, single, http.StatusTemporaryRedirect)
		return
	}
	body, err := os.ReadFile(path)
	if err != nil {
		s.log.WarnContext(ctx, "grid read failed", "post_id", code, "err", err)
		http.Redirect(w, r, single, http.StatusTemporaryRedirect)
		return
	}
	s.serveWithETag(w, r, "image/jpeg", body)
}

// serveWithETag writes body with a strong content hash tag, answering 304
// to a matching If-None-Match.
func (s *Server) serveWithETag(w http.ResponseWriter, r *http.Request, contentType string, body []byte) {
	etag := `"` + strconv.FormatUint(xxhash.Sum64(body), 16) + `"`
	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	_, _ = w.Write(body)
}
