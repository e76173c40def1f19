package scrape

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"time"

	"github.com/gramfix/gramfix/internal/fetch"
	"github.com/gramfix/gramfix/internal/jsontree"
	"github.com/gramfix/gramfix/internal/observability"
	"github.com/gramfix/gramfix/internal/shortcode"
)

const (
	graphqlAttempts = 5

	graphqlCallerClass  = "RelayModern"
	graphqlFriendlyName = "PolarisPostActionLoadPostQueryQuery"
	graphqlDocID        = "8845758582119845"

	rulingPath = "/api/v1/web/get_ruling_for_media_content_logged_out/"
)

// GraphQLScraper calls the site's internal query endpoint. Heavier than the
// embed page but sees posts the embed hides.
type GraphQLScraper struct {
	http *fetch.Session
	base string
	log  *slog.Logger
	now  func() time.Time
}

func NewGraphQLScraper(s *fetch.Session, base string, log *slog.Logger) *GraphQLScraper {
	return &GraphQLScraper{http: s, base: base, log: log, now: time.Now}
}

// Fetch returns the post, nil for absent, or a RestrictedError when the
// upstream explicitly refuses the post.
func (g *GraphQLScraper) Fetch(ctx context.Context, code string) (*Post, error) {
	variables, err := json.Marshal(map[string]any{
		"shortcode":               code,
		"fetch_tagged_user_count": nil,
		"hoisted_comment_id":      nil,
		"hoisted_reply_id":        nil,
	})
	if err != nil {
		return nil, err
	}
	form := url.Values{
		"fb_api_caller_class":      {graphqlCallerClass},
		"fb_api_req_friendly_name": {graphqlFriendlyName},
		"server_timestamps":        {"true"},
		"doc_id":                   {graphqlDocID},
		"variables":                {string(variables)},
	}

	var body []byte
	start := time.Now()
	for attempt := 1; ; attempt++ {
		var ferr error
		body, ferr = g.http.PostForm(ctx, g.base+"/graphql/query", form,
			fetch.WithHeader("x-csrftoken", "-"))
		if ferr == nil {
			break
		}
		g.log.WarnContext(ctx, "graphql query failed",
			"post_id", code, "attempt", attempt, "err", ferr)
		if attempt >= graphqlAttempts || ctx.Err() != nil {
			// the last failure is absent, not an error
			observability.ObserveScrape("graphql", ferr, time.Since(start).Seconds())
			return nil, nil
		}
	}
	observability.ObserveScrape("graphql", nil, time.Since(start).Seconds())

	v, err := jsontree.Parse(body)
	if err != nil {
		g.log.WarnContext(ctx, "graphql response unparsable", "post_id", code, "err", err)
		return nil, nil
	}

	sm := v.Get("data", "xdt_shortcode_media")
	if !sm.Exists() {
		// the post exists but the query refuses it; ask why
		return nil, &RestrictedError{Reason: g.ruling(ctx, code)}
	}

	medias := extractMedias(sm)
	if len(medias) == 0 {
		observability.IncScrapeAbsent("graphql")
		return nil, nil
	}
	return &Post{
		PostID:    code,
		Timestamp: g.now().Unix(),
		User:      extractOwner(sm),
		Caption:   extractCaption(sm),
		Medias:    medias,
		Blocked:   false,
	}, nil
}

// ruling asks the media-ruling endpoint why a post was withheld.
func (g *GraphQLScraper) ruling(ctx context.Context, code string) string {
	const fallback = "Post unavailable"

	mediaID, ok := shortcode.ToDecimal(code)
	if !ok {
		return fallback
	}
	body, err := g.http.Get(ctx, g.base+rulingPath,
		fetch.WithParams(url.Values{"media_id": {mediaID}}),
		fetch.IgnoreStatus())
	if err != nil {
		g.log.WarnContext(ctx, "ruling fetch failed", "post_id", code, "err", err)
		return fallback
	}
	v, err := jsontree.Parse(body)
	if err != nil {
		return fallback
	}
	if d := v.Get("description").Str(); d != "" {
		return d
	}
	if m := v.Get("message").Str(); m != "" {
		return m
	}
	return fallback
}
