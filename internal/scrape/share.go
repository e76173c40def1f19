package scrape

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gramfix/gramfix/internal/kvcache"
)

const shareTimeout = 5 * time.Second

// ShareResolver turns short share codes into canonical post slugs by
// following (one hop of) the upstream's share redirect, memoised for a year.
type ShareResolver struct {
	cache *kvcache.Cache
	http  headRedirecter
	base  string
	log   *slog.Logger
}

type headRedirecter interface {
	HeadRedirect(ctx context.Context, rawurl string) (string, error)
}

func NewShareResolver(cache *kvcache.Cache, http headRedirecter, base string, log *slog.Logger) *ShareResolver {
	return &ShareResolver{cache: cache, http: http, base: base, log: log}
}

// IsShareCode reports whether id looks like a share code rather than a
// canonical slug.
func IsShareCode(id string) bool {
	return len(id) > 0 && (id[0] == 'B' || id[0] == '_')
}

// Resolve returns the canonical short-code for a share code, or "" when the
// share target cannot be determined (login interstitial, network failure).
func (r *ShareResolver) Resolve(ctx context.Context, code string) string {
	if v, ok := r.cache.Get(ctx, code); ok {
		return string(v)
	}

	ctx, cancel := context.WithTimeout(ctx, shareTimeout)
	defer cancel()

	location, err := r.http.HeadRedirect(ctx, r.base+"/share/reel/"+code+"/")
	if err != nil {
		r.log.WarnContext(ctx, "share redirect failed", "share_code", code, "err", err)
		return ""
	}
	if location == "" || strings.Contains(location, "/login") {
		return ""
	}

	u, err := url.Parse(location)
	if err != nil {
		r.log.WarnContext(ctx, "share redirect location unparsable",
			"share_code", code, "location", location, "err", err)
		return ""
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	resolved := parts[len(parts)-1]
	if resolved == "" {
		return ""
	}

	r.cache.Set(ctx, code, []byte(resolved))
	return resolved
}
