package scrape

import (
	"context"
	"log/slog"

	"github.com/gramfix/gramfix/internal/kvcache"
	"github.com/gramfix/gramfix/internal/singleflight"
)

// Resolver is the front door for post lookups: post-cache, then a
// singleflighted scrape that tries the embed page and falls back to
// GraphQL when the embed is blocked or empty.
type Resolver struct {
	cache *kvcache.Cache
	embed *EmbedScraper
	gql   *GraphQLScraper
	sf    *singleflight.Group[string, *Post]
	log   *slog.Logger
}

func NewResolver(cache *kvcache.Cache, embed *EmbedScraper, gql *GraphQLScraper, log *slog.Logger) *Resolver {
	return &Resolver{
		cache: cache,
		embed: embed,
		gql:   gql,
		sf:    singleflight.New[string, *Post]("post"),
		log:   log,
	}
}

// Resolve returns the post for code, nil when absent, or RestrictedError.
// Concurrent lookups of the same code share one upstream scrape.
func (r *Resolver) Resolve(ctx context.Context, code string) (*Post, error) {
	if b, ok := r.cache.Get(ctx, code); ok {
		p, err := UnmarshalPost(b)
		if err == nil {
			return p, nil
		}
		// a corrupt cache entry is a miss, the scrape below rewrites it
		r.log.WarnContext(ctx, "cached post unreadable", "post_id", code, "err", err)
	}

	return r.sf.Do(ctx, code, func(ctx context.Context) (*Post, error) {
		return r.resolve(ctx, code)
	})
}

func (r *Resolver) resolve(ctx context.Context, code string) (*Post, error) {
	post := r.embed.Fetch(ctx, code)
	if post == nil || post.Blocked {
		p, err := r.gql.Fetch(ctx, code)
		if err != nil {
			return nil, err
		}
		if p != nil {
			post = p
		}
	}
	if post == nil || len(post.Medias) == 0 {
		return nil, nil
	}

	if b, err := post.Marshal(); err == nil {
		r.cache.Set(ctx, code, b)
	} else {
		r.log.WarnContext(ctx, "post encode failed", "post_id", code, "err", err)
	}
	return post, nil
}
