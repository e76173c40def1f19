// Package scrape resolves upstream posts: an embed-page scraper, a GraphQL
// scraper, a share-code resolver, and the orchestration that falls back
// between them and persists the result.
package scrape

import (
	"encoding/json"
	"fmt"
)

type MediaType uint8

const (
	Image MediaType = iota + 1
	Video
)

func (t MediaType) String() string {
	switch t {
	case Image:
		return "image"
	case Video:
		return "video"
	default:
		return "unknown"
	}
}

type User struct {
	Username   string `json:"u"`
	FullName   string `json:"f,omitempty"`
	ProfilePic string `json:"p,omitempty"`
}

type Media struct {
	URL        string    `json:"u"`
	Type       MediaType `json:"t"`
	Width      int       `json:"w,omitempty"`
	Height     int       `json:"h,omitempty"`
	Duration   float64   `json:"d,omitempty"`
	PreviewURL string    `json:"v,omitempty"`
}

// Post is the normalised record a scraper produces. Medias is never empty
// for a post the resolver returns.
type Post struct {
	PostID    string  `json:"id"`
	Timestamp int64   `json:"ts"`
	User      User    `json:"usr"`
	Caption   string  `json:"c,omitempty"`
	Medias    []Media `json:"m"`
	Blocked   bool    `json:"b,omitempty"`
}

// Marshal encodes the post in the compact-key cache format.
func (p *Post) Marshal() ([]byte, error) {
	if len(p.Medias) == 0 {
		return nil, fmt.Errorf("post %s has no medias", p.PostID)
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode post %s: %w", p.PostID, err)
	}
	return b, nil
}

// UnmarshalPost decodes a cached post, rejecting records with no media.
func UnmarshalPost(b []byte) (*Post, error) {
	var p Post
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("decode cached post: %w", err)
	}
	if len(p.Medias) == 0 {
		return nil, fmt.Errorf("cached post %s has no medias", p.PostID)
	}
	return &p, nil
}

// RestrictedError reports that the upstream explicitly refuses to serve the
// post, with the human-readable ruling it gave.
type RestrictedError struct {
	Reason string
}

func (e *RestrictedError) Error() string {
	return "post restricted by upstream: " + e.Reason
}
