package scrape

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/gramfix/gramfix/internal/fetch"
	"github.com/gramfix/gramfix/internal/jslex"
	"github.com/gramfix/gramfix/internal/jsontree"
	"github.com/gramfix/gramfix/internal/observability"
)

const embedTimeout = 5 * time.Second

// blockedMarker appears in embed HTML that hides the post behind an
// interstitial.
const blockedMarker = "WatchOnInstagram"

// EmbedScraper reads the public captioned-embed page. It is the cheap path:
// no API call, but the upstream blanks it out for some posts.
type EmbedScraper struct {
	http *fetch.Session
	base string
	log  *slog.Logger
	now  func() time.Time
}

func NewEmbedScraper(s *fetch.Session, base string, log *slog.Logger) *EmbedScraper {
	return &EmbedScraper{http: s, base: base, log: log, now: time.Now}
}

// Fetch returns the post, or nil when the embed page yields nothing.
// Network and parse failures are logged and reported as absent, never as
// errors: the caller falls back to the GraphQL scraper either way.
func (e *EmbedScraper) Fetch(ctx context.Context, code string) *Post {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, embedTimeout)
	defer cancel()

	body, err := e.http.Get(ctx, e.base+"/p/"+code+"/embed/captioned/", fetch.IgnoreStatus())
	observability.ObserveScrape("embed", err, time.Since(start).Seconds())
	if err != nil {
		e.log.WarnContext(ctx, "embed fetch failed", "post_id", code, "err", err)
		return nil
	}

	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		e.log.WarnContext(ctx, "embed html unparsable", "post_id", code, "err", err)
		return nil
	}

	post := &Post{
		PostID:    code,
		Timestamp: e.now().Unix(),
		Blocked:   bytes.Contains(body, []byte(blockedMarker)),
	}

	if sm := scriptShortcodeMedia(doc); sm.Exists() {
		post.Medias = extractMedias(sm)
		post.User = extractOwner(sm)
		post.Caption = extractCaption(sm)
	}

	// html fallback, mostly single-image posts without embedded json
	if post.User.Username == "" {
		if n := findFirst(doc, matchClass("span", "UsernameText")); n != nil {
			post.User.Username = strings.TrimSpace(allText(n))
		}
	}
	if post.User.ProfilePic == "" {
		if a := findFirst(doc, matchClass("a", "Avatar")); a != nil {
			if img := findFirst(a, matchTag("img")); img != nil {
				post.User.ProfilePic = attr(img, "src")
			}
		}
	}
	if post.Caption == "" {
		if n := findFirst(doc, matchClass("div", "Caption")); n != nil {
			post.Caption = shallowText(n)
		}
	}
	if len(post.Medias) == 0 {
		if n := findFirst(doc, matchAnyClass("EmbeddedMediaImage")); n != nil {
			if src := attr(n, "src"); src != "" {
				post.Medias = append(post.Medias, Media{URL: src, Type: Image})
			}
		}
	}

	if len(post.Medias) == 0 || post.User.Username == "" {
		observability.IncScrapeAbsent("embed")
		return nil
	}
	return post
}

// scriptShortcodeMedia digs gql_data.shortcode_media out of inline scripts:
// each candidate string literal is JSON-decoded twice, first to unquote the
// literal, then to parse the payload it carried.
func scriptShortcodeMedia(doc *html.Node) jsontree.Value {
	var found jsontree.Value
	walk(doc, func(n *html.Node) bool {
		if n.Type != html.ElementNode || n.Data != "script" {
			return true
		}
		text := allText(n)
		if !strings.Contains(text, "shortcode_media") {
			return true
		}
		for _, tok := range jslex.Strings(text) {
			if !strings.Contains(tok, "shortcode_media") {
				continue
			}
			var payload string
			if err := json.Unmarshal([]byte(tok), &payload); err != nil {
				continue
			}
			v, err := jsontree.Parse([]byte(payload))
			if err != nil {
				continue
			}
			if sm := v.Get("gql_data", "shortcode_media"); sm.Exists() {
				found = sm
				return false
			}
		}
		return true
	})
	return found
}

// extractMedias flattens a shortcode_media node into the media list:
// sidecar children when present, the node itself otherwise.
func extractMedias(sm jsontree.Value) []Media {
	var nodes []jsontree.Value
	if edges := sm.Get("edge_sidecar_to_children", "edges").Arr(); len(edges) > 0 {
		for _, e := range edges {
			if n := e.Get("node"); n.Exists() {
				nodes = append(nodes, n)
			} else {
				nodes = append(nodes, e)
			}
		}
	} else {
		nodes = []jsontree.Value{sm}
	}

	var out []Media
	for _, n := range nodes {
		m := Media{
			Width:  n.Get("dimensions", "width").Int(),
			Height: n.Get("dimensions", "height").Int(),
		}
		videoURL := n.Get("video_url").Str()
		displayURL := n.Get("display_url").Str()

		switch {
		case mediaTypeOf(n) == Video && videoURL != "":
			m.URL = videoURL
			m.Type = Video
			m.PreviewURL = displayURL
			m.Duration = n.Get("video_duration").Float()
		case displayURL != "":
			m.URL = displayURL
			m.Type = Image
		default:
			continue
		}
		out = append(out, m)
	}
	return out
}

// mediaTypeOf normalises __typename (GraphVideo, XDTGraphVideo, ...) and
// falls back to video_url presence when the field is missing.
func mediaTypeOf(n jsontree.Value) MediaType {
	tn := strings.TrimPrefix(n.Get("__typename").Str(), "XDT")
	switch tn {
	case "GraphVideo", "GraphStoryVideo":
		return Video
	case "GraphImage", "GraphStoryImage":
		return Image
	}
	if n.Get("video_url").Str() != "" {
		return Video
	}
	return Image
}

func extractOwner(sm jsontree.Value) User {
	owner := sm.Get("owner")
	return User{
		Username:   owner.Get("username").Str(),
		FullName:   owner.Get("full_name").Str(),
		ProfilePic: owner.Get("profile_pic_url").Str(),
	}
}

func extractCaption(sm jsontree.Value) string {
	edges := sm.Get("edge_media_to_caption", "edges").Arr()
	if len(edges) == 0 {
		return ""
	}
	return edges[0].Get("node", "text").Str()
}

// --- html walking helpers ---

// walk visits n and its children depth first; f returning false stops the
// walk.
func walk(n *html.Node, f func(*html.Node) bool) bool {
	if !f(n) {
		return false
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if !walk(c, f) {
			return false
		}
	}
	return true
}

func findFirst(n *html.Node, match func(*html.Node) bool) *html.Node {
	var found *html.Node
	walk(n, func(c *html.Node) bool {
		if match(c) {
			found = c
			return false
		}
		return true
	})
	return found
}

func matchTag(tag string) func(*html.Node) bool {
	return func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.Data == tag
	}
}

func matchClass(tag, class string) func(*html.Node) bool {
	return func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.Data == tag && hasClass(n, class)
	}
}

func matchAnyClass(class string) func(*html.Node) bool {
	return func(n *html.Node) bool {
		return n.Type == html.ElementNode && hasClass(n, class)
	}
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// allText concatenates every text node under n.
func allText(n *html.Node) string {
	var sb strings.Builder
	walk(n, func(c *html.Node) bool {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
		}
		return true
	})
	return sb.String()
}

// shallowText joins n's direct text children on newlines, trimmed.
func shallowText(n *html.Node) string {
	var parts []string
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.TextNode {
			continue
		}
		if t := strings.TrimSpace(c.Data); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}
