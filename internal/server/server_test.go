package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gramfix/gramfix/internal/fetch"
	"github.com/gramfix/gramfix/internal/grid"
	"github.com/gramfix/gramfix/internal/kvcache"
	"github.com/gramfix/gramfix/internal/scrape"
	"github.com/gramfix/gramfix/internal/server"
	"github.com/gramfix/gramfix/internal/shortcode"
)

const (
	botUA   = "TelegramBot (like TwitterBot)"
	humanUA = "Mozilla/5.0 (X11; Linux x86_64) Gecko/20100101 Firefox/128.0"
)

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memStore struct {
	mu sync.Mutex
	m  map[string][]byte
}

func (s *memStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	return v, ok, nil
}

func (s *memStore) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	return nil
}

func (s *memStore) Evict(context.Context) (int, error) { return 0, nil }
func (s *memStore) Close() error                       { return nil }

// scriptLiteral renders v as the double-encoded string literal found in
// embed page scripts.
func scriptLiteral(t *testing.T, v any) string {
	t.Helper()
	inner, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	outer, err := json.Marshal(string(inner))
	if err != nil {
		t.Fatal(err)
	}
	return string(outer)
}

func embedPage(t *testing.T, medias []map[string]any, caption string, blocked bool) string {
	t.Helper()
	sm := map[string]any{
		"owner": map[string]any{
			"username":        "someone",
			"full_name":       "Some One",
			"profile_pic_url": "https://cdn.example/avatar.jpg",
		},
		"edge_media_to_caption": map[string]any{
			"edges": []any{map[string]any{"node": map[string]any{"text": caption}}},
		},
	}
	if len(medias) == 1 {
		for k, v := range medias[0] {
			sm[k] = v
		}
	} else {
		sm["__typename"] = "GraphSidecar"
		var edges []any
		for _, m := range medias {
			edges = append(edges, map[string]any{"node": m})
		}
		sm["edge_sidecar_to_children"] = map[string]any{"edges": edges}
	}
	payload := map[string]any{"gql_data": map[string]any{"shortcode_media": sm}}
	page := fmt.Sprintf(`<html><body><script>h(%s);</script></body></html>`,
		scriptLiteral(t, payload))
	if blocked {
		page += "<!-- WatchOnInstagram -->"
	}
	return page
}

func imageNode(url string) map[string]any {
	return map[string]any{
		"__typename":  "GraphImage",
		"display_url": url,
		"dimensions":  map[string]any{"width": 100, "height": 100},
	}
}

func testJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 100, 100))
	for y := 0; y < 100; y++ {
		for x := 0; x < 100; x++ {
			img.Set(x, y, color.RGBA{G: 180, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// fixture is the stand-in upstream site plus its CDN.
type fixture struct {
	embedPage   atomic.Pointer[string]
	graphqlBody atomic.Pointer[string]
	shareTarget atomic.Pointer[string]
	ruling      atomic.Pointer[string]

	embedHits atomic.Int32
	headHits  atomic.Int32
	imageHits atomic.Int32

	jpegBody []byte
}

func setp(p *atomic.Pointer[string], v string) { p.Store(&v) }

func (f *fixture) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		switch {
		case strings.HasSuffix(path, "/embed/captioned/"):
			f.embedHits.Add(1)
			if p := f.embedPage.Load(); p != nil {
				_, _ = io.WriteString(w, *p)
				return
			}
			http.NotFound(w, r)
		case path == "/graphql/query":
			if p := f.graphqlBody.Load(); p != nil {
				_, _ = io.WriteString(w, *p)
				return
			}
			http.NotFound(w, r)
		case strings.HasPrefix(path, "/share/"):
			if r.Method == http.MethodHead {
				f.headHits.Add(1)
				if p := f.shareTarget.Load(); p != nil {
					w.Header().Set("Location", *p)
					w.WriteHeader(http.StatusFound)
					return
				}
			}
			http.NotFound(w, r)
		case path == "/api/v1/web/get_ruling_for_media_content_logged_out/":
			if p := f.ruling.Load(); p != nil {
				_, _ = io.WriteString(w, *p)
				return
			}
			http.NotFound(w, r)
		case strings.HasPrefix(path, "/cdn/"):
			f.imageHits.Add(1)
			_, _ = w.Write(f.jpegBody)
		default:
			http.NotFound(w, r)
		}
	})
}

type harness struct {
	fix      *fixture
	upstream *httptest.Server
	gateway  *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fix := &fixture{jpegBody: testJPEG(t)}
	upstream := httptest.NewServer(fix.handler(t))
	t.Cleanup(upstream.Close)

	sess, err := fetch.NewSession(fetch.Options{})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	log := discardLog()
	postCache := kvcache.New("post", time.Hour, &memStore{m: map[string][]byte{}}, log)
	shareCache := kvcache.New("shareid", time.Hour, &memStore{m: map[string][]byte{}}, log)

	resolver := scrape.NewResolver(postCache,
		scrape.NewEmbedScraper(sess, upstream.URL, log),
		scrape.NewGraphQLScraper(sess, upstream.URL, log),
		log)
	shares := scrape.NewShareResolver(shareCache, sess, upstream.URL, log)

	files, err := grid.OpenFileCache(t.TempDir(), 100, 1<<30, log)
	if err != nil {
		t.Fatalf("OpenFileCache: %v", err)
	}
	t.Cleanup(files.Close)
	grids := grid.NewComposer(sess, files, log)

	srv := server.New(log, resolver, shares, grids, upstream.URL)
	gateway := httptest.NewServer(srv.Routes(nil))
	t.Cleanup(gateway.Close)

	return &harness{fix: fix, upstream: upstream, gateway: gateway}
}

func (h *harness) get(t *testing.T, path, ua string, hdr ...string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, h.gateway.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("User-Agent", ua)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, string(body)
}

func TestEmbed_HumanRedirectsUpstream(t *testing.T) {
	h := newHarness(t)

	resp, _ := h.get(t, "/p/ABC123", humanUA)
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != h.upstream.URL+"/p/ABC123/" {
		t.Fatalf("location = %q", loc)
	}
	if h.fix.embedHits.Load() != 0 {
		t.Error("human request reached the scraper")
	}
}

func TestEmbed_BotGetsSingleImageCard(t *testing.T) {
	h := newHarness(t)
	setp(&h.fix.embedPage,
		embedPage(t, []map[string]any{imageNode(h.upstream.URL + "/cdn/a.jpg")}, "hello", false))

	resp, body := h.get(t, "/p/ABC123", botUA)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(body, "/images/ABC123/1") {
		t.Errorf("og:image missing: %s", body)
	}
	if !strings.Contains(body, `og:description" content="hello"`) {
		t.Errorf("og:description missing: %s", body)
	}
	if !strings.Contains(body, `og:title" content="someone"`) {
		t.Errorf("og:title missing: %s", body)
	}
}

func TestEmbed_TrailingSlashTolerated(t *testing.T) {
	h := newHarness(t)
	setp(&h.fix.embedPage,
		embedPage(t, []map[string]any{imageNode(h.upstream.URL + "/cdn/a.jpg")}, "hello", false))

	resp, _ := h.get(t, "/p/ABC123/", botUA)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestEmbed_BlockedSidecarUsesGrid(t *testing.T) {
	h := newHarness(t)
	setp(&h.fix.embedPage,
		embedPage(t, []map[string]any{imageNode(h.upstream.URL + "/cdn/a.jpg")}, "", true))

	sidecar := map[string]any{
		"data": map[string]any{
			"xdt_shortcode_media": map[string]any{
				"__typename": "XDTGraphSidecar",
				"owner":      map[string]any{"username": "someone"},
				"edge_sidecar_to_children": map[string]any{
					"edges": []any{
						map[string]any{"node": imageNode(h.upstream.URL + "/cdn/1.jpg")},
						map[string]any{"node": imageNode(h.upstream.URL + "/cdn/2.jpg")},
						map[string]any{"node": imageNode(h.upstream.URL + "/cdn/3.jpg")},
					},
				},
			},
		},
	}
	b, _ := json.Marshal(sidecar)
	setp(&h.fix.graphqlBody, string(b))

	resp, body := h.get(t, "/p/ABC123", botUA)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(body, "/grid/ABC123/") {
		t.Errorf("grid og:image missing: %s", body)
	}
}

func TestGrid_ConcurrentRequestsComposeOnce(t *testing.T) {
	h := newHarness(t)
	setp(&h.fix.embedPage, embedPage(t, []map[string]any{
		imageNode(h.upstream.URL + "/cdn/1.jpg"),
		imageNode(h.upstream.URL + "/cdn/2.jpg"),
		imageNode(h.upstream.URL + "/cdn/3.jpg"),
	}, "", false))

	var wg sync.WaitGroup
	bodies := make([]string, 2)
	codes := make([]int, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, body := h.get(t, "/grid/ABC123", botUA)
			codes[i], bodies[i] = resp.StatusCode, body
		}(i)
	}
	wg.Wait()

	for i := 0; i < 2; i++ {
		if codes[i] != http.StatusOK {
			t.Fatalf("request %d: status %d", i, codes[i])
		}
	}
	if bodies[0] != bodies[1] {
		t.Error("concurrent grid responses differ")
	}
	if n := h.fix.imageHits.Load(); n != 3 {
		t.Fatalf("cdn fetched %d times, want 3 (one composition)", n)
	}
}

func TestGrid_ETagRoundTrip(t *testing.T) {
	h := newHarness(t)
	setp(&h.fix.embedPage, embedPage(t, []map[string]any{
		imageNode(h.upstream.URL + "/cdn/1.jpg"),
		imageNode(h.upstream.URL + "/cdn/2.jpg"),
	}, "", false))

	resp, _ := h.get(t, "/grid/ABC123", botUA)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	etag := resp.Header.Get("ETag")
	if etag == "" {
		t.Fatal("no etag on grid response")
	}

	resp2, _ := h.get(t, "/grid/ABC123", botUA, "If-None-Match", etag)
	if resp2.StatusCode != http.StatusNotModified {
		t.Fatalf("revalidation status = %d", resp2.StatusCode)
	}
}

func TestGrid_SingleImageRedirects(t *testing.T) {
	h := newHarness(t)
	setp(&h.fix.embedPage,
		embedPage(t, []map[string]any{imageNode(h.upstream.URL + "/cdn/a.jpg")}, "", false))

	resp, _ := h.get(t, "/grid/ABC123", botUA)
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/images/ABC123/1" {
		t.Fatalf("location = %q", loc)
	}
}

func TestShare_ResolvedOnceThenCached(t *testing.T) {
	h := newHarness(t)
	setp(&h.fix.shareTarget, h.upstream.URL+"/p/XYZ/")
	setp(&h.fix.embedPage,
		embedPage(t, []map[string]any{imageNode(h.upstream.URL + "/cdn/a.jpg")}, "", false))

	resp, body := h.get(t, "/share/reel/B_xyz/", botUA)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(body, "/images/XYZ/1") {
		t.Errorf("resolved media link missing: %s", body)
	}

	h.get(t, "/share/reel/B_xyz/", botUA)
	if n := h.fix.headHits.Load(); n != 1 {
		t.Fatalf("HEAD issued %d times, want 1", n)
	}
}

func TestEmbed_RestrictedRenders403(t *testing.T) {
	h := newHarness(t)
	setp(&h.fix.graphqlBody, `{"data":{}}`)
	setp(&h.fix.ruling, `{"description":"Sensitive content"}`)

	resp, body := h.get(t, "/p/ABC123", botUA)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(body, "Sensitive content") {
		t.Errorf("ruling missing from page: %s", body)
	}
}

func TestMediaRedirects(t *testing.T) {
	h := newHarness(t)
	videoURL := h.upstream.URL + "/cdn/v.mp4"
	previewURL := h.upstream.URL + "/cdn/v_still.jpg"
	setp(&h.fix.embedPage, embedPage(t, []map[string]any{{
		"__typename":  "GraphVideo",
		"video_url":   videoURL,
		"display_url": previewURL,
		"dimensions":  map[string]any{"width": 720, "height": 1280},
	}}, "", false))

	resp, _ := h.get(t, "/videos/ABC123/1", botUA)
	if resp.StatusCode != http.StatusTemporaryRedirect || resp.Header.Get("Location") != videoURL {
		t.Fatalf("video: status=%d location=%q", resp.StatusCode, resp.Header.Get("Location"))
	}

	resp, _ = h.get(t, "/videos/ABC123/1?preview=1", botUA)
	if loc := resp.Header.Get("Location"); loc != previewURL {
		t.Fatalf("preview location = %q", loc)
	}

	resp, _ = h.get(t, "/images/ABC123/5", botUA)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("out-of-range index: status = %d", resp.StatusCode)
	}
}

func TestNumericStoryIDReencoded(t *testing.T) {
	h := newHarness(t)
	setp(&h.fix.embedPage,
		embedPage(t, []map[string]any{imageNode(h.upstream.URL + "/cdn/a.jpg")}, "", false))

	code, ok := shortcode.FromDecimal("12345678901234567")
	if !ok {
		t.Fatal("FromDecimal failed")
	}

	resp, body := h.get(t, "/stories/someone/12345678901234567", botUA)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(body, "/images/"+code+"/1") {
		t.Errorf("re-encoded id %q missing: %s", code, body)
	}
}

func TestStatusEndpoint(t *testing.T) {
	h := newHarness(t)
	setp(&h.fix.embedPage,
		embedPage(t, []map[string]any{imageNode(h.upstream.URL + "/cdn/a.jpg")}, "hi there", false))

	id, ok := shortcode.ToStatusID("ABC123")
	if !ok {
		t.Fatal("ToStatusID failed")
	}

	resp, body := h.get(t, "/api/v1/statuses/"+id, botUA)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var doc struct {
		ID      string `json:"id"`
		Content string `json:"content"`
		Account struct {
			Username string `json:"username"`
		} `json:"account"`
		Attachments []struct {
			Type string `json:"type"`
			URL  string `json:"url"`
		} `json:"media_attachments"`
	}
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.ID != id || doc.Content != "hi there" || doc.Account.Username != "someone" {
		t.Fatalf("doc = %+v", doc)
	}
	if len(doc.Attachments) != 1 || doc.Attachments[0].Type != "image" {
		t.Fatalf("attachments = %+v", doc.Attachments)
	}

	resp, _ = h.get(t, "/api/v1/statuses/notanumber", botUA)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("malformed id: status = %d", resp.StatusCode)
	}
}

func TestAPIPost(t *testing.T) {
	h := newHarness(t)
	setp(&h.fix.embedPage,
		embedPage(t, []map[string]any{imageNode(h.upstream.URL + "/cdn/a.jpg")}, "cap", false))

	resp, body := h.get(t, "/api/p/ABC123", botUA)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	post, err := scrape.UnmarshalPost([]byte(body))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if post.PostID != "ABC123" || post.Caption != "cap" {
		t.Fatalf("post = %+v", post)
	}
}

func TestAPIPost_AbsentIs404(t *testing.T) {
	h := newHarness(t)
	// no embed page, no graphql body: upstream 404s everywhere

	resp, _ := h.get(t, "/api/p/GONE42", botUA)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestOEmbed(t *testing.T) {
	h := newHarness(t)

	resp, body := h.get(t, "/oembed?text=someone&url=https%3A%2F%2Fexample.com%2Fp%2FX", botUA)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc["author_name"] != "someone" || doc["version"] != "1.0" {
		t.Fatalf("doc = %v", doc)
	}
}

func TestHealthEndpoints(t *testing.T) {
	h := newHarness(t)

	resp, _ := h.get(t, "/", humanUA)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("root status = %d", resp.StatusCode)
	}
	resp, body := h.get(t, "/healthz", humanUA)
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, `"ok"`) {
		t.Fatalf("healthz: status=%d body=%s", resp.StatusCode, body)
	}
}
