package grid

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"log/slog"
	"os"
	"time"

	_ "image/gif"
	_ "image/png"

	"github.com/nfnt/resize"

	"github.com/gramfix/gramfix/internal/fetch"
	"github.com/gramfix/gramfix/internal/observability"
	"github.com/gramfix/gramfix/internal/singleflight"
)

// ErrNoLayout means no row assignment satisfied the layout constraints.
var ErrNoLayout = errors.New("grid: no feasible layout")

// Composer fetches a post's images and renders them into one justified
// grid JPEG on disk. One composition per post at a time; concurrent
// requests share the owner's result.
type Composer struct {
	http  *fetch.Session
	files *FileCache
	sf    *singleflight.Group[string, string]
	log   *slog.Logger
}

func NewComposer(s *fetch.Session, files *FileCache, log *slog.Logger) *Composer {
	return &Composer{
		http:  s,
		files: files,
		sf:    singleflight.New[string, string]("grid"),
		log:   log,
	}
}

// Compose returns the path of the rendered grid for postID, building it if
// the file is not already on disk.
func (c *Composer) Compose(ctx context.Context, postID string, urls []string) (string, error) {
	return c.sf.Do(ctx, postID, func(ctx context.Context) (string, error) {
		path := c.files.Path(postID)
		tracked := c.files.Touch(postID)
		if info, err := os.Stat(path); err == nil {
			if !tracked {
				// on disk but not in the registry (admission is async);
				// re-register rather than rebuild
				c.files.Add(postID, info.Size())
			}
			return path, nil
		}

		start := time.Now()
		canvas, err := c.render(ctx, urls)
		observability.ObserveGridCompose(err, time.Since(start).Seconds())
		if err != nil {
			return "", err
		}

		out, err := os.Create(path)
		if err != nil {
			return "", fmt.Errorf("write grid: %w", err)
		}
		if err := jpeg.Encode(out, canvas, nil); err != nil {
			out.Close()
			os.Remove(path)
			return "", fmt.Errorf("encode grid: %w", err)
		}
		if err := out.Close(); err != nil {
			return "", fmt.Errorf("write grid: %w", err)
		}

		if info, err := os.Stat(path); err == nil {
			c.files.Add(postID, info.Size())
		}
		c.log.InfoContext(ctx, "grid composed",
			"post_id", postID, "images", len(urls),
			"duration", time.Since(start))
		return path, nil
	})
}

func (c *Composer) render(ctx context.Context, urls []string) (image.Image, error) {
	if len(urls) == 0 {
		return nil, ErrNoLayout
	}
	imgs := make([]image.Image, 0, len(urls))
	dims := make([]dim, 0, len(urls))
	for _, u := range urls {
		b, err := c.http.Get(ctx, u)
		if err != nil {
			return nil, fmt.Errorf("fetch grid image: %w", err)
		}
		img, _, err := image.Decode(bytes.NewReader(b))
		if err != nil {
			return nil, fmt.Errorf("decode grid image: %w", err)
		}
		r := img.Bounds()
		if r.Dx() == 0 || r.Dy() == 0 {
			return nil, fmt.Errorf("decode grid image: empty frame")
		}
		imgs = append(imgs, img)
		dims = append(dims, dim{w: r.Dx(), h: r.Dy()})
	}

	lay, ok := solve(dims)
	if !ok {
		return nil, ErrNoLayout
	}

	canvas := image.NewRGBA(image.Rect(0, 0, lay.canvasWidth, lay.height))
	y := 0
	for r, span := range lay.rows {
		h := lay.rowHeights[r]
		x := 0
		for _, img := range imgs[span[0]:span[1]] {
			b := img.Bounds()
			w := int(float64(h) * float64(b.Dx()) / float64(b.Dy()))
			scaled := resize.Resize(uint(w), uint(h), img, resize.Lanczos3)
			draw.Draw(canvas, image.Rect(x, y, x+w, y+h), scaled, image.Point{}, draw.Src)
			x += w
		}
		y += h
	}
	return canvas, nil
}
