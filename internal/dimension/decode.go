package dimension

import (
	"fmt"
	"image"
	_ "image/gif"  // register GIF header decoder
	_ "image/jpeg" // register JPEG header decoder
	_ "image/png"  // register PNG header decoder
	"io"
	"net/url"
	"path"
	"regexp"
	"strconv"

	_ "golang.org/x/image/webp" // register WebP header decoder
)

var filenameDimensions = regexp.MustCompile(`(?i)-(\d+)x(\d+)\.(jpe?g|png|gif|webp)$`)

// FromFilename parses "-<w>x<h>.<ext>" from the URL's file name.
func FromFilename(rawURL string) (Dimensions, bool) {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	m := filenameDimensions.FindStringSubmatch(path.Base(p))
	if m == nil {
		return Dimensions{}, false
	}
	w, errW := strconv.ParseUint(m[1], 10, 32)
	h, errH := strconv.ParseUint(m[2], 10, 32)
	if errW != nil || errH != nil || w == 0 || h == 0 {
		return Dimensions{}, false
	}
	return Dimensions{Width: uint(w), Height: uint(h)}, true
}

// DecodeHeader reads only as much of r as the image format needs to report
// its dimensions.
func DecodeHeader(r io.Reader) (Dimensions, error) {
	cfg, _, err := image.DecodeConfig(r)
	if err != nil {
		return Dimensions{}, fmt.Errorf("decode image header: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Dimensions{}, fmt.Errorf("decode image header: empty image")
	}
	return Dimensions{Width: uint(cfg.Width), Height: uint(cfg.Height)}, nil
}
