// internal/perception/image.go
package perception

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	// Register decoders for screenshots captured as JPEG or GIF.
	_ "image/gif"
	_ "image/jpeg"

	"golang.org/x/image/draw"
)

// DefaultMaxImageWidth bounds the width of screenshots sent to the oracle.
const DefaultMaxImageWidth = 1024

// PrepareScreenshot decodes an image, downscales it to at most maxWidth pixels
// wide preserving aspect ratio, and re-encodes it as PNG.
func PrepareScreenshot(data []byte, maxWidth int) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("screenshot is empty")
	}
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode screenshot: %w", err)
	}

	bounds := src.Bounds()
	var out image.Image = src
	if bounds.Dx() > maxWidth {
		height := bounds.Dy() * maxWidth / bounds.Dx()
		if height < 1 {
			height = 1
		}
		dst := image.NewRGBA(image.Rect(0, 0, maxWidth, height))
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)
		out = dst
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return nil, fmt.Errorf("failed to encode screenshot: %w", err)
	}
	return buf.Bytes(), nil
}
