package attachment

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const (
	MaxDimension = 1568
	JPEGQuality  = 85
)

// fitWithin returns the aspect-preserving size whose largest side is at most
// limit. ok is false when no resize is needed.
func fitWithin(width, height, limit int) (int, int, bool) {
	largest := max(width, height)
	if largest <= limit || largest == 0 {
		return width, height, false
	}
	scale := float64(limit) / float64(largest)
	w := max(1, int(float64(width)*scale+0.5))
	h := max(1, int(float64(height)*scale+0.5))
	return w, h, true
}

// Downscale shrinks images whose largest side exceeds MaxDimension. JPEG
// input stays JPEG at JPEGQuality; other formats are written as PNG to keep
// transparency. changed is false when data is returned untouched.
func Downscale(data []byte, mediaType string) (out []byte, outType string, changed bool, err error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", false, fmt.Errorf("decode image config: %w", err)
	}
	w, h, ok := fitWithin(cfg.Width, cfg.Height, MaxDimension)
	if !ok {
		return data, mediaType, false, nil
	}
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", false, fmt.Errorf("decode image: %w", err)
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)

	var buf bytes.Buffer
	if mediaType == "image/jpeg" {
		if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: JPEGQuality}); err != nil {
			return nil, "", false, fmt.Errorf("encode jpeg: %w", err)
		}
		return buf.Bytes(), "image/jpeg", true, nil
	}
	if err := png.Encode(&buf, dst); err != nil {
		return nil, "", false, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), "image/png", true, nil
}
