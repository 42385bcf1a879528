// Package preview renders downscaled copies of image artifacts.
package preview

import (
	"errors"
	"fmt"
	"io"

	"github.com/disintegration/imaging"
)

var ErrUnsupported = errors.New("preview: unsupported file type")

const (
	DefaultSize = 256
	MaxSize     = 2048
)

// Supported reports whether name has an image extension previews can decode.
func Supported(name string) bool {
	_, err := imaging.FormatFromFilename(name)
	return err == nil
}

// Render fits the image at path into a maxW x maxH box and writes it to w as
// PNG. Images smaller than the box are not upscaled. Non-positive bounds fall
// back to DefaultSize and large ones are capped at MaxSize.
func Render(path string, maxW, maxH int, w io.Writer) error {
	if !Supported(path) {
		return ErrUnsupported
	}
	maxW, maxH = clamp(maxW), clamp(maxH)

	src, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}

	thumb := imaging.Fit(src, maxW, maxH, imaging.Lanczos)
	if err := imaging.Encode(w, thumb, imaging.PNG); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return nil
}

func clamp(v int) int {
	switch {
	case v <= 0:
		return DefaultSize
	case v > MaxSize:
		return MaxSize
	}
	return v
}
