package preview

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestImage(t *testing.T, path string, w, h int) {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func decodeSize(t *testing.T, data []byte) (int, int) {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	b := img.Bounds()
	return b.Dx(), b.Dy()
}

func TestRenderFitsBox(t *testing.T) {
	t.Parallel()

	src := filepath.Join(t.TempDir(), "unit-001.png")
	createTestImage(t, src, 400, 200)

	var buf bytes.Buffer
	require.NoError(t, Render(src, 100, 100, &buf))

	w, h := decodeSize(t, buf.Bytes())
	assert.Equal(t, 100, w)
	assert.Equal(t, 50, h)
}

func TestRenderDoesNotUpscale(t *testing.T) {
	t.Parallel()

	src := filepath.Join(t.TempDir(), "small.png")
	createTestImage(t, src, 40, 30)

	var buf bytes.Buffer
	require.NoError(t, Render(src, 0, 0, &buf))

	w, h := decodeSize(t, buf.Bytes())
	assert.Equal(t, 40, w)
	assert.Equal(t, 30, h)
}

func TestRenderUnsupported(t *testing.T) {
	t.Parallel()

	src := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0o644))

	err := Render(src, 10, 10, &bytes.Buffer{})
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.False(t, Supported("clip.mp4"))
	assert.True(t, Supported("photo.JPG"))
}

func TestRenderCorruptImage(t *testing.T) {
	t.Parallel()

	src := filepath.Join(t.TempDir(), "broken.png")
	require.NoError(t, os.WriteFile(src, []byte("not a png"), 0o644))

	err := Render(src, 10, 10, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open")
}

func TestClamp(t *testing.T) {
	t.Parallel()

	assert.Equal(t, DefaultSize, clamp(-1))
	assert.Equal(t, 120, clamp(120))
	assert.Equal(t, MaxSize, clamp(MaxSize+1))
}
