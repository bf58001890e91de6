package imageio

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariannamethod/embedit/internal/tensor"
)

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func writePNG(t *testing.T, dir, name string, img image.Image) string {
	t.Helper()
	p := filepath.Join(dir, name)
	f, err := os.Create(p)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
	return p
}

func TestLoadAll_PreservesOrder(t *testing.T) {
	dir := t.TempDir()
	a := writePNG(t, dir, "a.png", solid(2, 3, color.RGBA{A: 255}))
	b := writePNG(t, dir, "b.png", solid(5, 1, color.RGBA{A: 255}))

	imgs, err := LoadAll(context.Background(), a, b)
	require.NoError(t, err)
	require.Len(t, imgs, 2)
	assert.Equal(t, 2, imgs[0].Bounds().Dx())
	assert.Equal(t, 5, imgs[1].Bounds().Dx())
}

func TestLoadAll_MissingFile(t *testing.T) {
	dir := t.TempDir()
	a := writePNG(t, dir, "a.png", solid(2, 2, color.RGBA{A: 255}))
	_, err := LoadAll(context.Background(), a, filepath.Join(dir, "nope.png"))
	require.Error(t, err)
}

func TestLoad_NotAnImage(t *testing.T) {
	p := filepath.Join(t.TempDir(), "x.png")
	require.NoError(t, os.WriteFile(p, []byte("not an image"), 0o644))
	_, err := Load(p)
	require.Error(t, err)
}

func TestCLIPPixels(t *testing.T) {
	img := solid(300, 450, color.RGBA{R: 255, G: 0, B: 128, A: 255})
	px := CLIPPixels(img)
	require.Equal(t, []int{1, 3, CLIPSize, CLIPSize}, px.Shape)

	const plane = CLIPSize * CLIPSize
	center := CLIPSize*CLIPSize/2 + CLIPSize/2
	assert.InDelta(t, (1-clipMean[0])/clipStd[0], px.Data[center], 2e-2)
	assert.InDelta(t, (0-clipMean[1])/clipStd[1], px.Data[plane+center], 2e-2)
	assert.InDelta(t, (128.0/255-clipMean[2])/clipStd[2], px.Data[2*plane+center], 2e-2)
}

func TestCLIPPixels_TransparentKeepsStoredColour(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 224, 224))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = 255, 255, 255, 0
	}

	px := CLIPPixels(img)
	const plane = CLIPSize * CLIPSize
	center := 112*CLIPSize + 112
	for ch := 0; ch < 3; ch++ {
		assert.InDelta(t, (1-clipMean[ch])/clipStd[ch], px.Data[ch*plane+center], 2e-2, "channel %d", ch)
	}
}

func TestCLIPPixels_PalettedTransparency(t *testing.T) {
	pal := color.Palette{color.NRGBA{R: 255, G: 0, B: 0, A: 0}}
	img := image.NewPaletted(image.Rect(0, 0, 50, 50), pal)

	px := CLIPPixels(img)
	center := 112*CLIPSize + 112
	assert.InDelta(t, (1-clipMean[0])/clipStd[0], px.Data[center], 2e-2)
	assert.InDelta(t, (0-clipMean[1])/clipStd[1], px.Data[CLIPSize*CLIPSize+center], 2e-2)
}

func TestToRGBA(t *testing.T) {
	// 1x3x1x2: pixel0 = (-1, 0, 1), pixel1 = (2, -2, 0)
	x, err := tensor.From([]float32{-1, 2, 0, -2, 1, 0}, 1, 3, 1, 2)
	require.NoError(t, err)
	img, err := ToRGBA(x)
	require.NoError(t, err)
	assert.Equal(t, color.RGBA{R: 0, G: 128, B: 255, A: 255}, img.RGBAAt(0, 0))
	assert.Equal(t, color.RGBA{R: 255, G: 0, B: 128, A: 255}, img.RGBAAt(1, 0))

	_, err = ToRGBA(tensor.New(1, 4, 2, 2))
	require.Error(t, err)
}

func TestEncodePNG(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodePNG(&buf, solid(1, 1, color.RGBA{A: 255})))
	_, err := png.Decode(&buf)
	require.NoError(t, err)
}
