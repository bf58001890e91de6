// Package imageio loads input bitmaps, converts them to model pixel tensors,
// and turns decoder output tensors back into images.
package imageio

import (
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"io"
	"os"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"

	"github.com/ariannamethod/embedit/internal/tensor"
)

// CLIP image preprocessing constants.
const CLIPSize = 224

var (
	clipMean = [3]float32{0.48145466, 0.4578275, 0.40821073}
	clipStd  = [3]float32{0.26862954, 0.26130258, 0.27577711}
)

// Load decodes an image file (png, jpeg, webp, bmp).
func Load(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

// LoadAll decodes several files concurrently, preserving order.
func LoadAll(ctx context.Context, paths ...string) ([]image.Image, error) {
	imgs := make([]image.Image, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	for i, p := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			img, err := Load(p)
			if err != nil {
				return err
			}
			imgs[i] = img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return imgs, nil
}

// CLIPPixels resizes the shortest side to 224 (bicubic), center-crops to
// 224x224 and normalizes with CLIP mean/std → [1,3,224,224].
func CLIPPixels(img image.Image) *tensor.Tensor {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	var rw, rh int
	if w <= h {
		rw = CLIPSize
		rh = max(CLIPSize, int(float64(h)*CLIPSize/float64(w)+0.5))
	} else {
		rh = CLIPSize
		rw = max(CLIPSize, int(float64(w)*CLIPSize/float64(h)+0.5))
	}
	resized := image.NewRGBA(image.Rect(0, 0, rw, rh))
	src := opaque(img)
	draw.CatmullRom.Scale(resized, resized.Bounds(), src, src.Bounds(), draw.Src, nil)

	x0 := (rw - CLIPSize) / 2
	y0 := (rh - CLIPSize) / 2
	const plane = CLIPSize * CLIPSize
	out := tensor.New(1, 3, CLIPSize, CLIPSize)
	for y := 0; y < CLIPSize; y++ {
		for x := 0; x < CLIPSize; x++ {
			c := resized.RGBAAt(x0+x, y0+y)
			rgb := [3]float32{float32(c.R), float32(c.G), float32(c.B)}
			for ch := 0; ch < 3; ch++ {
				out.Data[ch*plane+y*CLIPSize+x] = (rgb[ch]/255 - clipMean[ch]) / clipStd[ch]
			}
		}
	}
	return out
}

// opaque drops alpha and keeps the stored (non-premultiplied) colour, so
// transparent pixels keep their RGB instead of turning black.
func opaque(img image.Image) *image.NRGBA {
	b := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := straight(img, b.Min.X+x, b.Min.Y+y)
			c.A = 255
			out.SetNRGBA(x, y, c)
		}
	}
	return out
}

func straight(img image.Image, x, y int) color.NRGBA {
	switch src := img.(type) {
	case *image.NRGBA:
		return src.NRGBAAt(x, y)
	case *image.NRGBA64:
		c := src.NRGBA64At(x, y)
		return color.NRGBA{R: uint8(c.R >> 8), G: uint8(c.G >> 8), B: uint8(c.B >> 8), A: uint8(c.A >> 8)}
	}
	c := img.At(x, y)
	if nc, ok := c.(color.NRGBA); ok {
		return nc
	}
	return color.NRGBAModel.Convert(c).(color.NRGBA)
}

// ToRGBA converts decoder output [1,3,H,W] in [-1,1] to 8-bit RGBA.
func ToRGBA(t *tensor.Tensor) (*image.RGBA, error) {
	if len(t.Shape) != 4 || t.Shape[0] != 1 || t.Shape[1] != 3 {
		return nil, fmt.Errorf("image tensor must be [1,3,H,W], got %v", t.Shape)
	}
	H, W := t.Shape[2], t.Shape[3]
	rgba := image.NewRGBA(image.Rect(0, 0, W, H))
	for y := 0; y < H; y++ {
		for x := 0; x < W; x++ {
			r := t.Data[0*H*W+y*W+x]
			g := t.Data[1*H*W+y*W+x]
			b := t.Data[2*H*W+y*W+x]
			rgba.SetRGBA(x, y, color.RGBA{
				R: clampByte(r*0.5 + 0.5),
				G: clampByte(g*0.5 + 0.5),
				B: clampByte(b*0.5 + 0.5),
				A: 255,
			})
		}
	}
	return rgba, nil
}

// EncodePNG writes img as PNG.
func EncodePNG(w io.Writer, img image.Image) error {
	return png.Encode(w, img)
}

func clampByte(v float32) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(v*255 + 0.5)
}
