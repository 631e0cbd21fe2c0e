package imaging

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"os"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/webp"
)

var ErrUndecodable = errors.New("image could not be decoded")

// Decode reads any registered image format (jpeg, png, gif, webp).
func Decode(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	return img, format, nil
}

func DecodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	img, _, err := Decode(f)
	return img, err
}

// Normalizer turns an image into the CHW float32 layout of a single-image
// batch [1, 3, Size, Size], normalized per channel with Mean and Std.
type Normalizer struct {
	Size int
	Mean [3]float32
	Std  [3]float32
}

func NewNormalizer(size int, mean, std []float32) (Normalizer, error) {
	if size <= 0 {
		return Normalizer{}, fmt.Errorf("invalid target size %d", size)
	}
	if len(mean) != 3 || len(std) != 3 {
		return Normalizer{}, fmt.Errorf("mean and std need 3 values, got %d and %d", len(mean), len(std))
	}
	n := Normalizer{Size: size}
	copy(n.Mean[:], mean)
	copy(n.Std[:], std)
	return n, nil
}

// TensorLen is the number of float32 values Tensor produces.
func (n Normalizer) TensorLen() int {
	return 3 * n.Size * n.Size
}

func (n Normalizer) Tensor(img image.Image) []float32 {
	size := uint(n.Size)
	resized := resize.Resize(size, size, opaque(img), resize.Bilinear)

	bounds := resized.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	plane := width * height

	data := make([]float32, 3*plane)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := color.RGBAModel.Convert(resized.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.RGBA)

			idx := y*width + x
			data[idx] = (float32(c.R)/255.0 - n.Mean[0]) / n.Std[0]
			data[plane+idx] = (float32(c.G)/255.0 - n.Mean[1]) / n.Std[1]
			data[2*plane+idx] = (float32(c.B)/255.0 - n.Mean[2]) / n.Std[2]
		}
	}
	return data
}

// opaque drops the alpha channel without blending, keeping the stored colour
// of transparent pixels.
func opaque(img image.Image) *image.RGBA {
	bounds := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			out.SetRGBA(x-bounds.Min.X, y-bounds.Min.Y, color.RGBA{R: c.R, G: c.G, B: c.B, A: 255})
		}
	}
	return out
}

// Thumbnail writes a width x height JPEG copy of the image at src to dst.
func Thumbnail(src, dst string, width, height int) error {
	img, err := DecodeFile(src)
	if err != nil {
		return err
	}

	resized := resize.Resize(uint(width), uint(height), opaque(img), resize.Lanczos3)

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create thumbnail: %w", err)
	}
	if err := jpeg.Encode(out, resized, &jpeg.Options{Quality: 90}); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return out.Close()
}
