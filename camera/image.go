package camera

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"os"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/tsawler/go-splat/tensor"
)

// Image is an encoded reference image
type Image struct {
	ImageEncoded  []byte `json:"-"`
	ImageFilePath string `json:"image_file_path"`
	ImageID       uint32 `json:"image_id"`
}

// ReadImage loads the encoded bytes of an image file
func ReadImage(path string, id uint32) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read image %s: %w", path, err)
	}
	return &Image{ImageEncoded: data, ImageFilePath: path, ImageID: id}, nil
}

// Decode decodes the image. PNG, JPEG, BMP, TIFF and WebP are supported.
func (img *Image) Decode() (image.Image, error) {
	decoded, _, err := image.Decode(bytes.NewReader(img.ImageEncoded))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image %d: %w", img.ImageID, err)
	}
	return decoded, nil
}

// DecodeRGBTensor decodes the image into a [H, W, 3] tensor with values in [0, 1]
func (img *Image) DecodeRGBTensor(device tensor.DeviceType) (*tensor.Tensor, error) {
	decoded, err := img.Decode()
	if err != nil {
		return nil, err
	}
	return RGBTensor(decoded, device)
}

// ResizeMax resamples the image so its longer side equals to and stores it
// re-encoded as PNG.
func (img *Image) ResizeMax(to uint32) error {
	decoded, err := img.Decode()
	if err != nil {
		return err
	}

	bounds := decoded.Bounds()
	width, height := resizedDimensions(uint32(bounds.Dx()), uint32(bounds.Dy()), to)
	resized := image.NewNRGBA(image.Rect(0, 0, int(width), int(height)))
	draw.CatmullRom.Scale(resized, resized.Bounds(), decoded, bounds, draw.Src, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, resized); err != nil {
		return fmt.Errorf("failed to encode resized image %d: %w", img.ImageID, err)
	}
	img.ImageEncoded = buf.Bytes()
	return nil
}

// RGBTensor converts an image into a [H, W, 3] tensor with values in [0, 1]
func RGBTensor(img image.Image, device tensor.DeviceType) (*tensor.Tensor, error) {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	rgba := image.NewNRGBA(image.Rect(0, 0, width, height))
	draw.Draw(rgba, rgba.Bounds(), img, bounds.Min, draw.Src)

	data := make([]float32, width*height*3)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			offset := rgba.PixOffset(x, y)
			i := (y*width + x) * 3
			data[i] = float32(rgba.Pix[offset]) / 255
			data[i+1] = float32(rgba.Pix[offset+1]) / 255
			data[i+2] = float32(rgba.Pix[offset+2]) / 255
		}
	}

	return tensor.NewTensor([]int{height, width, 3}, device, data)
}

// EncodeRGBImage converts a [H, W, 3] tensor with values in [0, 1] into an
// image. Values outside the range are clamped.
func EncodeRGBImage(t *tensor.Tensor) (*image.NRGBA, error) {
	if len(t.Shape) != 3 || t.Shape[2] != 3 {
		return nil, fmt.Errorf("expected a [H W 3] tensor, got shape %v", t.Shape)
	}
	height, width := t.Shape[0], t.Shape[1]

	out := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := (y*width + x) * 3
			out.SetNRGBA(x, y, color.NRGBA{
				R: toByte(t.Data[i]),
				G: toByte(t.Data[i+1]),
				B: toByte(t.Data[i+2]),
				A: 255,
			})
		}
	}
	return out, nil
}

func toByte(v float32) uint8 {
	if !(v > 0) {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(v*255 + 0.5)
}
