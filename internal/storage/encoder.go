package storage

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"io"
	"strings"

	"golang.org/x/image/tiff"

	"github.com/cjeanneret/multicap/internal/hw/camera"
	"github.com/cjeanneret/multicap/internal/logic/capture"
)

// Encoder turns a frame into file bytes.
type Encoder interface {
	Encode(w io.Writer, f *capture.Frame) error
	// Extension is the file extension without the dot.
	Extension() string
}

// EncoderFor returns the encoder for a file_format value.
func EncoderFor(format string) (Encoder, error) {
	switch strings.ToLower(strings.TrimPrefix(format, ".")) {
	case "tif", "tiff":
		return TIFFEncoder{}, nil
	case "raw", "bin":
		return RawEncoder{}, nil
	default:
		return nil, fmt.Errorf("unsupported file format %q (want tif or raw)", format)
	}
}

// RawEncoder writes the device buffer unchanged.
type RawEncoder struct{}

func (RawEncoder) Extension() string { return "raw" }

func (RawEncoder) Encode(w io.Writer, f *capture.Frame) error {
	_, err := w.Write(f.Data)
	return err
}

// TIFFEncoder writes an uncompressed TIFF.
type TIFFEncoder struct {
	// Deflate enables deflate compression.
	Deflate bool
}

func (TIFFEncoder) Extension() string { return "tif" }

func (e TIFFEncoder) Encode(w io.Writer, f *capture.Frame) error {
	img, err := FrameImage(f)
	if err != nil {
		return err
	}
	opts := &tiff.Options{Compression: tiff.Uncompressed}
	if e.Deflate {
		opts.Compression = tiff.Deflate
	}
	return tiff.Encode(w, img, opts)
}

// FrameImage wraps a frame's buffer as an image.Image.
// Mono16 buffers are little-endian, as delivered by the camera.
func FrameImage(f *capture.Frame) (image.Image, error) {
	want := f.Width * f.Height * f.PixelFormat.BytesPerPixel()
	if f.Width <= 0 || f.Height <= 0 || len(f.Data) < want {
		return nil, fmt.Errorf("frame %dx%d %s: buffer has %d bytes, want %d",
			f.Width, f.Height, f.PixelFormat, len(f.Data), want)
	}
	rect := image.Rect(0, 0, f.Width, f.Height)

	switch f.PixelFormat {
	case camera.Mono8:
		return &image.Gray{Pix: f.Data[:want], Stride: f.Width, Rect: rect}, nil

	case camera.Mono16:
		img := image.NewGray16(rect)
		for i := 0; i < f.Width*f.Height; i++ {
			v := binary.LittleEndian.Uint16(f.Data[2*i:])
			img.SetGray16(i%f.Width, i/f.Width, color.Gray16{Y: v})
		}
		return img, nil

	case camera.RGB8:
		img := image.NewNRGBA(rect)
		for i := 0; i < f.Width*f.Height; i++ {
			copy(img.Pix[4*i:4*i+3], f.Data[3*i:3*i+3])
			img.Pix[4*i+3] = 0xff
		}
		return img, nil

	default:
		return nil, fmt.Errorf("unsupported pixel format %s", f.PixelFormat)
	}
}
