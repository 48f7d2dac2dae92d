package capture

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"sync"
	"time"
)

// PixelFormat describes the byte order of a raw surface buffer
type PixelFormat int

const (
	FormatRGBA PixelFormat = iota
	FormatRGBX             // RGBA layout, alpha byte undefined
	FormatBGRA
	FormatBGRX // X11 ZPixmap at depth 24/32
)

// String returns the GStreamer style format name
func (f PixelFormat) String() string {
	switch f {
	case FormatRGBA:
		return "RGBA"
	case FormatRGBX:
		return "RGBx"
	case FormatBGRA:
		return "BGRA"
	case FormatBGRX:
		return "BGRx"
	default:
		return fmt.Sprintf("PixelFormat(%d)", int(f))
	}
}

// RawImage is a view of a platform pixel buffer. Rows are RowStride bytes
// apart and pixels PixelStride bytes apart; anything past Width*PixelStride
// in a row is padding.
type RawImage struct {
	Width       int
	Height      int
	RowStride   int
	PixelStride int
	Format      PixelFormat
	Pix         []byte
}

// Frame is a fully owned, PNG encoded screen frame
type Frame struct {
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	Data       []byte    `json:"-"`
	Seq        uint64    `json:"seq"`
	CapturedAt time.Time `json:"captured_at"`
}

// Validate checks that the buffer is large enough for its declared geometry
func (r RawImage) Validate() error {
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("invalid image size %dx%d", r.Width, r.Height)
	}
	if r.PixelStride != 4 {
		return fmt.Errorf("unsupported pixel stride %d for %s", r.PixelStride, r.Format)
	}
	rowBytes := r.Width * r.PixelStride
	if r.RowStride < rowBytes {
		return fmt.Errorf("row stride %d smaller than row width %d", r.RowStride, rowBytes)
	}
	need := r.RowStride*(r.Height-1) + rowBytes
	if len(r.Pix) < need {
		return fmt.Errorf("buffer holds %d bytes, need %d", len(r.Pix), need)
	}
	return nil
}

// StripPadding returns the pixels packed at Width*PixelStride bytes per row.
// When the source has no row padding the original slice is returned.
func StripPadding(r RawImage) []byte {
	rowBytes := r.Width * r.PixelStride
	if r.RowStride == rowBytes {
		return r.Pix[:rowBytes*r.Height]
	}

	packed := make([]byte, rowBytes*r.Height)
	for y := 0; y < r.Height; y++ {
		src := r.Pix[y*r.RowStride : y*r.RowStride+rowBytes]
		copy(packed[y*rowBytes:], src)
	}
	return packed
}

// ToRGBA converts a raw buffer into a tightly packed RGBA image. The result
// may share memory with r.Pix for RGBA input without padding.
func ToRGBA(r RawImage) (*image.RGBA, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	rect := image.Rect(0, 0, r.Width, r.Height)
	if r.Format == FormatRGBA {
		return &image.RGBA{Pix: StripPadding(r), Stride: r.Width * 4, Rect: rect}, nil
	}

	img := image.NewRGBA(rect)
	for y := 0; y < r.Height; y++ {
		src := r.Pix[y*r.RowStride:]
		dst := img.Pix[y*img.Stride:]
		for x := 0; x < r.Width; x++ {
			s := src[x*r.PixelStride : x*r.PixelStride+4]
			d := dst[x*4 : x*4+4]
			switch r.Format {
			case FormatRGBX:
				d[0], d[1], d[2], d[3] = s[0], s[1], s[2], 0xff
			case FormatBGRA:
				d[0], d[1], d[2], d[3] = s[2], s[1], s[0], s[3]
			case FormatBGRX:
				d[0], d[1], d[2], d[3] = s[2], s[1], s[0], 0xff
			default:
				return nil, fmt.Errorf("unsupported pixel format %s", r.Format)
			}
		}
	}
	return img, nil
}

type pngBufferPool struct {
	pool sync.Pool
}

func (p *pngBufferPool) Get() *png.EncoderBuffer {
	b, _ := p.pool.Get().(*png.EncoderBuffer)
	return b
}

func (p *pngBufferPool) Put(b *png.EncoderBuffer) {
	p.pool.Put(b)
}

var pngEncoder = &png.Encoder{
	CompressionLevel: png.BestSpeed,
	BufferPool:       &pngBufferPool{},
}

// EncodeFrame strips row padding from a raw buffer and encodes it as PNG.
// The returned Frame never aliases r.Pix.
func EncodeFrame(r RawImage, capturedAt time.Time) (*Frame, error) {
	img, err := ToRGBA(r)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := pngEncoder.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode PNG: %w", err)
	}

	return &Frame{
		Width:      r.Width,
		Height:     r.Height,
		Data:       buf.Bytes(),
		CapturedAt: capturedAt,
	}, nil
}
