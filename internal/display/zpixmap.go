package display

import (
	"fmt"
	"image"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
)

// zpixmap describes the server's ZPixmap layout for one depth
type zpixmap struct {
	depth         byte
	bytesPerPixel int
	scanlinePad   int // bytes
}

func formatFor(setup *xproto.SetupInfo, depth byte) (zpixmap, error) {
	for _, f := range setup.PixmapFormats {
		if f.Depth == depth {
			return newZPixmap(depth, f.BitsPerPixel, f.ScanlinePad)
		}
	}
	return zpixmap{}, fmt.Errorf("no pixmap format for depth %d", depth)
}

func newZPixmap(depth, bitsPerPixel, scanlinePad byte) (zpixmap, error) {
	if bitsPerPixel != 24 && bitsPerPixel != 32 {
		return zpixmap{}, fmt.Errorf("unsupported bits per pixel: %d", bitsPerPixel)
	}
	pad := int(scanlinePad) / 8
	if pad < 1 {
		pad = 1
	}
	return zpixmap{depth: depth, bytesPerPixel: int(bitsPerPixel) / 8, scanlinePad: pad}, nil
}

// stride is the padded length of one scanline
func (z zpixmap) stride(width int) int {
	unpadded := width * z.bytesPerPixel
	return (unpadded + z.scanlinePad - 1) / z.scanlinePad * z.scanlinePad
}

// encode converts img to BGR(x) scanlines in the server's layout
func (z zpixmap) encode(img *image.RGBA) ([]byte, error) {
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	stride := z.stride(width)
	data := make([]byte, stride*height)

	for y := 0; y < height; y++ {
		src := img.Pix[y*img.Stride : y*img.Stride+width*4]
		dst := data[y*stride:]
		for x := 0; x < width; x++ {
			s := src[x*4 : x*4+4]
			d := dst[x*z.bytesPerPixel:]
			d[0], d[1], d[2] = s[2], s[1], s[0]
			if z.bytesPerPixel == 4 && z.depth == 32 {
				d[3] = s[3]
			}
		}
	}
	return data, nil
}

// rowsPerRequest is how many scanlines fit one PutImage under the server's
// maximum request length
func rowsPerRequest(maxRequestUnits uint16, stride int) int {
	const header = 24 // PutImage request header
	rows := (int(maxRequestUnits)*4 - header) / stride
	if rows < 1 {
		rows = 1
	}
	return rows
}

// putImage uploads data in bands of whole scanlines
func putImage(conn *xgb.Conn, drawable xproto.Drawable, gc xproto.Gcontext, z zpixmap, width, height uint16, data []byte) error {
	stride := z.stride(int(width))
	rows := rowsPerRequest(xproto.Setup(conn).MaximumRequestLength, stride)

	for y := 0; y < int(height); y += rows {
		n := rows
		if y+n > int(height) {
			n = int(height) - y
		}
		band := data[y*stride : (y+n)*stride]
		err := xproto.PutImageChecked(conn, xproto.ImageFormatZPixmap, drawable, gc,
			width, uint16(n), 0, int16(y), 0, z.depth, band).Check()
		if err != nil {
			return fmt.Errorf("failed to put image rows %d-%d: %w", y, y+n, err)
		}
	}
	return nil
}
