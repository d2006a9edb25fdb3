package polyfill

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"math"

	"golang.org/x/image/draw"
)

// finishDecoded measures the decoder's PNG output and, when MaxWidth is set,
// downscales oversized images before they are cached. Returns data plus final
// pixel dimensions.
func (e *Engine) finishDecoded(data []byte) ([]byte, int, int, error) {
	if e.opts.MaxWidth <= 0 {
		cfg, err := png.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return nil, 0, 0, fmt.Errorf("%w: bad decoder output: %v", ErrDecode, err)
		}
		return data, cfg.Width, cfg.Height, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%w: bad decoder output: %v", ErrDecode, err)
	}
	scaled, w, h := clampToMaxWidth(img, e.opts.MaxWidth)
	if scaled == img {
		return data, w, h, nil
	}
	var out bytes.Buffer
	if err := png.Encode(&out, scaled); err != nil {
		return nil, 0, 0, fmt.Errorf("%w: re-encode: %v", ErrDecode, err)
	}
	return out.Bytes(), w, h, nil
}

// clampToMaxWidth scales img down to maxWidth preserving aspect ratio, or
// returns it unchanged when already narrow enough.
func clampToMaxWidth(img image.Image, maxWidth int) (image.Image, int, int) {
	b := img.Bounds()
	w := b.Dx()
	h := b.Dy()
	if maxWidth <= 0 || w <= 0 || h <= 0 || w <= maxWidth {
		return img, w, h
	}
	scaledH := int(math.Round(float64(h) * float64(maxWidth) / float64(w)))
	if scaledH < 1 {
		scaledH = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, scaledH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst, maxWidth, scaledH
}
