// Package jxldec defines the decoder collaborator consumed by the polyfill
// engine. The engine never parses or validates the JXL bit format itself; it
// hands raw bytes to a Decoder and receives directly renderable PNG bytes
// back (APNG for animated input, at the decoder's discretion).
package jxldec

import (
	"bytes"
	"context"
	"image"
	"image/color"
	_ "image/png"
)

// Info describes a JXL resource without fully materialising its pixels.
type Info struct {
	Width      int
	Height     int
	FrameCount int
	HasAlpha   bool
}

// Decoder converts JXL bytes into PNG bytes. Init is idempotent and must
// complete successfully before Decode or Info are called. Implementations
// must be safe for use from a single goroutine at a time; the engine's
// dispatcher serialises calls.
type Decoder interface {
	Init(ctx context.Context) error
	Decode(data []byte) ([]byte, error)
	Info(data []byte) (Info, error)
}

// PNGInfo derives an Info from already-decoded PNG bytes. Decoder
// implementations that produce PNG output can delegate their Info method to
// a Decode followed by this helper.
func PNGInfo(data []byte) (Info, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Info{}, err
	}
	info := Info{Width: cfg.Width, Height: cfg.Height, FrameCount: 1}
	switch cfg.ColorModel {
	case color.NRGBAModel, color.NRGBA64Model, color.RGBAModel, color.RGBA64Model, color.AlphaModel, color.Alpha16Model:
		info.HasAlpha = true
	}
	return info, nil
}
