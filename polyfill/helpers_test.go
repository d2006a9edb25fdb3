package polyfill

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/hjanuschka/go-jxl-polyfill/jxldec"
)

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Logf("%s", bytes.TrimRight(p, "\n"))
	return len(p), nil
}

func testLogger(t *testing.T) *log.Logger {
	return log.New(testWriter{t: t}, "", 0)
}

// testPNG builds a real PNG of the given size so dimension probing works.
func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode test png: %v", err)
	}
	return buf.Bytes()
}

// fakeDecoder is a scriptable decoder standing in for the external codec.
type fakeDecoder struct {
	initErr   error
	initDelay time.Duration
	delay     time.Duration
	decodeFn  func([]byte) ([]byte, error)

	mu        sync.Mutex
	initCalls int
	calls     int
}

func (f *fakeDecoder) Init(ctx context.Context) error {
	f.mu.Lock()
	f.initCalls++
	f.mu.Unlock()
	if f.initDelay > 0 {
		select {
		case <-time.After(f.initDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.initErr
}

func (f *fakeDecoder) Decode(data []byte) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.decodeFn(data)
}

func (f *fakeDecoder) Info(data []byte) (jxldec.Info, error) {
	out, err := f.Decode(data)
	if err != nil {
		return jxldec.Info{}, err
	}
	return jxldec.PNGInfo(out)
}

func (f *fakeDecoder) decodeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
