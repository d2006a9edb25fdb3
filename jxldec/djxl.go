package jxldec

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"
)

const defaultDjxlBinary = "djxl"

// CommandDecoder drives the reference djxl command-line tool as an
// out-of-process decoder. Input and output travel through a per-call
// temporary directory; nothing is kept between calls.
type CommandDecoder struct {
	// Binary is the djxl executable name or path. Empty means "djxl"
	// resolved via PATH (override with JXLDEC_DJXL).
	Binary string
	// Timeout bounds a single decode invocation. Zero means 30s.
	Timeout time.Duration

	initOnce sync.Once
	initErr  error
	resolved string
}

// Init resolves the djxl binary once. Subsequent calls return the memoized
// result.
func (d *CommandDecoder) Init(ctx context.Context) error {
	d.initOnce.Do(func() {
		bin := d.Binary
		if bin == "" {
			bin = os.Getenv("JXLDEC_DJXL")
		}
		if bin == "" {
			bin = defaultDjxlBinary
		}
		path, err := exec.LookPath(bin)
		if err != nil {
			d.initErr = fmt.Errorf("jxldec: locate %s: %w", bin, err)
			return
		}
		d.resolved = path
	})
	return d.initErr
}

func (d *CommandDecoder) Decode(data []byte) ([]byte, error) {
	if d.resolved == "" {
		return nil, errors.New("jxldec: decoder not initialized")
	}
	if len(data) < 2 {
		return nil, errors.New("jxldec: input too small to be a JXL file")
	}
	dir, err := os.MkdirTemp("", "jxldec-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "in.jxl")
	out := filepath.Join(dir, "out.png")
	if err := os.WriteFile(in, data, 0o600); err != nil {
		return nil, err
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, d.resolved, in, out)
	if msg, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("jxldec: djxl failed: %v (%s)", err, firstLine(msg))
	}
	png, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("jxldec: djxl produced no output: %w", err)
	}
	return png, nil
}

func (d *CommandDecoder) Info(data []byte) (Info, error) {
	png, err := d.Decode(data)
	if err != nil {
		return Info{}, err
	}
	return PNGInfo(png)
}

func firstLine(b []byte) string {
	for i, c := range b {
		if c == '\n' || c == '\r' {
			return string(b[:i])
		}
	}
	return string(b)
}
