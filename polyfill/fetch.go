package polyfill

import (
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const fetchAccept = "image/jxl,image/*;q=0.8,*/*;q=0.5"

// fetchBytes retrieves the raw bytes for a reference url. data: URIs are
// decoded locally without touching the network. Every failure wraps ErrFetch.
func (e *Engine) fetchBytes(ctx context.Context, absURL string) ([]byte, error) {
	if strings.HasPrefix(absURL, "data:") {
		raw, err := decodeDataURI(absURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFetch, err)
		}
		return raw, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, absURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	req.Header.Set("Accept", fetchAccept)
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", "jxl-polyfill/1.0")
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: %s: status %d", ErrFetch, absURL, resp.StatusCode)
	}

	var rc io.ReadCloser = resp.Body
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "gzip":
		if gr, e := gzip.NewReader(resp.Body); e == nil {
			rc = gr
			defer gr.Close()
		}
	case "deflate":
		if zr, e := zlib.NewReader(resp.Body); e == nil {
			rc = zr
			defer zr.Close()
		} else if fr := flate.NewReader(resp.Body); fr != nil {
			rc = io.NopCloser(fr)
			defer fr.Close()
		}
	}

	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: %s: empty body", ErrFetch, absURL)
	}
	return raw, nil
}

// decodeDataURI unpacks data:[<mediatype>][;base64],<data>.
func decodeDataURI(uri string) ([]byte, error) {
	comma := strings.IndexByte(uri, ',')
	if !strings.HasPrefix(uri, "data:") || comma == -1 {
		return nil, fmt.Errorf("malformed data uri")
	}
	meta := uri[len("data:"):comma]
	data := uri[comma+1:]
	if strings.Contains(meta, ";base64") {
		return base64.StdEncoding.DecodeString(data)
	}
	return []byte(data), nil
}
