package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hjanuschka/go-jxl-polyfill/jxldec"
	"github.com/hjanuschka/go-jxl-polyfill/polyfill"
)

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Logf("%s", bytes.TrimRight(p, "\n"))
	return len(p), nil
}

func testLogger(t *testing.T) *log.Logger {
	return log.New(testWriter{t: t}, "", 0)
}

type stubDecoder struct {
	png []byte
}

func (d *stubDecoder) Init(ctx context.Context) error { return nil }

func (d *stubDecoder) Decode(data []byte) ([]byte, error) {
	return d.png, nil
}

func (d *stubDecoder) Info(data []byte) (jxldec.Info, error) {
	return jxldec.PNGInfo(d.png)
}

func stubPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

type proxyFixture struct {
	srv      *Server
	upstream *httptest.Server
	pageHits atomic.Int64
}

func newProxyFixture(t *testing.T) *proxyFixture {
	t.Helper()
	f := &proxyFixture{}
	f.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/page.html":
			f.pageHits.Add(1)
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			io.WriteString(w, `<html><body><img id="a" src="/a.jxl"><img id="b" src="/b.png"></body></html>`)
		case "/a.jxl":
			w.Write([]byte("jxl-bytes"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(f.upstream.Close)

	cfg := Config{
		Logger:  testLogger(t),
		Decoder: &stubDecoder{png: stubPNG(t)},
		PageTTL: time.Minute,
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(srv.Close)
	f.srv = srv
	return f
}

func (f *proxyFixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	f.srv.ServeHTTP(w, r)
	return w
}

func TestPing(t *testing.T) {
	f := newProxyFixture(t)
	w := f.get(t, "/ping")
	if w.Code != http.StatusOK || w.Body.String() != "pong" {
		t.Fatalf("ping = %d %q", w.Code, w.Body.String())
	}
}

func TestIndexPage(t *testing.T) {
	f := newProxyFixture(t)
	w := f.get(t, "/")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "/polyfill") {
		t.Fatalf("index = %d %q", w.Code, w.Body.String())
	}
	if w := f.get(t, "/nope"); w.Code != http.StatusNotFound {
		t.Fatalf("unknown path = %d", w.Code)
	}
}

var blobURLRe = regexp.MustCompile(`/jxl/blob/[0-9a-f]{40}`)

func TestPolyfillRewritesPage(t *testing.T) {
	f := newProxyFixture(t)
	w := f.get(t, "/polyfill?url="+f.upstream.URL+"/page.html")
	if w.Code != http.StatusOK {
		t.Fatalf("polyfill status = %d: %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	blob := blobURLRe.FindString(body)
	if blob == "" {
		t.Fatalf("no blob url in rewritten page: %s", body)
	}
	if strings.Contains(body, "/a.jxl") {
		t.Fatalf("candidate reference survived rewrite: %s", body)
	}
	if !strings.Contains(body, "/b.png") {
		t.Fatalf("non-candidate reference lost: %s", body)
	}

	bw := f.get(t, blob)
	if bw.Code != http.StatusOK {
		t.Fatalf("blob status = %d", bw.Code)
	}
	if ct := bw.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("blob content type = %q", ct)
	}
	if _, err := png.Decode(bytes.NewReader(bw.Body.Bytes())); err != nil {
		t.Fatalf("blob is not a png: %v", err)
	}
}

func TestPolyfillPageCache(t *testing.T) {
	f := newProxyFixture(t)
	for i := 0; i < 2; i++ {
		if w := f.get(t, "/polyfill?url="+f.upstream.URL+"/page.html"); w.Code != http.StatusOK {
			t.Fatalf("request #%d = %d", i, w.Code)
		}
	}
	if hits := f.pageHits.Load(); hits != 1 {
		t.Fatalf("upstream page fetched %d times, want 1", hits)
	}
}

func TestPolyfillRejectsBadRequests(t *testing.T) {
	f := newProxyFixture(t)
	if w := f.get(t, "/polyfill"); w.Code != http.StatusBadRequest {
		t.Fatalf("missing url = %d", w.Code)
	}
	if w := f.get(t, "/polyfill?url=ftp%3A%2F%2Fexample.com%2Fx"); w.Code != http.StatusBadRequest {
		t.Fatalf("bad scheme = %d", w.Code)
	}
	if w := f.get(t, "/polyfill?url="+f.upstream.URL+"/page.html&js=1"); w.Code != http.StatusBadRequest {
		t.Fatalf("js without prerender = %d", w.Code)
	}
	if w := f.get(t, "/polyfill?url="+f.upstream.URL+"/gone.html"); w.Code != http.StatusBadGateway {
		t.Fatalf("upstream 404 = %d", w.Code)
	}
}

func TestBlobNotFound(t *testing.T) {
	f := newProxyFixture(t)
	if w := f.get(t, "/jxl/blob/doesnotexist"); w.Code != http.StatusNotFound {
		t.Fatalf("unknown blob = %d", w.Code)
	}
	if w := f.get(t, "/jxl/blob/"); w.Code != http.StatusNotFound {
		t.Fatalf("empty blob id = %d", w.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	f := newProxyFixture(t)
	if w := f.get(t, "/polyfill?url="+f.upstream.URL+"/page.html"); w.Code != http.StatusOK {
		t.Fatalf("polyfill = %d", w.Code)
	}
	w := f.get(t, "/stats")
	if w.Code != http.StatusOK {
		t.Fatalf("stats = %d", w.Code)
	}
	var st polyfill.Stats
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("stats json: %v", err)
	}
	if st.ImagesConverted != 1 || st.CacheSize != 1 {
		t.Fatalf("stats = %+v", st)
	}
}
