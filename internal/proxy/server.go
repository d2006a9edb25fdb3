package proxy

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hjanuschka/go-jxl-polyfill/jxldec"
	"github.com/hjanuschka/go-jxl-polyfill/polyfill"
)

const defaultIndexHTML = `<!DOCTYPE html>
<html><body>
<h1>JXL Polyfill Proxy</h1>
<form action="/polyfill" method="get">
<h3>Rewrite a page</h3>
URL: <input name="url" size="60"><br>
<label><input type="checkbox" name="js" value="1"> prerender with a headless browser</label><br>
<button type="submit">Go</button>
</form>
</body></html>`

// Config describes server wiring and runtime behaviour.
type Config struct {
	IndexHTML string
	Logger    *log.Logger
	Clock     func() time.Time

	// Decoder converts JXL codestreams to PNG. Required.
	Decoder jxldec.Decoder
	// UpstreamUA is sent on page and image fetches.
	UpstreamUA string
	// MaxWidth caps decoded image width; 0 means no clamp.
	MaxWidth int
	// PageTTL bounds how long a rewritten page is served from cache.
	PageTTL time.Duration
	// EnablePrerender allows js=1 requests to render through a headless
	// browser before rewriting.
	EnablePrerender bool
	// DisableWorker forces inline decoding.
	DisableWorker bool
}

// DefaultConfig populates configuration from environment variables.
func DefaultConfig() Config {
	cfg := Config{
		IndexHTML:  defaultIndexHTML,
		Logger:     log.Default(),
		Clock:      time.Now,
		Decoder:    &jxldec.CommandDecoder{},
		UpstreamUA: strings.TrimSpace(os.Getenv("JXLP_UPSTREAM_UA")),
		PageTTL:    time.Minute,
	}
	if raw := strings.TrimSpace(os.Getenv("JXLP_MAX_WIDTH")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			cfg.MaxWidth = n
		}
	}
	if raw := strings.TrimSpace(os.Getenv("JXLP_PAGE_TTL")); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			cfg.PageTTL = d
		}
	}
	switch strings.ToLower(strings.TrimSpace(os.Getenv("JXLP_PRERENDER"))) {
	case "1", "true", "on", "yes":
		cfg.EnablePrerender = true
	}
	switch strings.ToLower(strings.TrimSpace(os.Getenv("JXLP_DISABLE_WORKER"))) {
	case "1", "true", "on", "yes":
		cfg.DisableWorker = true
	}
	return cfg
}

// Server exposes the HTTP handlers wrapping one long-lived polyfill engine.
type Server struct {
	cfg       Config
	mux       *http.ServeMux
	handler   http.Handler
	logger    *log.Logger
	engine    *polyfill.Engine
	pages     *pageCache
	prerender *prerenderer
	client    *http.Client
	clock     func() time.Time
}

// New wires a new proxy server with the provided configuration and starts
// its engine.
func New(cfg Config) (*Server, error) {
	if cfg.IndexHTML == "" {
		cfg.IndexHTML = defaultIndexHTML
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.PageTTL <= 0 {
		cfg.PageTTL = time.Minute
	}

	opts := polyfill.DefaultOptions()
	opts.Decoder = cfg.Decoder
	opts.Logger = cfg.Logger
	opts.MaxWidth = cfg.MaxWidth
	opts.DisableWorker = cfg.DisableWorker
	opts.HandleURL = func(h *polyfill.Handle) string { return "/jxl/blob/" + h.ID }
	eng := polyfill.New(opts)
	if err := eng.Start(context.Background()); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:    cfg,
		mux:    http.NewServeMux(),
		logger: cfg.Logger,
		engine: eng,
		pages:  newPageCache(cfg.Clock, cfg.PageTTL),
		client: &http.Client{Timeout: 20 * time.Second},
		clock:  cfg.Clock,
	}
	if cfg.EnablePrerender {
		s.prerender = newPrerenderer(cfg.Logger)
	}
	s.registerRoutes()
	s.handler = withLogging(s.logger, s.mux)
	return s, nil
}

// Close releases the headless browser allocator, if one was started.
func (s *Server) Close() {
	s.engine.Stop()
	if s.prerender != nil {
		s.prerender.Close()
	}
}

// Engine exposes the underlying polyfill engine, mostly for stats.
func (s *Server) Engine() *polyfill.Engine { return s.engine }

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/", s.handleRoot)
	s.mux.HandleFunc("/polyfill", s.handlePolyfill)
	s.mux.HandleFunc("/jxl/blob/", s.handleBlob)
	s.mux.HandleFunc("/stats", s.handleStats)
	s.mux.HandleFunc("/ping", s.handlePing)
}
