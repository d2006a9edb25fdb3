package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/hjanuschka/go-jxl-polyfill/polyfill"
)

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(s.cfg.IndexHTML)))
	io.WriteString(w, s.cfg.IndexHTML)
}

// handlePolyfill fetches a page, runs every candidate image reference through
// the decode pipeline and serves the rewritten document. With js=1 the page
// is first rendered in a headless browser so script-inserted references are
// visible too.
func (s *Server) handlePolyfill(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	target := strings.TrimSpace(r.FormValue("url"))
	if target == "" {
		http.Error(w, "missing url", http.StatusBadRequest)
		return
	}
	if u, err := url.Parse(target); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		http.Error(w, "unsupported url", http.StatusBadRequest)
		return
	}
	js := r.FormValue("js") == "1"
	if js && s.prerender == nil {
		http.Error(w, "prerender disabled", http.StatusBadRequest)
		return
	}

	if html, ok := s.pages.Select(target, js); ok {
		s.logger.Printf("PAGE cache hit %s js=%v", target, js)
		s.writeHTML(w, html)
		return
	}

	body, finalURL, err := s.loadPage(r.Context(), target, js)
	if err != nil {
		s.logger.Printf("PAGE fetch %s: %v", target, err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	doc, err := polyfill.ParseDocument(bytes.NewReader(body), finalURL)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if err := s.engine.Process(r.Context(), doc); err != nil {
		s.logger.Printf("PAGE process %s: %v", target, err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	var out bytes.Buffer
	if err := doc.Render(&out); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.pages.Store(target, js, out.Bytes())
	s.writeHTML(w, out.Bytes())
}

// handleBlob serves a decoded image by handle id, the mount point behind the
// urls the engine writes into rewritten pages.
func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/jxl/blob/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	h, ok := s.engine.Cache().ByID(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", h.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(h.Data)))
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Write(h.Data)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(s.engine.Stats())
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, "pong")
}

// loadPage retrieves the page html, either by plain GET or through the
// headless browser. Returns the body and the final url after redirects.
func (s *Server) loadPage(ctx context.Context, target string, js bool) ([]byte, string, error) {
	if js {
		return s.prerender.Fetch(ctx, target, s.cfg.UpstreamUA)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", err
	}
	if s.cfg.UpstreamUA != "" {
		req.Header.Set("User-Agent", s.cfg.UpstreamUA)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, "", fmt.Errorf("upstream status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return body, resp.Request.URL.String(), nil
}

func (s *Server) writeHTML(w http.ResponseWriter, html []byte) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(html)))
	w.Write(html)
}
