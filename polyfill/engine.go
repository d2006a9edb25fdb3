package polyfill

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hjanuschka/go-jxl-polyfill/jxldec"
)

// Options configure one engine instance. Each boolean toggles exactly one
// behavior; start from DefaultOptions and adjust.
type Options struct {
	// Document, when set, is scanned at Start and observed for mutations
	// until Stop. Leave nil when driving documents through Process.
	Document *Document
	// Decoder is the external decoder collaborator. Required unless native
	// support is detected.
	Decoder jxldec.Decoder

	// PatchConstructor routes images built through NewImage into the decode
	// pipeline. This is the explicit stand-in for ambient constructor
	// interception, which has no safe equivalent here.
	PatchConstructor bool
	// HandleBackgrounds processes computed background-image references.
	HandleBackgrounds bool
	// HandleSourceSet processes img/source srcset references.
	HandleSourceSet bool
	// HandleVectorImages processes svg <image href> references.
	HandleVectorImages bool
	// CacheResults memoizes decoded handles by url.
	CacheResults bool
	// ShowLoadingState marks nodes with data-jxl-decoding while their decode
	// is in flight, as a styling hook for visual de-emphasis.
	ShowLoadingState bool
	// VerboseLogging enables per-reference diagnostics.
	VerboseLogging bool
	// DisableWorker skips the worker context and always decodes inline.
	DisableWorker bool

	// Logger receives diagnostics; defaults to log.Default().
	Logger *log.Logger
	// WorkerReadyTimeout is the grace period for the worker readiness
	// signal; default 2s.
	WorkerReadyTimeout time.Duration
	// FetchTimeout bounds one raw-byte fetch; default 8s.
	FetchTimeout time.Duration
	// MaxWidth, when positive, downscales decoded images to at most this
	// many pixels wide.
	MaxWidth int
	// HandleURL maps a decoded handle to the url written into the document.
	// Default is the handle's data: URI; the proxy mounts /jxl/blob/{id}.
	HandleURL func(*Handle) string
	// HTTPClient performs raw-byte fetches; default is a dedicated client
	// honoring FetchTimeout.
	HTTPClient *http.Client
	// BaseURL resolves relative references for documents without one.
	BaseURL string
}

// DefaultOptions enables the standard reference kinds and caching.
func DefaultOptions() Options {
	return Options{
		HandleBackgrounds:  true,
		HandleSourceSet:    true,
		HandleVectorImages: true,
		CacheResults:       true,
	}
}

type markerKey struct {
	node *html.Node
	kind refKind
}

type writeKey struct {
	node *html.Node
	attr string
}

// Engine is the polyfill engine: it classifies candidate references, decides
// between worker and inline decode execution, memoizes results, and keeps a
// document synchronized as content mutates. One engine per embedding
// session; nothing is shared between instances.
type Engine struct {
	opts   Options
	logger *log.Logger
	client *http.Client
	cache  *ResultCache
	disp   *dispatcher
	stats  statsRegistry

	probe     func() bool
	probeOnce sync.Once
	native    bool

	mu          sync.Mutex
	started     bool
	markers     map[markerKey]bool
	selfWrites  map[writeKey]string
	unsubscribe func()

	wg sync.WaitGroup // in-flight pipelines
}

// New builds an engine from opts. Call Start before anything else.
func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.WorkerReadyTimeout <= 0 {
		opts.WorkerReadyTimeout = 2 * time.Second
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 8 * time.Second
	}
	if opts.HandleURL == nil {
		opts.HandleURL = func(h *Handle) string { return h.DataURI() }
	}
	e := &Engine{
		opts:       opts,
		logger:     opts.Logger,
		client:     opts.HTTPClient,
		cache:      newResultCache(),
		probe:      checkNativeSupport,
		markers:    make(map[markerKey]bool),
		selfWrites: make(map[writeKey]string),
	}
	if e.client == nil {
		e.client = &http.Client{Timeout: opts.FetchTimeout}
	}
	e.disp = newDispatcher(opts.Decoder, opts.WorkerReadyTimeout, opts.DisableWorker, e.logf)
	return e
}

// Start probes native support exactly once, initializes the dispatcher and,
// when a Document was configured, scans it and installs change observation.
// With native support present the engine stops here and stays inert.
func (e *Engine) Start(ctx context.Context) error {
	// native must be written before started is published: Process and
	// NewImage read it lock-free after observing started under e.mu.
	e.probeOnce.Do(func() { e.native = e.probe() })

	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	if e.native {
		e.logf("START native decode support detected, polyfill inactive")
		return nil
	}
	if e.opts.Decoder == nil {
		return fmt.Errorf("%w: no decoder configured", ErrUnsupportedEnvironment)
	}
	if err := e.disp.initialize(ctx); err != nil {
		return err
	}
	if doc := e.opts.Document; doc != nil {
		e.scanTree(ctx, doc, doc.Root(), nil)
		e.mu.Lock()
		e.unsubscribe = doc.observe(func(batch []Mutation) {
			e.handleMutations(context.Background(), doc, batch)
		})
		e.mu.Unlock()
	}
	return nil
}

// Stop detaches the change-notification subscription. In-flight decode
// requests keep running to completion or failure.
func (e *Engine) Stop() {
	e.mu.Lock()
	unsub := e.unsubscribe
	e.unsubscribe = nil
	e.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// Process runs one full scan of doc through the engine's pipeline and waits
// for every decode it dispatched. Used by the proxy, which feeds a fresh
// document per request into one long-lived engine.
func (e *Engine) Process(ctx context.Context, doc *Document) error {
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if !started {
		return fmt.Errorf("%w: engine not started", ErrUnsupportedEnvironment)
	}
	if e.native {
		return nil
	}
	var wg sync.WaitGroup
	e.scanTree(ctx, doc, doc.Root(), &wg)
	wg.Wait()
	e.releaseTracking(doc)
	return nil
}

// releaseTracking drops the marker and self-write entries for nodes under
// doc's root. One-shot documents would otherwise pin their parsed trees in
// the engine's maps for the process lifetime. Within a Process call the
// markers still provide idempotence and failure suppression; across calls a
// successfully rewritten reference is no longer a candidate anyway.
func (e *Engine) releaseTracking(doc *Document) {
	in := make(map[*html.Node]bool)
	doc.withLock(func() {
		walkElements(doc.Root(), func(n *html.Node) { in[n] = true })
	})
	e.mu.Lock()
	for k := range e.markers {
		if in[k.node] {
			delete(e.markers, k)
		}
	}
	for k := range e.selfWrites {
		if in[k.node] {
			delete(e.selfWrites, k)
		}
	}
	e.mu.Unlock()
}

// Stats returns the engine's counters. Read-only; mutated only by the
// pipeline.
func (e *Engine) Stats() Stats {
	return e.stats.snapshot(e.cache.Len())
}

// Cache exposes the result cache, primarily so the proxy can serve handles
// by id.
func (e *Engine) Cache() *ResultCache { return e.cache }

// NewImage is the explicit factory replacing ambient constructor patching:
// it builds an <img> node for url and, when PatchConstructor is on and the
// url is a candidate, routes it through the decode pipeline. The node's src
// is rewritten in place once the decode resolves.
func (e *Engine) NewImage(url string) *html.Node {
	n := &html.Node{
		Type:     html.ElementNode,
		Data:     "img",
		DataAtom: atom.Img,
		Attr:     []html.Attribute{{Key: "src", Val: url}},
	}
	if !e.opts.PatchConstructor || e.native || !IsCandidate(url) {
		return n
	}
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if !started {
		return n
	}
	e.processReference(context.Background(), nil, reference{
		url: url, node: n, kind: kindDirectSource, attr: "src",
	}, nil)
	return n
}

func (e *Engine) logf(format string, args ...any) {
	e.logger.Printf(format, args...)
}

func (e *Engine) vlogf(format string, args ...any) {
	if e.opts.VerboseLogging {
		e.logger.Printf(format, args...)
	}
}
