package polyfill

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/net/html"
)

// refKind labels which document surface a reference was lifted from. Markers
// are tracked per node and kind, so one element can carry independent
// references (an <img> with both src and srcset, say).
type refKind int

const (
	kindDirectSource refKind = iota
	kindSourceSet
	kindLinkReference
	kindBackgroundStyle
)

func (k refKind) String() string {
	switch k {
	case kindDirectSource:
		return "src"
	case kindSourceSet:
		return "srcset"
	case kindLinkReference:
		return "link"
	case kindBackgroundStyle:
		return "background"
	default:
		return "unknown"
	}
}

// reference is one candidate occurrence found during a scan. url is the
// reference as written for single-url kinds; srcset and background kinds keep
// the raw attribute value and re-derive urls during the rewrite.
type reference struct {
	url  string
	node *html.Node
	kind refKind
	attr string
	raw  string
}

const loadingAttr = "data-jxl-decoding"

// scanTree walks the subtree under start, collects every candidate reference
// under the document lock, then dispatches a pipeline per reference. When wg
// is non-nil each dispatched pipeline is registered on it so callers can wait.
func (e *Engine) scanTree(ctx context.Context, doc *Document, start *html.Node, wg *sync.WaitGroup) {
	var rules []styleRule
	var refs []reference
	doc.withLock(func() {
		if e.opts.HandleBackgrounds {
			rules = collectBackgroundRules(doc.Root(), e.logf)
		}
		walkElements(start, func(n *html.Node) {
			refs = append(refs, e.referencesFor(n, rules)...)
		})
	})
	for _, ref := range refs {
		e.processReference(ctx, doc, ref, wg)
	}
}

// referencesFor classifies a single element. Caller holds the document lock.
func (e *Engine) referencesFor(n *html.Node, rules []styleRule) []reference {
	var refs []reference
	tag := strings.ToLower(n.Data)
	switch tag {
	case "img":
		if src := nodeAttr(n, "src"); IsCandidate(src) {
			refs = append(refs, reference{url: src, node: n, kind: kindDirectSource, attr: "src"})
		}
		if e.opts.HandleSourceSet {
			if ss := nodeAttr(n, "srcset"); srcsetHasCandidate(ss) {
				refs = append(refs, reference{node: n, kind: kindSourceSet, attr: "srcset", raw: ss})
			}
		}
	case "source":
		if e.opts.HandleSourceSet {
			if ss := nodeAttr(n, "srcset"); srcsetHasCandidate(ss) {
				refs = append(refs, reference{node: n, kind: kindSourceSet, attr: "srcset", raw: ss})
			}
		}
	case "image":
		// svg <image>, href with the legacy xlink form still common.
		if e.opts.HandleVectorImages {
			for _, attr := range []string{"href", "xlink:href"} {
				if href := nodeAttr(n, attr); IsCandidate(href) {
					refs = append(refs, reference{url: href, node: n, kind: kindDirectSource, attr: attr})
					break
				}
			}
		}
	case "link":
		if relHasIcon(nodeAttr(n, "rel")) {
			if href := nodeAttr(n, "href"); IsCandidate(href) {
				refs = append(refs, reference{url: href, node: n, kind: kindLinkReference, attr: "href"})
			}
		}
	}
	if e.opts.HandleBackgrounds {
		if val := computedBackgroundValue(n, rules); val != "" {
			if u := ExtractFromBackgroundValue(val); u != "" {
				refs = append(refs, reference{url: u, node: n, kind: kindBackgroundStyle, attr: "style", raw: val})
			}
		}
	}
	return refs
}

func relHasIcon(rel string) bool {
	for _, tok := range strings.Fields(strings.ToLower(rel)) {
		if tok == "icon" || tok == "shortcut" || tok == "apple-touch-icon" {
			return true
		}
	}
	return false
}

// processReference sets the processing marker and, when this node+kind has not
// been seen before, launches the per-reference pipeline. The marker is set
// before any blocking work so a rescan arriving mid-decode is a no-op.
func (e *Engine) processReference(ctx context.Context, doc *Document, ref reference, wg *sync.WaitGroup) {
	key := markerKey{node: ref.node, kind: ref.kind}
	e.mu.Lock()
	if e.markers[key] {
		e.mu.Unlock()
		return
	}
	e.markers[key] = true
	e.mu.Unlock()

	if e.opts.ShowLoadingState {
		e.setAttrTracked(doc, ref.node, loadingAttr, "true")
	}
	e.wg.Add(1)
	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer e.wg.Done()
		if wg != nil {
			defer wg.Done()
		}
		e.runPipeline(ctx, doc, ref)
	}()
}

// runPipeline is the whole journey of one reference: resolve (cache, fetch,
// decode, store) then rewrite the owning attribute. Every failure is logged
// and swallowed; the document keeps its original reference and the rest of
// the page is unaffected.
func (e *Engine) runPipeline(ctx context.Context, doc *Document, ref reference) {
	if e.opts.ShowLoadingState {
		defer e.removeAttrTracked(doc, ref.node, loadingAttr)
	}
	switch ref.kind {
	case kindDirectSource, kindLinkReference:
		h, err := e.resolve(ctx, doc, ref.url)
		if err != nil {
			e.logf("PIPE %s %s: %v", ref.kind, ref.url, err)
			return
		}
		e.setAttrTracked(doc, ref.node, ref.attr, e.opts.HandleURL(h))
		e.vlogf("PIPE %s rewrote %s", ref.kind, ref.url)
	case kindSourceSet:
		out, n := e.rewriteSrcset(ctx, doc, ref.raw)
		if n == 0 {
			return
		}
		e.setAttrTracked(doc, ref.node, ref.attr, out)
		typ := ""
		if doc != nil {
			typ = doc.GetAttr(ref.node, "type")
		} else {
			typ = nodeAttr(ref.node, "type")
		}
		if strings.EqualFold(strings.TrimSpace(typ), "image/jxl") {
			e.setAttrTracked(doc, ref.node, "type", "image/png")
		}
		e.vlogf("PIPE srcset rewrote %d entries", n)
	case kindBackgroundStyle:
		h, err := e.resolve(ctx, doc, ref.url)
		if err != nil {
			e.logf("PIPE background %s: %v", ref.url, err)
			return
		}
		inline := ""
		if doc != nil {
			inline = doc.GetAttr(ref.node, "style")
		} else {
			inline = nodeAttr(ref.node, "style")
		}
		e.setAttrTracked(doc, ref.node, "style", rewriteInlineBackground(inline, e.opts.HandleURL(h)))
		e.vlogf("PIPE background rewrote %s", ref.url)
	}
}

// resolve turns a reference url into a renderable handle: cache first, then
// fetch + decode + store. Concurrent resolves of the same url each run the
// full pipeline; the cache converges afterwards.
func (e *Engine) resolve(ctx context.Context, doc *Document, rawURL string) (*Handle, error) {
	abs := e.absURL(doc, rawURL)
	if e.opts.CacheResults {
		if h, ok := e.cache.Get(abs); ok {
			e.stats.hits.Add(1)
			e.vlogf("PIPE cache hit %s", abs)
			return h, nil
		}
	}
	raw, err := e.fetchBytes(ctx, abs)
	if err != nil {
		return nil, err
	}
	decoded, err := e.disp.decode(raw)
	if err != nil {
		return nil, err
	}
	data, w, ht, err := e.finishDecoded(decoded)
	if err != nil {
		return nil, err
	}
	h := newHandle(abs, data, w, ht)
	if e.opts.CacheResults {
		e.cache.Set(abs, h)
	}
	e.stats.converted.Add(1)
	return h, nil
}

func (e *Engine) absURL(doc *Document, ref string) string {
	base := e.opts.BaseURL
	if doc != nil {
		base = doc.Base()
	}
	return resolveRef(base, ref)
}

// rewriteSrcset resolves every candidate entry of a srcset value and returns
// the rewritten value plus the number of entries replaced. Non-candidate
// entries pass through untouched; a failed entry keeps its original url.
func (e *Engine) rewriteSrcset(ctx context.Context, doc *Document, srcset string) (string, int) {
	entries := parseSrcset(srcset)
	rewritten := 0
	parts := make([]string, 0, len(entries))
	for _, ent := range entries {
		if IsCandidate(ent.url) {
			if h, err := e.resolve(ctx, doc, ent.url); err != nil {
				e.logf("PIPE srcset %s: %v", ent.url, err)
			} else {
				ent.url = e.opts.HandleURL(h)
				rewritten++
			}
		}
		if ent.desc != "" {
			parts = append(parts, ent.url+" "+ent.desc)
		} else {
			parts = append(parts, ent.url)
		}
	}
	return strings.Join(parts, ", "), rewritten
}

type srcsetEntry struct {
	url  string
	desc string
}

// parseSrcset splits a srcset value into url/descriptor pairs. Commas inside
// data: urls are not handled; candidate urls never take that form.
func parseSrcset(v string) []srcsetEntry {
	var out []srcsetEntry
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Fields(part)
		ent := srcsetEntry{url: fields[0]}
		if len(fields) > 1 {
			ent.desc = strings.Join(fields[1:], " ")
		}
		out = append(out, ent)
	}
	return out
}

func srcsetHasCandidate(v string) bool {
	for _, ent := range parseSrcset(v) {
		if IsCandidate(ent.url) {
			return true
		}
	}
	return false
}

// watchedKinds maps an attribute name to the marker kinds an external write
// to it invalidates.
func watchedKinds(attr string) []refKind {
	switch strings.ToLower(attr) {
	case "src":
		return []refKind{kindDirectSource}
	case "srcset":
		return []refKind{kindSourceSet}
	case "href", "xlink:href":
		return []refKind{kindDirectSource, kindLinkReference}
	case "style":
		return []refKind{kindBackgroundStyle}
	default:
		return nil
	}
}

// handleMutations reacts to batched document changes: inserted subtrees are
// scanned like the initial pass, and external attribute rewrites clear the
// affected markers so the node is eligible again. The engine's own rewrites
// are recognized by value and ignored.
func (e *Engine) handleMutations(ctx context.Context, doc *Document, batch []Mutation) {
	for _, m := range batch {
		switch m.Kind {
		case MutationChildList:
			e.scanTree(ctx, doc, m.Node, nil)
		case MutationAttribute:
			// The self-write check runs for every attribute, not just the
			// watched ones: the pipeline also writes type and the loading
			// marker, and their echoes must be consumed.
			kinds := watchedKinds(m.Attr)
			cur := doc.GetAttr(m.Node, m.Attr)
			wk := writeKey{node: m.Node, attr: strings.ToLower(m.Attr)}
			e.mu.Lock()
			if want, ok := e.selfWrites[wk]; ok && want == cur {
				delete(e.selfWrites, wk)
				e.mu.Unlock()
				continue
			}
			for _, k := range kinds {
				delete(e.markers, markerKey{node: m.Node, kind: k})
			}
			e.mu.Unlock()
			if kinds == nil {
				continue
			}
			var rules []styleRule
			var refs []reference
			doc.withLock(func() {
				if e.opts.HandleBackgrounds {
					rules = collectBackgroundRules(doc.Root(), e.logf)
				}
				refs = e.referencesFor(m.Node, rules)
			})
			for _, ref := range refs {
				if containsKind(kinds, ref.kind) {
					e.processReference(ctx, doc, ref, nil)
				}
			}
		}
	}
}

func containsKind(kinds []refKind, k refKind) bool {
	for _, c := range kinds {
		if c == k {
			return true
		}
	}
	return false
}

// setAttrTracked writes an attribute and records the write so the mutation
// observer can tell it apart from an external one. doc may be nil for nodes
// not attached to an observed document.
func (e *Engine) setAttrTracked(doc *Document, n *html.Node, key, val string) {
	if doc == nil {
		setNodeAttr(n, key, val)
		return
	}
	e.mu.Lock()
	e.selfWrites[writeKey{node: n, attr: strings.ToLower(key)}] = val
	e.mu.Unlock()
	doc.SetAttr(n, key, val)
}

func (e *Engine) removeAttrTracked(doc *Document, n *html.Node, key string) {
	if doc == nil {
		removeNodeAttr(n, key)
		return
	}
	e.mu.Lock()
	e.selfWrites[writeKey{node: n, attr: strings.ToLower(key)}] = ""
	e.mu.Unlock()
	doc.RemoveAttr(n, key)
}
