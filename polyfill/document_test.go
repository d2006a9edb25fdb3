package polyfill

import (
	"strings"
	"testing"

	"golang.org/x/net/html"
)

func TestParseDocumentBaseHref(t *testing.T) {
	doc, err := ParseDocument(strings.NewReader(
		`<html><head><base href="/assets/"></head><body></body></html>`),
		"https://example.com/page")
	if err != nil {
		t.Fatalf("ParseDocument: %v", err)
	}
	if got := doc.Base(); got != "https://example.com/assets/" {
		t.Fatalf("Base = %q", got)
	}
}

func TestDocumentObserveAttr(t *testing.T) {
	doc, err := ParseDocument(strings.NewReader(`<html><body><img id="a"></body></html>`), "")
	if err != nil {
		t.Fatalf("ParseDocument: %v", err)
	}
	img := findByTag(doc.Root(), "img")

	var seen []Mutation
	unsub := doc.observe(func(batch []Mutation) { seen = append(seen, batch...) })

	doc.SetAttr(img, "src", "x.jxl")
	if len(seen) != 1 || seen[0].Kind != MutationAttribute || seen[0].Attr != "src" {
		t.Fatalf("mutations after SetAttr = %+v", seen)
	}
	if got := doc.GetAttr(img, "src"); got != "x.jxl" {
		t.Fatalf("GetAttr = %q", got)
	}

	unsub()
	doc.SetAttr(img, "src", "y.jxl")
	if len(seen) != 1 {
		t.Fatalf("observer still firing after unsubscribe: %+v", seen)
	}
}

func TestDocumentAppendChildNotifies(t *testing.T) {
	doc, err := ParseDocument(strings.NewReader(`<html><body></body></html>`), "")
	if err != nil {
		t.Fatalf("ParseDocument: %v", err)
	}
	body := findByTag(doc.Root(), "body")

	var seen []Mutation
	doc.observe(func(batch []Mutation) { seen = append(seen, batch...) })

	sub := &html.Node{Type: html.ElementNode, Data: "img"}
	doc.AppendChild(body, sub)
	if len(seen) != 1 || seen[0].Kind != MutationChildList || seen[0].Node != sub {
		t.Fatalf("mutations after AppendChild = %+v", seen)
	}
}

func TestResolveRef(t *testing.T) {
	cases := []struct {
		base, href, want string
	}{
		{"https://example.com/dir/page", "a.jxl", "https://example.com/dir/a.jxl"},
		{"https://example.com/dir/page", "/a.jxl", "https://example.com/a.jxl"},
		{"https://example.com", "//cdn.example.com/a.jxl", "https://cdn.example.com/a.jxl"},
		{"", "a.jxl", "a.jxl"},
		{"https://example.com", "data:image/png;base64,AA==", "data:image/png;base64,AA=="},
		{"https://example.com", "https://other.com/b.jxl", "https://other.com/b.jxl"},
	}
	for _, c := range cases {
		if got := resolveRef(c.base, c.href); got != c.want {
			t.Errorf("resolveRef(%q, %q) = %q, want %q", c.base, c.href, got, c.want)
		}
	}
}
