package polyfill

import (
	"strings"
	"testing"

	"golang.org/x/net/html"
)

func parseFragment(t *testing.T, src string) *html.Node {
	t.Helper()
	root, err := html.Parse(strings.NewReader(src))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return root
}

func findByTag(root *html.Node, tag string) *html.Node {
	var out *html.Node
	walkElements(root, func(n *html.Node) {
		if out == nil && strings.EqualFold(n.Data, tag) {
			out = n
		}
	})
	return out
}

func findByID(root *html.Node, id string) *html.Node {
	var out *html.Node
	walkElements(root, func(n *html.Node) {
		if out == nil && nodeAttr(n, "id") == id {
			out = n
		}
	})
	return out
}

func findByClass(root *html.Node, class string) *html.Node {
	var out *html.Node
	walkElements(root, func(n *html.Node) {
		if out == nil && nodeAttr(n, "class") == class {
			out = n
		}
	})
	return out
}

func TestCollectBackgroundRules(t *testing.T) {
	root := parseFragment(t, `<html><head><style>
		.hero { background-image: url(/hero.jxl); color: red; }
		.plain { color: blue; }
		@media (min-width: 600px) {
			.wide { background: #000 url(/wide.jxl) no-repeat; }
		}
	</style></head><body></body></html>`)
	rules := collectBackgroundRules(root, t.Logf)
	if len(rules) != 2 {
		t.Fatalf("got %d rules, want 2", len(rules))
	}
	if !strings.Contains(rules[0].value, "/hero.jxl") {
		t.Errorf("rule 0 value = %q", rules[0].value)
	}
	if !strings.Contains(rules[1].value, "/wide.jxl") {
		t.Errorf("rule 1 value = %q", rules[1].value)
	}
}

func TestComputedBackgroundValueInlineWins(t *testing.T) {
	root := parseFragment(t, `<html><head><style>
		.hero { background-image: url(/sheet.jxl); }
	</style></head><body>
		<div class="hero" style="background-image: url(/inline.jxl)"></div>
		<div class="hero" id="sheet-only"></div>
	</body></html>`)
	rules := collectBackgroundRules(root, t.Logf)

	inline := findByClass(root, "hero")
	if v := computedBackgroundValue(inline, rules); !strings.Contains(v, "/inline.jxl") {
		t.Errorf("inline computed value = %q", v)
	}

	var sheetOnly *html.Node
	walkElements(root, func(n *html.Node) {
		if nodeAttr(n, "id") == "sheet-only" {
			sheetOnly = n
		}
	})
	if v := computedBackgroundValue(sheetOnly, rules); !strings.Contains(v, "/sheet.jxl") {
		t.Errorf("sheet computed value = %q", v)
	}
}

func TestComputedBackgroundValueLastRuleWins(t *testing.T) {
	root := parseFragment(t, `<html><head><style>
		.hero { background-image: url(/first.jxl); }
		.hero { background-image: url(/second.jxl); }
	</style></head><body><div class="hero"></div></body></html>`)
	rules := collectBackgroundRules(root, t.Logf)
	n := findByClass(root, "hero")
	if v := computedBackgroundValue(n, rules); !strings.Contains(v, "/second.jxl") {
		t.Errorf("computed value = %q, want last rule", v)
	}
}

func TestInlineBackgroundValueUnterminated(t *testing.T) {
	// Inline styles commonly omit the final semicolon; the declaration must
	// still be seen with its value intact.
	for _, inline := range []string{
		"background-image: url(/bg.jxl)",
		"background-image: url(/bg.jxl);",
		"color: red; background-image: url(/bg.jxl)",
	} {
		if v := inlineBackgroundValue(inline); !strings.Contains(v, "/bg.jxl") {
			t.Errorf("inlineBackgroundValue(%q) = %q", inline, v)
		}
	}
}

func TestRewriteInlineBackground(t *testing.T) {
	cases := []struct {
		inline string
		want   []string
		absent []string
	}{
		{
			inline: "",
			want:   []string{"background-image: url(data:x)"},
		},
		{
			inline: "color: red; background-image: url(/old.jxl)",
			want:   []string{"color: red", "background-image: url(data:x)"},
			absent: []string{"/old.jxl"},
		},
		{
			inline: "background: #fff url(/old.jxl) no-repeat",
			want:   []string{"background-image: url(data:x)"},
			absent: []string{"/old.jxl"},
		},
		{
			inline: "margin: 0",
			want:   []string{"margin: 0", "background-image: url(data:x)"},
		},
	}
	for _, c := range cases {
		got := rewriteInlineBackground(c.inline, "data:x")
		for _, w := range c.want {
			if !strings.Contains(got, w) {
				t.Errorf("rewriteInlineBackground(%q) = %q, missing %q", c.inline, got, w)
			}
		}
		for _, a := range c.absent {
			if strings.Contains(got, a) {
				t.Errorf("rewriteInlineBackground(%q) = %q, still contains %q", c.inline, got, a)
			}
		}
	}
}
