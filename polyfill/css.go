package polyfill

import (
	"strings"

	"github.com/andybalholm/cascadia"
	cssast "github.com/aymerick/douceur/css"
	"github.com/aymerick/douceur/parser"
	"golang.org/x/net/html"
)

// styleRule is one background declaration lifted from a <style> sheet,
// selector pre-compiled for matching during scans.
type styleRule struct {
	selector cascadia.Sel
	value    string
	order    int
}

// collectBackgroundRules parses every <style> element under root and keeps
// the rules that declare background-image (or a background shorthand).
// External stylesheets are not fetched; the original polyfill likewise only
// sees what the document itself computes.
func collectBackgroundRules(root *html.Node, logf func(string, ...any)) []styleRule {
	var rules []styleRule
	order := 0
	walkElements(root, func(n *html.Node) {
		if !strings.EqualFold(n.Data, "style") {
			return
		}
		if n.FirstChild == nil || n.FirstChild.Type != html.TextNode {
			return
		}
		sheet, err := parser.Parse(n.FirstChild.Data)
		if err != nil {
			logf("CSS parse error: %v", err)
			return
		}
		var walk func([]*cssast.Rule)
		walk = func(list []*cssast.Rule) {
			for _, rule := range list {
				if rule == nil {
					continue
				}
				if rule.Kind == cssast.AtRule {
					if rule.EmbedsRules() {
						walk(rule.Rules)
					}
					continue
				}
				val := backgroundDeclValue(rule.Declarations)
				if val == "" || len(rule.Selectors) == 0 {
					continue
				}
				group, err := cascadia.ParseGroup(strings.Join(rule.Selectors, ","))
				if err != nil {
					logf("CSS selector error: %v", err)
					continue
				}
				for _, sel := range group {
					if sel == nil || sel.PseudoElement() != "" {
						continue
					}
					rules = append(rules, styleRule{selector: sel, value: val, order: order})
					order++
				}
			}
		}
		walk(sheet.Rules)
	})
	return rules
}

func backgroundDeclValue(decls []*cssast.Declaration) string {
	val := ""
	for _, decl := range decls {
		if decl == nil {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(decl.Property)) {
		case "background-image", "background":
			if v := strings.TrimSpace(decl.Value); v != "" {
				val = v
			}
		}
	}
	return val
}

// computedBackgroundValue resolves the background-image computed value for
// n: the inline style declaration wins, else the last matching sheet rule.
func computedBackgroundValue(n *html.Node, rules []styleRule) string {
	if inline := nodeAttr(n, "style"); inline != "" {
		if v := inlineBackgroundValue(inline); v != "" {
			return v
		}
	}
	for i := len(rules) - 1; i >= 0; i-- {
		if rules[i].selector.Match(n) {
			return rules[i].value
		}
	}
	return ""
}

// parseInlineDeclarations terminates the input before handing it to douceur,
// whose declaration parser drops the value of a trailing declaration that has
// no closing semicolon.
func parseInlineDeclarations(inline string) ([]*cssast.Declaration, error) {
	s := strings.TrimSpace(inline)
	if s != "" && !strings.HasSuffix(s, ";") {
		s += ";"
	}
	return parser.ParseDeclarations(s)
}

func inlineBackgroundValue(inline string) string {
	decls, err := parseInlineDeclarations(inline)
	if err != nil {
		return ""
	}
	return backgroundDeclValue(decls)
}

// rewriteInlineBackground returns the inline style with its background-image
// pointing at uri. The write always lands on the inline attribute so it
// overrides any sheet rule, mirroring an el.style.backgroundImage write.
func rewriteInlineBackground(inline, uri string) string {
	repl := "background-image: url(" + uri + ")"
	decls, err := parseInlineDeclarations(inline)
	if err != nil || len(decls) == 0 {
		return repl
	}
	parts := make([]string, 0, len(decls)+1)
	replaced := false
	for _, decl := range decls {
		if decl == nil {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(decl.Property)) {
		case "background-image", "background":
			if !replaced {
				parts = append(parts, repl)
				replaced = true
			}
		default:
			parts = append(parts, decl.Property+": "+decl.Value)
		}
	}
	if !replaced {
		parts = append(parts, repl)
	}
	return strings.Join(parts, "; ")
}
