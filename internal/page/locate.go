package page

import (
	"fmt"
	"slices"
	"strings"

	"golang.org/x/net/html"

	"github.com/sells-group/spec-extractor/internal/model"
)

// Locate fills the element descriptor fields of a LocationInfo for n: a CSS
// path, an XPath, and the element's tag, id and classes.
func Locate(n *html.Node, loc *model.LocationInfo) {
	if n == nil || n.Type != html.ElementNode {
		return
	}
	loc.Tag = n.Data
	loc.ID = attr(n, "id")
	loc.Classes = strings.Fields(attr(n, "class"))
	loc.CSSSelector = cssPath(n)
	loc.XPath = xPath(n)
}

func cssPath(n *html.Node) string {
	var parts []string
	for cur := n; cur != nil && cur.Type == html.ElementNode; cur = cur.Parent {
		if id := attr(cur, "id"); id != "" && !strings.ContainsAny(id, " \t") {
			parts = append(parts, cur.Data+"#"+id)
			break
		}
		part := cur.Data
		if idx, total := typeIndex(cur); total > 1 {
			part += fmt.Sprintf(":nth-of-type(%d)", idx)
		}
		parts = append(parts, part)
	}
	slices.Reverse(parts)
	return strings.Join(parts, " > ")
}

func xPath(n *html.Node) string {
	var parts []string
	for cur := n; cur != nil && cur.Type == html.ElementNode; cur = cur.Parent {
		part := cur.Data
		if idx, total := typeIndex(cur); total > 1 {
			part += fmt.Sprintf("[%d]", idx)
		}
		parts = append(parts, part)
	}
	slices.Reverse(parts)
	return "/" + strings.Join(parts, "/")
}

// typeIndex returns n's 1-based position among same-tag siblings and the
// number of such siblings.
func typeIndex(n *html.Node) (idx, total int) {
	if n.Parent == nil {
		return 1, 1
	}
	for c := n.Parent.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode || c.Data != n.Data {
			continue
		}
		total++
		if c == n {
			idx = total
		}
	}
	return idx, total
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
