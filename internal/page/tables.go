package page

import (
	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// Table is one table-like element with its own rows (rows of nested tables
// belong to the nested table).
type Table struct {
	// Index is the table's position among all <table> elements in the
	// document, or -1 when the selector matched a non-table container.
	Index int
	Node  *html.Node
	Rows  []Row
}

// Row is one <tr> and its direct cells.
type Row struct {
	Index int
	Cells []Cell
}

// Cell is one <td> or <th>.
type Cell struct {
	Text string
	Node *html.Node
}

// Tables returns every element matching selector as a Table, in document
// order. An empty selector means "table".
func (p *Page) Tables(selector string) []Table {
	if selector == "" || selector == "table" {
		p.tablesOnce.Do(func() {
			p.tables = p.collectTables(p.doc.Find("table"))
		})
		return p.tables
	}

	// goquery treats an invalid selector as matching nothing.
	return p.collectTables(p.doc.Find(selector))
}

func (p *Page) collectTables(sel *goquery.Selection) []Table {
	all := p.doc.Find("table")
	var out []Table
	sel.Each(func(_ int, t *goquery.Selection) {
		node := t.Get(0)
		isTable := goquery.NodeName(t) == "table"

		tbl := Table{Index: -1, Node: node}
		if isTable {
			tbl.Index = all.IndexOfNode(node)
		}

		rowIdx := 0
		t.Find("tr").Each(func(_ int, tr *goquery.Selection) {
			if isTable && tr.Closest("table").Get(0) != node {
				return
			}
			row := Row{Index: rowIdx}
			rowIdx++
			tr.ChildrenFiltered("td, th").Each(func(_ int, c *goquery.Selection) {
				row.Cells = append(row.Cells, Cell{Text: collapse(c.Text()), Node: c.Get(0)})
			})
			tbl.Rows = append(tbl.Rows, row)
		})
		out = append(out, tbl)
	})
	return out
}
