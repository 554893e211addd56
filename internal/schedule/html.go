package schedule

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/macjediwizard/shiftsync/internal/logging"
)

const (
	headerSelector = `table thead tr th, .table thead tr th, [role="columnheader"]`
	rowSelector    = `table tbody tr, .table tbody tr, [role="row"]`
	cellSelector   = `td, [role="gridcell"]`

	// minDataCells is the fewest cells a data row can have; anything
	// shorter is a group header or spacer.
	minDataCells = 6
)

// linkGlyphs are the external-link arrows the table renders after numbers.
var linkGlyphs = strings.NewReplacer("↗", "", "→", "")

type column int

const (
	colType column = iota
	colRef
	colName
	colDescription
	colStart
	colEnd
	colOffice
	colProject
	colStatus
	colTalent
	colTask
	colJobNumber
	colJobName
	colClient
	colVenueName
	colVenueRoom
	colAddress
	colSalesperson
	colOrderStatus
	colLaborCustom
	numColumns
)

// columnIndexes maps each logical column to its header position, -1 when absent.
type columnIndexes [numColumns]int

// detectColumns assigns columns from header text. The order of checks
// matters: the loose "contains" matches run before the exact ones.
func detectColumns(doc *goquery.Document) columnIndexes {
	var cols columnIndexes
	for i := range cols {
		cols[i] = -1
	}

	doc.Find(headerSelector).Each(func(idx int, th *goquery.Selection) {
		text := strings.ToLower(strings.Join(strings.Fields(th.Text()), " "))

		switch {
		case strings.Contains(text, "type"):
			cols[colType] = idx
		case strings.Contains(text, "ref"):
			cols[colRef] = idx
		case text == "name":
			cols[colName] = idx
		case strings.Contains(text, "description"):
			cols[colDescription] = idx
		case strings.Contains(text, "start date"):
			cols[colStart] = idx
		case strings.Contains(text, "end date"):
			cols[colEnd] = idx
		case strings.Contains(text, "office"):
			cols[colOffice] = idx
		case strings.Contains(text, "project"):
			cols[colProject] = idx
		case text == "status":
			cols[colStatus] = idx
		case text == "talent":
			cols[colTalent] = idx
		case text == "task":
			cols[colTask] = idx
		case text == "job #":
			cols[colJobNumber] = idx
		case text == "job name":
			cols[colJobName] = idx
		case text == "client":
			cols[colClient] = idx
		case text == "venue name":
			cols[colVenueName] = idx
		case text == "venue room":
			cols[colVenueRoom] = idx
		case text == "address":
			cols[colAddress] = idx
		case text == "salesperson":
			cols[colSalesperson] = idx
		case text == "order status":
			cols[colOrderStatus] = idx
		case text == "labor custom":
			cols[colLaborCustom] = idx
		}
	})

	return cols
}

// ParseHTML extracts schedule rows from an HTML page holding the schedule
// table. When any row has a checked checkbox only checked rows are returned;
// otherwise every data row is. Dates are read as wall-clock time in loc and
// rows without a valid start and end are dropped.
func ParseHTML(r io.Reader, loc *time.Location) ([]Row, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse schedule HTML: %w", err)
	}

	cols := detectColumns(doc)
	log := logging.For("schedule")

	tableRows := doc.Find(rowSelector)

	var selected []Row
	tableRows.Each(func(index int, tr *goquery.Selection) {
		checkbox := tr.Find(`input[type="checkbox"]`).First()
		if checkbox.Length() == 0 {
			return
		}
		if _, checked := checkbox.Attr("checked"); !checked {
			return
		}
		if row, ok := extractRow(tr, index, cols, loc); ok {
			selected = append(selected, row)
		}
	})
	if len(selected) > 0 {
		return selected, nil
	}

	log.Debug("no selected rows found, extracting all visible rows")

	var all []Row
	tableRows.Each(func(index int, tr *goquery.Selection) {
		row, ok := extractRow(tr, index, cols, loc)
		if ok && !isHeaderRow(row) {
			all = append(all, row)
		}
	})
	return all, nil
}

func extractRow(tr *goquery.Selection, index int, cols columnIndexes, loc *time.Location) (Row, bool) {
	cells := tr.Find(cellSelector)
	if cells.Length() < minDataCells {
		return Row{}, false
	}

	get := func(c column) string {
		idx := cols[c]
		if idx < 0 || idx >= cells.Length() {
			return ""
		}
		return cellText(cells.Eq(idx))
	}

	row := Row{
		Index:         IntPtr(index),
		Type:          get(colType),
		RefNumber:     strings.TrimSpace(linkGlyphs.Replace(get(colRef))),
		Name:          get(colName),
		Description:   get(colDescription),
		Office:        get(colOffice),
		ProjectNumber: strings.TrimSpace(linkGlyphs.Replace(get(colProject))),
		Status:        get(colStatus),
		Talent:        get(colTalent),
		Task:          get(colTask),
		JobNumber:     get(colJobNumber),
		JobName:       get(colJobName),
		Client:        get(colClient),
		VenueName:     get(colVenueName),
		VenueRoom:     get(colVenueRoom),
		Address:       get(colAddress),
		Salesperson:   get(colSalesperson),
		OrderStatus:   get(colOrderStatus),
		LaborCustom:   get(colLaborCustom),
	}

	start, err := ParseTableDate(get(colStart), loc)
	if err != nil {
		return Row{}, false
	}
	end, err := ParseTableDate(get(colEnd), loc)
	if err != nil {
		return Row{}, false
	}
	row.Start = start
	row.End = end

	return row, true
}

// cellText prefers the text of a link inside the cell.
func cellText(cell *goquery.Selection) string {
	if link := cell.Find("a").First(); link.Length() > 0 {
		return strings.TrimSpace(link.Text())
	}
	return strings.TrimSpace(cell.Text())
}

func isHeaderRow(row Row) bool {
	return row.RefNumber == "" ||
		row.Type == "Type" ||
		row.Name == "Name" ||
		row.RefNumber == "Ref #"
}
