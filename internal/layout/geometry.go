// Package layout places flipbook frames on pages and renders the PDF.
package layout

import "flipbook/internal/models"

// Placement is where frame Index lands: its page, its slot on that page, the
// grid cell and the top-left corner of the image in millimeters.
type Placement struct {
	Index  int
	Page   int
	Slot   int
	Column int
	Row    int
	X      float64
	Y      float64
}

// Place maps frame i to its page and position. VerticalFirst fills a column
// top to bottom before moving right; HorizontalFirst fills a row left to
// right before moving down. Options must have been validated.
func Place(i int, o models.LayoutOptions) Placement {
	perPage := o.FramesPerPage()
	slot := i % perPage

	var col, row int
	switch o.FrameOrder {
	case models.HorizontalFirst:
		col, row = slot%o.GridWidth, slot/o.GridWidth
	default:
		col, row = slot/o.GridHeight, slot%o.GridHeight
	}

	return Placement{
		Index:  i,
		Page:   i / perPage,
		Slot:   slot,
		Column: col,
		Row:    row,
		X:      o.MarginLeft + float64(col)*(o.ImageWidth+o.GapBetweenX),
		Y:      o.MarginTop + float64(row)*(o.ImageHeight+o.GapBetweenY),
	}
}

// PageCount is the number of pages for n frames. Zero frames still yield a
// single blank page.
func PageCount(n int, o models.LayoutOptions) int {
	if n <= 0 {
		return 1
	}
	perPage := o.FramesPerPage()
	return (n + perPage - 1) / perPage
}
