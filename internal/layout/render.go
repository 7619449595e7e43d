package layout

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-pdf/fpdf"

	"flipbook/internal/models"
)

// PageFunc is called once for every page whose frames have all been drawn.
type PageFunc func(page int)

// fixedDate keeps the document dates stable. Page content is identical for
// identical input; image object numbers are not, since fpdf writes images in
// map order.
var fixedDate = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// Render draws the frames, in the given order, onto pages of the configured
// size and writes the document to outPath. It returns the number of pages.
// ctx is checked before every frame.
func Render(ctx context.Context, framePaths []string, o models.LayoutOptions, outPath string, onPage PageFunc) (int, error) {
	if o.FramesPerPage() <= 0 {
		return 0, models.NewError(models.KindLayout, "grid has no slots", nil)
	}

	pdf := fpdf.NewCustom(&fpdf.InitType{
		OrientationStr: "P",
		UnitStr:        "mm",
		Size:           fpdf.SizeType{Wd: o.PageWidth, Ht: o.PageHeight},
	})
	pdf.SetCreationDate(fixedDate)
	pdf.SetModificationDate(fixedDate)
	pdf.SetCatalogSort(true)
	pdf.SetAutoPageBreak(false, 0)
	pdf.SetMargins(0, 0, 0)
	pdf.SetFont(string(o.FontFamily), o.FontStyle, o.FontSize)

	pages := 0
	last := len(framePaths) - 1
	for i, path := range framePaths {
		if err := ctx.Err(); err != nil {
			return pages, fmt.Errorf("layout: stopped at frame %d: %w", i, err)
		}

		p := Place(i, o)
		if p.Slot == 0 {
			pdf.AddPage()
			pages++
		}
		pdf.ImageOptions(path, p.X, p.Y, o.ImageWidth, o.ImageHeight, false,
			fpdf.ImageOptions{ImageType: "JPG"}, 0, "")
		pdf.Text(p.X+o.FrameNumberXOffset, p.Y+o.FrameNumberYOffset, strconv.Itoa(i))
		if pdf.Err() {
			return pages, models.NewError(models.KindLayout, fmt.Sprintf("draw frame %d", i), pdf.Error())
		}

		if onPage != nil && (p.Slot == o.FramesPerPage()-1 || i == last) {
			onPage(p.Page)
		}
	}

	if pages == 0 {
		pdf.AddPage()
		pages = 1
	}

	if err := ctx.Err(); err != nil {
		return pages, fmt.Errorf("layout: stopped before write: %w", err)
	}
	if err := pdf.OutputFileAndClose(outPath); err != nil {
		return pages, models.NewError(models.KindStorage, "write document", err)
	}
	return pages, nil
}
