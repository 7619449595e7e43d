// Package flipbook builds one flipbook document from one video.
package flipbook

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/sirupsen/logrus"

	"flipbook/internal/frames"
	"flipbook/internal/layout"
	"flipbook/internal/models"
)

// StageExtracting is reported before the decoder starts.
const StageExtracting = "extracting"

// PageStage is the progress marker for a completed page (1-based).
func PageStage(page int) string {
	return fmt.Sprintf("page %d", page)
}

// ProgressFunc receives coarse progress markers in order.
type ProgressFunc func(stage string)

type Extractor interface {
	Extract(ctx context.Context, videoPath string, rate models.Framerate) (*frames.Frames, error)
}

type Request struct {
	VideoPath  string
	OutputPath string
	Options    models.LayoutOptions
}

type Result struct {
	Pages   int
	Frames  int
	Width   int
	Height  int
	Elapsed time.Duration
}

type Builder struct {
	extractor Extractor
	log       *logrus.Entry
}

func NewBuilder(extractor Extractor, log *logrus.Entry) *Builder {
	return &Builder{extractor: extractor, log: log}
}

// Build extracts the frames, lays them out and moves the finished document to
// req.OutputPath. The output path only ever holds a complete, verified
// document: on any error nothing is left there.
func (b *Builder) Build(ctx context.Context, req Request, progress ProgressFunc) (*Result, error) {
	if progress == nil {
		progress = func(string) {}
	}
	start := time.Now()

	progress(StageExtracting)
	fr, err := b.extractor.Extract(ctx, req.VideoPath, req.Options.Framerate)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := fr.Cleanup(); cerr != nil {
			b.log.WithError(cerr).WithField("dir", fr.Dir).Warn("failed to remove scratch directory")
		}
	}()

	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0o755); err != nil {
		return nil, models.NewError(models.KindStorage, "create output directory", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(req.OutputPath), ".flipbook-*.pdf")
	if err != nil {
		return nil, models.NewError(models.KindStorage, "create temporary document", err)
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	published := false
	defer func() {
		if !published {
			_ = os.Remove(tmpPath)
		}
	}()

	pages, err := layout.Render(ctx, fr.Paths, req.Options, tmpPath, func(page int) {
		progress(PageStage(page + 1))
	})
	if err != nil {
		return nil, err
	}

	written, err := pdfapi.PageCountFile(tmpPath)
	if err != nil {
		return nil, models.NewError(models.KindLayout, "written document is unreadable", err)
	}
	if written != pages {
		return nil, models.NewError(models.KindLayout,
			fmt.Sprintf("written document has %d pages, expected %d", written, pages), nil)
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("flipbook: stopped before publishing: %w", err)
	}
	if err := os.Rename(tmpPath, req.OutputPath); err != nil {
		return nil, models.NewError(models.KindStorage, "move document into place", err)
	}
	published = true

	res := &Result{
		Pages:   pages,
		Frames:  len(fr.Paths),
		Width:   fr.Width,
		Height:  fr.Height,
		Elapsed: time.Since(start),
	}
	b.log.WithFields(logrus.Fields{
		"output":  req.OutputPath,
		"pages":   res.Pages,
		"frames":  res.Frames,
		"frame":   fmt.Sprintf("%dx%d", res.Width, res.Height),
		"elapsed": res.Elapsed,
	}).Info("flipbook built")
	return res, nil
}
