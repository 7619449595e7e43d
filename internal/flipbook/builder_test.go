package flipbook

import (
	"context"
	"errors"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/disintegration/imaging"
	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/sirupsen/logrus"

	"flipbook/internal/frames"
	"flipbook/internal/models"
)

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// stubExtractor writes n generated frames into a scratch directory, or fails.
type stubExtractor struct {
	t    *testing.T
	n    int
	err  error
	last *frames.Frames
}

func (s *stubExtractor) Extract(ctx context.Context, videoPath string, rate models.Framerate) (*frames.Frames, error) {
	if s.err != nil {
		return nil, s.err
	}
	dir, err := os.MkdirTemp(s.t.TempDir(), "frames-*")
	if err != nil {
		return nil, err
	}
	fr := &frames.Frames{Dir: dir, Width: 40, Height: 30}
	for i := 0; i < s.n; i++ {
		p := filepath.Join(dir, frames.FrameName(i))
		if err := imaging.Save(imaging.New(40, 30, color.NRGBA{G: uint8(i * 10), A: 255}), p); err != nil {
			return nil, err
		}
		fr.Paths = append(fr.Paths, p)
	}
	s.last = fr
	return fr, nil
}

func (s *stubExtractor) scratchRemoved(t *testing.T) {
	t.Helper()
	if s.last == nil {
		return
	}
	if _, err := os.Stat(s.last.Dir); !os.IsNotExist(err) {
		t.Fatalf("scratch directory %s still exists", s.last.Dir)
	}
}

func request(t *testing.T) Request {
	o := models.DefaultLayoutOptions()
	return Request{
		VideoPath:  "/videos/in.mp4",
		OutputPath: filepath.Join(t.TempDir(), "pdfs", "out.pdf"),
		Options:    o,
	}
}

func TestBuildReportsProgress(t *testing.T) {
	ex := &stubExtractor{t: t, n: 9}
	b := NewBuilder(ex, quietLog())
	req := request(t)

	var stages []string
	res, err := b.Build(context.Background(), req, func(s string) { stages = append(stages, s) })
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if res.Pages != 2 || res.Frames != 9 || res.Width != 40 || res.Height != 30 {
		t.Fatalf("result = %+v", res)
	}
	want := []string{StageExtracting, "page 1", "page 2"}
	if !reflect.DeepEqual(stages, want) {
		t.Fatalf("stages = %v, want %v", stages, want)
	}

	n, err := pdfapi.PageCountFile(req.OutputPath)
	if err != nil || n != 2 {
		t.Fatalf("output pages = %d, %v", n, err)
	}
	ex.scratchRemoved(t)

	entries, _ := os.ReadDir(filepath.Dir(req.OutputPath))
	if len(entries) != 1 {
		t.Fatalf("output dir holds %d entries, want only the document", len(entries))
	}
}

func TestBuildExtractionFailure(t *testing.T) {
	cause := models.NewError(models.KindExtraction, "decoder unavailable", nil)
	b := NewBuilder(&stubExtractor{t: t, err: cause}, quietLog())
	req := request(t)

	_, err := b.Build(context.Background(), req, nil)
	if models.Kind(err) != models.KindExtraction {
		t.Fatalf("err = %v", err)
	}
	if _, statErr := os.Stat(req.OutputPath); !os.IsNotExist(statErr) {
		t.Fatal("output left behind")
	}
}

func TestBuildLayoutFailureCleansUp(t *testing.T) {
	ex := &stubExtractor{t: t, n: 3}
	b := NewBuilder(ex, quietLog())
	req := request(t)
	req.Options.FontFamily = "Wingdings"

	_, err := b.Build(context.Background(), req, nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	ex.scratchRemoved(t)
	entries, _ := os.ReadDir(filepath.Dir(req.OutputPath))
	if len(entries) != 0 {
		t.Fatalf("output dir not empty: %v", entries)
	}
}

func TestBuildCancelled(t *testing.T) {
	ex := &stubExtractor{t: t, n: 4}
	b := NewBuilder(ex, quietLog())
	req := request(t)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := b.Build(ctx, req, func(stage string) {
		if stage == "page 1" {
			cancel()
		}
	})
	// The page callback fires after the last frame here, so cancellation is
	// seen before the document is written or moved into place.
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	ex.scratchRemoved(t)
	if _, statErr := os.Stat(req.OutputPath); !os.IsNotExist(statErr) {
		t.Fatal("output left behind after cancellation")
	}
}

func TestBuildPanicLeavesNoTemporaryDocument(t *testing.T) {
	ex := &stubExtractor{t: t, n: 2}
	b := NewBuilder(ex, quietLog())
	req := request(t)

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Fatal("expected the progress panic to propagate")
			}
		}()
		_, _ = b.Build(context.Background(), req, func(stage string) {
			if stage == PageStage(1) {
				panic("progress sink failed")
			}
		})
	}()

	ex.scratchRemoved(t)
	entries, err := os.ReadDir(filepath.Dir(req.OutputPath))
	if err != nil {
		t.Fatalf("read output dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("output dir not empty after panic: %v", entries)
	}
}
