// Package frames turns a video into an ordered sequence of still images
// using an external ffmpeg binary.
package frames

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"

	"flipbook/internal/models"
)

const (
	// Names are zero-padded to eight digits; past 10^8 frames they grow wider
	// and only the numeric index keeps them in order.
	framePattern = "frame_%08d.jpg"
	frameGlob    = "frame_*.jpg"
	// waitDelay bounds how long Wait blocks on the decoder's pipes after the
	// process has been killed.
	waitDelay = 2 * time.Second
)

// FrameName returns the file name of frame i. Lexicographic order of names
// equals temporal order.
func FrameName(i int) string {
	return fmt.Sprintf(framePattern, i)
}

// Frames is a scratch directory of extracted frames owned by the caller.
type Frames struct {
	Dir    string
	Paths  []string
	Width  int
	Height int

	cleanupOnce sync.Once
	cleanupErr  error
}

// Cleanup removes the scratch directory. Safe to call more than once.
func (f *Frames) Cleanup() error {
	if f == nil {
		return nil
	}
	f.cleanupOnce.Do(func() {
		f.cleanupErr = os.RemoveAll(f.Dir)
	})
	return f.cleanupErr
}

type Extractor struct {
	ffmpegPath string
	timeout    time.Duration
	scratchDir string
	log        *logrus.Entry
}

// NewExtractor returns an Extractor that gives each decoder run at most
// timeout. Scratch directories are created under scratchDir, or the system
// temp dir when it is empty.
func NewExtractor(ffmpegPath string, timeout time.Duration, scratchDir string, log *logrus.Entry) *Extractor {
	return &Extractor{
		ffmpegPath: ffmpegPath,
		timeout:    timeout,
		scratchDir: scratchDir,
		log:        log,
	}
}

func decoderArgs(videoPath string, rate models.Framerate, dir string) []string {
	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "error",
		"-i", videoPath,
		"-vf", "fps=" + string(rate),
		"-start_number", "0",
		"-q:v", "2",
		filepath.Join(dir, framePattern),
	}
}

// Extract decodes videoPath at rate into a fresh scratch directory. If ctx
// ends first the returned error wraps ctx.Err(); every other failure is a
// models.Error of kind extraction. The scratch directory is removed before
// Extract returns an error.
func (e *Extractor) Extract(ctx context.Context, videoPath string, rate models.Framerate) (_ *Frames, err error) {
	if _, _, rerr := rate.Rational(); rerr != nil {
		return nil, models.NewError(models.KindExtraction, "invalid framerate", rerr)
	}

	dir, err := os.MkdirTemp(e.scratchDir, "flipbook-frames-*")
	if err != nil {
		return nil, models.NewError(models.KindStorage, "create scratch directory", err)
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(dir)
		}
	}()

	if err := e.runDecoder(ctx, videoPath, rate, dir); err != nil {
		return nil, err
	}

	paths, err := collectFrames(dir)
	if err != nil {
		return nil, err
	}

	first, err := imaging.Open(paths[0])
	if err != nil {
		return nil, models.NewError(models.KindExtraction, "decoder produced an unreadable frame", err)
	}
	bounds := first.Bounds()

	e.log.WithFields(logrus.Fields{
		"video":  videoPath,
		"frames": len(paths),
		"width":  bounds.Dx(),
		"height": bounds.Dy(),
	}).Debug("frames extracted")

	return &Frames{
		Dir:    dir,
		Paths:  paths,
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
	}, nil
}

func (e *Extractor) runDecoder(ctx context.Context, videoPath string, rate models.Framerate, dir string) error {
	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, e.ffmpegPath, decoderArgs(videoPath, rate, dir)...)
	cmd.WaitDelay = waitDelay
	var stderr bytes.Buffer
	cmd.Stdout = &stderr
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		return fmt.Errorf("frames: decoder stopped: %w", ctx.Err())
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return models.NewError(models.KindExtraction,
			fmt.Sprintf("decoder did not finish within %s", e.timeout), nil)
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return models.NewError(models.KindExtraction, "decoder unavailable", err)
	}
	msg := strings.TrimSpace(stderr.String())
	if msg == "" {
		msg = "decoder failed"
	}
	e.log.WithError(err).WithFields(logrus.Fields{
		"video":   videoPath,
		"elapsed": time.Since(start),
	}).Warn("decoder failed")
	return models.NewError(models.KindExtraction, msg, err)
}

// frameIndex parses the index out of a frame file name.
func frameIndex(name string) (int, bool) {
	digits, ok := strings.CutPrefix(name, "frame_")
	if !ok {
		return 0, false
	}
	digits, ok = strings.CutSuffix(digits, ".jpg")
	if !ok {
		return 0, false
	}
	i, err := strconv.Atoi(digits)
	return i, err == nil && i >= 0
}

// sortFrames orders frame paths by index. Names that do not parse sort last.
func sortFrames(paths []string) {
	sort.SliceStable(paths, func(a, b int) bool {
		ia, oka := frameIndex(filepath.Base(paths[a]))
		ib, okb := frameIndex(filepath.Base(paths[b]))
		if oka != okb {
			return oka
		}
		return ia < ib
	})
}

// collectFrames lists the frames in order and checks the sequence has no gaps.
func collectFrames(dir string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, frameGlob))
	if err != nil {
		return nil, models.NewError(models.KindExtraction, "list frames", err)
	}
	if len(paths) == 0 {
		return nil, models.NewError(models.KindExtraction, "decoder produced no frames", nil)
	}
	sortFrames(paths)
	for i, p := range paths {
		if idx, ok := frameIndex(filepath.Base(p)); !ok || idx != i {
			return nil, models.NewError(models.KindExtraction,
				fmt.Sprintf("frame sequence has a gap at index %d (found %s)", i, filepath.Base(p)), nil)
		}
	}
	return paths, nil
}
