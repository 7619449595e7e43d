package frames

import (
	"context"
	"errors"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"

	"flipbook/internal/models"
)

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// fakeDecoder writes an executable shell script standing in for ffmpeg. The
// output pattern is always the last argument.
func fakeDecoder(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake decoder needs a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	script := "#!/bin/sh\nfor last; do :; done\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake decoder: %v", err)
	}
	return path
}

func frameTemplate(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "template.jpg")
	img := imaging.New(32, 24, color.NRGBA{R: 200, G: 40, B: 40, A: 255})
	if err := imaging.Save(img, path); err != nil {
		t.Fatalf("save template: %v", err)
	}
	t.Setenv("FAKE_FRAME", path)
	return path
}

func assertEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read scratch root: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("scratch directory left behind: %v", entries)
	}
}

func TestFrameNameSortsTemporally(t *testing.T) {
	names := []string{FrameName(0), FrameName(9), FrameName(10), FrameName(100), FrameName(12345)}
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Fatalf("%s should sort before %s", names[i-1], names[i])
		}
	}
	if FrameName(0) != "frame_00000000.jpg" {
		t.Fatalf("FrameName(0) = %s", FrameName(0))
	}
}

func TestSortFramesPastPaddingWidth(t *testing.T) {
	paths := []string{
		"/s/" + FrameName(100000000),
		"/s/" + FrameName(99999999),
		"/s/frame_bogus.jpg",
		"/s/" + FrameName(0),
	}
	sortFrames(paths)
	want := []string{"/s/" + FrameName(0), "/s/" + FrameName(99999999), "/s/" + FrameName(100000000), "/s/frame_bogus.jpg"}
	for i := range want {
		if paths[i] != want[i] {
			t.Fatalf("sorted = %v, want %v", paths, want)
		}
	}
	if i, ok := frameIndex(FrameName(100000000)); !ok || i != 100000000 {
		t.Fatalf("frameIndex = %d, %v", i, ok)
	}
}

func TestDecoderArgs(t *testing.T) {
	args := decoderArgs("/in/video.webm", "30000/1001", "/tmp/x")
	joined := strings.Join(args, " ")
	for _, want := range []string{"-i /in/video.webm", "-vf fps=30000/1001", "-start_number 0", "/tmp/x/frame_%08d.jpg"} {
		if !strings.Contains(joined, want) {
			t.Errorf("args %q missing %q", joined, want)
		}
	}
	if args[len(args)-1] != filepath.Join("/tmp/x", framePattern) {
		t.Errorf("output pattern must be last, got %q", args[len(args)-1])
	}
}

func TestExtractSuccess(t *testing.T) {
	frameTemplate(t)
	decoder := fakeDecoder(t, `for i in 0 1 2 3 4; do cp "$FAKE_FRAME" "$(printf "$last" "$i")"; done`)
	scratch := t.TempDir()

	e := NewExtractor(decoder, 5*time.Second, scratch, quietLog())
	frames, err := e.Extract(context.Background(), "/videos/in.mp4", "5")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(frames.Paths) != 5 {
		t.Fatalf("got %d frames, want 5", len(frames.Paths))
	}
	for i, p := range frames.Paths {
		if filepath.Base(p) != FrameName(i) {
			t.Fatalf("frame %d = %s", i, p)
		}
	}
	if frames.Width != 32 || frames.Height != 24 {
		t.Fatalf("frame size = %dx%d", frames.Width, frames.Height)
	}

	if err := frames.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if err := frames.Cleanup(); err != nil {
		t.Fatalf("second Cleanup: %v", err)
	}
	assertEmpty(t, scratch)
}

func TestExtractFailures(t *testing.T) {
	frameTemplate(t)
	cases := map[string]struct {
		body    string
		wantMsg string
	}{
		"decoder error": {body: `echo "Invalid data found when processing input" >&2; exit 1`, wantMsg: "Invalid data"},
		"no frames":     {body: `exit 0`, wantMsg: "no frames"},
		"gap":           {body: `cp "$FAKE_FRAME" "$(printf "$last" 0)"; cp "$FAKE_FRAME" "$(printf "$last" 2)"`, wantMsg: "gap"},
		"corrupt frame": {body: `echo garbage > "$(printf "$last" 0)"`, wantMsg: "unreadable"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			scratch := t.TempDir()
			e := NewExtractor(fakeDecoder(t, tc.body), 5*time.Second, scratch, quietLog())
			_, err := e.Extract(context.Background(), "/videos/in.mp4", "5")
			if models.Kind(err) != models.KindExtraction {
				t.Fatalf("err = %v, want extraction error", err)
			}
			if !strings.Contains(err.Error(), tc.wantMsg) {
				t.Fatalf("err = %v, want it to mention %q", err, tc.wantMsg)
			}
			assertEmpty(t, scratch)
		})
	}
}

func TestExtractMissingDecoder(t *testing.T) {
	scratch := t.TempDir()
	e := NewExtractor(filepath.Join(t.TempDir(), "no-such-ffmpeg"), time.Second, scratch, quietLog())
	_, err := e.Extract(context.Background(), "/videos/in.mp4", "5")
	if models.Kind(err) != models.KindExtraction {
		t.Fatalf("err = %v, want extraction error", err)
	}
	assertEmpty(t, scratch)
}

func TestExtractDecoderTimeoutKillsProcess(t *testing.T) {
	scratch := t.TempDir()
	e := NewExtractor(fakeDecoder(t, `exec sleep 30`), 200*time.Millisecond, scratch, quietLog())

	start := time.Now()
	_, err := e.Extract(context.Background(), "/videos/in.mp4", "5")
	if models.Kind(err) != models.KindExtraction {
		t.Fatalf("err = %v, want extraction error", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("decoder timeout must not look like the job deadline")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("Extract took %s, decoder was not killed", elapsed)
	}
	assertEmpty(t, scratch)
}

func TestExtractHonoursCallerDeadline(t *testing.T) {
	scratch := t.TempDir()
	e := NewExtractor(fakeDecoder(t, `exec sleep 30`), time.Minute, scratch, quietLog())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := e.Extract(ctx, "/videos/in.mp4", "5")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
	assertEmpty(t, scratch)
}

func TestExtractRejectsBadFramerate(t *testing.T) {
	e := NewExtractor("ffmpeg", time.Second, t.TempDir(), quietLog())
	if _, err := e.Extract(context.Background(), "/videos/in.mp4", "0/1"); models.Kind(err) != models.KindExtraction {
		t.Fatalf("err = %v", err)
	}
}
