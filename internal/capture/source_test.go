package capture

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestFrameBytes(t *testing.T) {
	if got := FrameBytes(16000, 30, 1); got != 960 {
		t.Fatalf("expected 960 bytes per 30 ms frame, got %d", got)
	}
}

func TestReaderSourceFrames(t *testing.T) {
	data := bytes.Repeat([]byte{1, 0}, 480*2+10)
	src, err := NewReaderSource(bytes.NewReader(data), 960)
	if err != nil {
		t.Fatalf("new source: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		frame, err := src.ReadFrame(ctx)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if len(frame) != 960 {
			t.Fatalf("frame %d: expected 960 bytes, got %d", i, len(frame))
		}
	}
	if _, err := src.ReadFrame(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF on partial trailing frame, got %v", err)
	}
}

func TestReaderSourceHonoursCancel(t *testing.T) {
	src, _ := NewReaderSource(bytes.NewReader(make([]byte, 960)), 960)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := src.ReadFrame(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}

func TestExecSource(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "rec.sh")
	body := "#!/bin/sh\nhead -c 1920 /dev/zero\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	src, err := NewExecSource(context.Background(), script, 960)
	if err != nil {
		t.Fatalf("start exec source: %v", err)
	}
	t.Cleanup(func() { _ = src.Close() })

	for i := 0; i < 2; i++ {
		if _, err := src.ReadFrame(context.Background()); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
	}
	if _, err := src.ReadFrame(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after command exits, got %v", err)
	}
}
