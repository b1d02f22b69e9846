package segment

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/loqa-fluency/internal/capture"
	"github.com/loqalabs/loqa-fluency/internal/vad/mock"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// indexFrame encodes i so tests can tell which frames ended up in a segment.
func indexFrame(i int) []byte {
	f := make([]byte, 2)
	binary.LittleEndian.PutUint16(f, uint16(i))
	return f
}

func frameIndexes(seg *Segment) []int {
	var out []int
	for i := 0; i+2 <= len(seg.PCM); i += 2 {
		out = append(out, int(binary.LittleEndian.Uint16(seg.PCM[i:])))
	}
	return out
}

type feeder struct {
	m    *Machine
	next int
	segs []*Segment
}

func (f *feeder) push(voiced bool, n int) {
	for i := 0; i < n; i++ {
		if seg := f.m.Push(indexFrame(f.next), voiced); seg != nil {
			f.segs = append(f.segs, seg)
		}
		f.next++
	}
}

func TestSilenceNeverEmits(t *testing.T) {
	f := &feeder{m: NewMachine(DefaultConfig())}
	f.push(false, 300)
	if len(f.segs) != 0 {
		t.Fatalf("expected no segments from silence, got %d", len(f.segs))
	}
	if f.m.State() != Idle {
		t.Fatalf("expected idle, got %v", f.m.State())
	}
}

func TestHalfVoicedWindowDoesNotTrigger(t *testing.T) {
	f := &feeder{m: NewMachine(DefaultConfig())}
	for i := 0; i < 200; i++ {
		f.push(i%2 == 0, 1)
	}
	if f.m.State() != Idle || len(f.segs) != 0 {
		t.Fatalf("a window at exactly 50%% voiced must not trigger (state=%v segs=%d)", f.m.State(), len(f.segs))
	}
}

func TestTriggerRequiresMoreThanRatio(t *testing.T) {
	f := &feeder{m: NewMachine(DefaultConfig())}
	f.push(true, 15)
	if f.m.State() != Idle {
		t.Fatal("15 of 30 voiced frames must not trigger")
	}
	f.push(true, 1)
	if f.m.State() != Triggered {
		t.Fatal("16 of 30 voiced frames must trigger")
	}
}

func TestOneSegmentPerCycle(t *testing.T) {
	f := &feeder{m: NewMachine(DefaultConfig())}
	for cycle := 0; cycle < 3; cycle++ {
		f.push(false, 10)
		f.push(true, 40)
		f.push(false, 16)
		if len(f.segs) != cycle+1 {
			t.Fatalf("cycle %d: expected %d segments, got %d", cycle, cycle+1, len(f.segs))
		}
		f.push(false, 50)
		if len(f.segs) != cycle+1 {
			t.Fatalf("cycle %d: trailing silence emitted an extra segment", cycle)
		}
	}
}

func TestOnsetFramesRetained(t *testing.T) {
	f := &feeder{m: NewMachine(DefaultConfig())}
	f.push(false, 20) // frames 0..19
	f.push(true, 16)  // frames 20..35, trigger on 35
	if f.m.State() != Triggered {
		t.Fatal("expected trigger")
	}
	f.push(false, 16) // frames 36..51, release on 51
	if len(f.segs) != 1 {
		t.Fatalf("expected one segment, got %d", len(f.segs))
	}
	idx := frameIndexes(f.segs[0])
	if len(idx) != 46 || f.segs[0].Frames != 46 {
		t.Fatalf("expected 30 onset frames + 16 trailing, got %d", len(idx))
	}
	if idx[0] != 6 || idx[len(idx)-1] != 51 {
		t.Fatalf("expected frames 6..51, got %d..%d", idx[0], idx[len(idx)-1])
	}
	for i := 1; i < len(idx); i++ {
		if idx[i] != idx[i-1]+1 {
			t.Fatalf("segment is not contiguous at %d", i)
		}
	}
}

func TestTriggeredKeepsUnvoicedFrames(t *testing.T) {
	f := &feeder{m: NewMachine(DefaultConfig())}
	f.push(true, 16)
	// Mixed frames while triggered never reach 16 unvoiced in a 30 window.
	for i := 0; i < 60; i++ {
		f.push(i%3 != 0, 1)
	}
	if len(f.segs) != 0 {
		t.Fatal("mixed speech must not release")
	}
	f.push(false, 30)
	if len(f.segs) != 1 {
		t.Fatalf("expected release, got %d segments", len(f.segs))
	}
	if got := f.segs[0].Frames; got < 16+60 {
		t.Fatalf("expected all triggered frames kept, got %d", got)
	}
}

func TestBuffersClearedAfterEmit(t *testing.T) {
	m := NewMachine(DefaultConfig())
	f := &feeder{m: m}
	f.push(true, 16)
	f.push(false, 16)
	if len(f.segs) != 1 {
		t.Fatalf("expected a segment")
	}
	if len(m.frames) != 0 || len(m.window) != 0 {
		t.Fatalf("expected cleared buffers, frames=%d window=%d", len(m.frames), len(m.window))
	}
	first := f.segs[0].PCM[0]
	f.push(true, 16)
	f.push(false, 16)
	if f.segs[0].PCM[0] != first {
		t.Fatal("emitted segment was mutated by later frames")
	}
}

func TestSegmentWAV(t *testing.T) {
	seg := &Segment{Channels: 1, SampleWidth: 2, SampleRate: 16000, PCM: make([]byte, 960)}
	data, err := seg.WAV()
	if err != nil {
		t.Fatalf("wav: %v", err)
	}
	if string(data[:4]) != "RIFF" || len(data) != 44+960 {
		t.Fatalf("unexpected wav layout, %d bytes", len(data))
	}
}

func TestRunEmitsToSink(t *testing.T) {
	flags := append(append(make([]bool, 0, 64), repeat(true, 20)...), repeat(false, 20)...)
	classifier := &mock.Classifier{Flags: flags}
	src, err := capture.NewReaderSource(bytes.NewReader(make([]byte, 960*len(flags))), 960)
	if err != nil {
		t.Fatalf("source: %v", err)
	}

	var got []*Segment
	sink := func(_ context.Context, seg *Segment) error {
		got = append(got, seg)
		return nil
	}
	if err := Run(context.Background(), NewMachine(DefaultConfig()), src, classifier, sink, newLogger()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one segment, got %d", len(got))
	}
	if classifier.Calls() != len(flags) {
		t.Fatalf("expected every frame classified, got %d", classifier.Calls())
	}
}

func repeat(v bool, n int) []bool {
	out := make([]bool, n)
	for i := range out {
		out[i] = v
	}
	return out
}
