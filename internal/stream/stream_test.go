package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-fluency/internal/capture"
	"github.com/loqalabs/loqa-fluency/internal/decode"
	"github.com/loqalabs/loqa-fluency/internal/keyword"
	"github.com/loqalabs/loqa-fluency/internal/segment"
	"github.com/loqalabs/loqa-fluency/internal/stt"
	"github.com/loqalabs/loqa-fluency/internal/vad/mock"
)

func TestQueueFIFOAndClose(t *testing.T) {
	q := NewQueue[int](4, PolicyBlock)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		if err := q.Put(ctx, i); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	q.Close()
	for i := 1; i <= 3; i++ {
		v, err := q.Get(ctx)
		if err != nil || v != i {
			t.Fatalf("get %d: %v %v", i, v, err)
		}
	}
	if _, err := q.Get(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestQueueBlockRespectsContext(t *testing.T) {
	q := NewQueue[int](1, PolicyBlock)
	_ = q.Put(context.Background(), 1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Put(ctx, 2); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("expected blocked put to leave queue unchanged")
	}
}

func TestQueueDropOldest(t *testing.T) {
	q := NewQueue[int](2, PolicyDropOldest)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		if err := q.Put(ctx, i); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	if q.Dropped() != 3 {
		t.Fatalf("expected 3 drops, got %d", q.Dropped())
	}
	a, _ := q.Get(ctx)
	b, _ := q.Get(ctx)
	if a != 4 || b != 5 {
		t.Fatalf("expected newest items, got %d %d", a, b)
	}
}

func TestParsePolicy(t *testing.T) {
	if p, err := ParsePolicy(""); err != nil || p != PolicyBlock {
		t.Fatalf("unexpected default %q %v", p, err)
	}
	if _, err := ParsePolicy("grow"); err == nil {
		t.Fatal("expected error")
	}
}

type scriptedTranscriber struct {
	mu    sync.Mutex
	texts []string
	seen  []decode.Input
}

func (s *scriptedTranscriber) Transcribe(_ context.Context, in decode.Input, _ stt.Options) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, in)
	if len(s.texts) == 0 {
		return ""
	}
	text := s.texts[0]
	s.texts = s.texts[1:]
	return text
}

var loadTokenizer = sync.OnceValues(func() (*keyword.WordTokenizer, error) {
	return keyword.NewWordTokenizer(keyword.DefaultVocabulary().AllTerms()...)
})

// testMatcher shares one dictionary load across the package's tests.
func testMatcher(t *testing.T) *keyword.Matcher {
	t.Helper()
	tokenizer, err := loadTokenizer()
	if err != nil {
		t.Fatalf("tokenizer: %v", err)
	}
	return keyword.NewMatcher(tokenizer)
}

func flags(pattern ...any) []bool {
	var out []bool
	for i := 0; i < len(pattern); i += 2 {
		for n := 0; n < pattern[i+1].(int); n++ {
			out = append(out, pattern[i].(bool))
		}
	}
	return out
}

func TestPipelineScoresSegments(t *testing.T) {
	vocab := keyword.DefaultVocabulary()
	terms, _ := vocab.Terms("animals")
	matcher := testMatcher(t)

	script := flags(false, 10, true, 20, false, 20, true, 20, false, 20)
	classifier := &mock.Classifier{Flags: script}
	const frameSize = 960
	src, err := capture.NewReaderSource(bytes.NewReader(make([]byte, frameSize*len(script))), frameSize)
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	tr := &scriptedTranscriber{texts: []string{"貓 狗", "貓 大象"}}

	p := New(Config{
		Category:  "animals",
		Terms:     terms,
		Segmenter: segment.DefaultConfig(),
		QueueSize: 4,
	}, src, classifier, tr, matcher, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	var results []Result
	p.OnResult(func(r Result) { results = append(results, r) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if !reflect.DeepEqual(results[0].NewlyFound, []string{"狗", "貓"}) || results[0].Total != 2 {
		t.Fatalf("unexpected first result %+v", results[0])
	}
	if !reflect.DeepEqual(results[1].NewlyFound, []string{"大象"}) || results[1].Total != 3 {
		t.Fatalf("unexpected second result %+v", results[1])
	}
	if !tr.seen[0].IsContainer() {
		t.Fatal("expected segments to be handed over as wav")
	}
	if results[0].SessionID != p.SessionID() {
		t.Fatal("results should carry the session id")
	}

	prev := p.SessionID()
	p.Reset()
	if p.SessionID() == prev || len(p.Answered()) != 0 {
		t.Fatal("reset should start a fresh session")
	}
}

func TestPipelineStopsOnCancel(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	src, _ := capture.NewReaderSource(pr, 960)
	vocab := keyword.DefaultVocabulary()
	terms, _ := vocab.Terms("animals")
	p := New(Config{Terms: terms, QueueSize: 1}, src, &mock.Classifier{}, &scriptedTranscriber{},
		testMatcher(t), nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	_ = pr.CloseWithError(context.Canceled)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("pipeline did not stop")
	}
}
