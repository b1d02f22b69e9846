package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-fluency/internal/audio"
	"github.com/loqalabs/loqa-fluency/internal/decode"
	"github.com/loqalabs/loqa-fluency/internal/keyword"
	"github.com/loqalabs/loqa-fluency/internal/stt"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTranscriber maps payload contents to transcripts.
type fakeTranscriber struct {
	mu    sync.Mutex
	texts map[string]string
	errs  map[string][]error
	calls map[string]int
}

func newFakeTranscriber() *fakeTranscriber {
	return &fakeTranscriber{
		texts: make(map[string]string),
		errs:  make(map[string][]error),
		calls: make(map[string]int),
	}
}

func payload(name string) []byte {
	return bytes.Repeat([]byte(name), 16)
}

func (f *fakeTranscriber) set(name, text string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := payload(name)
	f.texts[string(p)] = text
	return p
}

// failFirst makes the next n calls for name fail with err.
func (f *fakeTranscriber) failFirst(name string, n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := string(payload(name))
	for i := 0; i < n; i++ {
		f.errs[key] = append(f.errs[key], err)
	}
}

func (f *fakeTranscriber) TranscribeBytes(_ context.Context, raw []byte, _ stt.Options) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := string(raw)
	f.calls[key]++
	if errs := f.errs[key]; len(errs) > 0 {
		f.errs[key] = errs[1:]
		return "", errs[0]
	}
	return f.texts[key], nil
}

func (f *fakeTranscriber) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[string(payload(name))]
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

func newTestStore(t *testing.T, tr Transcriber) *Store {
	vocab := keyword.DefaultVocabulary()
	return NewStore(Options{MinChunkBytes: 16, SessionTTL: time.Minute}, tr, vocab, testMatcher(t), discardLogger())
}

func TestFinalizeOrdersChunksByIndex(t *testing.T) {
	tr := newFakeTranscriber()
	store := newTestStore(t, tr)
	ctx := context.Background()

	uploads := []struct {
		index int
		text  string
	}{{3, "d"}, {1, "b"}, {2, "c"}, {0, "a"}}
	for _, u := range uploads {
		res, err := store.PutChunk(ctx, "rec-1", u.index, tr.set(u.text, u.text))
		if err != nil {
			t.Fatalf("put %d: %v", u.index, err)
		}
		if !res.Accepted || res.TextLength != 1 || res.SkippedReason != "" {
			t.Fatalf("put %d: unexpected result %+v", u.index, res)
		}
	}

	result, err := store.Finalize(ctx, "rec-1", "animals")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if result.Transcript != "abcd" || result.ChunksProcessed != 4 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestFinalizeIsDestructive(t *testing.T) {
	tr := newFakeTranscriber()
	store := newTestStore(t, tr)
	ctx := context.Background()

	if _, err := store.PutChunk(ctx, "rec-1", 0, tr.set("x", "貓和大象")); err != nil {
		t.Fatalf("put: %v", err)
	}
	first, err := store.Finalize(ctx, "rec-1", "animals")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if first.TotalDistinctCount != 2 {
		t.Fatalf("expected 2 distinct animals, got %+v", first.TotalDistinctCount)
	}

	second, err := store.Finalize(ctx, "rec-1", "animals")
	if err != nil {
		t.Fatalf("second finalize: %v", err)
	}
	if second.TotalDistinctCount != 0 || second.ChunksProcessed != 0 || second.PerKeywordPresence == nil || len(second.PerKeywordPresence) != 0 {
		t.Fatalf("expected empty result, got %+v", second)
	}
	if store.Sessions() != 0 {
		t.Fatalf("expected no sessions, got %d", store.Sessions())
	}
}

func TestFinalizePresenceMap(t *testing.T) {
	tr := newFakeTranscriber()
	store := newTestStore(t, tr)
	ctx := context.Background()

	_, _ = store.PutChunk(ctx, "rec-1", 0, tr.set("x", "我想到貓，還有貓跟大象"))
	result, err := store.Finalize(ctx, "rec-1", "animals")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	terms, _ := keyword.DefaultVocabulary().Terms("animals")
	if len(result.PerKeywordPresence) != terms.Len() {
		t.Fatalf("expected presence for every term, got %d", len(result.PerKeywordPresence))
	}
	if !result.PerKeywordPresence["貓"] || !result.PerKeywordPresence["大象"] || result.PerKeywordPresence["狗"] {
		t.Fatalf("unexpected presence map")
	}
	if result.TotalDistinctCount != 2 {
		t.Fatalf("expected 2, got %d", result.TotalDistinctCount)
	}
}

func TestEmptyAndSmallChunksAreRejected(t *testing.T) {
	tr := newFakeTranscriber()
	store := newTestStore(t, tr)
	ctx := context.Background()

	res, err := store.PutChunk(ctx, "rec-1", 0, nil)
	if err != nil || res.Accepted || res.SkippedReason != ReasonEmpty {
		t.Fatalf("empty chunk: %+v %v", res, err)
	}
	res, err = store.PutChunk(ctx, "rec-1", 1, []byte("tiny"))
	if err != nil || res.Accepted || res.SkippedReason != ReasonTooSmall {
		t.Fatalf("small chunk: %+v %v", res, err)
	}
	if store.Sessions() != 0 {
		t.Fatalf("rejected chunks must not create sessions, got %d", store.Sessions())
	}
	result, _ := store.Finalize(ctx, "rec-1", "animals")
	if result.ChunksProcessed != 0 {
		t.Fatalf("expected no chunks, got %+v", result)
	}
}

func TestFailedChunkIsRetriedAtFinalize(t *testing.T) {
	tr := newFakeTranscriber()
	store := newTestStore(t, tr)
	ctx := context.Background()

	data := tr.set("broken", "獅子")
	tr.failFirst("broken", 1, fmt.Errorf("%w: truncated header", decode.ErrDecode))

	res, err := store.PutChunk(ctx, "rec-1", 0, data)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if !res.Accepted || res.TextLength != 0 || res.SkippedReason != ReasonDecodeFailed {
		t.Fatalf("unexpected result %+v", res)
	}

	result, err := store.Finalize(ctx, "rec-1", "animals")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if result.Transcript != "獅子" || !result.PerKeywordPresence["獅子"] {
		t.Fatalf("expected retried transcript, got %+v", result.Transcript)
	}
	if tr.callCount("broken") != 2 {
		t.Fatalf("expected one retry, got %d calls", tr.callCount("broken"))
	}
}

func TestCachedTextIsNotRetranscribed(t *testing.T) {
	tr := newFakeTranscriber()
	store := newTestStore(t, tr)
	ctx := context.Background()

	_, _ = store.PutChunk(ctx, "rec-1", 0, tr.set("ok", "熊"))
	_, _ = store.Finalize(ctx, "rec-1", "animals")
	if tr.callCount("ok") != 1 {
		t.Fatalf("expected cached text to be used, got %d calls", tr.callCount("ok"))
	}
}

func TestTranscriptionFailureReason(t *testing.T) {
	tr := newFakeTranscriber()
	store := newTestStore(t, tr)
	data := tr.set("crash", "")
	tr.failFirst("crash", 2, fmt.Errorf("%w: model crashed", stt.ErrTranscription))

	res, _ := store.PutChunk(context.Background(), "rec-1", 0, data)
	if res.SkippedReason != ReasonTranscriptionFailed || !res.Accepted {
		t.Fatalf("unexpected result %+v", res)
	}
	result, err := store.Finalize(context.Background(), "rec-1", "vegetables")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if result.ChunksProcessed != 1 || result.Transcript != "" {
		t.Fatalf("failed chunk should contribute empty text, got %+v", result)
	}
}

func TestValidationErrors(t *testing.T) {
	tr := newFakeTranscriber()
	store := newTestStore(t, tr)
	ctx := context.Background()

	if _, err := store.PutChunk(ctx, "", 0, payload("a")); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for empty id, got %v", err)
	}
	if _, err := store.PutChunk(ctx, "rec-1", -1, payload("a")); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for negative index, got %v", err)
	}
	if _, err := store.Finalize(ctx, " ", "animals"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for empty id, got %v", err)
	}

	_, _ = store.PutChunk(ctx, "rec-1", 0, tr.set("a", "貓"))
	if _, err := store.Finalize(ctx, "rec-1", "fruits"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for unknown category, got %v", err)
	}
	if store.Sessions() != 1 {
		t.Fatal("validation failure must not purge the session")
	}
	result, _ := store.Finalize(ctx, "rec-1", "animals")
	if result.TotalDistinctCount != 1 {
		t.Fatalf("expected session to survive, got %+v", result)
	}
}

func TestConcurrentUploadsOfOneSession(t *testing.T) {
	tr := newFakeTranscriber()
	store := newTestStore(t, tr)
	ctx := context.Background()

	const chunks = 32
	var wg sync.WaitGroup
	for i := 0; i < chunks; i++ {
		data := tr.set(fmt.Sprintf("c%02d", i), fmt.Sprintf("%02d", i))
		wg.Add(1)
		go func(i int, data []byte) {
			defer wg.Done()
			if _, err := store.PutChunk(ctx, "rec-1", i, data); err != nil {
				t.Errorf("put %d: %v", i, err)
			}
		}(i, data)
	}
	wg.Wait()

	result, err := store.Finalize(ctx, "rec-1", "animals")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if result.ChunksProcessed != chunks {
		t.Fatalf("expected %d chunks, got %d", chunks, result.ChunksProcessed)
	}
	var want string
	for i := 0; i < chunks; i++ {
		want += fmt.Sprintf("%02d", i)
	}
	if result.Transcript != want {
		t.Fatalf("unexpected transcript %q", result.Transcript)
	}
}

func TestConcurrentFinalizeClaimsOnce(t *testing.T) {
	tr := newFakeTranscriber()
	store := newTestStore(t, tr)
	ctx := context.Background()
	_, _ = store.PutChunk(ctx, "rec-1", 0, tr.set("a", "貓"))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.Finalize(ctx, "rec-1", "animals")
			if err != nil {
				t.Errorf("finalize: %v", err)
				return
			}
			if res.ChunksProcessed > 0 {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("expected exactly one finalize to see the chunks, got %d", winners)
	}
}

func TestSweepEvictsIdleSessions(t *testing.T) {
	tr := newFakeTranscriber()
	store := newTestStore(t, tr)
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }

	_, _ = store.PutChunk(context.Background(), "old", 0, tr.set("a", "貓"))
	store.now = func() time.Time { return base.Add(50 * time.Second) }
	_, _ = store.PutChunk(context.Background(), "fresh", 0, tr.set("b", "狗"))

	if n := store.Sweep(base.Add(90 * time.Second)); n != 1 {
		t.Fatalf("expected one eviction, got %d", n)
	}
	if store.Sessions() != 1 {
		t.Fatalf("expected fresh session to remain, got %d", store.Sessions())
	}
	result, _ := store.Finalize(context.Background(), "old", "animals")
	if result.ChunksProcessed != 0 {
		t.Fatal("evicted session must finalize empty")
	}
}

// An undecodable-as-WAV buffer that the transcoder fallback accepts must score
// the same as a WAV buffer accepted directly.
func TestDecodePathsScoreAlike(t *testing.T) {
	script := filepath.Join(t.TempDir(), "transcode.sh")
	body := "#!/bin/sh\ncat >/dev/null\nprintf '\\000\\000\\000\\000\\000\\000\\000\\000'\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	fallback, err := decode.NewExecDecoder(script, 5*time.Second)
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}
	chain := decode.NewChain(16, discardLogger(), decode.WAVDecoder{}, fallback)
	rec := stt.RecognizerFunc(func(context.Context, decode.Input, stt.Options) ([]stt.Segment, error) {
		return []stt.Segment{{Text: "高麗菜"}, {Text: "地瓜"}}, nil
	})
	scheduler := stt.NewScheduler(rec, chain, discardLogger())
	store := newTestStore(t, scheduler)
	ctx := context.Background()

	wav, err := audio.EncodeWAV(make([]byte, 3200), 16000, 1)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	_, _ = store.PutChunk(ctx, "direct", 0, wav)
	_, _ = store.PutChunk(ctx, "fallback", 0, bytes.Repeat([]byte{0x1a, 0x45}, 512))

	direct, _ := store.Finalize(ctx, "direct", "vegetables")
	viaFallback, _ := store.Finalize(ctx, "fallback", "vegetables")
	if direct.TotalDistinctCount != 2 || viaFallback.TotalDistinctCount != direct.TotalDistinctCount {
		t.Fatalf("decode paths disagree: %d vs %d", direct.TotalDistinctCount, viaFallback.TotalDistinctCount)
	}
	for term, present := range direct.PerKeywordPresence {
		if viaFallback.PerKeywordPresence[term] != present {
			t.Fatalf("presence differs for %q", term)
		}
	}
}

// gatedTranscriber holds calls for one payload until release is closed.
type gatedTranscriber struct {
	*fakeTranscriber
	gated   string
	entered chan struct{}
	release chan struct{}
}

func (g *gatedTranscriber) TranscribeBytes(ctx context.Context, raw []byte, opts stt.Options) (string, error) {
	if string(raw) == g.gated {
		close(g.entered)
		<-g.release
	}
	return g.fakeTranscriber.TranscribeBytes(ctx, raw, opts)
}

func TestReuploadWinsOverSlowerTranscription(t *testing.T) {
	tr := newFakeTranscriber()
	slow := tr.set("slow", "貓")
	fast := tr.set("fast", "狗")
	gated := &gatedTranscriber{
		fakeTranscriber: tr,
		gated:           string(slow),
		entered:         make(chan struct{}),
		release:         make(chan struct{}),
	}
	store := newTestStore(t, gated)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := store.PutChunk(ctx, "rec-1", 0, slow)
		done <- err
	}()
	<-gated.entered

	res, err := store.PutChunk(ctx, "rec-1", 0, fast)
	if err != nil || !res.Accepted {
		t.Fatalf("re-upload = %+v, %v", res, err)
	}
	close(gated.release)
	if err := <-done; err != nil {
		t.Fatalf("slow upload: %v", err)
	}

	result, err := store.Finalize(ctx, "rec-1", "animals")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if result.Transcript != "狗" || result.ChunksProcessed != 1 {
		t.Fatalf("expected the re-uploaded chunk only, got %+v", result)
	}
	if !result.PerKeywordPresence["狗"] || result.PerKeywordPresence["貓"] {
		t.Fatalf("unexpected presence %v", result.PerKeywordPresence)
	}
	if tr.callCount("fast") != 1 || tr.callCount("slow") != 1 {
		t.Fatalf("expected one transcription each, got fast=%d slow=%d", tr.callCount("fast"), tr.callCount("slow"))
	}
}
