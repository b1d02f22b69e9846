// Package segment turns a stream of VAD-classified frames into utterances.
//
// Machine is a two-state trigger (Idle, Triggered) driven by a rolling window
// of the most recent voiced/unvoiced flags. It is not safe for concurrent
// use; one capture loop owns it.
package segment

import (
	"github.com/loqalabs/loqa-fluency/internal/audio"
)

type State int

const (
	Idle State = iota
	Triggered
)

func (s State) String() string {
	if s == Triggered {
		return "triggered"
	}
	return "idle"
}

// Config controls the trigger window and the format stamped on segments.
type Config struct {
	WindowFrames int
	Ratio        float64
	SampleRate   int
	Channels     int
	SampleWidth  int
}

func DefaultConfig() Config {
	return Config{
		WindowFrames: 30,
		Ratio:        0.5,
		SampleRate:   16000,
		Channels:     1,
		SampleWidth:  2,
	}
}

// Segment is one detected utterance: contiguous PCM plus its format.
type Segment struct {
	Channels    int
	SampleWidth int
	SampleRate  int
	Frames      int
	PCM         []byte
}

// WAV packages the segment as a minimal WAV container.
func (s *Segment) WAV() ([]byte, error) {
	return audio.EncodeWAV(s.PCM, s.SampleRate, s.Channels)
}

type Machine struct {
	cfg       Config
	threshold float64
	state     State
	window    []bool
	frames    [][]byte
}

func NewMachine(cfg Config) *Machine {
	def := DefaultConfig()
	if cfg.WindowFrames <= 0 {
		cfg.WindowFrames = def.WindowFrames
	}
	if cfg.Ratio <= 0 || cfg.Ratio >= 1 {
		cfg.Ratio = def.Ratio
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = def.Channels
	}
	if cfg.SampleWidth <= 0 {
		cfg.SampleWidth = def.SampleWidth
	}
	return &Machine{
		cfg:       cfg,
		threshold: cfg.Ratio * float64(cfg.WindowFrames),
		window:    make([]bool, 0, cfg.WindowFrames),
	}
}

func (m *Machine) State() State { return m.state }

// Push feeds one frame and its VAD flag. It returns a segment exactly when
// the frame completes a Triggered -> Idle transition.
func (m *Machine) Push(frame []byte, voiced bool) *Segment {
	if len(m.window) == m.cfg.WindowFrames {
		copy(m.window, m.window[1:])
		m.window = m.window[:len(m.window)-1]
	}
	m.window = append(m.window, voiced)
	m.frames = append(m.frames, frame)

	switch m.state {
	case Idle:
		if float64(m.count(true)) > m.threshold {
			m.state = Triggered
			m.window = m.window[:0]
			m.frames = lastN(m.frames, m.cfg.WindowFrames)
			return nil
		}
		// Idle only needs enough history to cover the onset.
		m.frames = lastN(m.frames, m.cfg.WindowFrames)
	case Triggered:
		if float64(m.count(false)) > m.threshold {
			seg := m.emit()
			m.state = Idle
			m.window = m.window[:0]
			return seg
		}
	}
	return nil
}

// Reset drops all buffered state and returns to Idle without emitting.
func (m *Machine) Reset() {
	m.state = Idle
	m.window = m.window[:0]
	m.frames = nil
}

func (m *Machine) count(voiced bool) int {
	n := 0
	for _, v := range m.window {
		if v == voiced {
			n++
		}
	}
	return n
}

func (m *Machine) emit() *Segment {
	size := 0
	for _, f := range m.frames {
		size += len(f)
	}
	pcm := make([]byte, 0, size)
	for _, f := range m.frames {
		pcm = append(pcm, f...)
	}
	seg := &Segment{
		Channels:    m.cfg.Channels,
		SampleWidth: m.cfg.SampleWidth,
		SampleRate:  m.cfg.SampleRate,
		Frames:      len(m.frames),
		PCM:         pcm,
	}
	m.frames = nil
	return seg
}

func lastN(frames [][]byte, n int) [][]byte {
	if len(frames) <= n {
		return frames
	}
	kept := make([][]byte, n)
	copy(kept, frames[len(frames)-n:])
	return kept
}
