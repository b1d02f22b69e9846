// Package mock provides a scripted vad.Classifier for tests.
package mock

import (
	"sync"

	"github.com/loqalabs/loqa-fluency/internal/vad"
)

var _ vad.Classifier = (*Classifier)(nil)

// Classifier returns Flags in order, then Default once the script runs out.
type Classifier struct {
	mu      sync.Mutex
	Flags   []bool
	Default bool
	Err     error
	calls   int
}

func (c *Classifier) IsSpeech(_ []byte, _ int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return false, c.Err
	}
	i := c.calls
	c.calls++
	if i < len(c.Flags) {
		return c.Flags[i], nil
	}
	return c.Default, nil
}

// Calls reports how many frames were classified.
func (c *Classifier) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}
