// Package stats holds the per-daemon statistics snapshots. Each Board keeps a
// live copy that the watchdog writes and a published copy that readers see;
// Publish merges one into the other under the board lock.
package stats

import (
	"strings"
	"sync"
)

// MaxOutput is how much published console text is kept.
const MaxOutput = 500_000

// View is what readers get: the typed fields plus the console text.
type View[T any] struct {
	Stats  T      `json:"stats"`
	Output string `json:"output"`
}

// sticky is implemented by snapshots whose published copy owns some fields.
type sticky[T any] interface {
	KeepSticky(published T) T
}

type Board[T any] struct {
	mu         sync.RWMutex
	fresh      func() T
	live       T
	liveOut    strings.Builder
	published  T
	publishOut string
}

// NewBoard returns a board whose copies start as fresh().
func NewBoard[T any](fresh func() T) *Board[T] {
	return &Board[T]{fresh: fresh, live: fresh(), published: fresh()}
}

// Update mutates the live copy.
func (b *Board[T]) Update(fn func(*T)) {
	b.mu.Lock()
	fn(&b.live)
	b.mu.Unlock()
}

// UpdatePublished mutates the published copy directly. Only fields kept by
// KeepSticky survive the next Publish.
func (b *Board[T]) UpdatePublished(fn func(*T)) {
	b.mu.Lock()
	fn(&b.published)
	b.mu.Unlock()
}

// AppendOutput queues console text for the next Publish.
func (b *Board[T]) AppendOutput(text string) {
	if text == "" {
		return
	}
	b.mu.Lock()
	b.liveOut.WriteString(text)
	b.mu.Unlock()
}

// Publish appends the queued console text to the published copy exactly
// once and replaces every other field from the live copy, except those the
// snapshot declares sticky.
func (b *Board[T]) Publish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.liveOut.Len() > 0 {
		b.publishOut = trimOutput(b.publishOut+b.liveOut.String(), MaxOutput)
		b.liveOut.Reset()
	}
	next := b.live
	if s, ok := any(next).(sticky[T]); ok {
		next = s.KeepSticky(b.published)
	}
	b.published = next
}

func (b *Board[T]) Published() View[T] {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return View[T]{Stats: b.published, Output: b.publishOut}
}

// Live returns the writer view with the console text not yet published.
func (b *Board[T]) Live() View[T] {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return View[T]{Stats: b.live, Output: b.liveOut.String()}
}

// Reset returns both copies to defaults. carry, when set, may copy fields
// from the old published copy into the fresh value.
func (b *Board[T]) Reset(carry func(old T, fresh *T)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	old := b.published
	live, pub := b.fresh(), b.fresh()
	if carry != nil {
		carry(old, &live)
		carry(old, &pub)
	}
	b.live, b.published = live, pub
	b.liveOut.Reset()
	b.publishOut = ""
}

// trimOutput keeps the tail of s within limit bytes, cut at a line start.
func trimOutput(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	tail := s[len(s)-limit:]
	if i := strings.IndexByte(tail, '\n'); i >= 0 && i+1 < len(tail) {
		return tail[i+1:]
	}
	return tail
}
