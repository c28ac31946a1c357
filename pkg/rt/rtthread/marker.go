// Package rtthread records which goroutine is the real-time audio goroutine so
// that development-time checks can assert "this path only runs on the audio
// thread". It has no influence on scheduling, and the lock-free structures in
// pkg/rt are correct whether or not a [Marker] is used.
//
// A Marker belongs to one audio engine instance. Several engines in one
// process each own their own Marker.
package rtthread

import (
	"runtime"
	"sync/atomic"

	"github.com/MrWong99/mixmind/pkg/rt/internal/rtassert"
)

// Marker holds the identity of the goroutine most recently marked as the audio
// thread. The zero value is an unmarked Marker ready for use. All methods are
// safe for concurrent use.
type Marker struct {
	id atomic.Uint64 // goroutine id; 0 when unmarked
}

// MarkAudioThread records the calling goroutine as the audio thread,
// replacing any earlier mark. Call it once at stream start, typically on the
// first invocation of the audio callback.
func (m *Marker) MarkAudioThread() {
	m.id.Store(GoroutineID())
}

// OnAudioThread reports whether the caller is the most recently marked
// goroutine. It returns false when nothing has been marked.
func (m *Marker) OnAudioThread() bool {
	id := m.id.Load()
	if id == 0 {
		return false
	}
	return GoroutineID() == id
}

// Marked reports whether an audio thread is currently recorded.
func (m *Marker) Marked() bool {
	return m.id.Load() != 0
}

// Reset forgets the marked goroutine. Call it when the audio stream stops.
func (m *Marker) Reset() {
	m.id.Store(0)
}

// Assert panics when the caller is not the marked audio goroutine and the
// binary was built with the rtassert tag. Without the tag it does nothing.
// what names the guarded operation in the panic message.
func Assert(m *Marker, what string) {
	if rtassert.Enabled && !m.OnAudioThread() {
		rtassert.Failf("%s called off the audio thread", what)
	}
}

// AssertNot is the inverse of [Assert]: it guards paths that must never run on
// the audio goroutine, such as blocking retries.
func AssertNot(m *Marker, what string) {
	if rtassert.Enabled && m.OnAudioThread() {
		rtassert.Failf("%s called on the audio thread", what)
	}
}

// GoroutineID returns the runtime id of the calling goroutine, parsed from the
// "goroutine N [" header that runtime.Stack writes. It costs a stack walk of
// the current frame only, so use it for assertions rather than hot logic.
func GoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] < '0' || buf[i] > '9' {
			break
		}
		id = id*10 + uint64(buf[i]-'0')
	}
	return id
}
