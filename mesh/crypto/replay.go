package crypto

import "errors"

var ErrReplayRejected = errors.New("crypto: replayed or out-of-window counter")

const (
	// MinReplayWindow is the smallest usable window; smaller configured
	// values are rounded up.
	MinReplayWindow = 64

	blockBits    = 64
	blockBitsLog = 6
)

// Window is a sliding-bitmap replay filter over frame counters, following
// the ring-of-blocks construction used by WireGuard's replay filter but
// with a configurable window size. Counter 0 is never valid; the window
// floor starts there and only moves forward.
//
// Check and Accept are split so that a counter is only recorded after the
// frame carrying it has been authenticated: a forged counter must not be
// able to poison the window.
type Window struct {
	latest uint64
	size   uint64
	ring   []uint64
}

// NewWindow creates a replay window accepting counters within size of the
// highest counter seen. size is rounded up to a multiple of 64.
func NewWindow(size int) *Window {
	if size < MinReplayWindow {
		size = MinReplayWindow
	}
	blocks := (size + blockBits - 1) / blockBits
	return &Window{
		size: uint64(blocks * blockBits),
		// One spare block so advancing by exactly size counters never
		// wraps onto a block still holding live bits.
		ring: make([]uint64, blocks+1),
	}
}

// Check reports whether counter would currently be accepted. It does not
// modify the window.
func (w *Window) Check(counter uint64) error {
	if counter == 0 {
		return ErrReplayRejected
	}
	if counter <= w.latest {
		if w.latest-counter >= w.size {
			return ErrReplayRejected // at or below the floor
		}
		block := w.ring[(counter>>blockBitsLog)%uint64(len(w.ring))]
		if block&(1<<(counter&(blockBits-1))) != 0 {
			return ErrReplayRejected // already seen
		}
	}
	return nil
}

// Accept records counter as seen, advancing the floor when counter is ahead
// of everything seen so far. Callers must only invoke Accept after the
// frame authenticated successfully and after Check returned nil.
func (w *Window) Accept(counter uint64) {
	ringLen := uint64(len(w.ring))
	if counter > w.latest {
		current := w.latest >> blockBitsLog
		diff := (counter >> blockBitsLog) - current
		if diff > ringLen {
			diff = ringLen
		}
		for i := current + 1; i <= current+diff; i++ {
			w.ring[i%ringLen] = 0
		}
		w.latest = counter
	}
	w.ring[(counter>>blockBitsLog)%ringLen] |= 1 << (counter & (blockBits - 1))
}

// Latest returns the highest counter accepted so far.
func (w *Window) Latest() uint64 { return w.latest }
