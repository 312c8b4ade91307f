package audio

import "time"

// Source is what a sink pulls sample blocks from.
type Source interface {
	Pull(wait time.Duration) ([]int16, bool)
}

// Sink plays interleaved stereo S16 blocks pulled from a Source.
type Sink interface {
	Start() error
	Stop() error
	Playing() bool
	// SetGain sets the linear output gain, 0 for silence and 1 for unity.
	SetGain(g float32)
	Close() error
}

// SinkFactory builds a sink bound to src. The pipeline calls it again on
// every resync.
type SinkFactory func(src Source) (Sink, error)
