package session

import "sync/atomic"

type counters struct {
	framesIn         uint64
	framesOut        uint64
	samples          uint64
	unknownSignals   uint64
	cipherMismatches uint64
	duplicateBlocks  uint64
	lagOverflows     uint64
	skippedFrames    uint64
}

// Stats is a point in time copy of a session's counters.
type Stats struct {
	FramesIn         uint64
	FramesOut        uint64
	Samples          uint64
	UnknownSignals   uint64
	CipherMismatches uint64
	DuplicateBlocks  uint64
	LagOverflows     uint64
	SkippedFrames    uint64
}

func (s *Session) Stats() Stats {
	return Stats{
		FramesIn:         atomic.LoadUint64(&s.stats.framesIn),
		FramesOut:        atomic.LoadUint64(&s.stats.framesOut),
		Samples:          atomic.LoadUint64(&s.stats.samples),
		UnknownSignals:   atomic.LoadUint64(&s.stats.unknownSignals),
		CipherMismatches: atomic.LoadUint64(&s.stats.cipherMismatches),
		DuplicateBlocks:  atomic.LoadUint64(&s.stats.duplicateBlocks),
		LagOverflows:     atomic.LoadUint64(&s.stats.lagOverflows),
		SkippedFrames:    atomic.LoadUint64(&s.stats.skippedFrames),
	}
}
