package filter

import (
	"sync"

	"github.com/FumingPower3925/tessera/internal/buffer"
)

type chunkKind uint8

const (
	chunkNone chunkKind = iota
	// chunkUnparsed is re-delivered to its filter after the current chain
	// part completes.
	chunkUnparsed
	// chunkIncomplete waits for more input and is merged with it.
	chunkIncomplete
)

type direction uint8

const (
	dirUpstream direction = iota
	dirDownstream
)

type filterState struct {
	kind     chunkKind
	chunk    any
	appender buffer.Appender
}

// filtersState holds the chunks filters left behind on one connection for
// one chain, per direction and filter index.
type filtersState struct {
	mu     sync.Mutex
	states [2][]filterState
}

func (s *filtersState) store(dir direction, idx int, kind chunkKind, chunk any, app buffer.Appender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[dir]
	if idx >= len(st) {
		grown := make([]filterState, idx+1)
		copy(grown, st)
		st = grown
		s.states[dir] = st
	}
	st[idx] = filterState{kind: kind, chunk: chunk, appender: app}
}

// take removes and returns the state at idx when it has the given kind.
func (s *filtersState) take(dir direction, idx int, kind chunkKind) (filterState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[dir]
	if idx < 0 || idx >= len(st) || st[idx].kind != kind {
		return filterState{}, false
	}
	out := st[idx]
	st[idx] = filterState{}
	return out, true
}

// takeUnparsed finds the unparsed chunk nearest to the end of the traversal
// range and removes it. For upstream the range is [start, end) scanned from
// the top; for downstream it is (end, start] scanned from the bottom.
func (s *filtersState) takeUnparsed(dir direction, start, end int) (int, any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[dir]
	if dir == dirUpstream {
		for i := min(end, len(st)) - 1; i >= start && i >= 0; i-- {
			if st[i].kind == chunkUnparsed {
				chunk := st[i].chunk
				st[i] = filterState{}
				return i, chunk, true
			}
		}
		return 0, nil, false
	}
	for i := max(end+1, 0); i <= start && i < len(st); i++ {
		if st[i].kind == chunkUnparsed {
			chunk := st[i].chunk
			st[i] = filterState{}
			return i, chunk, true
		}
	}
	return 0, nil, false
}

func (s *filtersState) reset() {
	s.mu.Lock()
	s.states = [2][]filterState{}
	s.mu.Unlock()
}
