package http2

import "sync"

// closedStreamRingSize bounds how many recently-closed streams keep a
// placeholder in the priority tree so that PRIORITY frames and new stream
// dependencies referencing them still resolve sensibly instead of silently
// falling back to the root. Modeled on h2o's recently_closed_streams ring.
const closedStreamRingSize = 16

// defaultMaxPriorityOnlyStreams bounds how many idle streams may accumulate
// tree nodes purely from PRIORITY frames (RFC 7540 allows PRIORITY for idle
// streams, but an unbounded number of them is a cheap memory exhaustion
// vector). Exceeding it is reported as ENHANCE_YOUR_CALM.
const defaultMaxPriorityOnlyStreams = 100

// scheduler wraps a PriorityTree with the bookkeeping spec.md §4.4 layers on
// top of plain RFC 7540 dependency tracking: a fixed-size ring remembering
// the most recently closed streams (so their former place in the tree
// survives long enough for a late PRIORITY frame to matter), a cap on
// idle/priority-only placeholder nodes, an activation set used for weighted
// round-robin write scheduling, and the Chromium-dependency-tree heuristic.
type scheduler struct {
	mu sync.Mutex

	tree *PriorityTree

	// closedRing holds, in insertion order, the stream IDs of streams whose
	// node is being kept alive purely for priority-continuity purposes.
	// closedRing[closedNext] is the next slot to be evicted.
	closedRing  [closedStreamRingSize]uint32
	closedUsed  [closedStreamRingSize]bool
	closedNext  int
	closedCount int

	priorityOnlyStreams map[uint32]bool
	maxPriorityOnly     int

	// active holds stream IDs with pending output bytes and an open send
	// window, in insertion order, for the flat (unweighted) round-robin
	// selection described in DESIGN.md.
	active   []uint32
	activeSet map[uint32]bool
	rrPos    int

	// chromiumHeuristic, when true, is maintained by observing whether
	// every exclusive-dependency chain seen so far has had non-increasing
	// weights (the pattern Chromium's HTTP/2 stack produces). It starts
	// true and is cleared permanently the first time a contradicting
	// dependency is observed.
	chromiumHeuristic bool
	chromiumDisabled  bool // operator override: force the flag off
}

func newScheduler() *scheduler {
	return &scheduler{
		tree:                NewPriorityTree(),
		priorityOnlyStreams: make(map[uint32]bool),
		maxPriorityOnly:     defaultMaxPriorityOnlyStreams,
		activeSet:           make(map[uint32]bool),
		chromiumHeuristic:   true,
	}
}

// IsChromiumDependencyTree reports whether every dependency seen so far is
// consistent with the heuristic pattern Chromium's HTTP/2 stack produces
// (RFC 7540 Section 5.3.2's example client tree: exclusive chains of
// non-increasing weight). It is advisory only; nothing about protocol
// correctness depends on its value.
func (s *scheduler) IsChromiumDependencyTree() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chromiumHeuristic && !s.chromiumDisabled
}

// DisableChromiumHeuristic forces IsChromiumDependencyTree to always report
// false, regardless of what's observed. Exists so a deployment can turn the
// heuristic off without rebuilding (spec.md §9 Open Question (b)).
func (s *scheduler) DisableChromiumHeuristic() {
	s.mu.Lock()
	s.chromiumDisabled = true
	s.mu.Unlock()
}

func (s *scheduler) observeDependencyNoLock(dep *streamDependencyInfo) {
	if !s.chromiumHeuristic || dep == nil {
		return
	}
	if !dep.Exclusive {
		s.chromiumHeuristic = false
		return
	}
	if parent, _, parentWeight, err := s.tree.GetDependencies(dep.StreamDependency); err == nil {
		_ = parent
		if dep.Weight > parentWeight {
			s.chromiumHeuristic = false
		}
	}
}

// AddStream registers a new stream's dependency, applying the
// priority-only-stream cap and updating the Chromium heuristic.
func (s *scheduler) AddStream(streamID uint32, dep *streamDependencyInfo) error {
	s.mu.Lock()
	s.observeDependencyNoLock(dep)
	s.mu.Unlock()

	s.unpark(streamID)
	return s.tree.AddStream(streamID, dep)
}

// ProcessPriorityFrame applies a PRIORITY frame, subject to the
// idle-placeholder cap: a PRIORITY frame for a stream with no other reason
// to exist in the tree (never opened, not recently closed) only gets a node
// if room remains under maxPriorityOnly.
func (s *scheduler) ProcessPriorityFrame(frame *PriorityFrame) error {
	streamID := frame.Header().StreamID

	s.mu.Lock()
	_, _, _, lookupErr := s.tree.GetDependencies(streamID)
	if lookupErr != nil { // not yet in the tree: this would create a placeholder
		if len(s.priorityOnlyStreams) >= s.maxPriorityOnly {
			s.mu.Unlock()
			return NewConnectionError(ErrCodeEnhanceYourCalm, "too many priority-only stream placeholders")
		}
		s.priorityOnlyStreams[streamID] = true
	}
	s.observeDependencyNoLock(&streamDependencyInfo{
		StreamDependency: frame.StreamDependency,
		Weight:           frame.Weight,
		Exclusive:        frame.Exclusive,
	})
	s.mu.Unlock()

	return s.tree.ProcessPriorityFrame(frame)
}

// RemoveStream retires a live stream from the tree into the closed-stream
// ring rather than deleting its node outright, so that its former
// dependents and any late PRIORITY frame referencing it keep resolving
// sensibly for a while. If the ring is full, the oldest occupant is evicted
// (fully removed from the tree, with its children re-parented) to make room.
func (s *scheduler) RemoveStream(streamID uint32) error {
	// Deactivate takes s.mu itself, so it runs before the lock is held.
	s.Deactivate(streamID)
	s.mu.Lock()
	delete(s.priorityOnlyStreams, streamID)

	if s.closedCount == closedStreamRingSize {
		evictSlot := s.closedNext
		if s.closedUsed[evictSlot] {
			evicted := s.closedRing[evictSlot]
			s.mu.Unlock()
			if err := s.tree.RemoveStream(evicted); err != nil {
				return err
			}
			s.mu.Lock()
		}
	} else {
		s.closedCount++
	}
	slot := s.closedNext
	s.closedRing[slot] = streamID
	s.closedUsed[slot] = true
	s.closedNext = (s.closedNext + 1) % closedStreamRingSize
	s.mu.Unlock()

	// The stream's own node stays in the tree (that's the point of the
	// ring); only its eventual eviction, handled above, calls
	// tree.RemoveStream on it.
	return nil
}

// GetDependencies exposes the underlying tree lookup.
func (s *scheduler) GetDependencies(streamID uint32) (parentID uint32, childrenIDs []uint32, weight uint8, err error) {
	return s.tree.GetDependencies(streamID)
}

// unpark removes streamID from the closed-stream ring's bookkeeping if
// present, since it's about to become a live stream again (its node will be
// re-registered by AddStream).
func (s *scheduler) unpark(streamID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < closedStreamRingSize; i++ {
		if s.closedUsed[i] && s.closedRing[i] == streamID {
			s.closedUsed[i] = false
			s.closedCount--
			break
		}
	}
}

// Activate marks streamID as having output ready to send, making it
// eligible for selection by NextSender.
func (s *scheduler) Activate(streamID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeSet[streamID] {
		return
	}
	s.activeSet[streamID] = true
	s.active = append(s.active, streamID)
}

// Deactivate marks streamID as having no output ready (its buffer drained
// or its send window exhausted).
func (s *scheduler) Deactivate(streamID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.activeSet[streamID] {
		return
	}
	delete(s.activeSet, streamID)
	for i, id := range s.active {
		if id == streamID {
			s.active = append(s.active[:i], s.active[i+1:]...)
			if s.rrPos > i {
				s.rrPos--
			}
			break
		}
	}
}

// NextSender returns the next active stream to write a chunk of DATA from,
// using plain round robin over the flat set of currently-active streams in
// activation order: every active stream gets one turn per cycle. Stream
// weights and the dependency tree are not consulted; selection is not
// proportional to weight. See DESIGN.md.
func (s *scheduler) NextSender() (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.active) == 0 {
		return 0, false
	}
	if s.rrPos >= len(s.active) {
		s.rrPos = 0
	}
	id := s.active[s.rrPos]
	s.rrPos = (s.rrPos + 1) % len(s.active)
	return id, true
}

// ActiveCount reports how many streams currently have output pending.
func (s *scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}
