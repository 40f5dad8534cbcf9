package http2

import (
	"fmt"
	"sync"
)

// priorityNode stores individual stream priority information.
// As per RFC 7540 Section 5.3.
type priorityNode struct {
	// streamID is the ID of the stream this node represents.
	streamID uint32

	// weight is the stream's weight, as specified in a PRIORITY or HEADERS frame.
	// This is an 8-bit value (0-255). The effective weight used for resource
	// allocation is this value + 1 (range 1-256).
	weight uint8

	// parentID is the stream ID of the parent stream.
	// A value of 0 indicates that this stream is dependent on the root (stream 0 itself).
	parentID uint32

	// childrenIDs is a list of stream IDs that are direct children of this node.
	childrenIDs []uint32

	// exclusive records whether this node was attached exclusively the last
	// time its dependency was set.
	exclusive bool
}

// streamDependencyInfo carries the dependency fields parsed off either a
// HEADERS frame's priority section or a PRIORITY frame, for handing to
// PriorityTree.AddStream.
type streamDependencyInfo struct {
	StreamDependency uint32
	Weight           uint8
	Exclusive        bool
}

// PriorityTree manages all priorityNodes and stream dependencies for a connection.
// Stream 0 is the implicit root of the tree, and all streams are initially
// dependent on stream 0.
type PriorityTree struct {
	mu sync.RWMutex

	// nodes maps a stream ID to its priorityNode. Includes a node for
	// stream 0, which acts as the root.
	nodes map[uint32]*priorityNode
}

const defaultPriorityWeight uint8 = 15 // frame value 15 => effective weight 16

// NewPriorityTree creates and initializes a new PriorityTree, with stream 0
// as its root.
func NewPriorityTree() *PriorityTree {
	rootNode := &priorityNode{
		streamID:    0,
		weight:      0,
		parentID:    0,
		childrenIDs: make([]uint32, 0),
		exclusive:   false,
	}

	return &PriorityTree{
		nodes: map[uint32]*priorityNode{
			0: rootNode,
		},
	}
}

// getOrCreateNodeNoLock returns the node for streamID, creating it (as a
// default-weight child of the root) if it does not already exist. Callers
// must hold pt.mu for writing.
func (pt *PriorityTree) getOrCreateNodeNoLock(streamID uint32) *priorityNode {
	if n, ok := pt.nodes[streamID]; ok {
		return n
	}
	n := &priorityNode{
		streamID:    streamID,
		weight:      defaultPriorityWeight,
		parentID:    0,
		childrenIDs: make([]uint32, 0),
		exclusive:   false,
	}
	pt.nodes[streamID] = n
	pt.addChildNoLock(0, streamID)
	return n
}

func (pt *PriorityTree) addChildNoLock(parentID, childID uint32) {
	parent := pt.nodes[parentID]
	if parent == nil {
		return
	}
	for _, c := range parent.childrenIDs {
		if c == childID {
			return
		}
	}
	parent.childrenIDs = append(parent.childrenIDs, childID)
}

func (pt *PriorityTree) removeChildNoLock(parentID, childID uint32) {
	parent := pt.nodes[parentID]
	if parent == nil {
		return
	}
	for i, c := range parent.childrenIDs {
		if c == childID {
			parent.childrenIDs = append(parent.childrenIDs[:i], parent.childrenIDs[i+1:]...)
			return
		}
	}
}

// AddStream registers streamID in the tree with the given dependency info
// (nil means default: child of stream 0, default weight, non-exclusive).
func (pt *PriorityTree) AddStream(streamID uint32, dep *streamDependencyInfo) error {
	if streamID == 0 {
		return NewConnectionError(ErrCodeProtocolError, "cannot add or modify priority for stream 0 via AddStream")
	}

	parentID := uint32(0)
	weight := defaultPriorityWeight
	exclusive := false
	if dep != nil {
		if dep.StreamDependency == streamID {
			return NewStreamError(streamID, ErrCodeProtocolError, fmt.Sprintf("stream %d cannot depend on itself", streamID))
		}
		parentID = dep.StreamDependency
		weight = dep.Weight
		exclusive = dep.Exclusive
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()

	pt.getOrCreateNodeNoLock(parentID)
	node := pt.getOrCreateNodeNoLock(streamID)

	// Detach from whatever parent it currently has (it may have been
	// created implicitly, e.g. as someone else's referenced dependency).
	pt.removeChildNoLock(node.parentID, streamID)

	node.weight = weight
	node.parentID = parentID
	node.exclusive = exclusive

	if exclusive {
		pt.reparentSiblingsUnderNoLock(parentID, streamID)
	}
	pt.addChildNoLock(parentID, streamID)

	return nil
}

// reparentSiblingsUnderNoLock makes every existing child of parentID (other
// than newChildID itself) a child of newChildID instead, per RFC 7540
// Section 5.3.1's exclusive-dependency semantics.
func (pt *PriorityTree) reparentSiblingsUnderNoLock(parentID, newChildID uint32) {
	parent := pt.nodes[parentID]
	if parent == nil {
		return
	}
	former := make([]uint32, 0, len(parent.childrenIDs))
	for _, c := range parent.childrenIDs {
		if c != newChildID {
			former = append(former, c)
		}
	}
	parent.childrenIDs = []uint32{newChildID}

	newChild := pt.nodes[newChildID]
	for _, c := range former {
		if cn := pt.nodes[c]; cn != nil {
			cn.parentID = newChildID
		}
		newChild.childrenIDs = append(newChild.childrenIDs, c)
	}
}

// UpdatePriority moves an existing (or implicitly-created) stream to a new
// parent/weight/exclusive setting. Used both by ProcessPriorityFrame and
// directly when re-prioritizing via a HEADERS frame's priority section.
func (pt *PriorityTree) UpdatePriority(streamID, newParentID uint32, weight uint8, exclusive bool) error {
	if streamID == 0 {
		return NewConnectionError(ErrCodeProtocolError, "cannot modify priority for stream 0")
	}
	if newParentID == streamID {
		return NewStreamError(streamID, ErrCodeProtocolError, fmt.Sprintf("stream %d cannot depend on itself", streamID))
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()

	node := pt.getOrCreateNodeNoLock(streamID)
	pt.getOrCreateNodeNoLock(newParentID)

	pt.removeChildNoLock(node.parentID, streamID)

	node.parentID = newParentID
	node.weight = weight
	node.exclusive = exclusive

	if exclusive {
		pt.reparentSiblingsUnderNoLock(newParentID, streamID)
	}
	pt.addChildNoLock(newParentID, streamID)

	return nil
}

// ProcessPriorityFrame applies a received PRIORITY frame's dependency
// information to the tree.
func (pt *PriorityTree) ProcessPriorityFrame(frame *PriorityFrame) error {
	streamID := frame.Header().StreamID
	if streamID == 0 {
		return NewConnectionError(ErrCodeProtocolError, "PRIORITY frame received for stream 0")
	}
	if frame.StreamDependency == streamID {
		return NewStreamError(streamID, ErrCodeProtocolError, fmt.Sprintf("stream %d cannot depend on itself", streamID))
	}

	pt.mu.Lock()
	pt.getOrCreateNodeNoLock(streamID)
	pt.mu.Unlock()

	return pt.UpdatePriority(streamID, frame.StreamDependency, frame.Weight, frame.Exclusive)
}

// RemoveStream removes streamID from the tree, re-parenting its children
// onto its former parent (RFC 7540 Section 5.3.4). Removing a stream that
// isn't present is not an error.
func (pt *PriorityTree) RemoveStream(streamID uint32) error {
	if streamID == 0 {
		return NewConnectionError(ErrCodeProtocolError, "cannot remove stream 0 from priority tree")
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()

	node, ok := pt.nodes[streamID]
	if !ok {
		return nil
	}

	parentID := node.parentID
	pt.removeChildNoLock(parentID, streamID)

	for _, childID := range node.childrenIDs {
		if cn := pt.nodes[childID]; cn != nil {
			cn.parentID = parentID
		}
		pt.addChildNoLock(parentID, childID)
	}

	delete(pt.nodes, streamID)
	return nil
}

// GetDependencies returns streamID's parent, direct children, and weight.
func (pt *PriorityTree) GetDependencies(streamID uint32) (parentID uint32, childrenIDs []uint32, weight uint8, err error) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	node, ok := pt.nodes[streamID]
	if !ok {
		return 0, nil, 0, fmt.Errorf("stream %d not found in priority tree", streamID)
	}

	children := make([]uint32, len(node.childrenIDs))
	copy(children, node.childrenIDs)
	return node.parentID, children, node.weight, nil
}
