package collab

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/exp/maps"

	"canvaspad.com/collab/protocol"
)

type NodeType string

const (
	NodeTypeImage NodeType = "image"
	NodeTypeVideo NodeType = "video"
	NodeTypeText  NodeType = "text"
	NodeTypeNote  NodeType = "note"
)

func ValidNodeType(nodeType NodeType) bool {
	switch nodeType {
	case NodeTypeImage, NodeTypeVideo, NodeTypeText, NodeTypeNote:
		return true
	}
	return false
}

// one visual entity on the canvas.
// DocKey names the owning document. It is a lookup key, not a pointer,
// so nodes serialize without a reference cycle back to the document.
type Node struct {
	Id         string
	Type       NodeType
	Pos        protocol.Position
	Size       protocol.Size
	Properties map[string]any

	// locally created or modified, not yet confirmed by the server
	PendingSync bool
	// gave up syncing. the node stays usable with its local id
	SyncFailed bool

	DocKey string
}

func (self *Node) clone() *Node {
	out := *self
	out.Properties = maps.Clone(self.Properties)
	return &out
}

// the shared canvas document: an indexed node collection.
// mutators return the previous values of exactly the fields they touch so
// commands can capture field scoped undo data.
type Document struct {
	key string

	stateLock sync.Mutex

	// node id -> node
	nodes map[string]*Node
	// insertion order, used for stable iteration and state handoff
	nodeOrder []string
}

func NewDocument(key string) *Document {
	return &Document{
		key:       key,
		nodes:     map[string]*Node{},
		nodeOrder: []string{},
	}
}

func (self *Document) Key() string {
	return self.key
}

func (self *Document) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.nodes)
}

func (self *Document) Node(nodeId string) (Node, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	node, ok := self.nodes[nodeId]
	if !ok {
		return Node{}, false
	}
	return *node.clone(), true
}

func (self *Document) NodeIds() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return slices.Clone(self.nodeOrder)
}

func (self *Document) Nodes() []Node {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	out := make([]Node, 0, len(self.nodeOrder))
	for _, nodeId := range self.nodeOrder {
		out = append(out, *self.nodes[nodeId].clone())
	}
	return out
}

func (self *Document) AddNode(node *Node) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if node.Id == "" {
		return fmt.Errorf("node missing id")
	}
	if _, ok := self.nodes[node.Id]; ok {
		return fmt.Errorf("node %s already exists", node.Id)
	}
	stored := node.clone()
	stored.DocKey = self.key
	if stored.Properties == nil {
		stored.Properties = map[string]any{}
	}
	self.nodes[stored.Id] = stored
	self.nodeOrder = append(self.nodeOrder, stored.Id)
	return nil
}

func (self *Document) RemoveNode(nodeId string) (Node, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	node, ok := self.nodes[nodeId]
	if !ok {
		return Node{}, fmt.Errorf("node %s not found", nodeId)
	}
	delete(self.nodes, nodeId)
	i := slices.Index(self.nodeOrder, nodeId)
	if 0 <= i {
		self.nodeOrder = slices.Delete(self.nodeOrder, i, i+1)
	}
	return *node.clone(), nil
}

func (self *Document) MoveNode(nodeId string, pos protocol.Position) (protocol.Position, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	node, ok := self.nodes[nodeId]
	if !ok {
		return protocol.Position{}, fmt.Errorf("node %s not found", nodeId)
	}
	prev := node.Pos
	node.Pos = pos
	return prev, nil
}

func (self *Document) ResizeNode(nodeId string, size protocol.Size) (protocol.Size, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	node, ok := self.nodes[nodeId]
	if !ok {
		return protocol.Size{}, fmt.Errorf("node %s not found", nodeId)
	}
	prev := node.Size
	node.Size = size
	return prev, nil
}

// sets only the given properties.
// returns the previous values of the keys that existed, and the keys that
// did not exist before, which is exactly the undo data for the change.
func (self *Document) SetNodeProperties(nodeId string, properties map[string]any) (map[string]any, []string, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	node, ok := self.nodes[nodeId]
	if !ok {
		return nil, nil, fmt.Errorf("node %s not found", nodeId)
	}
	prev := map[string]any{}
	missing := []string{}
	for k, v := range properties {
		if prevValue, ok := node.Properties[k]; ok {
			prev[k] = prevValue
		} else {
			missing = append(missing, k)
		}
		node.Properties[k] = v
	}
	slices.Sort(missing)
	return prev, missing, nil
}

// removes the given property keys.
// returns the previous values of the keys that existed.
func (self *Document) DeleteNodeProperties(nodeId string, keys []string) (map[string]any, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	node, ok := self.nodes[nodeId]
	if !ok {
		return nil, fmt.Errorf("node %s not found", nodeId)
	}
	prev := map[string]any{}
	for _, k := range keys {
		if prevValue, ok := node.Properties[k]; ok {
			prev[k] = prevValue
			delete(node.Properties, k)
		}
	}
	return prev, nil
}

// inverse of SetNodeProperties: restore previous values, delete keys that
// did not exist. Only the listed fields are touched.
func (self *Document) RestoreNodeProperties(nodeId string, prev map[string]any, missing []string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	node, ok := self.nodes[nodeId]
	if !ok {
		return fmt.Errorf("node %s not found", nodeId)
	}
	for k, v := range prev {
		node.Properties[k] = v
	}
	for _, k := range missing {
		delete(node.Properties, k)
	}
	return nil
}

func (self *Document) SetPendingSync(nodeId string, pendingSync bool) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	node, ok := self.nodes[nodeId]
	if !ok {
		return fmt.Errorf("node %s not found", nodeId)
	}
	node.PendingSync = pendingSync
	if pendingSync {
		node.SyncFailed = false
	}
	return nil
}

func (self *Document) SetSyncFailed(nodeId string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	node, ok := self.nodes[nodeId]
	if !ok {
		return fmt.Errorf("node %s not found", nodeId)
	}
	node.PendingSync = false
	node.SyncFailed = true
	return nil
}

// swap a locally generated id for the server issued id of the same node.
// order position is preserved so creation order stays stable.
func (self *Document) ReplaceNodeId(oldId string, newId string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	node, ok := self.nodes[oldId]
	if !ok {
		return fmt.Errorf("node %s not found", oldId)
	}
	if _, ok := self.nodes[newId]; ok {
		return fmt.Errorf("node %s already exists", newId)
	}
	delete(self.nodes, oldId)
	node.Id = newId
	self.nodes[newId] = node
	i := slices.Index(self.nodeOrder, oldId)
	if 0 <= i {
		self.nodeOrder[i] = newId
	}
	return nil
}

func (self *Document) Snapshot() *protocol.ProjectState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	nodes := make([]protocol.StateNode, 0, len(self.nodeOrder))
	for _, nodeId := range self.nodeOrder {
		node := self.nodes[nodeId]
		nodes = append(nodes, protocol.StateNode{
			Id:         node.Id,
			Type:       string(node.Type),
			Pos:        node.Pos,
			Size:       node.Size,
			Properties: maps.Clone(node.Properties),
			Flags: protocol.NodeFlags{
				PendingSync: node.PendingSync,
				SyncFailed:  node.SyncFailed,
			},
		})
	}
	return &protocol.ProjectState{
		Nodes:     nodes,
		Timestamp: time.Now().UnixMilli(),
	}
}

// replaces the whole document from a snapshot. Bootstrap only.
func (self *Document) LoadSnapshot(state *protocol.ProjectState) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.nodes = map[string]*Node{}
	self.nodeOrder = []string{}
	for i := range state.Nodes {
		stateNode := &state.Nodes[i]
		properties := maps.Clone(stateNode.Properties)
		if properties == nil {
			properties = map[string]any{}
		}
		node := &Node{
			Id:          stateNode.Id,
			Type:        NodeType(stateNode.Type),
			Pos:         stateNode.Pos,
			Size:        stateNode.Size,
			Properties:  properties,
			PendingSync: stateNode.Flags.PendingSync,
			SyncFailed:  stateNode.Flags.SyncFailed,
			DocKey:      self.key,
		}
		self.nodes[node.Id] = node
		self.nodeOrder = append(self.nodeOrder, node.Id)
	}
}
