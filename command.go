package collab

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"golang.org/x/exp/maps"

	"canvaspad.com/collab/protocol"
)

type CommandOrigin string

const (
	OriginLocal  CommandOrigin = "local"
	OriginRemote CommandOrigin = "remote"
)

// the closed command variant set. New kinds are added here and in
// `NewCommandRegistry`, never by ad hoc subtyping at runtime.
const (
	CommandTypeNodeCreate      = "node_create"
	CommandTypeNodeDelete      = "node_delete"
	CommandTypeNodeMove        = "node_move"
	CommandTypeNodeResize      = "node_resize"
	CommandTypeNodeUpdate      = "node_update"
	CommandTypeNodeMediaToggle = "node_media_toggle"
)

// one user intended change to the document.
//
// Validate must be side effect free. Execute performs the mutation and
// captures undo data for exactly the fields it touched; it must fail
// atomically. Undo restores only those captured fields, never a full
// snapshot, so a remote edit to an unrelated field of the same node is
// never clobbered.
type Command interface {
	Id() string
	Type() string
	Origin() CommandOrigin
	Timestamp() int64

	// server assigned total order. 0 until acknowledged
	Sequence() uint64
	SetSequence(sequence uint64)

	Executed() bool
	HasUndoData() bool

	Validate(doc *Document) error
	Execute(doc *Document) error
	Undo(doc *Document) error

	// payload broadcast to peers for this command
	WireData() (json.RawMessage, error)
	// operation type and payload that reverse this command on a peer.
	// valid only after a successful Execute
	InverseWireData() (string, json.RawMessage, error)

	// merging collapses a continuous gesture (a drag emitting one command
	// per frame) into a single undo step
	CanMergeWith(other Command) bool
	MergeWith(other Command) error
}

type commandBase struct {
	id          string
	commandType string
	origin      CommandOrigin
	timestamp   int64
	sequence    uint64
	executed    bool
	hasUndoData bool
}

func newCommandBase(commandType string, origin CommandOrigin) commandBase {
	return commandBase{
		id:          NewCommandId(commandType),
		commandType: commandType,
		origin:      origin,
		timestamp:   time.Now().UnixMilli(),
	}
}

func (self *commandBase) Id() string {
	return self.id
}

func (self *commandBase) Type() string {
	return self.commandType
}

func (self *commandBase) Origin() CommandOrigin {
	return self.origin
}

func (self *commandBase) Timestamp() int64 {
	return self.timestamp
}

func (self *commandBase) Sequence() uint64 {
	return self.sequence
}

func (self *commandBase) SetSequence(sequence uint64) {
	self.sequence = sequence
}

func (self *commandBase) Executed() bool {
	return self.executed
}

func (self *commandBase) HasUndoData() bool {
	return self.hasUndoData
}

func (self *commandBase) checkExecute() error {
	if self.executed {
		return fmt.Errorf("%s %s already executed", self.commandType, self.id)
	}
	return nil
}

func (self *commandBase) checkUndo() error {
	if !self.executed {
		return fmt.Errorf("%s %s not executed", self.commandType, self.id)
	}
	if !self.hasUndoData {
		return fmt.Errorf("%s %s has no undo data", self.commandType, self.id)
	}
	return nil
}

// node_create

type CreateNodeParams struct {
	NodeId     string            `json:"nodeId"`
	NodeType   NodeType          `json:"nodeType"`
	Pos        protocol.Position `json:"pos"`
	Size       protocol.Size     `json:"size"`
	Properties map[string]any    `json:"properties,omitempty"`
}

type CreateNodeCommand struct {
	commandBase
	params CreateNodeParams
}

func NewCreateNodeCommand(origin CommandOrigin, params CreateNodeParams) *CreateNodeCommand {
	if params.NodeId == "" {
		params.NodeId = NewLocalNodeId()
	}
	return &CreateNodeCommand{
		commandBase: newCommandBase(CommandTypeNodeCreate, origin),
		params:      params,
	}
}

func newCreateNodeCommandFromWire(origin CommandOrigin, data json.RawMessage) (Command, error) {
	var params CreateNodeParams
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, err
	}
	return NewCreateNodeCommand(origin, params), nil
}

func (self *CreateNodeCommand) NodeId() string {
	return self.params.NodeId
}

func (self *CreateNodeCommand) Validate(doc *Document) error {
	if !ValidNodeType(self.params.NodeType) {
		return fmt.Errorf("bad node type %q", self.params.NodeType)
	}
	if self.params.Size.W < 0 || self.params.Size.H < 0 {
		return fmt.Errorf("negative size")
	}
	if _, ok := doc.Node(self.params.NodeId); ok {
		return fmt.Errorf("node %s already exists", self.params.NodeId)
	}
	return nil
}

func (self *CreateNodeCommand) Execute(doc *Document) error {
	if err := self.checkExecute(); err != nil {
		return err
	}
	node := &Node{
		Id:         self.params.NodeId,
		Type:       self.params.NodeType,
		Pos:        self.params.Pos,
		Size:       self.params.Size,
		Properties: maps.Clone(self.params.Properties),
		// local creates are optimistic until the server confirms
		PendingSync: self.origin == OriginLocal,
	}
	if err := doc.AddNode(node); err != nil {
		return err
	}
	self.executed = true
	self.hasUndoData = true
	return nil
}

func (self *CreateNodeCommand) Undo(doc *Document) error {
	if err := self.checkUndo(); err != nil {
		return err
	}
	if _, err := doc.RemoveNode(self.params.NodeId); err != nil {
		return err
	}
	self.executed = false
	return nil
}

func (self *CreateNodeCommand) WireData() (json.RawMessage, error) {
	return json.Marshal(self.params)
}

func (self *CreateNodeCommand) InverseWireData() (string, json.RawMessage, error) {
	if !self.hasUndoData {
		return "", nil, fmt.Errorf("no undo data")
	}
	data, err := json.Marshal(DeleteNodeParams{NodeId: self.params.NodeId})
	if err != nil {
		return "", nil, err
	}
	return CommandTypeNodeDelete, data, nil
}

func (self *CreateNodeCommand) CanMergeWith(other Command) bool {
	return false
}

func (self *CreateNodeCommand) MergeWith(other Command) error {
	return fmt.Errorf("node_create does not merge")
}

// node_delete

type DeleteNodeParams struct {
	NodeId string `json:"nodeId"`
}

type DeleteNodeCommand struct {
	commandBase
	params DeleteNodeParams

	// full node copy. the fields a delete touches are the whole node
	undoNode *Node
}

func NewDeleteNodeCommand(origin CommandOrigin, params DeleteNodeParams) *DeleteNodeCommand {
	return &DeleteNodeCommand{
		commandBase: newCommandBase(CommandTypeNodeDelete, origin),
		params:      params,
	}
}

func newDeleteNodeCommandFromWire(origin CommandOrigin, data json.RawMessage) (Command, error) {
	var params DeleteNodeParams
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, err
	}
	return NewDeleteNodeCommand(origin, params), nil
}

func (self *DeleteNodeCommand) Validate(doc *Document) error {
	if _, ok := doc.Node(self.params.NodeId); !ok {
		return fmt.Errorf("node %s not found", self.params.NodeId)
	}
	return nil
}

func (self *DeleteNodeCommand) Execute(doc *Document) error {
	if err := self.checkExecute(); err != nil {
		return err
	}
	removed, err := doc.RemoveNode(self.params.NodeId)
	if err != nil {
		return err
	}
	self.undoNode = &removed
	self.executed = true
	self.hasUndoData = true
	return nil
}

func (self *DeleteNodeCommand) Undo(doc *Document) error {
	if err := self.checkUndo(); err != nil {
		return err
	}
	if err := doc.AddNode(self.undoNode); err != nil {
		return err
	}
	self.executed = false
	return nil
}

func (self *DeleteNodeCommand) WireData() (json.RawMessage, error) {
	return json.Marshal(self.params)
}

func (self *DeleteNodeCommand) InverseWireData() (string, json.RawMessage, error) {
	if self.undoNode == nil {
		return "", nil, fmt.Errorf("no undo data")
	}
	data, err := json.Marshal(CreateNodeParams{
		NodeId:     self.undoNode.Id,
		NodeType:   self.undoNode.Type,
		Pos:        self.undoNode.Pos,
		Size:       self.undoNode.Size,
		Properties: self.undoNode.Properties,
	})
	if err != nil {
		return "", nil, err
	}
	return CommandTypeNodeCreate, data, nil
}

func (self *DeleteNodeCommand) CanMergeWith(other Command) bool {
	return false
}

func (self *DeleteNodeCommand) MergeWith(other Command) error {
	return fmt.Errorf("node_delete does not merge")
}

// node_move

type MoveNodeParams struct {
	NodeId string            `json:"nodeId"`
	To     protocol.Position `json:"to"`
}

type MoveNodeCommand struct {
	commandBase
	params   MoveNodeParams
	undoFrom *protocol.Position
}

func NewMoveNodeCommand(origin CommandOrigin, params MoveNodeParams) *MoveNodeCommand {
	return &MoveNodeCommand{
		commandBase: newCommandBase(CommandTypeNodeMove, origin),
		params:      params,
	}
}

func newMoveNodeCommandFromWire(origin CommandOrigin, data json.RawMessage) (Command, error) {
	var params MoveNodeParams
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, err
	}
	return NewMoveNodeCommand(origin, params), nil
}

func (self *MoveNodeCommand) Validate(doc *Document) error {
	if _, ok := doc.Node(self.params.NodeId); !ok {
		return fmt.Errorf("node %s not found", self.params.NodeId)
	}
	return nil
}

func (self *MoveNodeCommand) Execute(doc *Document) error {
	if err := self.checkExecute(); err != nil {
		return err
	}
	prev, err := doc.MoveNode(self.params.NodeId, self.params.To)
	if err != nil {
		return err
	}
	if self.undoFrom == nil {
		self.undoFrom = &prev
	}
	self.executed = true
	self.hasUndoData = true
	return nil
}

func (self *MoveNodeCommand) Undo(doc *Document) error {
	if err := self.checkUndo(); err != nil {
		return err
	}
	if _, err := doc.MoveNode(self.params.NodeId, *self.undoFrom); err != nil {
		return err
	}
	self.executed = false
	return nil
}

func (self *MoveNodeCommand) WireData() (json.RawMessage, error) {
	return json.Marshal(self.params)
}

func (self *MoveNodeCommand) InverseWireData() (string, json.RawMessage, error) {
	if self.undoFrom == nil {
		return "", nil, fmt.Errorf("no undo data")
	}
	data, err := json.Marshal(MoveNodeParams{
		NodeId: self.params.NodeId,
		To:     *self.undoFrom,
	})
	if err != nil {
		return "", nil, err
	}
	return CommandTypeNodeMove, data, nil
}

func (self *MoveNodeCommand) CanMergeWith(other Command) bool {
	otherMove, ok := other.(*MoveNodeCommand)
	if !ok {
		return false
	}
	return otherMove.params.NodeId == self.params.NodeId &&
		otherMove.origin == self.origin
}

// absorb a later move of the same node. The undo origin stays the position
// before the first move, the target becomes the latest position.
func (self *MoveNodeCommand) MergeWith(other Command) error {
	otherMove, ok := other.(*MoveNodeCommand)
	if !ok || !self.CanMergeWith(other) {
		return fmt.Errorf("cannot merge")
	}
	self.params.To = otherMove.params.To
	self.timestamp = otherMove.timestamp
	return nil
}

// node_resize

type ResizeNodeParams struct {
	NodeId string        `json:"nodeId"`
	To     protocol.Size `json:"to"`
}

type ResizeNodeCommand struct {
	commandBase
	params   ResizeNodeParams
	undoFrom *protocol.Size
}

func NewResizeNodeCommand(origin CommandOrigin, params ResizeNodeParams) *ResizeNodeCommand {
	return &ResizeNodeCommand{
		commandBase: newCommandBase(CommandTypeNodeResize, origin),
		params:      params,
	}
}

func newResizeNodeCommandFromWire(origin CommandOrigin, data json.RawMessage) (Command, error) {
	var params ResizeNodeParams
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, err
	}
	return NewResizeNodeCommand(origin, params), nil
}

func (self *ResizeNodeCommand) Validate(doc *Document) error {
	if self.params.To.W < 0 || self.params.To.H < 0 {
		return fmt.Errorf("negative size")
	}
	if _, ok := doc.Node(self.params.NodeId); !ok {
		return fmt.Errorf("node %s not found", self.params.NodeId)
	}
	return nil
}

func (self *ResizeNodeCommand) Execute(doc *Document) error {
	if err := self.checkExecute(); err != nil {
		return err
	}
	prev, err := doc.ResizeNode(self.params.NodeId, self.params.To)
	if err != nil {
		return err
	}
	if self.undoFrom == nil {
		self.undoFrom = &prev
	}
	self.executed = true
	self.hasUndoData = true
	return nil
}

func (self *ResizeNodeCommand) Undo(doc *Document) error {
	if err := self.checkUndo(); err != nil {
		return err
	}
	if _, err := doc.ResizeNode(self.params.NodeId, *self.undoFrom); err != nil {
		return err
	}
	self.executed = false
	return nil
}

func (self *ResizeNodeCommand) WireData() (json.RawMessage, error) {
	return json.Marshal(self.params)
}

func (self *ResizeNodeCommand) InverseWireData() (string, json.RawMessage, error) {
	if self.undoFrom == nil {
		return "", nil, fmt.Errorf("no undo data")
	}
	data, err := json.Marshal(ResizeNodeParams{
		NodeId: self.params.NodeId,
		To:     *self.undoFrom,
	})
	if err != nil {
		return "", nil, err
	}
	return CommandTypeNodeResize, data, nil
}

func (self *ResizeNodeCommand) CanMergeWith(other Command) bool {
	otherResize, ok := other.(*ResizeNodeCommand)
	if !ok {
		return false
	}
	return otherResize.params.NodeId == self.params.NodeId &&
		otherResize.origin == self.origin
}

func (self *ResizeNodeCommand) MergeWith(other Command) error {
	otherResize, ok := other.(*ResizeNodeCommand)
	if !ok || !self.CanMergeWith(other) {
		return fmt.Errorf("cannot merge")
	}
	self.params.To = otherResize.params.To
	self.timestamp = otherResize.timestamp
	return nil
}

// node_update

type UpdateNodeParams struct {
	NodeId     string         `json:"nodeId"`
	Properties map[string]any `json:"properties,omitempty"`
	// keys to remove. used by inverse payloads to delete keys that did
	// not exist before the update
	RemoveProperties []string `json:"removeProperties,omitempty"`
}

type UpdateNodeCommand struct {
	commandBase
	params UpdateNodeParams

	undoPrev    map[string]any
	undoMissing []string
}

func NewUpdateNodeCommand(origin CommandOrigin, params UpdateNodeParams) *UpdateNodeCommand {
	return &UpdateNodeCommand{
		commandBase: newCommandBase(CommandTypeNodeUpdate, origin),
		params:      params,
	}
}

func newUpdateNodeCommandFromWire(origin CommandOrigin, data json.RawMessage) (Command, error) {
	var params UpdateNodeParams
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, err
	}
	return NewUpdateNodeCommand(origin, params), nil
}

func (self *UpdateNodeCommand) Validate(doc *Document) error {
	if len(self.params.Properties) == 0 && len(self.params.RemoveProperties) == 0 {
		return fmt.Errorf("empty update")
	}
	if _, ok := doc.Node(self.params.NodeId); !ok {
		return fmt.Errorf("node %s not found", self.params.NodeId)
	}
	return nil
}

func (self *UpdateNodeCommand) Execute(doc *Document) error {
	if err := self.checkExecute(); err != nil {
		return err
	}
	prev := map[string]any{}
	missing := []string{}
	if 0 < len(self.params.Properties) {
		setPrev, setMissing, err := doc.SetNodeProperties(self.params.NodeId, self.params.Properties)
		if err != nil {
			return err
		}
		maps.Copy(prev, setPrev)
		missing = append(missing, setMissing...)
	}
	if 0 < len(self.params.RemoveProperties) {
		removedPrev, err := doc.DeleteNodeProperties(self.params.NodeId, self.params.RemoveProperties)
		if err != nil {
			return err
		}
		maps.Copy(prev, removedPrev)
	}
	if self.undoPrev == nil {
		self.undoPrev = prev
		self.undoMissing = missing
	}
	self.executed = true
	self.hasUndoData = true
	return nil
}

func (self *UpdateNodeCommand) Undo(doc *Document) error {
	if err := self.checkUndo(); err != nil {
		return err
	}
	if err := doc.RestoreNodeProperties(self.params.NodeId, self.undoPrev, self.undoMissing); err != nil {
		return err
	}
	self.executed = false
	return nil
}

func (self *UpdateNodeCommand) WireData() (json.RawMessage, error) {
	return json.Marshal(self.params)
}

func (self *UpdateNodeCommand) InverseWireData() (string, json.RawMessage, error) {
	if !self.hasUndoData {
		return "", nil, fmt.Errorf("no undo data")
	}
	data, err := json.Marshal(UpdateNodeParams{
		NodeId:           self.params.NodeId,
		Properties:       self.undoPrev,
		RemoveProperties: self.undoMissing,
	})
	if err != nil {
		return "", nil, err
	}
	return CommandTypeNodeUpdate, data, nil
}

func (self *UpdateNodeCommand) CanMergeWith(other Command) bool {
	otherUpdate, ok := other.(*UpdateNodeCommand)
	if !ok {
		return false
	}
	if otherUpdate.params.NodeId != self.params.NodeId || otherUpdate.origin != self.origin {
		return false
	}
	if 0 < len(self.params.RemoveProperties) || 0 < len(otherUpdate.params.RemoveProperties) {
		return false
	}
	// only a continuous adjustment of the same fields collapses,
	// e.g. a color slider emitting one update per frame
	selfKeys := maps.Keys(self.params.Properties)
	otherKeys := maps.Keys(otherUpdate.params.Properties)
	slices.Sort(selfKeys)
	slices.Sort(otherKeys)
	return slices.Equal(selfKeys, otherKeys)
}

func (self *UpdateNodeCommand) MergeWith(other Command) error {
	otherUpdate, ok := other.(*UpdateNodeCommand)
	if !ok || !self.CanMergeWith(other) {
		return fmt.Errorf("cannot merge")
	}
	maps.Copy(self.params.Properties, otherUpdate.params.Properties)
	self.timestamp = otherUpdate.timestamp
	return nil
}

// node_media_toggle
// play/pause flag on media nodes. Formerly an ad hoc inline command in the
// legacy client, now a first class variant.

type MediaToggleParams struct {
	NodeId  string `json:"nodeId"`
	Playing bool   `json:"playing"`
}

type MediaToggleCommand struct {
	commandBase
	params MediaToggleParams

	undoPrev    map[string]any
	undoMissing []string
}

func NewMediaToggleCommand(origin CommandOrigin, params MediaToggleParams) *MediaToggleCommand {
	return &MediaToggleCommand{
		commandBase: newCommandBase(CommandTypeNodeMediaToggle, origin),
		params:      params,
	}
}

func newMediaToggleCommandFromWire(origin CommandOrigin, data json.RawMessage) (Command, error) {
	var params MediaToggleParams
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, err
	}
	return NewMediaToggleCommand(origin, params), nil
}

func (self *MediaToggleCommand) Validate(doc *Document) error {
	node, ok := doc.Node(self.params.NodeId)
	if !ok {
		return fmt.Errorf("node %s not found", self.params.NodeId)
	}
	if node.Type != NodeTypeVideo {
		return fmt.Errorf("node %s is not a media node", self.params.NodeId)
	}
	return nil
}

func (self *MediaToggleCommand) Execute(doc *Document) error {
	if err := self.checkExecute(); err != nil {
		return err
	}
	prev, missing, err := doc.SetNodeProperties(self.params.NodeId, map[string]any{
		"playing": self.params.Playing,
	})
	if err != nil {
		return err
	}
	if self.undoPrev == nil {
		self.undoPrev = prev
		self.undoMissing = missing
	}
	self.executed = true
	self.hasUndoData = true
	return nil
}

func (self *MediaToggleCommand) Undo(doc *Document) error {
	if err := self.checkUndo(); err != nil {
		return err
	}
	if err := doc.RestoreNodeProperties(self.params.NodeId, self.undoPrev, self.undoMissing); err != nil {
		return err
	}
	self.executed = false
	return nil
}

func (self *MediaToggleCommand) WireData() (json.RawMessage, error) {
	return json.Marshal(self.params)
}

func (self *MediaToggleCommand) InverseWireData() (string, json.RawMessage, error) {
	if !self.hasUndoData {
		return "", nil, fmt.Errorf("no undo data")
	}
	data, err := json.Marshal(MediaToggleParams{
		NodeId:  self.params.NodeId,
		Playing: !self.params.Playing,
	})
	if err != nil {
		return "", nil, err
	}
	return CommandTypeNodeMediaToggle, data, nil
}

func (self *MediaToggleCommand) CanMergeWith(other Command) bool {
	return false
}

func (self *MediaToggleCommand) MergeWith(other Command) error {
	return fmt.Errorf("node_media_toggle does not merge")
}
