package collab

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/golang/glog"

	"canvaspad.com/collab/protocol"
)

const (
	SyncPriorityLow    = 0
	SyncPriorityNormal = 1
	SyncPriorityHigh   = 2
)

type LocalFirstSettings struct {
	// compound operations touching more entities than this are handed to
	// the background queue instead of synced inline
	BulkThreshold int
	// position tolerance when matching a server confirmed node to a
	// pending local node
	PositionEpsilon float64
	// how long a create may stay unconfirmed before it is flagged failed
	ConfirmTimeout time.Duration
	// offset applied to duplicated nodes
	DuplicateOffset float64
}

func DefaultLocalFirstSettings() *LocalFirstSettings {
	return &LocalFirstSettings{
		BulkThreshold:   5,
		PositionEpsilon: 1.0,
		ConfirmTimeout:  30 * time.Second,
		DuplicateOffset: 20,
	}
}

// user visible, non blocking notification such as "changes will be retried
// when connectivity improves"
type SyncNotifyCallback func(message string)

// completion of one background sync entry
type SyncEntryCallback func(nodeId string, err error)

type syncEntry struct {
	priority   int
	enqueueSeq uint64

	nodeId    string
	opType    string
	data      json.RawMessage
	timestamp int64

	callback  SyncEntryCallback
	cancelled bool

	heapIndex int
}

// priority queue. Higher priority first, FIFO within a priority.
type syncQueue struct {
	entries []*syncEntry
}

func (self *syncQueue) Len() int {
	return len(self.entries)
}

func (self *syncQueue) Less(i int, j int) bool {
	if self.entries[i].priority != self.entries[j].priority {
		return self.entries[j].priority < self.entries[i].priority
	}
	return self.entries[i].enqueueSeq < self.entries[j].enqueueSeq
}

func (self *syncQueue) Swap(i int, j int) {
	self.entries[i], self.entries[j] = self.entries[j], self.entries[i]
	self.entries[i].heapIndex = i
	self.entries[j].heapIndex = j
}

func (self *syncQueue) Push(x any) {
	entry := x.(*syncEntry)
	entry.heapIndex = len(self.entries)
	self.entries = append(self.entries, entry)
}

func (self *syncQueue) Pop() any {
	n := len(self.entries)
	entry := self.entries[n-1]
	self.entries = self.entries[:n-1]
	return entry
}

// a locally created node awaiting its server issued identity.
// kept in creation order: matching is order stable when two same typed
// nodes are created at nearly the same position in one batch.
type pendingCreate struct {
	localId   string
	nodeType  NodeType
	pos       protocol.Position
	createdAt time.Time
}

// applies compound user actions (duplicate, paste) to local state in the
// same tick, then reconciles with the server in the background. Local
// state is authoritative until explicitly superseded; a sync failure never
// rolls back a local edit.
type LocalFirstExecutor struct {
	ctx    context.Context
	cancel context.CancelFunc

	pipeline    *OperationPipeline
	broadcaster Broadcaster
	boundary    *ErrorBoundary
	settings    *LocalFirstSettings

	stateLock sync.Mutex

	pendingCreates []*pendingCreate
	// local id -> server id, kept for the reconciliation window
	idMap map[string]string

	queue          *syncQueue
	nextEnqueueSeq uint64
	queueUpdate    chan struct{}

	notifyCallbacks *callbackList[SyncNotifyCallback]
}

func NewLocalFirstExecutorWithDefaults(
	ctx context.Context,
	pipeline *OperationPipeline,
	broadcaster Broadcaster,
) *LocalFirstExecutor {
	return NewLocalFirstExecutor(ctx, pipeline, broadcaster, DefaultLocalFirstSettings())
}

func NewLocalFirstExecutor(
	ctx context.Context,
	pipeline *OperationPipeline,
	broadcaster Broadcaster,
	settings *LocalFirstSettings,
) *LocalFirstExecutor {
	cancelCtx, cancel := context.WithCancel(ctx)
	executor := &LocalFirstExecutor{
		ctx:             cancelCtx,
		cancel:          cancel,
		pipeline:        pipeline,
		broadcaster:     broadcaster,
		boundary:        NewErrorBoundaryWithDefaults(),
		settings:        settings,
		idMap:           map[string]string{},
		queue:           &syncQueue{},
		queueUpdate:     make(chan struct{}, 1),
		notifyCallbacks: newCallbackList[SyncNotifyCallback](),
	}
	go executor.runQueue()
	go executor.runExpiry()
	return executor
}

func (self *LocalFirstExecutor) Close() {
	self.cancel()
}

func (self *LocalFirstExecutor) AddNotifyCallback(callback SyncNotifyCallback) func() {
	return self.notifyCallbacks.add(callback)
}

func (self *LocalFirstExecutor) notify(message string) {
	for _, callback := range self.notifyCallbacks.get() {
		callback(message)
	}
}

// the server issued id for a locally created node, if confirmed
func (self *LocalFirstExecutor) ServerId(localId string) (string, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	serverId, ok := self.idMap[localId]
	return serverId, ok
}

func (self *LocalFirstExecutor) PendingCreateCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.pendingCreates)
}

// create one node local first. The node appears immediately with a
// temporary local id and a pending marker; identity is reconciled when the
// server confirms.
func (self *LocalFirstExecutor) CreateNode(params CreateNodeParams) (string, error) {
	nodeIds, err := self.createNodes([]CreateNodeParams{params})
	if err != nil {
		return "", err
	}
	return nodeIds[0], nil
}

// duplicate existing nodes at an offset
func (self *LocalFirstExecutor) Duplicate(nodeIds []string) ([]string, error) {
	doc := self.pipeline.Document()
	specs := []CreateNodeParams{}
	for _, nodeId := range nodeIds {
		node, ok := doc.Node(nodeId)
		if !ok {
			return nil, fmt.Errorf("node %s not found", nodeId)
		}
		specs = append(specs, CreateNodeParams{
			NodeType: node.Type,
			Pos: protocol.Position{
				X: node.Pos.X + self.settings.DuplicateOffset,
				Y: node.Pos.Y + self.settings.DuplicateOffset,
			},
			Size:       node.Size,
			Properties: node.Properties,
		})
	}
	return self.createNodes(specs)
}

// insert copied node specs, e.g. from the clipboard
func (self *LocalFirstExecutor) Paste(specs []CreateNodeParams) ([]string, error) {
	cleaned := make([]CreateNodeParams, len(specs))
	copy(cleaned, specs)
	for i := range cleaned {
		// pasted specs never reuse a source id
		cleaned[i].NodeId = ""
	}
	return self.createNodes(cleaned)
}

func (self *LocalFirstExecutor) createNodes(specs []CreateNodeParams) ([]string, error) {
	commands := []*CreateNodeCommand{}
	nodeIds := []string{}

	// apply everything locally in the same tick. skipBroadcast: the
	// executor owns the sync strategy for these commands
	for _, spec := range specs {
		command := NewCreateNodeCommand(OriginLocal, spec)
		result := self.pipeline.ExecuteCommand(command, ExecuteOptions{SkipBroadcast: true})
		if !result.Success {
			return nil, result.Err
		}
		commands = append(commands, command)
		nodeIds = append(nodeIds, command.NodeId())
	}

	self.stateLock.Lock()
	for _, command := range commands {
		node, _ := self.pipeline.Document().Node(command.NodeId())
		self.pendingCreates = append(self.pendingCreates, &pendingCreate{
			localId:   command.NodeId(),
			nodeType:  node.Type,
			pos:       node.Pos,
			createdAt: time.Now(),
		})
	}
	self.stateLock.Unlock()

	if self.settings.BulkThreshold < len(commands) {
		for _, command := range commands {
			data, err := command.WireData()
			if err != nil {
				continue
			}
			self.enqueue(&syncEntry{
				priority:  SyncPriorityNormal,
				nodeId:    command.NodeId(),
				opType:    command.Type(),
				data:      data,
				timestamp: command.Timestamp(),
			})
		}
	} else {
		// small operations sync immediately but never block the caller
		for _, command := range commands {
			command := command
			go self.sendImmediate(command)
		}
	}

	return nodeIds, nil
}

func (self *LocalFirstExecutor) sendImmediate(command *CreateNodeCommand) {
	data, err := command.WireData()
	if err != nil {
		return
	}
	sendErr := self.boundary.Run(
		self.ctx,
		func() error {
			return self.broadcaster.BroadcastOperation(command.Type(), data, command.Timestamp())
		},
		func(err error) error {
			// fall back to the background queue, no rollback
			self.enqueue(&syncEntry{
				priority:  SyncPriorityHigh,
				nodeId:    command.NodeId(),
				opType:    command.Type(),
				data:      data,
				timestamp: command.Timestamp(),
			})
			return nil
		},
	)
	if sendErr != nil {
		self.syncFailed(command.NodeId(), sendErr)
	}
}

// background queue

func (self *LocalFirstExecutor) enqueue(entry *syncEntry) {
	self.stateLock.Lock()
	entry.enqueueSeq = self.nextEnqueueSeq
	self.nextEnqueueSeq += 1
	heap.Push(self.queue, entry)
	self.stateLock.Unlock()

	select {
	case self.queueUpdate <- struct{}{}:
	default:
	}
}

// a queued entry for a node that was deleted locally before it was sent is
// dropped
func (self *LocalFirstExecutor) CancelForNode(nodeId string) {
	self.stateLock.Lock()
	for _, entry := range self.queue.entries {
		if entry.nodeId == nodeId {
			entry.cancelled = true
		}
	}
	self.pendingCreates = slices.DeleteFunc(self.pendingCreates, func(pending *pendingCreate) bool {
		return pending.localId == nodeId
	})
	self.stateLock.Unlock()
}

func (self *LocalFirstExecutor) QueueLen() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.queue.Len()
}

func (self *LocalFirstExecutor) pop() *syncEntry {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for 0 < self.queue.Len() {
		entry := heap.Pop(self.queue).(*syncEntry)
		if entry.cancelled {
			continue
		}
		return entry
	}
	return nil
}

func (self *LocalFirstExecutor) runQueue() {
	for {
		entry := self.pop()
		if entry == nil {
			select {
			case <-self.ctx.Done():
				return
			case <-self.queueUpdate:
				continue
			}
		}

		err := self.boundary.Run(
			self.ctx,
			func() error {
				return self.broadcaster.BroadcastOperation(entry.opType, entry.data, entry.timestamp)
			},
			nil,
		)
		if err != nil {
			self.syncFailed(entry.nodeId, err)
		}
		if entry.callback != nil {
			entry.callback(entry.nodeId, err)
		}
	}
}

func (self *LocalFirstExecutor) syncFailed(nodeId string, err error) {
	glog.Infof("[localfirst]sync failed %s = %s\n", nodeId, err)
	self.pipeline.Document().SetSyncFailed(nodeId)
	self.stateLock.Lock()
	self.pendingCreates = slices.DeleteFunc(self.pendingCreates, func(pending *pendingCreate) bool {
		return pending.localId == nodeId
	})
	self.stateLock.Unlock()
	self.notify("some changes could not be synced. They will be retried when connectivity improves")
}

// pending creates that the server never confirmed become sync failures.
// the node stays usable with its local id.
func (self *LocalFirstExecutor) runExpiry() {
	checkInterval := self.settings.ConfirmTimeout / 2
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(checkInterval):
		}

		self.stateLock.Lock()
		expired := []*pendingCreate{}
		self.pendingCreates = slices.DeleteFunc(self.pendingCreates, func(pending *pendingCreate) bool {
			if self.settings.ConfirmTimeout < time.Since(pending.createdAt) {
				expired = append(expired, pending)
				return true
			}
			return false
		})
		self.stateLock.Unlock()

		for _, pending := range expired {
			glog.Infof("[localfirst]confirm timeout %s\n", pending.localId)
			self.pipeline.Document().SetSyncFailed(pending.localId)
		}
		if 0 < len(expired) {
			self.notify("some changes could not be synced. They will be retried when connectivity improves")
		}
	}
}

// reconciliation

// operationConfirmer. The server relays our own operations back with
// server assigned identity; a node_create echo resolves a pending local
// node to its server id.
func (self *LocalFirstExecutor) ConfirmOperation(op *protocol.OperationEnvelope) {
	if op.Type != CommandTypeNodeCreate {
		return
	}
	var params CreateNodeParams
	if err := json.Unmarshal(op.Data, &params); err != nil {
		glog.Infof("[localfirst]bad confirmation = %s\n", err)
		return
	}
	self.confirmCreate(&params)
}

func (self *LocalFirstExecutor) confirmCreate(params *CreateNodeParams) {
	doc := self.pipeline.Document()

	self.stateLock.Lock()
	matchIndex := -1
	// exact id match first: the server may have kept the client id
	for i, pending := range self.pendingCreates {
		if pending.localId == params.NodeId {
			matchIndex = i
			break
		}
	}
	// otherwise the server does not know the local id. Match by type and
	// position proximity, in creation order
	if matchIndex < 0 {
		for i, pending := range self.pendingCreates {
			if pending.nodeType != params.NodeType {
				continue
			}
			if self.settings.PositionEpsilon < math.Abs(pending.pos.X-params.Pos.X) {
				continue
			}
			if self.settings.PositionEpsilon < math.Abs(pending.pos.Y-params.Pos.Y) {
				continue
			}
			matchIndex = i
			break
		}
	}
	if matchIndex < 0 {
		self.stateLock.Unlock()
		glog.Infof("[localfirst]unmatched confirmation %s %s\n", params.NodeType, params.NodeId)
		return
	}
	pending := self.pendingCreates[matchIndex]
	self.pendingCreates = slices.Delete(self.pendingCreates, matchIndex, matchIndex+1)
	if pending.localId != params.NodeId {
		self.idMap[pending.localId] = params.NodeId
	}
	self.stateLock.Unlock()

	if pending.localId != params.NodeId {
		if err := doc.ReplaceNodeId(pending.localId, params.NodeId); err != nil {
			glog.Infof("[localfirst]remap %s -> %s = %s\n", pending.localId, params.NodeId, err)
			return
		}
	}
	doc.SetPendingSync(params.NodeId, false)
	glog.V(2).Infof("[localfirst]confirmed %s -> %s\n", pending.localId, params.NodeId)
}
