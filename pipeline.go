package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"canvaspad.com/collab/protocol"
)

// hands locally originated operations to the network for relay.
// implemented by the state sync manager. A pipeline without a broadcaster
// is the single user fallback: everything else behaves the same.
type Broadcaster interface {
	BroadcastOperation(opType string, data json.RawMessage, timestamp int64) error
}

type ExecuteOptions struct {
	// do not capture into this user's undo history
	SkipHistory bool
	// do not relay to peers
	SkipBroadcast bool
}

type ExecuteResult struct {
	Success bool
	Command Command
	Err     error
}

type PipelineSettings struct {
	PersistTimeout time.Duration
}

func DefaultPipelineSettings() *PipelineSettings {
	return &PipelineSettings{
		PersistTimeout: 5 * time.Second,
	}
}

// validates, executes and tracks commands against the live document.
// local commands additionally enter the undo history, are broadcast to
// peers, and trigger a fire and forget save.
type OperationPipeline struct {
	ctx context.Context

	doc      *Document
	registry *CommandRegistry
	history  *UndoManager
	settings *PipelineSettings

	stateLock sync.Mutex

	broadcaster Broadcaster
	store       CanvasStore
	canvasId    string
}

func NewOperationPipeline(
	ctx context.Context,
	doc *Document,
	registry *CommandRegistry,
	history *UndoManager,
	settings *PipelineSettings,
) *OperationPipeline {
	pipeline := &OperationPipeline{
		ctx:      ctx,
		doc:      doc,
		registry: registry,
		history:  history,
		settings: settings,
	}
	history.setOps(pipeline)
	return pipeline
}

func (self *OperationPipeline) Document() *Document {
	return self.doc
}

func (self *OperationPipeline) Registry() *CommandRegistry {
	return self.registry
}

func (self *OperationPipeline) History() *UndoManager {
	return self.history
}

func (self *OperationPipeline) SetBroadcaster(broadcaster Broadcaster) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.broadcaster = broadcaster
}

func (self *OperationPipeline) SetStore(store CanvasStore, canvasId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.store = store
	self.canvasId = canvasId
}

// resolve a command from the registry and execute it
func (self *OperationPipeline) Execute(commandType string, origin CommandOrigin, data json.RawMessage, opts ExecuteOptions) ExecuteResult {
	command, err := self.registry.New(commandType, origin, data)
	if err != nil {
		return ExecuteResult{Success: false, Err: err}
	}
	return self.ExecuteCommand(command, opts)
}

func (self *OperationPipeline) ExecuteCommand(command Command, opts ExecuteOptions) ExecuteResult {
	if err := command.Validate(self.doc); err != nil {
		glog.V(2).Infof("[pipeline]validate %s = %s\n", command.Type(), err)
		return ExecuteResult{Success: false, Command: command, Err: err}
	}

	if err := self.runExecute(command); err != nil {
		// never silently swallowed. Callers decide on UI feedback from the
		// returned result
		glog.Infof("[pipeline]execute %s %s = %s\n", command.Type(), command.Id(), err)
		return ExecuteResult{Success: false, Command: command, Err: err}
	}

	if command.Origin() == OriginLocal {
		if !opts.SkipHistory {
			self.history.Push(command)
		}
		if !opts.SkipBroadcast {
			self.broadcastCommand(command)
		}
		self.persistAsync(command)
	}

	return ExecuteResult{Success: true, Command: command}
}

// a command must fail atomically, but a programming error inside a command
// must not take down the editing session
func (self *OperationPipeline) runExecute(command Command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("execute panic: %v", r)
		}
	}()
	return command.Execute(self.doc)
}

func (self *OperationPipeline) Undo() UndoResult {
	return self.history.Undo()
}

func (self *OperationPipeline) Redo() RedoResult {
	return self.history.Redo()
}

// historyOps

func (self *OperationPipeline) undoCommand(command Command) error {
	if err := command.Undo(self.doc); err != nil {
		return err
	}
	// peers converge by applying the inverse mutation as a fresh operation
	opType, data, err := command.InverseWireData()
	if err != nil {
		return err
	}
	self.broadcastOperation(opType, data, time.Now().UnixMilli())
	self.persistOperationAsync(opType, data)
	return nil
}

func (self *OperationPipeline) redoCommand(command Command) error {
	// a redo is a fresh change: skip history, rebroadcast
	result := self.ExecuteCommand(command, ExecuteOptions{SkipHistory: true})
	return result.Err
}

func (self *OperationPipeline) broadcastCommand(command Command) {
	data, err := command.WireData()
	if err != nil {
		glog.Infof("[pipeline]wire %s = %s\n", command.Type(), err)
		return
	}
	self.broadcastOperation(command.Type(), data, command.Timestamp())
}

// broadcast failures never interrupt local editing. The sync layer queues
// and retries; local state stays authoritative.
func (self *OperationPipeline) broadcastOperation(opType string, data json.RawMessage, timestamp int64) {
	self.stateLock.Lock()
	broadcaster := self.broadcaster
	self.stateLock.Unlock()

	if broadcaster == nil {
		return
	}
	if err := broadcaster.BroadcastOperation(opType, data, timestamp); err != nil {
		glog.V(2).Infof("[pipeline]broadcast %s = %s\n", opType, err)
	}
}

func (self *OperationPipeline) persistAsync(command Command) {
	data, err := command.WireData()
	if err != nil {
		return
	}
	self.persistOperationAsync(command.Type(), data)
}

func (self *OperationPipeline) persistOperationAsync(opType string, data json.RawMessage) {
	self.stateLock.Lock()
	store := self.store
	canvasId := self.canvasId
	self.stateLock.Unlock()

	if store == nil {
		return
	}
	snapshot := self.doc.Snapshot()
	op := &protocol.OperationEnvelope{
		Type:      opType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
	go func() {
		saveCtx, cancel := context.WithTimeout(self.ctx, self.settings.PersistTimeout)
		defer cancel()
		if err := store.Save(saveCtx, canvasId, snapshot); err != nil {
			glog.Infof("[pipeline]save %s = %s\n", canvasId, err)
		}
		if err := store.AppendOperation(saveCtx, canvasId, op); err != nil {
			glog.Infof("[pipeline]append %s = %s\n", canvasId, err)
		}
	}()
}
