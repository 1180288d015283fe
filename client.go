package collab

import (
	"context"
	"encoding/json"
	"errors"

	"canvaspad.com/collab/protocol"
)

type ClientSettings struct {
	Network    *NetworkSettings
	Sync       *SyncSettings
	Pipeline   *PipelineSettings
	History    *HistorySettings
	LocalFirst *LocalFirstSettings
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		Network:    DefaultNetworkSettings(),
		Sync:       DefaultSyncSettings(),
		Pipeline:   DefaultPipelineSettings(),
		History:    DefaultHistorySettings(),
		LocalFirst: DefaultLocalFirstSettings(),
	}
}

// single user fallback: executes locally, nothing to relay
type noopBroadcaster struct{}

func (self *noopBroadcaster) BroadcastOperation(opType string, data json.RawMessage, timestamp int64) error {
	return nil
}

// the application context: every component is constructed once here and
// receives its collaborators explicitly. There are no package level
// singletons.
type CanvasClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	doc        *Document
	registry   *CommandRegistry
	history    *UndoManager
	pipeline   *OperationPipeline
	network    *NetworkLayer
	sync       *StateSyncManager
	localFirst *LocalFirstExecutor
}

// url may be empty for offline single user editing; everything except
// broadcast and reconciliation behaves identically.
func NewCanvasClientWithDefaults(
	ctx context.Context,
	url string,
	projectId string,
	auth *SessionAuth,
	store CanvasStore,
) (*CanvasClient, error) {
	return NewCanvasClient(ctx, url, projectId, auth, store, DefaultClientSettings())
}

func NewCanvasClient(
	ctx context.Context,
	url string,
	projectId string,
	auth *SessionAuth,
	store CanvasStore,
	settings *ClientSettings,
) (*CanvasClient, error) {
	cancelCtx, cancel := context.WithCancel(ctx)

	doc := NewDocument(projectId)
	registry := NewCommandRegistry()
	history := NewUndoManager(settings.History)
	pipeline := NewOperationPipeline(cancelCtx, doc, registry, history, settings.Pipeline)
	if store != nil {
		pipeline.SetStore(store, projectId)
	}

	client := &CanvasClient{
		ctx:      cancelCtx,
		cancel:   cancel,
		doc:      doc,
		registry: registry,
		history:  history,
		pipeline: pipeline,
	}

	if url != "" {
		if auth == nil {
			cancel()
			return nil, errors.New("auth is required to join a relay")
		}
		network := NewNetworkLayer(cancelCtx, url, settings.Network)
		sync, err := NewStateSyncManager(cancelCtx, network, pipeline, projectId, auth, settings.Sync)
		if err != nil {
			cancel()
			return nil, err
		}
		localFirst := NewLocalFirstExecutor(cancelCtx, pipeline, sync, settings.LocalFirst)
		sync.SetConfirmer(localFirst)
		client.network = network
		client.sync = sync
		client.localFirst = localFirst
	} else {
		client.localFirst = NewLocalFirstExecutor(cancelCtx, pipeline, &noopBroadcaster{}, settings.LocalFirst)
	}

	return client, nil
}

func (self *CanvasClient) Start() {
	if self.sync != nil {
		self.sync.Start()
	}
	if self.network != nil {
		self.network.Connect()
	}
}

func (self *CanvasClient) Close() {
	self.cancel()
}

func (self *CanvasClient) Document() *Document {
	return self.doc
}

func (self *CanvasClient) Pipeline() *OperationPipeline {
	return self.pipeline
}

func (self *CanvasClient) History() *UndoManager {
	return self.history
}

func (self *CanvasClient) Network() *NetworkLayer {
	return self.network
}

func (self *CanvasClient) Sync() *StateSyncManager {
	return self.sync
}

func (self *CanvasClient) LocalFirst() *LocalFirstExecutor {
	return self.localFirst
}

// operations

func (self *CanvasClient) CreateNode(params CreateNodeParams) (string, error) {
	return self.localFirst.CreateNode(params)
}

func (self *CanvasClient) DeleteNode(nodeId string) error {
	// a queued sync entry for a node deleted before it was sent is moot
	self.localFirst.CancelForNode(nodeId)
	command := NewDeleteNodeCommand(OriginLocal, DeleteNodeParams{NodeId: nodeId})
	result := self.pipeline.ExecuteCommand(command, ExecuteOptions{})
	return result.Err
}

func (self *CanvasClient) MoveNode(nodeId string, to protocol.Position) error {
	command := NewMoveNodeCommand(OriginLocal, MoveNodeParams{NodeId: nodeId, To: to})
	result := self.pipeline.ExecuteCommand(command, ExecuteOptions{})
	return result.Err
}

func (self *CanvasClient) ResizeNode(nodeId string, to protocol.Size) error {
	command := NewResizeNodeCommand(OriginLocal, ResizeNodeParams{NodeId: nodeId, To: to})
	result := self.pipeline.ExecuteCommand(command, ExecuteOptions{})
	return result.Err
}

func (self *CanvasClient) UpdateNode(nodeId string, properties map[string]any) error {
	command := NewUpdateNodeCommand(OriginLocal, UpdateNodeParams{NodeId: nodeId, Properties: properties})
	result := self.pipeline.ExecuteCommand(command, ExecuteOptions{})
	return result.Err
}

func (self *CanvasClient) ToggleMedia(nodeId string, playing bool) error {
	command := NewMediaToggleCommand(OriginLocal, MediaToggleParams{NodeId: nodeId, Playing: playing})
	result := self.pipeline.ExecuteCommand(command, ExecuteOptions{})
	return result.Err
}

func (self *CanvasClient) Duplicate(nodeIds []string) ([]string, error) {
	return self.localFirst.Duplicate(nodeIds)
}

func (self *CanvasClient) Paste(specs []CreateNodeParams) ([]string, error) {
	return self.localFirst.Paste(specs)
}

func (self *CanvasClient) Undo() UndoResult {
	return self.pipeline.Undo()
}

func (self *CanvasClient) Redo() RedoResult {
	return self.pipeline.Redo()
}

// open a canvas from the durable store, e.g. before any peer is online.
// When the snapshot is missing or unreadable, the same state is rebuilt by
// replaying the operation history.
func (self *CanvasClient) LoadFromStore(ctx context.Context, store CanvasStore) error {
	state, err := RunWithFallback(
		ctx,
		NewErrorBoundaryWithDefaults(),
		func() (*protocol.ProjectState, error) {
			return store.Load(ctx, self.doc.Key())
		},
		func(loadErr error) (*protocol.ProjectState, error) {
			return self.replayFromStore(ctx, store, loadErr)
		},
	)
	if err != nil {
		return err
	}
	self.doc.LoadSnapshot(state)
	return nil
}

func (self *CanvasClient) replayFromStore(ctx context.Context, store CanvasStore, loadErr error) (*protocol.ProjectState, error) {
	ops, err := store.Operations(ctx, self.doc.Key(), 0)
	if err != nil || len(ops) == 0 {
		return nil, loadErr
	}
	replay := NewDocument(self.doc.Key())
	for i := range ops {
		op := &ops[i]
		command, err := self.registry.New(op.Type, OriginRemote, op.Data)
		if err != nil {
			continue
		}
		if err := command.Validate(replay); err != nil {
			continue
		}
		command.Execute(replay)
	}
	return replay.Snapshot(), nil
}
