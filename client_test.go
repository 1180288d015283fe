package collab

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"canvaspad.com/collab/protocol"
)

// offline single user editing: no url, no relay, everything else identical
func TestOfflineClient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryCanvasStore()
	client, err := NewCanvasClientWithDefaults(ctx, "", "project-1", nil, store)
	assert.Equal(t, err, nil)
	defer client.Close()
	client.Start()

	nodeId, err := client.CreateNode(CreateNodeParams{
		NodeType: NodeTypeNote,
		Pos:      protocol.Position{X: 10, Y: 10},
	})
	assert.Equal(t, err, nil)

	assert.Equal(t, client.MoveNode(nodeId, protocol.Position{X: 50, Y: 60}), nil)
	assert.Equal(t, client.UpdateNode(nodeId, map[string]any{"text": "hello"}), nil)

	node, ok := client.Document().Node(nodeId)
	assert.Equal(t, ok, true)
	assert.Equal(t, node.Pos, protocol.Position{X: 50, Y: 60})
	assert.Equal(t, node.Properties["text"], "hello")

	// undo walks back the update, then the move
	assert.Equal(t, client.Undo().Err, nil)
	assert.Equal(t, client.Undo().Err, nil)
	node, _ = client.Document().Node(nodeId)
	assert.Equal(t, node.Pos, protocol.Position{X: 10, Y: 10})
	_, hasText := node.Properties["text"]
	assert.Equal(t, hasText, false)

	redoResult := client.Redo()
	assert.Equal(t, redoResult.CanRedo, true)
	assert.Equal(t, redoResult.Err, nil)
	node, _ = client.Document().Node(nodeId)
	assert.Equal(t, node.Pos, protocol.Position{X: 50, Y: 60})

	// local edits persist in the background
	waitFor(t, 5*time.Second, func() bool {
		state, err := store.Load(context.Background(), "project-1")
		return err == nil && len(state.Nodes) == 1
	})
}

func TestDeleteCancelsPendingSync(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := NewCanvasClientWithDefaults(ctx, "", "project-1", nil, nil)
	assert.Equal(t, err, nil)
	defer client.Close()

	nodeId, err := client.CreateNode(CreateNodeParams{NodeType: NodeTypeImage})
	assert.Equal(t, err, nil)
	assert.Equal(t, client.LocalFirst().PendingCreateCount(), 1)

	assert.Equal(t, client.DeleteNode(nodeId), nil)
	assert.Equal(t, client.LocalFirst().PendingCreateCount(), 0)
	assert.Equal(t, client.Document().Len(), 0)
}

func TestClientLoadFromStore(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryCanvasStore()
	store.Save(ctx, "project-1", &protocol.ProjectState{
		Nodes: []protocol.StateNode{
			{Id: "n1", Type: string(NodeTypeImage), Pos: protocol.Position{X: 1, Y: 2}},
			{Id: "n2", Type: string(NodeTypeText)},
		},
	})

	client, err := NewCanvasClientWithDefaults(ctx, "", "project-1", nil, nil)
	assert.Equal(t, err, nil)
	defer client.Close()

	assert.Equal(t, client.LoadFromStore(ctx, store), nil)
	assert.Equal(t, client.Document().Len(), 2)

	// edits on restored nodes behave normally
	assert.Equal(t, client.ResizeNode("n1", protocol.Size{W: 30, H: 40}), nil)
	node, _ := client.Document().Node("n1")
	assert.Equal(t, node.Size, protocol.Size{W: 30, H: 40})
}

// without a snapshot, a load reconstructs the canvas from the operation
// history
func TestClientLoadFallsBackToOperationReplay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryCanvasStore()
	createData, err := json.Marshal(CreateNodeParams{NodeId: "n1", NodeType: NodeTypeImage})
	assert.Equal(t, err, nil)
	moveData, err := json.Marshal(MoveNodeParams{NodeId: "n1", To: protocol.Position{X: 9, Y: 9}})
	assert.Equal(t, err, nil)
	store.AppendOperation(ctx, "project-1", &protocol.OperationEnvelope{
		Type:     CommandTypeNodeCreate,
		Data:     createData,
		Sequence: 1,
	})
	store.AppendOperation(ctx, "project-1", &protocol.OperationEnvelope{
		Type:     CommandTypeNodeMove,
		Data:     moveData,
		Sequence: 2,
	})

	client, err := NewCanvasClientWithDefaults(ctx, "", "project-1", nil, nil)
	assert.Equal(t, err, nil)
	defer client.Close()

	assert.Equal(t, client.LoadFromStore(ctx, store), nil)
	node, ok := client.Document().Node("n1")
	assert.Equal(t, ok, true)
	assert.Equal(t, node.Pos, protocol.Position{X: 9, Y: 9})
}

func TestClientLoadFromEmptyStore(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := NewCanvasClientWithDefaults(ctx, "", "project-1", nil, nil)
	assert.Equal(t, err, nil)
	defer client.Close()

	err = client.LoadFromStore(ctx, NewMemoryCanvasStore())
	assert.Equal(t, errors.Is(err, ErrNotFound), true)
}

func TestClientRequiresAuthForRelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := NewCanvasClientWithDefaults(ctx, "ws://relay.invalid/ws", "project-1", nil, nil)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, client, (*CanvasClient)(nil))
}
