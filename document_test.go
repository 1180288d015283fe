package collab

import (
	"testing"

	"github.com/go-playground/assert/v2"

	"canvaspad.com/collab/protocol"
)

func TestDocumentAddRemove(t *testing.T) {
	doc := NewDocument("project-1")

	err := doc.AddNode(&Node{Id: "n1", Type: NodeTypeImage})
	assert.Equal(t, err, nil)
	// ids are unique
	err = doc.AddNode(&Node{Id: "n1", Type: NodeTypeImage})
	assert.NotEqual(t, err, nil)

	node, ok := doc.Node("n1")
	assert.Equal(t, ok, true)
	assert.Equal(t, node.DocKey, "project-1")

	removed, err := doc.RemoveNode("n1")
	assert.Equal(t, err, nil)
	assert.Equal(t, removed.Id, "n1")
	assert.Equal(t, doc.Len(), 0)

	_, err = doc.RemoveNode("n1")
	assert.NotEqual(t, err, nil)
}

func TestDocumentReturnsCopies(t *testing.T) {
	doc := NewDocument("project-1")
	doc.AddNode(&Node{
		Id:         "n1",
		Type:       NodeTypeNote,
		Properties: map[string]any{"text": "hello"},
	})

	node, _ := doc.Node("n1")
	node.Properties["text"] = "mutated"
	node.Pos = protocol.Position{X: 99, Y: 99}

	// the document is only mutable through its own methods
	stored, _ := doc.Node("n1")
	assert.Equal(t, stored.Properties["text"], "hello")
	assert.Equal(t, stored.Pos, protocol.Position{X: 0, Y: 0})
}

func TestSetNodePropertiesCapturesUndoData(t *testing.T) {
	doc := NewDocument("project-1")
	doc.AddNode(&Node{
		Id:         "n1",
		Type:       NodeTypeNote,
		Properties: map[string]any{"text": "hello"},
	})

	prev, missing, err := doc.SetNodeProperties("n1", map[string]any{
		"text":  "goodbye",
		"color": "red",
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, prev, map[string]any{"text": "hello"})
	assert.Equal(t, missing, []string{"color"})

	err = doc.RestoreNodeProperties("n1", prev, missing)
	assert.Equal(t, err, nil)
	node, _ := doc.Node("n1")
	assert.Equal(t, node.Properties["text"], "hello")
	_, hasColor := node.Properties["color"]
	assert.Equal(t, hasColor, false)
}

func TestDeleteNodeProperties(t *testing.T) {
	doc := NewDocument("project-1")
	doc.AddNode(&Node{
		Id:         "n1",
		Type:       NodeTypeNote,
		Properties: map[string]any{"text": "hello", "color": "red"},
	})

	prev, err := doc.DeleteNodeProperties("n1", []string{"color", "missing"})
	assert.Equal(t, err, nil)
	assert.Equal(t, prev, map[string]any{"color": "red"})

	node, _ := doc.Node("n1")
	_, hasColor := node.Properties["color"]
	assert.Equal(t, hasColor, false)
	assert.Equal(t, node.Properties["text"], "hello")
}

func TestReplaceNodeIdKeepsOrder(t *testing.T) {
	doc := NewDocument("project-1")
	doc.AddNode(&Node{Id: "a", Type: NodeTypeNote})
	doc.AddNode(&Node{Id: "b", Type: NodeTypeNote})
	doc.AddNode(&Node{Id: "c", Type: NodeTypeNote})

	err := doc.ReplaceNodeId("b", "server-b")
	assert.Equal(t, err, nil)
	assert.Equal(t, doc.NodeIds(), []string{"a", "server-b", "c"})

	// never clobbers an existing node
	err = doc.ReplaceNodeId("a", "c")
	assert.NotEqual(t, err, nil)
	err = doc.ReplaceNodeId("nope", "x")
	assert.NotEqual(t, err, nil)
}

func TestSyncFlags(t *testing.T) {
	doc := NewDocument("project-1")
	doc.AddNode(&Node{Id: "n1", Type: NodeTypeImage})

	assert.Equal(t, doc.SetPendingSync("n1", true), nil)
	node, _ := doc.Node("n1")
	assert.Equal(t, node.PendingSync, true)

	assert.Equal(t, doc.SetSyncFailed("n1"), nil)
	node, _ = doc.Node("n1")
	assert.Equal(t, node.PendingSync, false)
	assert.Equal(t, node.SyncFailed, true)

	// going pending again clears the failure
	assert.Equal(t, doc.SetPendingSync("n1", true), nil)
	node, _ = doc.Node("n1")
	assert.Equal(t, node.SyncFailed, false)
}

func TestSnapshotRoundTrip(t *testing.T) {
	doc := NewDocument("project-1")
	doc.AddNode(&Node{
		Id:         "n1",
		Type:       NodeTypeImage,
		Pos:        protocol.Position{X: 1, Y: 2},
		Size:       protocol.Size{W: 10, H: 20},
		Properties: map[string]any{"url": "https://example.com/a.png"},
	})
	doc.AddNode(&Node{Id: "n2", Type: NodeTypeVideo})
	doc.AddNode(&Node{Id: "n3", Type: NodeTypeText})
	doc.SetSyncFailed("n2")

	state := doc.Snapshot()
	assert.Equal(t, len(state.Nodes), 3)

	restored := NewDocument("project-1")
	restored.LoadSnapshot(state)

	assert.Equal(t, restored.NodeIds(), doc.NodeIds())
	n1, ok := restored.Node("n1")
	assert.Equal(t, ok, true)
	assert.Equal(t, n1.Type, NodeTypeImage)
	assert.Equal(t, n1.Pos, protocol.Position{X: 1, Y: 2})
	assert.Equal(t, n1.Size, protocol.Size{W: 10, H: 20})
	assert.Equal(t, n1.Properties["url"], "https://example.com/a.png")
	n2, _ := restored.Node("n2")
	assert.Equal(t, n2.SyncFailed, true)
}
