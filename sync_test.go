package collab

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/go-playground/assert/v2"

	"canvaspad.com/collab/protocol"
)

type fakeTransport struct {
	stateLock sync.Mutex
	connected bool
	sendErr   error
	sent      [][]byte

	connectionCallbacks *callbackList[ConnectionCallback]
	messageCallbacks    *callbackList[MessageCallback]
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		connected:           true,
		connectionCallbacks: newCallbackList[ConnectionCallback](),
		messageCallbacks:    newCallbackList[MessageCallback](),
	}
}

func (self *fakeTransport) SendMessage(message any) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.sendErr != nil {
		return self.sendErr
	}
	messageJson, err := json.Marshal(message)
	if err != nil {
		return err
	}
	self.sent = append(self.sent, messageJson)
	return nil
}

func (self *fakeTransport) AddConnectionCallback(callback ConnectionCallback) func() {
	return self.connectionCallbacks.add(callback)
}

func (self *fakeTransport) AddMessageCallback(callback MessageCallback) func() {
	return self.messageCallbacks.add(callback)
}

func (self *fakeTransport) IsConnected() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.connected
}

func (self *fakeTransport) setSendErr(err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.sendErr = err
}

func (self *fakeTransport) sentTypes() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	types := []string{}
	for _, message := range self.sent {
		messageType, err := protocol.PeekType(message)
		if err == nil {
			types = append(types, messageType)
		}
	}
	return types
}

func (self *fakeTransport) lastSentOfType(messageType string) []byte {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for i := len(self.sent) - 1; 0 <= i; i -= 1 {
		sentType, err := protocol.PeekType(self.sent[i])
		if err == nil && sentType == messageType {
			return self.sent[i]
		}
	}
	return nil
}

// injects a server message as if it arrived on the socket
func (self *fakeTransport) deliver(t *testing.T, message any) {
	t.Helper()
	messageJson, err := json.Marshal(message)
	assert.Equal(t, err, nil)
	messageType, err := protocol.PeekType(messageJson)
	assert.Equal(t, err, nil)
	for _, callback := range self.messageCallbacks.get() {
		callback(messageType, messageJson)
	}
}

type fakeConfirmer struct {
	stateLock sync.Mutex
	ops       []*protocol.OperationEnvelope
}

func (self *fakeConfirmer) ConfirmOperation(op *protocol.OperationEnvelope) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.ops = append(self.ops, op)
}

func (self *fakeConfirmer) count() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.ops)
}

func mintTestJwt(t *testing.T, username string) string {
	t.Helper()
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"user_id":   "user-" + username,
		"user_name": username,
	})
	signed, err := token.SignedString([]byte("test"))
	assert.Equal(t, err, nil)
	return signed
}

func newTestSync(t *testing.T, ctx context.Context, settings *SyncSettings) (*fakeTransport, *Document, *StateSyncManager) {
	t.Helper()
	transport := newFakeTransport()
	doc, pipeline := newTestPipeline(ctx)
	auth := &SessionAuth{
		ByJwt: mintTestJwt(t, "alice"),
		TabId: "tab-1",
	}
	manager, err := NewStateSyncManager(ctx, transport, pipeline, "project-1", auth, settings)
	assert.Equal(t, err, nil)
	return transport, doc, manager
}

// put the manager directly into the joined state without a handshake
func forceJoin(manager *StateSyncManager, socketId string, sequence uint64) {
	manager.stateLock.Lock()
	manager.state = SessionStateJoined
	manager.socketId = socketId
	manager.sequence = sequence
	manager.stateLock.Unlock()
}

func TestJoinHandshake(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	transport, _, manager := newTestSync(t, ctx, DefaultSyncSettings())
	defer manager.Close()

	manager.Start()
	waitFor(t, 5*time.Second, func() bool {
		return slices.Contains(transport.sentTypes(), protocol.MessageTypeJoinProject)
	})

	var args protocol.JoinProjectArgs
	err := json.Unmarshal(transport.lastSentOfType(protocol.MessageTypeJoinProject), &args)
	assert.Equal(t, err, nil)
	assert.Equal(t, args.ProjectId, "project-1")
	assert.Equal(t, args.Username, "alice")
	assert.Equal(t, args.TabId, "tab-1")

	transport.deliver(t, &protocol.ProjectJoinedResult{
		Type:    protocol.MessageTypeProjectJoined,
		Project: &protocol.ProjectInfo{Id: "project-1"},
		Session: &protocol.SessionInfo{
			Id:       "session-1",
			UserId:   "user-alice",
			SocketId: "socket-1",
		},
		SequenceNumber: 12,
	})

	waitFor(t, 5*time.Second, func() bool {
		return manager.State() == SessionStateJoined
	})
	// a fresh session adopts the server sequence
	assert.Equal(t, manager.Sequence(), uint64(12))
	assert.Equal(t, manager.SocketId(), "socket-1")

	// an initial sync check follows the join
	waitFor(t, 5*time.Second, func() bool {
		return slices.Contains(transport.sentTypes(), protocol.MessageTypeSyncCheck)
	})
}

func TestJoinRejected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	settings := DefaultSyncSettings()
	settings.RejoinDelay = time.Hour
	transport, _, manager := newTestSync(t, ctx, settings)
	defer manager.Close()

	manager.Start()
	waitFor(t, 5*time.Second, func() bool {
		return slices.Contains(transport.sentTypes(), protocol.MessageTypeJoinProject)
	})

	transport.deliver(t, &protocol.ErrorMessage{
		Type:    protocol.MessageTypeError,
		Message: "project is full",
	})

	waitFor(t, 5*time.Second, func() bool {
		return manager.State() == SessionStateDisconnected
	})
	assert.Equal(t, manager.SocketId(), "")
}

func TestSelfEchoSuppressed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	transport, doc, manager := newTestSync(t, ctx, DefaultSyncSettings())
	defer manager.Close()

	manager.Start()
	forceJoin(manager, "socket-1", 0)
	confirmer := &fakeConfirmer{}
	manager.SetConfirmer(confirmer)

	err := doc.AddNode(&Node{Id: "n1", Type: NodeTypeImage})
	assert.Equal(t, err, nil)

	data, _ := json.Marshal(MoveNodeParams{NodeId: "n1", To: protocol.Position{X: 99, Y: 99}})
	transport.deliver(t, &protocol.OperationMessage{
		Type:      protocol.MessageTypeOperation,
		ProjectId: "project-1",
		Operation: protocol.OperationEnvelope{
			Type:     CommandTypeNodeMove,
			Data:     data,
			Sequence: 3,
		},
		FromUserId:   "user-alice",
		FromSocketId: "socket-1",
	})

	// the echoed move is not applied a second time
	node, _ := doc.Node("n1")
	assert.Equal(t, node.Pos, protocol.Position{X: 0, Y: 0})
	// but the assigned sequence is adopted and the envelope confirmed
	assert.Equal(t, manager.Sequence(), uint64(3))
	assert.Equal(t, confirmer.count(), 1)
}

func TestRemoteApplyIsIdempotent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	transport, doc, manager := newTestSync(t, ctx, DefaultSyncSettings())
	defer manager.Close()

	manager.Start()
	forceJoin(manager, "socket-1", 0)

	err := doc.AddNode(&Node{Id: "n1", Type: NodeTypeImage})
	assert.Equal(t, err, nil)

	data, _ := json.Marshal(MoveNodeParams{NodeId: "n1", To: protocol.Position{X: 10, Y: 10}})
	move := &protocol.OperationMessage{
		Type:      protocol.MessageTypeOperation,
		ProjectId: "project-1",
		Operation: protocol.OperationEnvelope{
			Type:     CommandTypeNodeMove,
			Data:     data,
			Sequence: 7,
		},
		FromSocketId: "socket-2",
	}
	transport.deliver(t, move)

	node, _ := doc.Node("n1")
	assert.Equal(t, node.Pos, protocol.Position{X: 10, Y: 10})

	// the node moves on after the first apply
	_, err = doc.MoveNode("n1", protocol.Position{X: 5, Y: 5})
	assert.Equal(t, err, nil)

	// a redelivery of (sequence, type) must not re-apply
	transport.deliver(t, move)
	node, _ = doc.Node("n1")
	assert.Equal(t, node.Pos, protocol.Position{X: 5, Y: 5})
	assert.Equal(t, manager.Sequence(), uint64(7))
}

func TestRemoteConflictDropped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	transport, doc, manager := newTestSync(t, ctx, DefaultSyncSettings())
	defer manager.Close()

	manager.Start()
	forceJoin(manager, "socket-1", 0)

	// the target was deleted locally before the remote move arrived
	data, _ := json.Marshal(MoveNodeParams{NodeId: "gone", To: protocol.Position{X: 1, Y: 1}})
	transport.deliver(t, &protocol.OperationMessage{
		Type:      protocol.MessageTypeOperation,
		ProjectId: "project-1",
		Operation: protocol.OperationEnvelope{
			Type:     CommandTypeNodeMove,
			Data:     data,
			Sequence: 9,
		},
		FromSocketId: "socket-2",
	})

	// dropped, not retried; the sequence still advances past it
	assert.Equal(t, doc.Len(), 0)
	assert.Equal(t, manager.Sequence(), uint64(9))
}

func TestSyncResponseReplaysMissedWindow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	transport, doc, manager := newTestSync(t, ctx, DefaultSyncSettings())
	defer manager.Close()

	manager.Start()
	// reconnected with operations 5..8 missed
	forceJoin(manager, "socket-1", 4)

	create5, _ := json.Marshal(CreateNodeParams{NodeId: "n5", NodeType: NodeTypeNote})
	move6, _ := json.Marshal(MoveNodeParams{NodeId: "n5", To: protocol.Position{X: 30, Y: 40}})
	create7, _ := json.Marshal(CreateNodeParams{NodeId: "n7", NodeType: NodeTypeImage})
	move8, _ := json.Marshal(MoveNodeParams{NodeId: "n7", To: protocol.Position{X: 7, Y: 7}})

	// out of order input replays in ascending sequence order
	transport.deliver(t, &protocol.SyncCheckResult{
		Type: protocol.MessageTypeSyncResponse,
		Operations: []protocol.SyncOperation{
			{OperationType: CommandTypeNodeMove, OperationData: move8, SequenceNumber: 8},
			{OperationType: CommandTypeNodeCreate, OperationData: create5, SequenceNumber: 5},
			{OperationType: CommandTypeNodeMove, OperationData: move6, SequenceNumber: 6},
			{OperationType: CommandTypeNodeCreate, OperationData: create7, SequenceNumber: 7},
		},
		CurrentSequence: 8,
	})

	assert.Equal(t, doc.Len(), 2)
	n5, _ := doc.Node("n5")
	assert.Equal(t, n5.Pos, protocol.Position{X: 30, Y: 40})
	n7, _ := doc.Node("n7")
	assert.Equal(t, n7.Pos, protocol.Position{X: 7, Y: 7})
	assert.Equal(t, manager.Sequence(), uint64(8))

	// the replayed window shares the dedupe state with the realtime path
	transport.deliver(t, &protocol.OperationMessage{
		Type:      protocol.MessageTypeOperation,
		ProjectId: "project-1",
		Operation: protocol.OperationEnvelope{
			Type:     CommandTypeNodeCreate,
			Data:     create5,
			Sequence: 5,
		},
		FromSocketId: "socket-2",
	})
	assert.Equal(t, doc.Len(), 2)
}

func TestAuthLossClearsSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	settings := DefaultSyncSettings()
	settings.RejoinDelay = time.Hour
	transport, _, manager := newTestSync(t, ctx, settings)
	defer manager.Close()

	manager.Start()
	forceJoin(manager, "socket-1", 9)

	transport.deliver(t, &protocol.ErrorMessage{
		Type:    protocol.MessageTypeError,
		Code:    401,
		Message: "not authenticated",
	})

	assert.Equal(t, manager.State(), SessionStateDisconnected)
	assert.Equal(t, manager.SocketId(), "")
	// stale sequence numbers never carry into the next session
	assert.Equal(t, manager.Sequence(), uint64(0))
}

func TestNonAuthServerErrorKeepsSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	transport, _, manager := newTestSync(t, ctx, DefaultSyncSettings())
	defer manager.Close()

	manager.Start()
	forceJoin(manager, "socket-1", 9)

	transport.deliver(t, &protocol.ErrorMessage{
		Type:    protocol.MessageTypeError,
		Message: "rate limited",
	})

	assert.Equal(t, manager.State(), SessionStateJoined)
	assert.Equal(t, manager.Sequence(), uint64(9))
}

func TestBroadcastQueuesUntilJoined(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	transport, _, manager := newTestSync(t, ctx, DefaultSyncSettings())
	defer manager.Close()

	data, _ := json.Marshal(MoveNodeParams{NodeId: "n1", To: protocol.Position{X: 1, Y: 2}})
	err := manager.BroadcastOperation(CommandTypeNodeMove, data, 123)
	assert.Equal(t, err, nil)
	assert.Equal(t, manager.OutboxLen(), 1)
	assert.Equal(t, len(transport.sentTypes()), 0)

	forceJoin(manager, "socket-1", 0)
	manager.flushOutbox()

	assert.Equal(t, manager.OutboxLen(), 0)
	assert.Equal(t, transport.sentTypes(), []string{protocol.MessageTypeOperation})

	var msg protocol.OperationMessage
	assert.Equal(t, json.Unmarshal(transport.lastSentOfType(protocol.MessageTypeOperation), &msg), nil)
	assert.Equal(t, msg.ProjectId, "project-1")
	assert.Equal(t, msg.Operation.Type, CommandTypeNodeMove)
	assert.Equal(t, msg.Operation.Timestamp, int64(123))
}

func TestBroadcastQueuesOnSendFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	transport, _, manager := newTestSync(t, ctx, DefaultSyncSettings())
	defer manager.Close()

	forceJoin(manager, "socket-1", 0)
	transport.setSendErr(ErrSendBufferFull)

	data, _ := json.Marshal(MoveNodeParams{NodeId: "n1", To: protocol.Position{X: 1, Y: 2}})
	err := manager.BroadcastOperation(CommandTypeNodeMove, data, 123)
	assert.Equal(t, err, nil)
	assert.Equal(t, manager.OutboxLen(), 1)
}

func TestMembershipTracking(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	transport, _, manager := newTestSync(t, ctx, DefaultSyncSettings())
	defer manager.Close()

	manager.Start()

	notifyCount := 0
	manager.AddMembershipCallback(func(members []protocol.MemberInfo) {
		notifyCount += 1
	})

	transport.deliver(t, &protocol.MembershipMessage{
		Type: protocol.MessageTypeActiveUsers,
		Users: []protocol.MemberInfo{
			{UserId: "u-alice", Username: "alice", TabId: "tab-1"},
			{UserId: "u-bob", Username: "bob", TabId: "tab-2"},
		},
	})
	assert.Equal(t, len(manager.Members()), 2)

	transport.deliver(t, &protocol.MembershipMessage{
		Type: protocol.MessageTypeUserJoined,
		User: &protocol.MemberInfo{UserId: "u-carol", Username: "carol", TabId: "tab-3"},
	})
	assert.Equal(t, len(manager.Members()), 3)

	// a duplicate join event does not double count
	transport.deliver(t, &protocol.MembershipMessage{
		Type: protocol.MessageTypeUserJoined,
		User: &protocol.MemberInfo{UserId: "u-carol", Username: "carol", TabId: "tab-3"},
	})
	assert.Equal(t, len(manager.Members()), 3)

	transport.deliver(t, &protocol.MembershipMessage{
		Type: protocol.MessageTypeUserLeft,
		User: &protocol.MemberInfo{UserId: "u-bob", Username: "bob", TabId: "tab-2"},
	})
	members := manager.Members()
	assert.Equal(t, len(members), 2)
	assert.Equal(t, notifyCount, 4)
}

func TestServeProjectStateToNewPeer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	transport, doc, manager := newTestSync(t, ctx, DefaultSyncSettings())
	defer manager.Close()

	manager.Start()
	forceJoin(manager, "socket-1", 0)

	doc.AddNode(&Node{Id: "n1", Type: NodeTypeImage})
	doc.AddNode(&Node{Id: "n2", Type: NodeTypeNote})

	transport.deliver(t, &protocol.RequestProjectStateMessage{
		Type:    protocol.MessageTypeRequestProjectState,
		ForUser: "bob",
	})

	shareJson := transport.lastSentOfType(protocol.MessageTypeShareProjectState)
	var share protocol.ShareProjectStateMessage
	assert.Equal(t, json.Unmarshal(shareJson, &share), nil)
	assert.Equal(t, share.ForUser, "bob")
	assert.Equal(t, len(share.ProjectState.Nodes), 2)
}

func TestBootstrapFromSharedState(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	transport, doc, manager := newTestSync(t, ctx, DefaultSyncSettings())
	defer manager.Close()

	manager.Start()

	// a share addressed to another user is ignored
	transport.deliver(t, &protocol.ShareProjectStateMessage{
		Type:    protocol.MessageTypeShareProjectState,
		ForUser: "mallory",
		ProjectState: &protocol.ProjectState{
			Nodes: []protocol.StateNode{{Id: "x1", Type: string(NodeTypeNote)}},
		},
	})
	assert.Equal(t, doc.Len(), 0)

	transport.deliver(t, &protocol.ShareProjectStateMessage{
		Type:    protocol.MessageTypeShareProjectState,
		ForUser: "alice",
		ProjectState: &protocol.ProjectState{
			Nodes: []protocol.StateNode{
				{Id: "n1", Type: string(NodeTypeImage), Pos: protocol.Position{X: 3, Y: 4}},
				{Id: "n2", Type: string(NodeTypeText)},
			},
		},
	})
	assert.Equal(t, doc.Len(), 2)
	n1, _ := doc.Node("n1")
	assert.Equal(t, n1.Pos, protocol.Position{X: 3, Y: 4})
}

func TestParseSessionJwt(t *testing.T) {
	identity, err := ParseSessionJwtUnverified(mintTestJwt(t, "alice"))
	assert.Equal(t, err, nil)
	assert.Equal(t, identity.Username, "alice")
	assert.Equal(t, identity.UserId, "user-alice")

	// a token without user_name cannot identify a member
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{"sub": "x"})
	signed, err := token.SignedString([]byte("test"))
	assert.Equal(t, err, nil)
	_, err = ParseSessionJwtUnverified(signed)
	assert.NotEqual(t, err, nil)
}
