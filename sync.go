package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"

	"canvaspad.com/collab/protocol"
)

type SessionState string

const (
	SessionStateDisconnected SessionState = "disconnected"
	SessionStateConnecting   SessionState = "connecting"
	SessionStateJoined       SessionState = "joined"
)

type SessionCallback func(state SessionState)

type MembershipCallback func(members []protocol.MemberInfo)

// self echoed operations confirm pending local entities.
// implemented by the local-first executor.
type operationConfirmer interface {
	ConfirmOperation(op *protocol.OperationEnvelope)
}

type SyncSettings struct {
	// periodic reconciliation while joined
	SyncCheckInterval time.Duration
	JoinTimeout       time.Duration
	RejoinDelay       time.Duration
	// retained (sequence, type) dedupe window
	AppliedWindow int
	// queued broadcasts while disconnected
	OutboxLimit int
}

func DefaultSyncSettings() *SyncSettings {
	return &SyncSettings{
		SyncCheckInterval: 15 * time.Second,
		JoinTimeout:       5 * time.Second,
		RejoinDelay:       2 * time.Second,
		AppliedWindow:     4096,
		OutboxLimit:       1024,
	}
}

type appliedKey struct {
	sequence uint64
	opType   string
}

// reconciles local optimistic state against the server's authoritative
// sequence. The server assigned sequence number is the sole total order;
// local apply order is not guaranteed to match it, so every inbound path
// here is idempotent and replay safe.
type StateSyncManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	transport Transport
	pipeline  *OperationPipeline
	boundary  *ErrorBoundary

	projectId string
	auth      *SessionAuth
	identity  *SessionIdentity
	settings  *SyncSettings

	stateLock sync.Mutex

	state     SessionState
	socketId  string
	sessionId string
	// high water mark of applied server sequence numbers
	sequence uint64

	applied      map[appliedKey]bool
	appliedOrder []appliedKey

	members []protocol.MemberInfo

	outbox []*protocol.OperationMessage

	joinC      chan error
	syncCancel context.CancelFunc

	confirmer operationConfirmer

	sessionCallbacks    *callbackList[SessionCallback]
	membershipCallbacks *callbackList[MembershipCallback]
}

func NewStateSyncManagerWithDefaults(
	ctx context.Context,
	transport Transport,
	pipeline *OperationPipeline,
	projectId string,
	auth *SessionAuth,
) (*StateSyncManager, error) {
	return NewStateSyncManager(ctx, transport, pipeline, projectId, auth, DefaultSyncSettings())
}

func NewStateSyncManager(
	ctx context.Context,
	transport Transport,
	pipeline *OperationPipeline,
	projectId string,
	auth *SessionAuth,
	settings *SyncSettings,
) (*StateSyncManager, error) {
	identity, err := auth.Identity()
	if err != nil {
		return nil, err
	}
	cancelCtx, cancel := context.WithCancel(ctx)
	sync := &StateSyncManager{
		ctx:                 cancelCtx,
		cancel:              cancel,
		transport:           transport,
		pipeline:            pipeline,
		boundary:            NewErrorBoundaryWithDefaults(),
		projectId:           projectId,
		auth:                auth,
		identity:            identity,
		settings:            settings,
		state:               SessionStateDisconnected,
		applied:             map[appliedKey]bool{},
		sessionCallbacks:    newCallbackList[SessionCallback](),
		membershipCallbacks: newCallbackList[MembershipCallback](),
	}
	return sync, nil
}

func (self *StateSyncManager) Start() {
	self.transport.AddConnectionCallback(func(connected bool) {
		if connected {
			go self.join()
		} else {
			self.handleDisconnect()
		}
	})
	self.transport.AddMessageCallback(self.handleMessage)
	self.pipeline.SetBroadcaster(self)
	if self.transport.IsConnected() {
		go self.join()
	}
}

func (self *StateSyncManager) Close() {
	self.cancel()
}

func (self *StateSyncManager) SetConfirmer(confirmer operationConfirmer) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.confirmer = confirmer
}

func (self *StateSyncManager) AddSessionCallback(callback SessionCallback) func() {
	return self.sessionCallbacks.add(callback)
}

func (self *StateSyncManager) AddMembershipCallback(callback MembershipCallback) func() {
	return self.membershipCallbacks.add(callback)
}

func (self *StateSyncManager) State() SessionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *StateSyncManager) Sequence() uint64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.sequence
}

func (self *StateSyncManager) SocketId() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.socketId
}

func (self *StateSyncManager) Members() []protocol.MemberInfo {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return slices.Clone(self.members)
}

func (self *StateSyncManager) notifySession(state SessionState) {
	for _, callback := range self.sessionCallbacks.get() {
		callback(state)
	}
}

func (self *StateSyncManager) notifyMembership() {
	members := self.Members()
	for _, callback := range self.membershipCallbacks.get() {
		callback(members)
	}
}

// join

func (self *StateSyncManager) join() {
	self.stateLock.Lock()
	if self.state != SessionStateDisconnected {
		self.stateLock.Unlock()
		return
	}
	self.state = SessionStateConnecting
	joinC := make(chan error, 1)
	self.joinC = joinC
	self.stateLock.Unlock()
	self.notifySession(SessionStateConnecting)

	args := &protocol.JoinProjectArgs{
		Type:        protocol.MessageTypeJoinProject,
		ProjectId:   self.projectId,
		Username:    self.identity.Username,
		DisplayName: self.identity.DisplayName,
		TabId:       self.auth.TabId,
	}
	sendErr := self.boundary.Run(
		self.ctx,
		func() error {
			return self.transport.SendMessage(args)
		},
		nil,
	)
	if sendErr != nil {
		self.joinFailed(sendErr)
		return
	}

	select {
	case <-self.ctx.Done():
		return
	case err := <-joinC:
		if err != nil {
			self.joinFailed(err)
			return
		}
	case <-time.After(self.settings.JoinTimeout):
		self.joinFailed(ErrJoinTimeout)
		return
	}

	glog.V(2).Infof("[sync]joined %s seq=%d\n", self.projectId, self.Sequence())
	self.startSyncChecks()
	// catch up on anything missed while away, then drain queued broadcasts
	self.sendSyncCheck()
	self.flushOutbox()
}

func (self *StateSyncManager) joinFailed(err error) {
	self.stateLock.Lock()
	self.state = SessionStateDisconnected
	self.joinC = nil
	self.stateLock.Unlock()
	self.notifySession(SessionStateDisconnected)
	glog.Infof("[sync]join %s = %s\n", self.projectId, err)

	time.AfterFunc(self.settings.RejoinDelay, func() {
		select {
		case <-self.ctx.Done():
			return
		default:
		}
		if self.transport.IsConnected() {
			self.join()
		}
	})
}

func (self *StateSyncManager) handleProjectJoined(result *protocol.ProjectJoinedResult) {
	self.stateLock.Lock()
	if self.state != SessionStateConnecting || self.joinC == nil {
		self.stateLock.Unlock()
		return
	}
	if result.Session != nil {
		self.socketId = result.Session.SocketId
		self.sessionId = result.Session.Id
	}
	// a fresh session adopts the server sequence directly; state arrives by
	// handoff or load, not replay. A re-join keeps its high water mark so
	// the following sync check replays exactly the missed window.
	if self.sequence == 0 {
		self.sequence = result.SequenceNumber
	}
	self.state = SessionStateJoined
	joinC := self.joinC
	self.joinC = nil
	self.stateLock.Unlock()

	self.notifySession(SessionStateJoined)
	joinC <- nil
}

// a stale connection is not assumed to still be authenticated. Leaving
// joined stops the periodic sync; membership is re-established on the next
// connection event.
func (self *StateSyncManager) handleDisconnect() {
	self.stateLock.Lock()
	self.stopSyncChecksLocked()
	wasConnecting := self.state == SessionStateConnecting
	joinC := self.joinC
	self.joinC = nil
	self.state = SessionStateDisconnected
	self.socketId = ""
	self.sessionId = ""
	self.members = nil
	self.stateLock.Unlock()

	if wasConnecting && joinC != nil {
		joinC <- ErrNotConnected
	}
	self.notifySession(SessionStateDisconnected)
	self.notifyMembership()
}

// a server reported auth failure invalidates the whole session. Project and
// session state is cleared so stale sequence numbers are never reused
// across sessions, then a rejoin is scheduled.
func (self *StateSyncManager) forceRejoin() {
	self.stateLock.Lock()
	if self.state != SessionStateJoined {
		self.stateLock.Unlock()
		return
	}
	self.stopSyncChecksLocked()
	self.state = SessionStateDisconnected
	self.socketId = ""
	self.sessionId = ""
	self.members = nil
	self.sequence = 0
	self.applied = map[appliedKey]bool{}
	self.appliedOrder = nil
	self.stateLock.Unlock()

	self.notifySession(SessionStateDisconnected)
	glog.Infof("[sync]session lost, rejoining %s\n", self.projectId)

	time.AfterFunc(self.settings.RejoinDelay, func() {
		select {
		case <-self.ctx.Done():
			return
		default:
		}
		if self.transport.IsConnected() {
			self.join()
		}
	})
}

// periodic sync checks

func (self *StateSyncManager) startSyncChecks() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.syncCancel != nil {
		return
	}
	syncCtx, syncCancel := context.WithCancel(self.ctx)
	self.syncCancel = syncCancel
	go func() {
		for {
			select {
			case <-syncCtx.Done():
				return
			case <-time.After(self.settings.SyncCheckInterval):
				self.sendSyncCheck()
			}
		}
	}()
}

func (self *StateSyncManager) stopSyncChecksLocked() {
	if self.syncCancel != nil {
		self.syncCancel()
		self.syncCancel = nil
	}
}

// send {lastSequence}; the response replays the missed window. This
// recovers dropped real time messages without a full document resync.
func (self *StateSyncManager) sendSyncCheck() {
	self.stateLock.Lock()
	state := self.state
	lastSequence := self.sequence
	self.stateLock.Unlock()

	if state != SessionStateJoined {
		return
	}
	args := &protocol.SyncCheckArgs{
		Type:         protocol.MessageTypeSyncCheck,
		ProjectId:    self.projectId,
		LastSequence: lastSequence,
	}
	if err := self.transport.SendMessage(args); err != nil {
		glog.V(2).Infof("[sync]check = %s\n", err)
	}
}

// inbound

func (self *StateSyncManager) handleMessage(messageType string, message []byte) {
	switch messageType {
	case protocol.MessageTypeProjectJoined:
		var result protocol.ProjectJoinedResult
		if err := json.Unmarshal(message, &result); err != nil {
			glog.Infof("[sync]bad %s = %s\n", messageType, err)
			return
		}
		self.handleProjectJoined(&result)
	case protocol.MessageTypeError:
		var errorMessage protocol.ErrorMessage
		if err := json.Unmarshal(message, &errorMessage); err != nil {
			return
		}
		self.handleError(&errorMessage)
	case protocol.MessageTypeOperation:
		var op protocol.OperationMessage
		if err := json.Unmarshal(message, &op); err != nil {
			glog.Infof("[sync]bad %s = %s\n", messageType, err)
			return
		}
		self.handleOperation(&op)
	case protocol.MessageTypeSyncResponse:
		var result protocol.SyncCheckResult
		if err := json.Unmarshal(message, &result); err != nil {
			glog.Infof("[sync]bad %s = %s\n", messageType, err)
			return
		}
		self.handleSyncResponse(&result)
	case protocol.MessageTypeUserJoined, protocol.MessageTypeUserLeft, protocol.MessageTypeActiveUsers:
		var membership protocol.MembershipMessage
		if err := json.Unmarshal(message, &membership); err != nil {
			return
		}
		self.handleMembership(messageType, &membership)
	case protocol.MessageTypeRequestProjectState:
		var request protocol.RequestProjectStateMessage
		if err := json.Unmarshal(message, &request); err != nil {
			return
		}
		self.handleRequestProjectState(&request)
	case protocol.MessageTypeShareProjectState:
		var share protocol.ShareProjectStateMessage
		if err := json.Unmarshal(message, &share); err != nil {
			return
		}
		self.handleShareProjectState(&share)
	}
}

func isAuthError(errorMessage *protocol.ErrorMessage) bool {
	if errorMessage.Code == 401 || errorMessage.Code == 403 {
		return true
	}
	return strings.Contains(strings.ToLower(errorMessage.Message), "not authenticated")
}

func (self *StateSyncManager) handleError(errorMessage *protocol.ErrorMessage) {
	self.stateLock.Lock()
	state := self.state
	var joinC chan error
	if state == SessionStateConnecting {
		joinC = self.joinC
		self.joinC = nil
	}
	self.stateLock.Unlock()

	if joinC != nil {
		err := fmt.Errorf("%s: %w", errorMessage.Message, ErrNotAuthenticated)
		if !isAuthError(errorMessage) {
			err = fmt.Errorf("join rejected: %s", errorMessage.Message)
		}
		joinC <- err
		return
	}
	if isAuthError(errorMessage) {
		self.forceRejoin()
		return
	}
	glog.Infof("[sync]server error = %s\n", errorMessage.Message)
}

func (self *StateSyncManager) handleOperation(op *protocol.OperationMessage) {
	env := &op.Operation

	self.stateLock.Lock()
	// the server relays our own operation back with its assigned sequence.
	// do not apply it a second time; adopt the sequence and confirm any
	// pending local entities.
	if op.FromSocketId != "" && op.FromSocketId == self.socketId {
		self.markAppliedLocked(env.Sequence, env.Type)
		confirmer := self.confirmer
		self.stateLock.Unlock()
		glog.V(2).Infof("[sync]echo %s seq=%d\n", env.Type, env.Sequence)
		if confirmer != nil {
			confirmer.ConfirmOperation(env)
		}
		return
	}
	if self.isAppliedLocked(env.Sequence, env.Type) {
		self.stateLock.Unlock()
		glog.V(2).Infof("[sync]dup %s seq=%d\n", env.Type, env.Sequence)
		return
	}
	self.stateLock.Unlock()

	self.applyRemote(env.Type, env.Data)

	self.stateLock.Lock()
	self.markAppliedLocked(env.Sequence, env.Type)
	self.stateLock.Unlock()
}

// remote operations bypass undo capture and rebroadcast. A failed apply is
// a conflict with newer state (target vanished or changed); it is dropped
// with a warning, never blindly retried.
func (self *StateSyncManager) applyRemote(opType string, data json.RawMessage) {
	result := self.pipeline.Execute(opType, OriginRemote, data, ExecuteOptions{
		SkipHistory:   true,
		SkipBroadcast: true,
	})
	if !result.Success {
		glog.Infof("[sync]drop %s = %s\n", opType, result.Err)
	}
}

func (self *StateSyncManager) isAppliedLocked(sequence uint64, opType string) bool {
	if sequence == 0 {
		return false
	}
	return self.applied[appliedKey{sequence: sequence, opType: opType}]
}

func (self *StateSyncManager) markAppliedLocked(sequence uint64, opType string) {
	if self.sequence < sequence {
		self.sequence = sequence
	}
	if sequence == 0 {
		return
	}
	key := appliedKey{sequence: sequence, opType: opType}
	if self.applied[key] {
		return
	}
	self.applied[key] = true
	self.appliedOrder = append(self.appliedOrder, key)
	for self.settings.AppliedWindow < len(self.appliedOrder) {
		evict := self.appliedOrder[0]
		self.appliedOrder = self.appliedOrder[1:]
		delete(self.applied, evict)
	}
}

// replay missed operations in ascending sequence order through the same
// remote apply path, then adopt the server's current sequence
func (self *StateSyncManager) handleSyncResponse(result *protocol.SyncCheckResult) {
	ops := slices.Clone(result.Operations)
	slices.SortFunc(ops, func(a protocol.SyncOperation, b protocol.SyncOperation) int {
		if a.SequenceNumber < b.SequenceNumber {
			return -1
		} else if b.SequenceNumber < a.SequenceNumber {
			return 1
		}
		return 0
	})

	for i := range ops {
		op := &ops[i]
		self.stateLock.Lock()
		if self.isAppliedLocked(op.SequenceNumber, op.OperationType) {
			self.stateLock.Unlock()
			continue
		}
		self.stateLock.Unlock()

		self.applyRemote(op.OperationType, op.OperationData)

		self.stateLock.Lock()
		self.markAppliedLocked(op.SequenceNumber, op.OperationType)
		self.stateLock.Unlock()
	}

	self.stateLock.Lock()
	if self.sequence < result.CurrentSequence {
		self.sequence = result.CurrentSequence
	}
	self.stateLock.Unlock()
}

func (self *StateSyncManager) handleMembership(messageType string, membership *protocol.MembershipMessage) {
	self.stateLock.Lock()
	switch messageType {
	case protocol.MessageTypeActiveUsers:
		self.members = slices.Clone(membership.Users)
	case protocol.MessageTypeUserJoined:
		if membership.User != nil {
			present := slices.ContainsFunc(self.members, func(member protocol.MemberInfo) bool {
				return member.UserId == membership.User.UserId && member.TabId == membership.User.TabId
			})
			if !present {
				self.members = append(self.members, *membership.User)
			}
		}
	case protocol.MessageTypeUserLeft:
		if membership.User != nil {
			self.members = slices.DeleteFunc(self.members, func(member protocol.MemberInfo) bool {
				return member.UserId == membership.User.UserId && member.TabId == membership.User.TabId
			})
		}
	}
	self.stateLock.Unlock()
	self.notifyMembership()
}

// any existing peer can serve a full snapshot to a newly joined peer.
// bootstrap only, never steady state sync.
func (self *StateSyncManager) handleRequestProjectState(request *protocol.RequestProjectStateMessage) {
	if self.State() != SessionStateJoined {
		return
	}
	share := &protocol.ShareProjectStateMessage{
		Type:         protocol.MessageTypeShareProjectState,
		ForUser:      request.ForUser,
		ProjectState: self.pipeline.Document().Snapshot(),
	}
	if err := self.transport.SendMessage(share); err != nil {
		glog.Infof("[sync]share state = %s\n", err)
	}
}

func (self *StateSyncManager) handleShareProjectState(share *protocol.ShareProjectStateMessage) {
	if share.ForUser != self.identity.Username || share.ProjectState == nil {
		return
	}
	self.pipeline.Document().LoadSnapshot(share.ProjectState)
	glog.V(2).Infof("[sync]bootstrap %d nodes\n", len(share.ProjectState.Nodes))
}

// outbound

// Broadcaster. Queues when not joined or when the channel pushes back;
// queued operations drain on the next successful join.
func (self *StateSyncManager) BroadcastOperation(opType string, data json.RawMessage, timestamp int64) error {
	msg := &protocol.OperationMessage{
		Type:      protocol.MessageTypeOperation,
		ProjectId: self.projectId,
		Operation: protocol.OperationEnvelope{
			Type:      opType,
			Data:      data,
			Timestamp: timestamp,
		},
	}

	self.stateLock.Lock()
	joined := self.state == SessionStateJoined
	self.stateLock.Unlock()

	if !joined {
		self.enqueue(msg)
		return nil
	}
	if err := self.transport.SendMessage(msg); err != nil {
		self.enqueue(msg)
		return nil
	}
	return nil
}

func (self *StateSyncManager) enqueue(msg *protocol.OperationMessage) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.settings.OutboxLimit <= len(self.outbox) {
		glog.Infof("[sync]outbox full, dropping %s\n", msg.Operation.Type)
		return
	}
	self.outbox = append(self.outbox, msg)
}

func (self *StateSyncManager) flushOutbox() {
	self.stateLock.Lock()
	outbox := self.outbox
	self.outbox = nil
	self.stateLock.Unlock()

	for _, msg := range outbox {
		if err := self.transport.SendMessage(msg); err != nil {
			self.enqueue(msg)
		}
	}
}

func (self *StateSyncManager) OutboxLen() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.outbox)
}
