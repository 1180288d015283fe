package protocol

import (
	"encoding/json"
	"fmt"
)

// message types on the project channel
// client -> server
const (
	MessageTypeJoinProject         = "join_project"
	MessageTypeLeaveProject        = "leave_project"
	MessageTypeOperation           = "operation"
	MessageTypeSyncCheck           = "sync_check"
	MessageTypeShareProjectState   = "share_project_state"
	MessageTypeRequestProjectState = "request_project_state"
)

// server -> client
const (
	MessageTypeProjectJoined = "project_joined"
	MessageTypeSyncResponse  = "sync_response"
	MessageTypeUserJoined    = "user_joined"
	MessageTypeUserLeft      = "user_left"
	MessageTypeActiveUsers   = "active_users"
	MessageTypeError         = "error"
)

// every message carries a top level "type" discriminator.
// PeekType reads just the discriminator so the caller can unmarshal the
// concrete message struct.
func PeekType(message []byte) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(message, &head); err != nil {
		return "", err
	}
	if head.Type == "" {
		return "", fmt.Errorf("message missing type")
	}
	return head.Type, nil
}

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Size struct {
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// one accepted change to the shared canvas.
// Sequence is assigned by the server; 0 until acknowledged.
type OperationEnvelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
	Sequence  uint64          `json:"sequence"`
}

// client -> server broadcast. The server relays it to the other members of
// the project with the From* fields filled in.
type OperationMessage struct {
	Type      string            `json:"type"`
	ProjectId string            `json:"projectId"`
	Operation OperationEnvelope `json:"operation"`

	// attached by the server on relay
	FromUserId   string `json:"fromUserId,omitempty"`
	FromTabId    string `json:"fromTabId,omitempty"`
	FromSocketId string `json:"fromSocketId,omitempty"`
}

type JoinProjectArgs struct {
	Type        string `json:"type"`
	ProjectId   string `json:"projectId"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	TabId       string `json:"tabId"`
}

type LeaveProjectArgs struct {
	Type      string `json:"type"`
	ProjectId string `json:"projectId"`
}

type ProjectInfo struct {
	Id   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type SessionInfo struct {
	Id       string `json:"id"`
	UserId   string `json:"userId"`
	SocketId string `json:"socketId"`
}

type ProjectJoinedResult struct {
	Type           string       `json:"type"`
	Project        *ProjectInfo `json:"project"`
	Session        *SessionInfo `json:"session"`
	SequenceNumber uint64       `json:"sequenceNumber"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

type SyncCheckArgs struct {
	Type         string `json:"type"`
	ProjectId    string `json:"projectId"`
	LastSequence uint64 `json:"lastSequence"`
}

type SyncOperation struct {
	OperationType  string          `json:"operation_type"`
	OperationData  json.RawMessage `json:"operation_data"`
	SequenceNumber uint64          `json:"sequence_number"`
	UserId         string          `json:"user_id,omitempty"`
}

type SyncCheckResult struct {
	Type            string          `json:"type"`
	ProjectId       string          `json:"projectId,omitempty"`
	Operations      []SyncOperation `json:"operations"`
	CurrentSequence uint64          `json:"currentSequence"`
}

type MemberInfo struct {
	UserId      string `json:"userId"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	TabId       string `json:"tabId,omitempty"`
}

// user_joined / user_left / active_users
type MembershipMessage struct {
	Type  string       `json:"type"`
	User  *MemberInfo  `json:"user,omitempty"`
	Users []MemberInfo `json:"users,omitempty"`
}

type NodeFlags struct {
	PendingSync bool `json:"pendingSync,omitempty"`
	SyncFailed  bool `json:"syncFailed,omitempty"`
}

type StateNode struct {
	Id         string         `json:"id"`
	Type       string         `json:"type"`
	Pos        Position       `json:"pos"`
	Size       Size           `json:"size"`
	Properties map[string]any `json:"properties,omitempty"`
	Flags      NodeFlags      `json:"flags,omitempty"`
}

// full canvas snapshot used for new peer bootstrap and persistence.
// not part of steady state sync.
type ProjectState struct {
	Nodes     []StateNode `json:"nodes"`
	Timestamp int64       `json:"timestamp"`
}

// the server signals an existing peer to serve state to a newly joined peer
type RequestProjectStateMessage struct {
	Type    string `json:"type"`
	ForUser string `json:"forUser"`
}

type ShareProjectStateMessage struct {
	Type         string        `json:"type"`
	ForUser      string        `json:"forUser"`
	ProjectState *ProjectState `json:"projectState"`
}
