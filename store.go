package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/redis/go-redis/v9"

	"canvaspad.com/collab/protocol"
)

// durable canvas store. Saves are fire and forget after every successful
// local operation; the store is a collaborator, not part of the consistency
// protocol. A load can be served from the snapshot or by replaying the
// operation history; either fully reconstructs document state.
type CanvasStore interface {
	Save(ctx context.Context, canvasId string, state *protocol.ProjectState) error
	Load(ctx context.Context, canvasId string) (*protocol.ProjectState, error)
	AppendOperation(ctx context.Context, canvasId string, op *protocol.OperationEnvelope) error
	Operations(ctx context.Context, canvasId string, afterSequence uint64) ([]protocol.OperationEnvelope, error)
}

type RedisStoreSettings struct {
	KeyPrefix string
	// bound on the retained operation history per canvas
	OpHistoryLimit int64
}

func DefaultRedisStoreSettings() *RedisStoreSettings {
	return &RedisStoreSettings{
		KeyPrefix:      "canvas",
		OpHistoryLimit: 4096,
	}
}

type RedisCanvasStore struct {
	client   *redis.Client
	settings *RedisStoreSettings
}

func NewRedisCanvasStoreWithDefaults(client *redis.Client) *RedisCanvasStore {
	return NewRedisCanvasStore(client, DefaultRedisStoreSettings())
}

func NewRedisCanvasStore(client *redis.Client, settings *RedisStoreSettings) *RedisCanvasStore {
	return &RedisCanvasStore{
		client:   client,
		settings: settings,
	}
}

func (self *RedisCanvasStore) snapshotKey(canvasId string) string {
	return fmt.Sprintf("%s:%s", self.settings.KeyPrefix, canvasId)
}

func (self *RedisCanvasStore) opsKey(canvasId string) string {
	return fmt.Sprintf("%s:%s:ops", self.settings.KeyPrefix, canvasId)
}

func (self *RedisCanvasStore) Save(ctx context.Context, canvasId string, state *protocol.ProjectState) error {
	stateJson, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return self.client.Set(ctx, self.snapshotKey(canvasId), stateJson, 0).Err()
}

func (self *RedisCanvasStore) Load(ctx context.Context, canvasId string) (*protocol.ProjectState, error) {
	stateJson, err := self.client.Get(ctx, self.snapshotKey(canvasId)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("canvas %s: %w", canvasId, ErrNotFound)
		}
		return nil, err
	}
	var state protocol.ProjectState
	if err := json.Unmarshal(stateJson, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (self *RedisCanvasStore) AppendOperation(ctx context.Context, canvasId string, op *protocol.OperationEnvelope) error {
	opJson, err := json.Marshal(op)
	if err != nil {
		return err
	}
	pipe := self.client.TxPipeline()
	pipe.RPush(ctx, self.opsKey(canvasId), opJson)
	pipe.LTrim(ctx, self.opsKey(canvasId), -self.settings.OpHistoryLimit, -1)
	_, err = pipe.Exec(ctx)
	return err
}

func (self *RedisCanvasStore) Operations(ctx context.Context, canvasId string, afterSequence uint64) ([]protocol.OperationEnvelope, error) {
	opJsons, err := self.client.LRange(ctx, self.opsKey(canvasId), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	ops := []protocol.OperationEnvelope{}
	for _, opJson := range opJsons {
		var op protocol.OperationEnvelope
		if err := json.Unmarshal([]byte(opJson), &op); err != nil {
			return nil, err
		}
		if afterSequence < op.Sequence {
			ops = append(ops, op)
		}
	}
	return ops, nil
}

// in memory store for tests and offline single user mode
type MemoryCanvasStore struct {
	stateLock sync.Mutex

	states map[string]*protocol.ProjectState
	ops    map[string][]protocol.OperationEnvelope
}

func NewMemoryCanvasStore() *MemoryCanvasStore {
	return &MemoryCanvasStore{
		states: map[string]*protocol.ProjectState{},
		ops:    map[string][]protocol.OperationEnvelope{},
	}
}

func (self *MemoryCanvasStore) Save(ctx context.Context, canvasId string, state *protocol.ProjectState) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.states[canvasId] = state
	return nil
}

func (self *MemoryCanvasStore) Load(ctx context.Context, canvasId string) (*protocol.ProjectState, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	state, ok := self.states[canvasId]
	if !ok {
		return nil, fmt.Errorf("canvas %s: %w", canvasId, ErrNotFound)
	}
	return state, nil
}

func (self *MemoryCanvasStore) AppendOperation(ctx context.Context, canvasId string, op *protocol.OperationEnvelope) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.ops[canvasId] = append(self.ops[canvasId], *op)
	return nil
}

func (self *MemoryCanvasStore) Operations(ctx context.Context, canvasId string, afterSequence uint64) ([]protocol.OperationEnvelope, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	ops := []protocol.OperationEnvelope{}
	for _, op := range self.ops[canvasId] {
		if afterSequence < op.Sequence {
			ops = append(ops, op)
		}
	}
	return slices.Clone(ops), nil
}
