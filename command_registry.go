package collab

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/exp/maps"
)

type CommandConstructor func(origin CommandOrigin, data json.RawMessage) (Command, error)

// maps a wire operation type to a command constructor so commands can be
// rebuilt from serialized envelopes
type CommandRegistry struct {
	stateLock sync.Mutex

	constructors map[string]CommandConstructor
}

// a registry with the full closed variant set registered
func NewCommandRegistry() *CommandRegistry {
	registry := &CommandRegistry{
		constructors: map[string]CommandConstructor{},
	}
	registry.Register(CommandTypeNodeCreate, newCreateNodeCommandFromWire)
	registry.Register(CommandTypeNodeDelete, newDeleteNodeCommandFromWire)
	registry.Register(CommandTypeNodeMove, newMoveNodeCommandFromWire)
	registry.Register(CommandTypeNodeResize, newResizeNodeCommandFromWire)
	registry.Register(CommandTypeNodeUpdate, newUpdateNodeCommandFromWire)
	registry.Register(CommandTypeNodeMediaToggle, newMediaToggleCommandFromWire)
	return registry
}

func (self *CommandRegistry) Register(commandType string, constructor CommandConstructor) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.constructors[commandType] = constructor
}

func (self *CommandRegistry) New(commandType string, origin CommandOrigin, data json.RawMessage) (Command, error) {
	self.stateLock.Lock()
	constructor, ok := self.constructors[commandType]
	self.stateLock.Unlock()

	if !ok {
		return nil, fmt.Errorf("unknown command type %q", commandType)
	}
	command, err := constructor(origin, data)
	if err != nil {
		return nil, fmt.Errorf("bad %s params: %w", commandType, err)
	}
	return command, nil
}

func (self *CommandRegistry) Has(commandType string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	_, ok := self.constructors[commandType]
	return ok
}

func (self *CommandRegistry) Types() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	types := maps.Keys(self.constructors)
	slices.Sort(types)
	return types
}
