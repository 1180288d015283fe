package collab

import (
	"sync"

	"github.com/golang/glog"
)

// the pipeline implements this. The manager owns the stack position and
// calls back into the pipeline to run the command itself.
type historyOps interface {
	undoCommand(command Command) error
	redoCommand(command Command) error
}

type HistorySettings struct {
	// retained history window. Oldest entries fall off
	MaxEntries int
}

func DefaultHistorySettings() *HistorySettings {
	return &HistorySettings{
		MaxEntries: 256,
	}
}

type UndoResult struct {
	CanUndo bool
	Command Command
	Err     error
}

type RedoResult struct {
	CanRedo bool
	Command Command
	Err     error
}

// per user linear history of locally originated commands.
// remote commands never enter this stack; a user can only undo their own
// work. historyIndex points at the current position, entries after it are
// redo candidates.
type UndoManager struct {
	settings *HistorySettings

	stateLock sync.Mutex

	ops historyOps

	history      []Command
	historyIndex int
}

func NewUndoManagerWithDefaults() *UndoManager {
	return NewUndoManager(DefaultHistorySettings())
}

func NewUndoManager(settings *HistorySettings) *UndoManager {
	return &UndoManager{
		settings:     settings,
		history:      []Command{},
		historyIndex: -1,
	}
}

func (self *UndoManager) setOps(ops historyOps) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.ops = ops
}

// Push adds a locally originated, successfully executed command.
// Entries beyond the current position are discarded, so the stack never
// represents two divergent futures. A command that can merge with the
// current entry collapses into it instead of adding a new undo step.
func (self *UndoManager) Push(command Command) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if command.Origin() != OriginLocal || !command.Executed() || !command.HasUndoData() {
		glog.V(2).Infof("[history]drop %s %s\n", command.Type(), command.Id())
		return false
	}

	self.history = self.history[:self.historyIndex+1]

	if 0 <= self.historyIndex {
		current := self.history[self.historyIndex]
		if current.CanMergeWith(command) {
			if err := current.MergeWith(command); err == nil {
				return true
			}
		}
	}

	self.history = append(self.history, command)
	self.historyIndex += 1

	if self.settings.MaxEntries < len(self.history) {
		self.history = self.history[1:]
		self.historyIndex -= 1
	}
	return true
}

func (self *UndoManager) Undo() UndoResult {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.historyIndex < 0 {
		return UndoResult{CanUndo: false}
	}
	command := self.history[self.historyIndex]
	err := self.ops.undoCommand(command)
	// move past the entry even on failure. A stale entry whose node was
	// deleted remotely would otherwise wedge the stack
	self.historyIndex -= 1
	if err != nil {
		glog.Infof("[history]undo %s %s = %s\n", command.Type(), command.Id(), err)
	}
	return UndoResult{
		CanUndo: true,
		Command: command,
		Err:     err,
	}
}

func (self *UndoManager) Redo() RedoResult {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.history)-1 <= self.historyIndex {
		return RedoResult{CanRedo: false}
	}
	self.historyIndex += 1
	command := self.history[self.historyIndex]
	err := self.ops.redoCommand(command)
	if err != nil {
		glog.Infof("[history]redo %s %s = %s\n", command.Type(), command.Id(), err)
	}
	return RedoResult{
		CanRedo: true,
		Command: command,
		Err:     err,
	}
}

func (self *UndoManager) CanUndo() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return 0 <= self.historyIndex
}

func (self *UndoManager) CanRedo() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.historyIndex < len(self.history)-1
}

func (self *UndoManager) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.history)
}

func (self *UndoManager) Index() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.historyIndex
}

func (self *UndoManager) Clear() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.history = []Command{}
	self.historyIndex = -1
}
