package taskdb

import (
	"fmt"

	"github.com/range-sharding/chunkmover/pkg/movlog"
)

// Commands mutate the in-memory maps and know how to undo themselves, so a
// failed backup write leaves the store exactly as it was.

type Command interface {
	Do() error
	Undo() error
}

func NewUpdateCommand[T any](m map[string]T, key string, value T) *UpdateCommand[T] {
	return &UpdateCommand[T]{m: m, key: key, value: value}
}

type UpdateCommand[T any] struct {
	m         map[string]T
	key       string
	value     T
	prevValue T
	present   bool
}

func (c *UpdateCommand[T]) Do() error {
	c.prevValue, c.present = c.m[c.key]
	c.m[c.key] = c.value
	return nil
}

func (c *UpdateCommand[T]) Undo() error {
	if !c.present {
		delete(c.m, c.key)
	} else {
		c.m[c.key] = c.prevValue
	}
	return nil
}

func NewDeleteCommand[T any](m map[string]T, key string) *DeleteCommand[T] {
	return &DeleteCommand[T]{m: m, key: key}
}

type DeleteCommand[T any] struct {
	m       map[string]T
	key     string
	value   T
	present bool
}

func (c *DeleteCommand[T]) Do() error {
	c.value, c.present = c.m[c.key]
	delete(c.m, c.key)
	return nil
}

func (c *DeleteCommand[T]) Undo() error {
	if !c.present {
		delete(c.m, c.key)
	} else {
		c.m[c.key] = c.value
	}
	return nil
}

func doCommands(commands ...Command) (int, error) {
	for i, c := range commands {
		if err := c.Do(); err != nil {
			return i, err
		}
	}
	return len(commands), nil
}

func undoCommands(commands ...Command) error {
	movlog.Zero.Info().Msg("memtaskdb: undo commands")
	for _, c := range commands {
		if err := c.Undo(); err != nil {
			return err
		}
	}
	return nil
}

func ExecuteCommands(saver func() error, commands ...Command) error {
	completed, err := doCommands(commands...)
	if err == nil {
		err = saver()
	}
	if err != nil {
		if undoErr := undoCommands(commands[:completed]...); undoErr != nil {
			return fmt.Errorf("failed to undo command %s while: %s", undoErr.Error(), err.Error())
		}
		return err
	}
	return nil
}
