package taskdb

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUpdateCommandUndo(t *testing.T) {
	is := assert.New(t)

	m := map[string]int{"a": 1}

	t.Run("undo restores the previous value", func(t *testing.T) {
		cmd := NewUpdateCommand(m, "a", 2)
		is.NoError(cmd.Do())
		is.Equal(2, m["a"])
		is.NoError(cmd.Undo())
		is.Equal(1, m["a"])
	})

	t.Run("undo of a fresh key removes it", func(t *testing.T) {
		cmd := NewUpdateCommand(m, "b", 7)
		is.NoError(cmd.Do())
		is.Equal(7, m["b"])
		is.NoError(cmd.Undo())
		_, ok := m["b"]
		is.False(ok)
	})
}

func TestDeleteCommandUndo(t *testing.T) {
	is := assert.New(t)

	m := map[string]int{"a": 1}

	t.Run("undo restores the deleted entry", func(t *testing.T) {
		cmd := NewDeleteCommand(m, "a")
		is.NoError(cmd.Do())
		_, ok := m["a"]
		is.False(ok)
		is.NoError(cmd.Undo())
		is.Equal(1, m["a"])
	})

	t.Run("deleting a missing key stays a no-op either way", func(t *testing.T) {
		cmd := NewDeleteCommand(m, "b")
		is.NoError(cmd.Do())
		is.NoError(cmd.Undo())
		_, ok := m["b"]
		is.False(ok)
	})
}

func TestExecuteCommandsRollsBackOnSaveFailure(t *testing.T) {
	is := assert.New(t)

	m := map[string]int{"a": 1}

	err := ExecuteCommands(func() error { return fmt.Errorf("disk full") },
		NewUpdateCommand(m, "a", 2),
		NewUpdateCommand(m, "b", 3),
	)
	is.Error(err)

	// a failed backup write leaves the maps untouched
	is.Equal(1, m["a"])
	_, ok := m["b"]
	is.False(ok)
}

func TestExecuteCommandsSavesOnce(t *testing.T) {
	is := assert.New(t)

	m := map[string]int{}
	saves := 0

	err := ExecuteCommands(func() error { saves++; return nil },
		NewUpdateCommand(m, "a", 1),
		NewDeleteCommand(m, "a"),
	)
	is.NoError(err)
	is.Equal(1, saves)
	_, ok := m["a"]
	is.False(ok)
}
