package workers

import (
	"context"
	"fmt"
)

// FuncTask adapts a function to the Task interface
type FuncTask struct {
	id string
	fn func(ctx context.Context) error
}

// NewFuncTask creates a task that runs fn
func NewFuncTask(id string, fn func(ctx context.Context) error) *FuncTask {
	return &FuncTask{id: id, fn: fn}
}

func (t *FuncTask) ID() string {
	return t.id
}

func (t *FuncTask) Execute(ctx context.Context) error {
	if t.fn == nil {
		return fmt.Errorf("task %s has no function", t.id)
	}
	return t.fn(ctx)
}
