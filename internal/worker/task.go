package worker

import (
	"context"

	"github.com/forgepilot/forgepilot/internal/forge"
	"github.com/forgepilot/forgepilot/internal/task"
)

// Task is a descriptor rehydrated against the forge. Workers never trust the
// enqueued snapshot; the item is re-queried at pickup.
type Task struct {
	Descriptor task.Descriptor
	Item       forge.Item
	Forge      forge.Forge
}

// Key returns the task's identity.
func (t *Task) Key() task.Key {
	return t.Descriptor.Key
}

// HasLabel reports whether the rehydrated item carries the named label.
func (t *Task) HasLabel(name string) bool {
	for _, l := range t.Item.Labels {
		if l == name {
			return true
		}
	}
	return false
}

// Comment posts on the task's discussion thread. Satisfies the dialogue
// driver's Commenter.
func (t *Task) Comment(ctx context.Context, body string) error {
	return t.Forge.Comment(ctx, t.Descriptor.Key, body)
}
