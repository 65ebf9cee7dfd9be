package esb

import (
	"errors"
	"fmt"
	"strings"
)

// Action is the state change an event describes.
type Action int

const (
	ActionCreated Action = iota + 1
	ActionUpdated
	ActionDeleted
)

var ErrUnknownAction = errors.New("esb: unknown event action")

func (a Action) String() string {
	switch a {
	case ActionCreated:
		return "created"
	case ActionUpdated:
		return "updated"
	case ActionDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// ParseAction reads the action from an event type of the form "<aggregate>.<action>".
func ParseAction(eventType string) (Action, error) {
	idx := strings.LastIndexByte(eventType, '.')
	if idx < 0 || idx == len(eventType)-1 {
		return 0, fmt.Errorf("%w: %q", ErrUnknownAction, eventType)
	}
	switch eventType[idx+1:] {
	case "created":
		return ActionCreated, nil
	case "updated":
		return ActionUpdated, nil
	case "deleted":
		return ActionDeleted, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownAction, eventType)
	}
}

// EventType builds "<aggregate>.<action>".
func EventType(aggregateType string, action Action) string {
	return aggregateType + "." + action.String()
}

// Operation is the table-level change captured by an OutboxConfig.
type Operation int

const (
	OperationInsert Operation = iota + 1
	OperationUpdate
	OperationDelete
)

// Action maps a captured table operation to the event action it produces.
func (op Operation) Action() Action {
	switch op {
	case OperationInsert:
		return ActionCreated
	case OperationUpdate:
		return ActionUpdated
	case OperationDelete:
		return ActionDeleted
	default:
		return 0
	}
}
