package service

import (
	"encoding/json"
	"fmt"
	"os"
)

// StatusTransitioner resolves the status an order moves to when event is
// applied to its current status.
type StatusTransitioner interface {
	Transition(status, event string) (string, bool)
}

// TransitionTable maps status -> event -> next status. The rules belong to the
// order owner; the service only loads and applies them.
type TransitionTable map[string]map[string]string

func (t TransitionTable) Transition(status, event string) (string, bool) {
	next, ok := t[status][event]
	return next, ok
}

// LoadTransitionTable reads a JSON table from path. An empty path yields an
// empty table that rejects every event.
func LoadTransitionTable(path string) (TransitionTable, error) {
	if path == "" {
		return TransitionTable{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read transitions: %w", err)
	}
	var t TransitionTable
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode transitions: %w", err)
	}
	return t, nil
}
