// Package miner applies mining directives from the mmm-server to the local
// miner process and feeds the hash rates it prints into the device counters.
package miner

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidOperation marks a what_to_mine payload that cannot be run.
var ErrInvalidOperation = errors.New("invalid mining operation")

// Operation is the decoded what_to_mine directive.
type Operation struct {
	Miner     string   `json:"miner"`
	Command   string   `json:"command"`
	Arguments []string `json:"arguments"`
	Algorithm string   `json:"algorithm"`
	Pool      string   `json:"pool"`

	raw []byte
}

// DecodeOperation parses a what_to_mine payload. Unknown fields are ignored.
func DecodeOperation(raw json.RawMessage) (Operation, error) {
	var op Operation
	if err := json.Unmarshal(raw, &op); err != nil {
		return Operation{}, fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}
	if op.Executable() == "" {
		return Operation{}, fmt.Errorf("%w: no miner or command given", ErrInvalidOperation)
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return Operation{}, fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}
	op.raw = compact.Bytes()
	return op, nil
}

// Executable is the program to launch: Command, or Miner when no command is set.
func (op Operation) Executable() string {
	if op.Command != "" {
		return op.Command
	}
	return op.Miner
}

// Args expands {pool} and {algorithm} placeholders in the arguments.
func (op Operation) Args() []string {
	replacer := strings.NewReplacer("{pool}", op.Pool, "{algorithm}", op.Algorithm)
	args := make([]string, len(op.Arguments))
	for i, arg := range op.Arguments {
		args[i] = replacer.Replace(arg)
	}
	return args
}

// Same reports whether both operations came from identical payloads.
func (op Operation) Same(other Operation) bool {
	return bytes.Equal(op.raw, other.raw)
}

func (op Operation) String() string {
	name := op.Miner
	if name == "" {
		name = op.Command
	}
	if op.Algorithm == "" {
		return name
	}
	return name + " (" + op.Algorithm + ")"
}
