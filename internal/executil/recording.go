package executil

import (
	"context"
	"strings"
	"sync"
)

// RecordedCommand captures a command that was executed.
type RecordedCommand struct {
	Dir  string
	Cmd  string
	Args []string
}

// String renders the command line.
func (c RecordedCommand) String() string {
	return strings.TrimSpace(c.Cmd + " " + strings.Join(c.Args, " "))
}

// RecordingExecutor captures commands for testing.
// Configure Outputs and Errors maps to control return values.
type RecordingExecutor struct {
	mu       sync.Mutex
	Commands []RecordedCommand

	// Outputs maps a command to its output. The key is the command name
	// plus its first argument ("git status"), falling back to the name alone.
	Outputs map[string][]byte

	// Errors maps a command to its error, keyed like Outputs.
	Errors map[string]error

	// Respond, when set, overrides Outputs and Errors.
	Respond func(cmd RecordedCommand) ([]byte, error)
}

// Run records the command and returns configured output/error.
func (e *RecordingExecutor) Run(ctx context.Context, cmd string, args ...string) ([]byte, error) {
	return e.record("", cmd, args...)
}

// RunDir records the command with directory and returns configured output/error.
func (e *RecordingExecutor) RunDir(ctx context.Context, dir, cmd string, args ...string) ([]byte, error) {
	return e.record(dir, cmd, args...)
}

func (e *RecordingExecutor) record(dir, cmd string, args ...string) ([]byte, error) {
	e.mu.Lock()
	rc := RecordedCommand{Dir: dir, Cmd: cmd, Args: args}
	e.Commands = append(e.Commands, rc)
	respond := e.Respond
	e.mu.Unlock()

	if respond != nil {
		return respond(rc)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	key := cmd
	if len(args) > 0 {
		key = cmd + " " + args[0]
	}
	out, ok := e.Outputs[key]
	if !ok {
		out = e.Outputs[cmd]
	}
	err, ok := e.Errors[key]
	if !ok {
		err = e.Errors[cmd]
	}
	return out, err
}

// Lines returns the recorded command lines.
func (e *RecordingExecutor) Lines() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.Commands))
	for i, c := range e.Commands {
		out[i] = c.String()
	}
	return out
}

// Reset clears recorded commands.
func (e *RecordingExecutor) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Commands = nil
}
