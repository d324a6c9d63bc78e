package tools

import (
	"encoding/json"
	"fmt"
)

// ShellOutput is the structured record shell-like tools return. Field
// order is fixed so the serialized form is stable across runs.
type ShellOutput struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ReturnCode int    `json:"returncode"`
}

// Encode serializes the output as a stable JSON object.
func (s ShellOutput) Encode() string {
	b, err := json.Marshal(s)
	if err != nil {
		// Marshal of a flat struct cannot fail.
		return fmt.Sprintf(`{"stdout":%q,"stderr":%q,"returncode":%d}`, s.Stdout, s.Stderr, s.ReturnCode)
	}
	return string(b)
}

// ExitError reports a non-zero shell exit. Handlers return it so the
// dispatcher can surface the structured record and the return code.
type ExitError struct {
	Output ShellOutput
}

// NewExitError builds an ExitError from captured process output.
func NewExitError(stdout, stderr string, returnCode int) *ExitError {
	return &ExitError{Output: ShellOutput{Stdout: stdout, Stderr: stderr, ReturnCode: returnCode}}
}

// ReturnCode returns the process exit status.
func (e *ExitError) ReturnCode() int { return e.Output.ReturnCode }

// Structured returns the stable JSON record for the transcript.
func (e *ExitError) Structured() string { return e.Output.Encode() }

func (e *ExitError) Error() string {
	return fmt.Sprintf("command exited with code %d", e.Output.ReturnCode)
}
