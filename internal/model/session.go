package model

// ShellState is the lifecycle state of a shell session.
type ShellState string

const (
	ShellStateStarting ShellState = "starting"
	ShellStateRunning  ShellState = "running"
	ShellStateExited   ShellState = "exited"
)

// ShellStatus is a point-in-time view of a shell session, as reported by /health.
type ShellStatus struct {
	State    ShellState `json:"state"`
	PID      int        `json:"pid,omitempty"`
	Dir      string     `json:"dir"`
	Rows     uint16     `json:"rows"`
	Cols     uint16     `json:"cols"`
	ExitCode *int       `json:"exitCode,omitempty"`
}
