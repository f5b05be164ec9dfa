package models

// ProbeResult holds the result of one remote SSH probe.
type ProbeResult struct {
	CommandRun bool
	Output     string
	ExitCode   int
	Error      error
}
