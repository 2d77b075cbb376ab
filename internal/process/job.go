// Package process turns raw data into processed data, either by submitting
// batch jobs to a scheduler or by running the pipeline in place.
package process

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/runsync/runsync/internal/transport"
)

// Job is one processing request.
type Job struct {
	// Name identifies the job in the scheduler queue.
	Name    string
	Run     string
	Number  int
	Input   string
	Output  string
	Version string
	NCPUs   int
	Profile string

	// Argv is the expanded pipeline command.
	Argv []string
}

// LogDir is where batch output of the job is written.
func (j Job) LogDir() string {
	return filepath.Dir(j.Output)
}

// Command is Argv quoted for a shell script.
func (j Job) Command() string {
	quoted := make([]string, len(j.Argv))
	for i, a := range j.Argv {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}

// expandCommand substitutes the job's fields into a command template with
// {input} {output} {profile} {ncpus} placeholders.
func expandCommand(template string, j Job) []string {
	r := strings.NewReplacer(
		"{input}", j.Input,
		"{output}", j.Output,
		"{profile}", j.Profile,
		"{ncpus}", strconv.Itoa(j.NCPUs),
	)
	fields := strings.Fields(template)
	argv := make([]string, len(fields))
	for i, f := range fields {
		argv[i] = r.Replace(f)
	}
	return argv
}

func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r == '/' || r == '.' || r == '-' || r == '_' || r == '=' || r == ':' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Pipeline runs a job to completion in the foreground.
type Pipeline interface {
	Process(ctx context.Context, job Job) error
}

// CommandPipeline runs the job's argv as a local process.
type CommandPipeline struct {
	runner transport.CommandRunner
}

// NewCommandPipeline creates a pipeline running through runner.
func NewCommandPipeline(runner transport.CommandRunner) *CommandPipeline {
	if runner == nil {
		runner = transport.ExecRunner{}
	}
	return &CommandPipeline{runner: runner}
}

// Process implements Pipeline.
func (p *CommandPipeline) Process(ctx context.Context, job Job) error {
	if len(job.Argv) == 0 {
		return errNoCommand
	}
	_, err := p.runner.Run(ctx, job.Argv[0], job.Argv[1:]...)
	return err
}
