package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/template"

	"github.com/runsync/runsync/internal/transport"
)

var errNoCommand = errors.New("processing command is empty")

// Scheduler is a batch queue.
type Scheduler interface {
	// QueueLength returns the number of jobs currently queued or running.
	QueueLength(ctx context.Context) (int, error)

	// Queued reports whether a job with this name is queued or running.
	Queued(ctx context.Context, name string) (bool, error)

	// Submit enqueues job.
	Submit(ctx context.Context, job Job) error
}

const defaultScript = `#!/bin/bash
#SBATCH --job-name={{.Name}}
#SBATCH --ntasks=1
#SBATCH --cpus-per-task={{.NCPUs}}
#SBATCH --output={{.LogDir}}/{{.Name}}_%j.log
set -e
mkdir -p {{.LogDir}}
{{.Command}}
`

// Slurm submits jobs with sbatch and inspects the queue with squeue.
type Slurm struct {
	runner transport.CommandRunner
	script *template.Template

	// ScriptDir holds rendered scripts until sbatch has read them.
	ScriptDir string
}

// NewSlurm creates a scheduler. An empty templatePath uses the built-in
// batch script.
func NewSlurm(runner transport.CommandRunner, templatePath string) (*Slurm, error) {
	if runner == nil {
		runner = transport.ExecRunner{}
	}
	var (
		tmpl *template.Template
		err  error
	)
	if templatePath == "" {
		tmpl, err = template.New("batch").Parse(defaultScript)
	} else {
		tmpl, err = template.ParseFiles(templatePath)
	}
	if err != nil {
		return nil, fmt.Errorf("batch script template: %w", err)
	}
	return &Slurm{runner: runner, script: tmpl}, nil
}

func (s *Slurm) queue(ctx context.Context) ([]string, error) {
	out, err := s.runner.Run(ctx, "squeue", "--me", "--noheader", "--format=%j")
	if err != nil {
		return nil, fmt.Errorf("squeue: %w", err)
	}
	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// QueueLength implements Scheduler.
func (s *Slurm) QueueLength(ctx context.Context) (int, error) {
	names, err := s.queue(ctx)
	return len(names), err
}

// Queued implements Scheduler.
func (s *Slurm) Queued(ctx context.Context, name string) (bool, error) {
	names, err := s.queue(ctx)
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}

// Render writes the batch script of job.
func (s *Slurm) Render(job Job) ([]byte, error) {
	var buf bytes.Buffer
	if err := s.script.Execute(&buf, job); err != nil {
		return nil, fmt.Errorf("render batch script: %w", err)
	}
	return buf.Bytes(), nil
}

// Submit implements Scheduler.
func (s *Slurm) Submit(ctx context.Context, job Job) error {
	if len(job.Argv) == 0 {
		return errNoCommand
	}
	script, err := s.Render(job)
	if err != nil {
		return err
	}

	f, err := os.CreateTemp(s.ScriptDir, "runsync-"+job.Name+"-*.sh")
	if err != nil {
		return fmt.Errorf("write batch script: %w", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(script); err != nil {
		f.Close()
		return fmt.Errorf("write batch script: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("write batch script: %w", err)
	}

	if _, err := s.runner.Run(ctx, "sbatch", f.Name()); err != nil {
		return fmt.Errorf("sbatch %s: %w", job.Name, err)
	}
	return nil
}
