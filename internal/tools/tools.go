// Package tools runs the external collaborators of the calibration pipeline.
// Every invocation blocks until the child process exits; the pipeline has no
// timeout policy, a hung collaborator blocks the whole run.
package tools

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"

	"kdump-calibrate/internal/logging"

	"github.com/sirupsen/logrus"
)

// Tool describes one external collaborator invocation.
type Tool struct {
	Path string
	Args []string
	// Env entries are appended to the parent environment.
	Env []string
	Dir string
}

// Run executes the tool with its stdout redirected to stderr, so collaborator
// chatter never mixes into the pipeline's own report stream.
func (t *Tool) Run() error {
	cmd := t.command()
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	logInvocation(t)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w", t.Path, err)
	}
	return nil
}

// RunWithInput executes the tool feeding input on its standard input.
func (t *Tool) RunWithInput(input []byte) error {
	cmd := t.command()
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	logInvocation(t)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w", t.Path, err)
	}
	return nil
}

// Output executes the tool and captures its standard output.
func (t *Tool) Output() ([]byte, error) {
	cmd := t.command()
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = os.Stderr

	logInvocation(t)
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %w", t.Path, err)
	}
	return stdout.Bytes(), nil
}

// FilterFile executes the tool with the named file on its standard input and
// captures its standard output. This is the calling convention of the two
// log parsers.
func (t *Tool) FilterFile(path string) ([]byte, error) {
	in, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%s: open input: %w", t.Path, err)
	}
	defer in.Close()

	cmd := t.command()
	cmd.Stdin = in
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = os.Stderr

	logInvocation(t)
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %w", t.Path, err)
	}
	return stdout.Bytes(), nil
}

func (t *Tool) command() *exec.Cmd {
	cmd := exec.Command(t.Path, t.Args...)
	cmd.Dir = t.Dir
	if len(t.Env) > 0 {
		cmd.Env = append(os.Environ(), t.Env...)
	}
	return cmd
}

func logInvocation(t *Tool) {
	logging.GetLogger().WithFields(logrus.Fields{
		"tool": t.Path,
		"args": t.Args,
	}).Debug("Invoking external tool")
}
