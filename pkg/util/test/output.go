// SPDX-License-Identifier: AGPL-3.0-only

package test

import (
	"bytes"
	"io"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// CapturedOutput holds what is written to stdout and stderr between CaptureOutput and Done.
type CapturedOutput struct {
	stdout, stderr   bytes.Buffer
	stdoutW, stderrW *os.File
	prevStdout       *os.File
	prevStderr       *os.File
	copying          sync.WaitGroup
}

// CaptureOutput replaces os.Stdout and os.Stderr with pipes until Done is called.
func CaptureOutput(t *testing.T) *CapturedOutput {
	stdoutR, stdoutW, err := os.Pipe()
	require.NoError(t, err)
	stderrR, stderrW, err := os.Pipe()
	require.NoError(t, err)

	co := &CapturedOutput{
		stdoutW:    stdoutW,
		stderrW:    stderrW,
		prevStdout: os.Stdout,
		prevStderr: os.Stderr,
	}
	os.Stdout = stdoutW
	os.Stderr = stderrW

	co.copying.Add(2)
	go co.copy(&co.stdout, stdoutR)
	go co.copy(&co.stderr, stderrR)
	return co
}

func (co *CapturedOutput) copy(dst *bytes.Buffer, src *os.File) {
	defer co.copying.Done()
	_, _ = io.Copy(dst, src)
	_ = src.Close()
}

// Done restores os.Stdout and os.Stderr and returns the captured output.
func (co *CapturedOutput) Done() (stdout, stderr string) {
	os.Stdout = co.prevStdout
	os.Stderr = co.prevStderr

	_ = co.stdoutW.Close()
	_ = co.stderrW.Close()
	co.copying.Wait()

	return co.stdout.String(), co.stderr.String()
}
