package command

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	errTypes "github.com/jbod-tools/drivetest/pkg/base/error"
)

type cmdAndResult struct {
	cmd    interface{}
	strOut string
	strErr string
	err    error
}

func TestExecutorFromStrWithoutError(t *testing.T) {
	// here we run some real shell command that wouldn't work on windows os
	if runtime.GOOS == "windows" {
		return
	}

	var cmdPass = []cmdAndResult{
		{"echo", "\n", "", nil},
		{"echo 123", "123\n", "", nil},
		{"echo 123 asd", "123 asd\n", "", nil},
		{exec.Command("true"), "", "", nil},
	}

	e := Executor{}
	e.SetLogger(logrus.New())

	for _, test := range cmdPass {
		strOut, strErr, err := e.RunCmd(test.cmd)
		assert.Nil(t, err, fmt.Sprintf("Unexpected error for cmd: \"%s\". Got error: %v", test.cmd, err))
		assert.Equal(t, test.strOut, strOut, fmt.Sprintf("Unexpected stdout for cmd \"%s\".", test.cmd))
		assert.Equal(t, test.strErr, strErr, fmt.Sprintf("Unexpected stderr for cmd \"%s\"", test.cmd))
	}
}

func TestExecutorFromStrAndExpectError(t *testing.T) {
	// here we run some real shell command that wouldn't work on windows os
	if runtime.GOOS == "windows" {
		return
	}

	var cmdErr = []cmdAndResult{
		{"false", "", "", errors.New("exit status 1")},
		{2, "", "", errors.New("could not interpret command from 2")},
	}

	e := Executor{}
	e.SetLogger(logrus.New())

	for _, test := range cmdErr {
		strOut, strErr, err := e.RunCmd(test.cmd)
		assert.Equal(t, test.strOut, strOut, fmt.Sprintf("Unexpected stdout for cmd \"%s\".", test.cmd))
		assert.Equal(t, test.strErr, strErr, fmt.Sprintf("Unexpected stderr for cmd \"%s\"", test.cmd))
		assert.Contains(t, err.Error(), test.err.Error())
	}
}

func TestExecutorMissingBinary(t *testing.T) {
	if runtime.GOOS == "windows" {
		return
	}

	e := Executor{}
	e.SetLogger(logrus.New())

	// a tool that is not installed must be distinguishable from one that ran and failed
	_, _, err := e.RunCmd("no-such-binary-here --version")
	assert.NotNil(t, err)
	assert.True(t, errors.Is(err, errTypes.ErrorToolUnavailable))
	assert.False(t, errors.Is(err, errTypes.ErrorToolFailure))

	err = e.RunStreamCmd(context.Background(), "no-such-binary-here -sv /dev/null", func(string) {})
	assert.NotNil(t, err)
	assert.True(t, errors.Is(err, errTypes.ErrorToolUnavailable))
}

func TestExecutorWithTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		return
	}

	e := Executor{}
	e.SetLogger(logrus.New())

	_, _, err := e.RunCmd("sleep 5", WithTimeout(50*time.Millisecond))
	assert.NotNil(t, err)
	assert.True(t, errors.Is(err, errTypes.ErrorTimeout))
}

func TestExecutorRunStreamCmd(t *testing.T) {
	if runtime.GOOS == "windows" {
		return
	}

	e := Executor{}
	e.SetLogger(logrus.New())

	lines := make([]string, 0)
	err := e.RunStreamCmd(context.Background(), "printf first\\nsecond\\n", func(line string) {
		lines = append(lines, line)
	})
	assert.Nil(t, err)
	assert.Equal(t, []string{"first", "second"}, lines)

	err = e.RunStreamCmd(context.Background(), "false", func(string) {})
	assert.NotNil(t, err)
}
