package mocks

import (
	"context"
	"errors"
	"fmt"

	"github.com/stretchr/testify/mock"

	"github.com/sirupsen/logrus"

	"github.com/jbod-tools/drivetest/pkg/base/command"
)

// LoggerSetter is the struct to fully implement CmdExecutor interface without duplicate code of SetLogger
type LoggerSetter struct {
	log *logrus.Entry
}

// SetLogger sets logger to a MockExecutor
// Receives logrus logger
func (l LoggerSetter) SetLogger(logger *logrus.Logger) {
	l.log = logger.WithField("component", "MockExecutor")
}

// SetLevel sets logrus Level, no-op for mocks
func (l LoggerSetter) SetLevel(level logrus.Level) {}

// EmptyExecutorSuccess implements CmdExecutor interface for test purposes, each command will finish success
type EmptyExecutorSuccess struct {
	LoggerSetter
}

// RunCmd simulates successful execution of a command
// Returns "" as stdout, "" as stderr and nil as error
func (e EmptyExecutorSuccess) RunCmd(interface{}, ...command.Options) (string, string, error) {
	return "", "", nil
}

// RunStreamCmd simulates successful execution of a streaming command without output
func (e EmptyExecutorSuccess) RunStreamCmd(context.Context, string, func(string)) error {
	return nil
}

// EmptyExecutorFail implements CmdExecutor interface for test purposes, each command will finish with error
type EmptyExecutorFail struct {
	LoggerSetter
}

// RunCmd simulates failed execution of a command
// Returns "error happened" as stdout, "error" as stderr and errors.New("error") as error
func (e EmptyExecutorFail) RunCmd(interface{}, ...command.Options) (string, string, error) {
	return "error happened", "error", errors.New("error")
}

// RunStreamCmd simulates failed execution of a streaming command
func (e EmptyExecutorFail) RunStreamCmd(context.Context, string, func(string)) error {
	return errors.New("error")
}

// CmdOut is the struct for command output
type CmdOut struct {
	Stdout string
	Stderr string
	Err    error
}

// StreamOut is the struct for streaming command output
type StreamOut struct {
	Lines []string
	Err   error
}

// MockExecutor implements CmdExecutor interface, each command will return appropriate key from cmdMap map
// there is ability to return different value for same command if it runs twice, for it
// add this command and result (that expected on second run) in SecondRun map
// when cmd runs first result gets from cmdMap,
// when cmd runs second time and so on results is searching (at first) in SecondRun map
type MockExecutor struct {
	cmdMap map[string]CmdOut
	LoggerSetter
	// contains streaming commands and their line-by-line outputs
	streamMap map[string]StreamOut
	// contains cmd and results if we run one cmd twice
	secondRun map[string]CmdOut
	// contains cmd that has already run
	runBefore []string
	// if command doesn't in cmdMap RunCmd method will fail or success with empty output
	// based on that parameter
	successIfNotFound bool
}

// NewMockExecutor is the constructor for MockExecutor struct
// Receives map which contains commands as keys and their outputs as values
// Returns an instance of MockExecutor
func NewMockExecutor(m map[string]CmdOut) *MockExecutor {
	return &MockExecutor{
		cmdMap:    m,
		streamMap: make(map[string]StreamOut),
		secondRun: make(map[string]CmdOut),
		runBefore: make([]string, 0),
	}
}

// SetMap sets map which contains commands as keys and their outputs as values to the MockExecutor
func (e *MockExecutor) SetMap(m map[string]CmdOut) {
	e.cmdMap = m
}

// GetMap returns command map from MockExecutor
func (e *MockExecutor) GetMap() map[string]CmdOut {
	return e.cmdMap
}

// SetSuccessIfNotFound sets MockExecutor mode when it returns success output even if a command wasn't found in map
func (e *MockExecutor) SetSuccessIfNotFound(val bool) {
	e.successIfNotFound = val
}

// AddSecondRun adds command output - res for command - cmd for the second execution
func (e *MockExecutor) AddSecondRun(cmd string, res CmdOut) {
	e.secondRun[cmd] = res
}

// AddStream adds line-by-line output for a streaming command
func (e *MockExecutor) AddStream(cmd string, res StreamOut) {
	e.streamMap[cmd] = res
}

// RunCmd simulates execution of a command. If a command is in cmdMap then return value as an output for it.
// If the command ran before then trying to return output from secondRun map if it set.
// Receives cmd as interface and cast it to a string
// Returns stdout, stderr, error for a given command
func (e *MockExecutor) RunCmd(cmd interface{}, opts ...command.Options) (string, string, error) {
	cmdStr := cmd.(string)
	if len(e.secondRun) > 0 {
		for _, c := range e.runBefore {
			if c == cmdStr {
				if _, ok := e.secondRun[c]; !ok {
					break
				}
				res := e.secondRun[c]
				return res.Stdout, res.Stderr, res.Err
			}
		}
	}
	res, ok := e.cmdMap[cmdStr]
	if !ok {
		if e.successIfNotFound {
			return "", "", nil
		}
		return "", "", fmt.Errorf("unable find results for key %s, current cmd map: %v", cmdStr, e.cmdMap)
	}
	e.runBefore = append(e.runBefore, cmdStr)
	return res.Stdout, res.Stderr, res.Err
}

// RunStreamCmd simulates execution of a streaming command, feeding lines registered with AddStream
func (e *MockExecutor) RunStreamCmd(ctx context.Context, cmd string, onLine func(string)) error {
	res, ok := e.streamMap[cmd]
	if !ok {
		if e.successIfNotFound {
			return nil
		}
		return fmt.Errorf("unable find results for key %s, current stream map: %v", cmd, e.streamMap)
	}
	for _, line := range res.Lines {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		onLine(line)
	}
	return res.Err
}

// RunCmd is the name of CmdExecutor method name
var RunCmd = "RunCmd"

// RunStreamCmd is the name of CmdExecutor streaming method name
var RunStreamCmd = "RunStreamCmd"

// GoMockExecutor implements CmdExecutor based on stretchr/testify/mock
type GoMockExecutor struct {
	mock.Mock
	LoggerSetter
}

// RunCmd simulates execution of a command with OnCommand where user can set what the method should return
func (g *GoMockExecutor) RunCmd(cmd interface{}, opts ...command.Options) (string, string, error) {
	args := g.Mock.Called(cmd.(string))
	return args.String(0), args.String(1), args.Error(2)
}

// RunStreamCmd simulates execution of a streaming command.
// Set it up with OnStream which expects lines as the first return value and error as the second
func (g *GoMockExecutor) RunStreamCmd(ctx context.Context, cmd string, onLine func(string)) error {
	args := g.Mock.Called(cmd)
	if lines, ok := args.Get(0).([]string); ok {
		for _, line := range lines {
			onLine(line)
		}
	}
	return args.Error(1)
}

// OnCommand is the method of mock.Mock where user can set what to return on specified command
// For example e.OnCommand("smartctl --all /dev/sda").Return("", "", errors.New("smartctl failed"))
// Returns mock.Call where need to set what to return with Return() method
func (g *GoMockExecutor) OnCommand(cmd string) *mock.Call {
	return g.On(RunCmd, cmd)
}

// OnStream is the method of mock.Mock where user can set lines and error to return on specified streaming command
func (g *GoMockExecutor) OnStream(cmd string) *mock.Call {
	return g.On(RunStreamCmd, cmd)
}
