package command

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	errTypes "github.com/jbod-tools/drivetest/pkg/base/error"
	"github.com/jbod-tools/drivetest/pkg/metrics"
)

// CmdExecutor is the interface for executor that runs linux commands with RunCmd
type CmdExecutor interface {
	RunCmd(cmd interface{}, opts ...Options) (string, string, error)
	RunStreamCmd(ctx context.Context, cmd string, onLine func(line string)) error
	SetLogger(logger *logrus.Logger)
	SetLevel(level logrus.Level)
}

// Options is a function type to provide additional settings for RunCmd
type Options func(s *execSettings)

type execSettings struct {
	useMetrics bool
	cmdName    string
	timeout    time.Duration
}

// UseMetrics enables observing of command duration in the system utils histogram
func UseMetrics(enable bool) Options {
	return func(s *execSettings) {
		s.useMetrics = enable
	}
}

// CmdName sets command name for metrics label, usually the command template with arguments stripped
func CmdName(name string) Options {
	return func(s *execSettings) {
		s.cmdName = name
	}
}

// WithTimeout bounds command execution with provided duration
func WithTimeout(timeout time.Duration) Options {
	return func(s *execSettings) {
		s.timeout = timeout
	}
}

// Executor is the implementation of CmdExecutor based on os/exec package
type Executor struct {
	log      *logrus.Entry
	msgLevel logrus.Level
}

// NewExecutor is a constructor for Executor
func NewExecutor(log *logrus.Logger) *Executor {
	e := &Executor{}
	e.SetLogger(log)
	return e
}

// SetLogger sets logrus logger to Executor struct
// Receives logrus logger
func (e *Executor) SetLogger(logger *logrus.Logger) {
	e.log = logger.WithField("component", "Executor")
}

// SetLevel sets logrus Level to Executor msgLevel field
// Receives logrus Level
func (e *Executor) SetLevel(level logrus.Level) {
	e.msgLevel = level
}

// RunCmd runs specified command on OS
// Receives command as empty interface. It could be string or instance of exec.Cmd
// Returns stdout as string, stderr as string and golang error if something went wrong
func (e *Executor) RunCmd(cmd interface{}, opts ...Options) (string, string, error) {
	settings := &execSettings{}
	for _, opt := range opts {
		opt(settings)
	}
	if settings.useMetrics {
		name := settings.cmdName
		if name == "" {
			if cmdStr, ok := cmd.(string); ok {
				name = strings.Fields(cmdStr)[0]
			}
		}
		defer metrics.SystemCMDDuration.EvaluateDuration(prometheus.Labels{"name": name})()
	}
	if cmdStr, ok := cmd.(string); ok {
		return e.runCmdFromStr(cmdStr, settings.timeout)
	}
	if cmdObj, ok := cmd.(*exec.Cmd); ok {
		return e.runCmdFromCmdObj(cmdObj, nil)
	}
	return "", "", fmt.Errorf("could not interpret command from %v", cmd)
}

// runCmdFromStr gets command as a string, like: "netstat -n -a -p" and transform it into exec.Command type
// and runs runCmdFromCmdObj(cmd)
// Receives command as a string like: bash -c "something -param" are not supported
// Returns stdout as string, stderr as string and golang error if something went wrong
func (e *Executor) runCmdFromStr(cmd string, timeout time.Duration) (string, string, error) {
	fields := strings.Fields(cmd)
	name := fields[0]
	if timeout > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return e.runCmdFromCmdObj(exec.CommandContext(ctx, name, fields[1:]...), ctx)
	}
	return e.runCmdFromCmdObj(exec.Command(name, fields[1:]...), nil)
}

// runCmdFromCmdObj runs command based on exec.Cmd
// Receives instance of exec.Cmd
// Returns stdout as string, stderr as string and golang error if something went wrong
func (e *Executor) runCmdFromCmdObj(cmd *exec.Cmd, ctx context.Context) (outStr string, errStr string, err error) {
	var (
		level               = e.msgLevel
		stdout, stderr      bytes.Buffer
		stdErrPart, errPart string
	)
	if level == 0 {
		level = logrus.DebugLevel
	}
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	cmdStartTime := time.Now()
	err = cmd.Run()
	cmdDuration := time.Since(cmdStartTime)

	outStr, errStr = stdout.String(), stderr.String()
	// construct log message based on output and error
	if len(errStr) > 0 {
		stdErrPart = fmt.Sprintf(", stderr: %s", errStr)
		level = logrus.WarnLevel
	}
	if err != nil {
		if ctx != nil && ctx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("command %s: %w", cmd.Args[0], errTypes.ErrorTimeout)
		} else if errors.Is(err, exec.ErrNotFound) {
			err = fmt.Errorf("command %s: %v: %w", cmd.Args[0], err, errTypes.ErrorToolUnavailable)
		}
		errPart = fmt.Sprintf(", Error: %v", err)
		level = logrus.ErrorLevel
	}
	e.log.WithFields(logrus.Fields{
		"cmd":         strings.Join(cmd.Args, " "),
		"duration":    cmdDuration.String(),
		"duration_ns": cmdDuration.Nanoseconds()}).
		Logf(level, "stdout: %s%s%s", outStr, stdErrPart, errPart)
	return outStr, errStr, err
}

// RunStreamCmd runs the command and feeds each produced output line (stdout and stderr
// are merged) to onLine as soon as it appears. Progress lines that utilities rewrite
// with carriage returns are delivered as separate lines.
// Returns error when command could not be started or exited with non-zero code
func (e *Executor) RunStreamCmd(ctx context.Context, cmd string, onLine func(line string)) error {
	fields := strings.Fields(cmd)
	cmdObj := exec.CommandContext(ctx, fields[0], fields[1:]...)

	pr, pw := io.Pipe()
	cmdObj.Stdout = pw
	cmdObj.Stderr = pw

	if err := cmdObj.Start(); err != nil {
		_ = pw.Close()
		if errors.Is(err, exec.ErrNotFound) {
			return fmt.Errorf("command %s: %v: %w", fields[0], err, errTypes.ErrorToolUnavailable)
		}
		return err
	}

	drained := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(pr)
		scanner.Split(scanCRLines)
		for scanner.Scan() {
			if line := strings.TrimSpace(scanner.Text()); line != "" {
				onLine(line)
			}
		}
		close(drained)
	}()

	err := cmdObj.Wait()
	_ = pw.Close()
	<-drained

	e.log.WithField("cmd", strings.Join(cmdObj.Args, " ")).
		Debugf("stream command finished, error: %v", err)
	return err
}

// scanCRLines is a bufio.SplitFunc that treats both \n and \r as line terminators,
// so in-place progress updates of utilities like badblocks become separate lines
func scanCRLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
