/*
Copyright © 2021 Dell Inc. or its subsidiaries. All Rights Reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

   http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package orchestrator

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"
)

// message types of the worker stdout protocol
const (
	// MsgProgress carries Step and Percent
	MsgProgress = "progress"
	// MsgResult carries one Key/Value finding
	MsgResult = "result"
	// MsgDone carries the final Status and optional Error, it is the last message
	MsgDone = "done"
)

// final statuses a worker reports in a MsgDone message
const (
	DoneCompleted = "completed"
	DoneFailed    = "failed"
	DoneCancelled = "cancelled"
)

// Message is the wire format of the worker stdout protocol.
// The worker prints one JSON encoded Message per line, logs go to stderr
// so they never interleave with the protocol stream
type Message struct {
	Type    string  `json:"type"`
	Step    string  `json:"step,omitempty"`
	Percent float64 `json:"percent,omitempty"`
	Key     string  `json:"key,omitempty"`
	Value   string  `json:"value,omitempty"`
	Status  string  `json:"status,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// workerProcess is a single running test worker
type workerProcess interface {
	// Output is the protocol stream of the worker
	Output() io.Reader
	// Terminate asks the worker process group to stop cooperatively
	Terminate() error
	// Kill force-kills the worker process group
	Kill() error
	// Wait reaps the process after its output stream is drained
	Wait() error
	// Alive reports whether the process still exists in the kernel
	Alive() bool
}

// workerLauncher spawns test workers, replaced by a fake in tests
type workerLauncher interface {
	Launch(binary, device, procedure string, params map[string]string) (workerProcess, error)
}

// execLauncher launches the real worker binary in its own process group so
// termination signals reach the external tool children too
type execLauncher struct{}

// Launch starts binary against device and returns a handle to the process
func (l *execLauncher) Launch(binary, device, procedure string, params map[string]string) (workerProcess, error) {
	args := []string{"--device", device, "--procedure", procedure}
	if len(params) > 0 {
		args = append(args, "--params", EncodeParams(params))
	}
	// #nosec G204 binary comes from engine config, not from a request
	cmd := exec.Command(binary, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stderr = os.Stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("unable to start worker %s: %v", binary, err)
	}
	return &execProcess{cmd: cmd, stdout: stdout}, nil
}

// execProcess wraps exec.Cmd running in its own process group
type execProcess struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	waited int32
}

func (p *execProcess) Output() io.Reader { return p.stdout }

func (p *execProcess) Terminate() error {
	return unix.Kill(-p.cmd.Process.Pid, unix.SIGTERM)
}

func (p *execProcess) Kill() error {
	return unix.Kill(-p.cmd.Process.Pid, unix.SIGKILL)
}

func (p *execProcess) Wait() error {
	defer atomic.StoreInt32(&p.waited, 1)
	return p.cmd.Wait()
}

// Alive probes the process with the null signal. A reaped process is gone
// even when the kernel has not recycled its pid yet
func (p *execProcess) Alive() bool {
	if atomic.LoadInt32(&p.waited) == 1 {
		return false
	}
	return unix.Kill(p.cmd.Process.Pid, 0) == nil
}

// EncodeParams flattens params to the "k=v,k=v" form of the worker --params flag
func EncodeParams(params map[string]string) string {
	pairs := make([]string, 0, len(params))
	for key, value := range params {
		pairs = append(pairs, key+"="+value)
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}

// DecodeParams is the inverse of EncodeParams
func DecodeParams(encoded string) map[string]string {
	params := make(map[string]string)
	for _, pair := range strings.Split(encoded, ",") {
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) == 2 {
			params[kv[0]] = kv[1]
		}
	}
	return params
}
