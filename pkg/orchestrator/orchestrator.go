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

// Package orchestrator runs diagnostic procedures in isolated worker processes,
// one at a time per device, and tracks their progress
package orchestrator

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	lock "github.com/viney-shih/go-lock"

	errTypes "github.com/jbod-tools/drivetest/pkg/base/error"
)

// Status of a test run
type Status string

const (
	// StatusRunning means the worker process is alive and testing
	StatusRunning Status = "running"
	// StatusCompleted means the procedure finished and the device passed
	StatusCompleted Status = "completed"
	// StatusFailed means the device failed the procedure or the worker broke
	StatusFailed Status = "failed"
	// StatusCancelled means the run was stopped on request
	StatusCancelled Status = "cancelled"
)

// TestRun is the tracked state of one procedure execution on one device
type TestRun struct {
	ID         string
	Device     string
	Procedure  string
	Status     Status
	Step       string
	Percent    float64
	Results    map[string]string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// snapshot copies the run for handing out without aliasing the Results map.
// Caller must hold the orchestrator lock
func (r *TestRun) snapshot() TestRun {
	copied := *r
	copied.Results = make(map[string]string, len(r.Results))
	for key, value := range r.Results {
		copied.Results[key] = value
	}
	return copied
}

// ProgressCallback is invoked after every state change of a run.
// It always receives a private snapshot and is never called under the
// orchestrator lock
type ProgressCallback func(run TestRun)

// SafetyChecker rejects devices that must never be tested
type SafetyChecker interface {
	IsOSDrive(devicePath string) bool
}

// Options are orchestrator tunables
type Options struct {
	// WorkerBinary is the path of the test worker executable
	WorkerBinary string
	// StopGrace is how long StopTest waits for a cooperative exit before killing
	StopGrace time.Duration
}

// workerHandle tracks one active worker, all fields except done and the
// process handle are guarded by the orchestrator lock
type workerHandle struct {
	runID     string
	device    string
	process   workerProcess
	cancelled bool
	callback  ProgressCallback
	// done closes after the run reached a final status and left the active set
	done chan struct{}
}

// Orchestrator launches and supervises per-device test workers
type Orchestrator struct {
	mu     lock.RWMutex
	active map[string]*workerHandle
	// progress keeps the latest run per device, overwritten on the next StartTest
	progress map[string]*TestRun
	safety   SafetyChecker
	launcher workerLauncher
	opts     Options
	log      *logrus.Entry
}

// New is a constructor for Orchestrator
func New(safety SafetyChecker, opts Options, logger *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		mu:       lock.NewCASMutex(),
		active:   make(map[string]*workerHandle),
		progress: make(map[string]*TestRun),
		safety:   safety,
		launcher: &execLauncher{},
		opts:     opts,
		log:      logger.WithField("component", "Orchestrator"),
	}
}

// StartTest launches a worker running procedure against device.
// The OS drive safety check happens before anything is reserved or spawned,
// its failure is final for every procedure including read-only ones.
// A busy device is not an error, the call reports false and changes nothing.
// The lock only covers the registry bookkeeping, the spawn itself happens
// with the device slot already reserved but the lock released
func (o *Orchestrator) StartTest(device, procedure string, params map[string]string, cb ProgressCallback) (bool, error) {
	ll := o.log.WithField("method", "StartTest").WithField("device", device)

	if o.safety.IsOSDrive(device) {
		return false, fmt.Errorf("%s: %w", device, errTypes.ErrorSafetyViolation)
	}

	run := &TestRun{
		ID:        uuid.New().String(),
		Device:    device,
		Procedure: procedure,
		Status:    StatusRunning,
		Results:   make(map[string]string),
		StartedAt: time.Now(),
	}
	handle := &workerHandle{
		runID:    run.ID,
		device:   device,
		callback: cb,
		done:     make(chan struct{}),
	}

	o.mu.Lock()
	if _, busy := o.active[device]; busy {
		o.mu.Unlock()
		ll.Info("test is already running, start rejected")
		return false, nil
	}
	o.active[device] = handle
	o.progress[device] = run
	o.mu.Unlock()

	process, err := o.launcher.Launch(o.opts.WorkerBinary, device, procedure, params)

	o.mu.Lock()
	if err != nil {
		run.Status = StatusFailed
		run.Error = fmt.Sprintf("unable to launch worker: %v", err)
		run.FinishedAt = time.Now()
		delete(o.active, device)
		o.mu.Unlock()
		close(handle.done)
		return false, fmt.Errorf("unable to launch worker for %s: %v", device, err)
	}
	handle.process = process
	cancelled := handle.cancelled
	o.mu.Unlock()

	if cancelled {
		// StopTest arrived while the worker was being spawned
		if err := process.Terminate(); err != nil {
			ll.Warnf("unable to terminate worker: %v", err)
		}
	}
	go o.reader(handle, run)
	ll.Infof("run %s started, procedure %s", run.ID, procedure)
	return true, nil
}

// StopTest cancels the run on device: the worker process group gets a
// termination request and a grace period, then a kill.
// Blocks until the run reached its final status.
// Returns false when nothing was running on device
func (o *Orchestrator) StopTest(device string) bool {
	ll := o.log.WithField("method", "StopTest").WithField("device", device)

	o.mu.Lock()
	handle, ok := o.active[device]
	if !ok {
		o.mu.Unlock()
		return false
	}
	handle.cancelled = true
	// the process is nil while StartTest is still spawning the worker,
	// the cancelled flag makes the spawner terminate it right away
	process := handle.process
	o.mu.Unlock()

	if process != nil {
		if err := process.Terminate(); err != nil {
			ll.Warnf("unable to terminate worker: %v", err)
		}
	}
	select {
	case <-handle.done:
		return true
	case <-time.After(o.opts.StopGrace):
	}

	ll.Warnf("worker ignored termination for %s, killing process group", o.opts.StopGrace)
	o.mu.RLock()
	process = handle.process
	o.mu.RUnlock()
	if process != nil {
		if err := process.Kill(); err != nil {
			ll.Warnf("unable to kill worker: %v", err)
		}
	}
	<-handle.done
	return true
}

// GetProgress returns a snapshot of the latest run on device.
// The snapshot of a finished run stays readable until the next StartTest
// on the same device overwrites it
func (o *Orchestrator) GetProgress(device string) (TestRun, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	run, ok := o.progress[device]
	if !ok {
		return TestRun{}, false
	}
	return run.snapshot(), true
}

// GetAllProgress returns the latest run snapshot of every known device
func (o *Orchestrator) GetAllProgress() map[string]TestRun {
	o.mu.RLock()
	defer o.mu.RUnlock()
	runs := make(map[string]TestRun, len(o.progress))
	for device, run := range o.progress {
		runs[device] = run.snapshot()
	}
	return runs
}

// IsTestRunning reports actual worker liveness for device, not bookkeeping:
// a worker that died without a final message is not running even before its
// reader noticed
func (o *Orchestrator) IsTestRunning(device string) bool {
	o.mu.RLock()
	handle, ok := o.active[device]
	var process workerProcess
	if ok {
		process = handle.process
	}
	o.mu.RUnlock()
	if !ok {
		return false
	}
	if process == nil {
		// StartTest is still spawning the worker
		return true
	}
	return process.Alive()
}

// reader consumes the worker protocol stream, applies every message to the run
// and settles the final status after the stream ends. It is the only place
// that removes the handle from the active set, so removal happens exactly once
func (o *Orchestrator) reader(handle *workerHandle, run *TestRun) {
	ll := o.log.WithField("method", "reader").WithField("device", handle.device)

	scanner := bufio.NewScanner(handle.process.Output())
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			ll.Warnf("unreadable worker message %q: %v", line, err)
			continue
		}
		o.apply(handle, run, msg)
	}
	if err := scanner.Err(); err != nil {
		ll.Warnf("worker stream broke: %v", err)
	}
	waitErr := handle.process.Wait()

	o.mu.Lock()
	if run.Status == StatusRunning {
		// the worker died without a final message
		run.FinishedAt = time.Now()
		if handle.cancelled {
			run.Status = StatusCancelled
		} else {
			run.Status = StatusFailed
			if waitErr != nil {
				run.Error = fmt.Sprintf("worker exited unexpectedly: %v", waitErr)
			} else {
				run.Error = "worker exited without a final status"
			}
		}
	}
	delete(o.active, handle.device)
	snapshot := run.snapshot()
	o.mu.Unlock()

	o.notify(handle.callback, snapshot)
	close(handle.done)
	ll.Infof("run %s finished with status %s", run.ID, snapshot.Status)
}

// apply merges one worker message into the run state
func (o *Orchestrator) apply(handle *workerHandle, run *TestRun, msg Message) {
	o.mu.Lock()
	switch msg.Type {
	case MsgProgress:
		run.Step = msg.Step
		// progress never moves backwards no matter what the worker reports
		if msg.Percent > run.Percent {
			run.Percent = msg.Percent
		}
	case MsgResult:
		run.Results[msg.Key] = msg.Value
	case MsgDone:
		run.FinishedAt = time.Now()
		run.Error = msg.Error
		switch {
		case handle.cancelled || msg.Status == DoneCancelled:
			run.Status = StatusCancelled
		case msg.Status == DoneCompleted:
			run.Status = StatusCompleted
			run.Percent = 100
		default:
			run.Status = StatusFailed
		}
	default:
		o.log.Warnf("unknown worker message type %q", msg.Type)
		o.mu.Unlock()
		return
	}
	snapshot := run.snapshot()
	o.mu.Unlock()
	o.notify(handle.callback, snapshot)
}

// notify invokes the callback outside the lock, shielding the engine from
// panics in consumer code
func (o *Orchestrator) notify(cb ProgressCallback, run TestRun) {
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.log.Errorf("progress callback panic: %v", r)
		}
	}()
	cb(run)
}
