package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/shlex"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// InputPathPlaceholder marks where the input file path is substituted in
// the worker command template.
const InputPathPlaceholder = "${INPUT}"

// ExecOptions configures the out-of-process transport.
type ExecOptions struct {
	// Command is the worker invocation template, e.g.
	// "medworker --stdin-request ${INPUT}". Split with shlex, never a shell.
	Command string

	// Resource floors checked before each dispatch. Zero disables a check.
	ThrottleCPU      float64
	ThrottleFreeMem  int64
	ThrottleFreeDisk int64

	// WorkDir is the directory whose free space is checked.
	WorkDir string
}

// ExecTransport spawns the compression worker as a subprocess per job and
// reads its line-delimited JSON messages from stdout. All messages flow
// through the shared Router so delivery is strictly by job id.
type ExecTransport struct {
	opts   ExecOptions
	args   []string
	router *Router

	mu       sync.Mutex
	preloads map[string]bool
}

// NewExecTransport validates the command template and the worker binary.
func NewExecTransport(opts ExecOptions) (*ExecTransport, error) {
	args, err := shlex.Split(opts.Command)
	if err != nil {
		return nil, fmt.Errorf("invalid worker command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("worker command is empty")
	}
	if _, err := exec.LookPath(args[0]); err != nil {
		return nil, fmt.Errorf("worker binary not found: %s", args[0])
	}

	return &ExecTransport{
		opts:     opts,
		args:     args,
		router:   NewRouter(),
		preloads: make(map[string]bool),
	}, nil
}

// Preload warms the worker modules for a use case. The result is cached:
// modules stay loaded for the life of the process.
func (t *ExecTransport) Preload(ctx context.Context, useCase string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.preloads[useCase] {
		return nil
	}
	if _, err := exec.LookPath(t.args[0]); err != nil {
		return fmt.Errorf("worker binary unavailable: %w", err)
	}
	t.preloads[useCase] = true
	return nil
}

// Dispatch checks host resources, spawns the worker and returns the
// job's message stream. The context deadline bounds the subprocess;
// cancellation kills it.
func (t *ExecTransport) Dispatch(ctx context.Context, req Request) (<-chan Message, error) {
	if err := t.checkResources(); err != nil {
		return nil, fmt.Errorf("insufficient resources for compression: %w", err)
	}

	args := make([]string, len(t.args)-1)
	copy(args, t.args[1:])
	for i, arg := range args {
		if strings.Contains(arg, InputPathPlaceholder) {
			args[i] = strings.Replace(arg, InputPathPlaceholder, req.InputPath, 1)
		}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode worker request: %w", err)
	}

	cmd := exec.CommandContext(ctx, t.args[0], args...)
	cmd.Stdin = strings.NewReader(string(payload))
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}

	stream := t.router.Attach(req.JobID)

	if err := cmd.Start(); err != nil {
		t.router.Detach(req.JobID)
		return nil, fmt.Errorf("start worker: %w", err)
	}
	log.Printf("worker: job %s dispatched (preset=%s timeout=%s)",
		req.JobID, req.Settings.Preset, req.Settings.Timeout)

	go t.consume(req.JobID, cmd, stdout)

	return stream, nil
}

// Detach drops the job's subscriber. The subprocess, if still running,
// is reaped by its context; a late terminal message is discarded by the
// router.
func (t *ExecTransport) Detach(jobID string) {
	t.router.Detach(jobID)
}

// consume scans worker stdout and routes each frame. If the process
// exits without a terminal frame, one is synthesized from the exit error.
func (t *ExecTransport) consume(jobID string, cmd *exec.Cmd, stdout io.Reader) {
	sawTerminal := false
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			log.Printf("worker: job %s emitted unparseable frame: %v", jobID, err)
			continue
		}
		if msg.JobID == "" {
			msg.JobID = jobID
		}
		if msg.JobID != jobID {
			log.Printf("worker: job %s emitted frame for %s, dropping", jobID, msg.JobID)
			continue
		}

		t.router.Deliver(msg)
		if msg.Terminal() {
			sawTerminal = true
		}
	}

	err := cmd.Wait()
	if sawTerminal {
		return
	}

	errMsg := "worker exited without a result"
	if err != nil {
		errMsg = fmt.Sprintf("worker failed: %v", err)
	}
	t.router.Deliver(Message{Type: MessageError, JobID: jobID, Error: errMsg})
}

// checkResources verifies the host has headroom before starting a job.
func (t *ExecTransport) checkResources() error {
	if t.opts.ThrottleCPU > 0 {
		p, err := cpu.Percent(time.Second, false)
		if err != nil {
			log.Printf("worker: cpu probe failed: %v", err)
		} else if len(p) > 0 && p[0] > 100.0-t.opts.ThrottleCPU {
			return fmt.Errorf("cpu usage %.1f%% leaves less than %.1f%% idle", p[0], t.opts.ThrottleCPU)
		}
	}

	if t.opts.ThrottleFreeMem > 0 {
		vm, err := mem.VirtualMemory()
		if err != nil {
			log.Printf("worker: memory probe failed: %v", err)
		} else if vm.Available < uint64(t.opts.ThrottleFreeMem) {
			return fmt.Errorf("free memory %d below floor %d", vm.Available, t.opts.ThrottleFreeMem)
		}
	}

	if t.opts.ThrottleFreeDisk > 0 && t.opts.WorkDir != "" {
		d, err := disk.Usage(t.opts.WorkDir)
		if err != nil {
			log.Printf("worker: disk probe failed for %s: %v", t.opts.WorkDir, err)
		} else if d.Free < uint64(t.opts.ThrottleFreeDisk) {
			return fmt.Errorf("free disk %d below floor %d", d.Free, t.opts.ThrottleFreeDisk)
		}
	}
	return nil
}
