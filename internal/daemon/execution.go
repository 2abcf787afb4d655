package daemon

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/ai-janitor/minion/internal/hp"
	"golang.org/x/sync/errgroup"
)

// runResult is the outcome of one LLM child invocation. Grounded on
// original_source/daemon/runner/_constants.py::AgentRunResult.
type runResult struct {
	ExitCode           int
	TimedOut           bool
	CompactionDetected bool
	CommandName        string
	InputTokens        int
	OutputTokens       int
	Interrupted        bool
}

// buildCommand renders the agent's configured command template into an
// argv, appending the --resume flag (when configured and the daemon has
// a prior session to continue) and the prompt as the final argument. The
// LLM vendor's own CLI flags and behavior are opaque here by design —
// only argv assembly is the core's concern.
func (d *Daemon) buildCommand(prompt string, useResume bool) []string {
	cmd := make([]string, len(d.Agent.Command))
	copy(cmd, d.Agent.Command)
	if useResume && d.Agent.SupportsResume && d.Agent.ResumeFlag != "" {
		cmd = append(cmd, d.Agent.ResumeFlag)
	}
	return append(cmd, prompt)
}

// runAgent runs the agent's command, retrying once without --resume if a
// resume attempt fails outright. Grounded on
// original_source/daemon/runner/_execution.py::_run_agent.
func (d *Daemon) runAgent(ctx context.Context, prompt string) runResult {
	if !d.Agent.SupportsResume {
		return d.runCommand(ctx, d.buildCommand(prompt, false))
	}
	if d.resumeReady {
		resumed := d.runCommand(ctx, d.buildCommand(prompt, true))
		if resumed.TimedOut || resumed.ExitCode == 0 {
			return resumed
		}
		d.resumeReady = false
	}
	return d.runCommand(ctx, d.buildCommand(prompt, false))
}

// runCommand launches cmd as the LLM child: stdin closed, stdout+stderr
// merged and streamed line by line, with a no-output timeout and a
// periodic interrupt-flag check. Grounded on
// original_source/daemon/runner/_execution.py::_run_command, adapting
// the teacher's tactile.DirectExecutor's timeout/capture shape to a
// streaming rather than buffered read.
func (d *Daemon) runCommand(ctx context.Context, argv []string) runResult {
	if len(argv) == 0 {
		return runResult{ExitCode: 127}
	}
	commandName := argv[0]
	d.log("exec: " + commandName)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = d.Config.ProjectDir
	cmd.Env = d.buildChildEnv()
	cmd.Stdin = nil

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		d.log("failed to launch " + commandName + ": " + err.Error())
		return runResult{ExitCode: 127, CommandName: commandName}
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		d.log("failed to launch " + commandName + ": " + err.Error())
		return runResult{ExitCode: 127, CommandName: commandName}
	}

	d.updateChildPID(cmd.Process.Pid)
	invocationRow := d.insertInvocationStart()

	var streamLog *os.File
	if d.Config.LogsDir != "" {
		_ = os.MkdirAll(d.Config.LogsDir, 0o755)
		streamLog, _ = os.OpenFile(
			d.Config.LogsDir+"/"+d.Agent.Name+".stream.jsonl",
			os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644,
		)
	}
	if streamLog != nil {
		defer streamLog.Close()
	}

	lines := make(chan string, 64)
	drainCtx, stopDrain := context.WithCancel(context.Background())
	defer stopDrain()
	group, groupCtx := errgroup.WithContext(drainCtx)
	group.Go(func() error {
		defer close(lines)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-groupCtx.Done():
				return nil
			}
		}
		return nil
	})

	timedOut := false
	interrupted := false
	compactionDetected := false
	displayedChars := 0
	hiddenChars := 0
	totalInputTokens := 0
	totalOutputTokens := 0

	noOutputTimeout := d.Agent.NoOutputTimeout
	if noOutputTimeout <= 0 {
		noOutputTimeout = defaultNoOutputTimeout
	}
	idleTimer := time.NewTimer(noOutputTimeout)
	interruptTicker := time.NewTicker(2 * time.Second)
	defer idleTimer.Stop()
	defer interruptTicker.Stop()

readLoop:
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				break readLoop
			}
			if !idleTimer.Stop() {
				select {
				case <-idleTimer.C:
				default:
				}
			}
			idleTimer.Reset(noOutputTimeout)

			if streamLog != nil {
				_, _ = streamLog.WriteString(line + "\n")
			}

			rendered, hasCompaction := d.renderStreamLine(line)
			usage := hp.ExtractUsage(line)
			if usage.InputTokens > 0 {
				totalInputTokens = usage.InputTokens
			}
			if usage.OutputTokens > 0 {
				totalOutputTokens = usage.OutputTokens
			}
			if usage.ContextWindow > 0 {
				d.contextWindow = usage.ContextWindow
			}
			if usage.SessionID != "" {
				d.updateSessionID(usage.SessionID)
			}

			if rendered != "" {
				d.buffer.Append(rendered)
				remaining := d.Contracts.MaxConsoleStreamChars() - displayedChars
				if remaining > 0 {
					chunk := rendered
					if len(chunk) > remaining {
						chunk = chunk[:remaining]
					}
					_, _ = io.WriteString(os.Stdout, chunk)
					displayedChars += len(chunk)
					hiddenChars += len(rendered) - len(chunk)
				} else {
					hiddenChars += len(rendered)
				}
			}
			if hasCompaction {
				compactionDetected = true
			}

		case <-idleTimer.C:
			timedOut = true
			_ = cmd.Process.Kill()
			break readLoop

		case <-interruptTicker.C:
			if d.checkInterrupt() {
				d.log("interrupt flag detected — terminating child process")
				interrupted = true
				_ = cmd.Process.Kill()
				break readLoop
			}

		case <-ctx.Done():
			_ = cmd.Process.Kill()
			break readLoop
		}
	}

	stopDrain()
	_ = group.Wait()
	waitErr := cmd.Wait()
	exitCode := exitCodeFrom(waitErr)

	if hiddenChars > 0 {
		_, _ = io.WriteString(os.Stdout, "\n[model-stream abbreviated: "+strconv.Itoa(hiddenChars)+" chars hidden]\n")
	}

	result := runResult{
		ExitCode:           exitCode,
		TimedOut:           timedOut,
		CompactionDetected: compactionDetected,
		CommandName:        commandName,
		InputTokens:        totalInputTokens,
		OutputTokens:       totalOutputTokens,
		Interrupted:        interrupted,
	}
	d.finalizeInvocation(invocationRow, result)
	return result
}

// buildChildEnv merges the daemon's own environment with the variables
// the LLM child and any nested `minion` CLI invocation it makes need:
// the comms DB path, docs dir, and this agent's asserted class. CLAUDECODE
// is stripped so a nested LLM-vendor session doesn't refuse to start
// inside another one's process tree.
func (d *Daemon) buildChildEnv() []string {
	var env []string
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "CLAUDECODE=") {
			continue
		}
		env = append(env, kv)
	}
	env = append(env,
		"MINION_CLASS="+d.Agent.Class,
		"MINION_DB_PATH="+d.Config.DBPath,
		"MINION_DOCS_DIR="+d.Config.DocsDir,
	)
	return env
}

func exitCodeFrom(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

const defaultNoOutputTimeout = 10 * time.Minute
