package sandbox

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/yutakobayashidev/kids-code-tutorial/pkg/logger"
)

// updateScriptMessage is the one inbound control message a unit accepts.
// The initial script is delivered the same way, so hot swap and first load
// share a single path in the runner.
type updateScriptMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// stderrTailLines bounds how much trailing error output is kept for exit
// diagnostics.
const stderrTailLines = 20

// processUnit runs a user script in a separate node process, exchanging
// JSON-line messages over stdin/stdout.
type processUnit struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	msgs   chan Message
	exitCh chan ExitStatus
	done   chan struct{}

	mu         sync.Mutex
	stderrTail []string
	exited     bool
}

// NewProcessUnitFactory returns a UnitFactory that launches node child
// processes through the bundled runner script. runnerPath may be empty, in
// which case the runner is searched for next to the executable and in the
// working directory.
func NewProcessUnitFactory(runnerPath string) UnitFactory {
	return func(script string, limits ResourceLimits) (Unit, error) {
		return startProcessUnit(runnerPath, script, limits)
	}
}

// findRunner locates the sandbox_runner.mjs script.
func findRunner() (string, error) {
	execPath, err := os.Executable()
	if err != nil {
		return "", err
	}
	execDir := filepath.Dir(execPath)

	candidates := []string{
		filepath.Join(execDir, "scripts", "sandbox_runner.mjs"),
		filepath.Join(execDir, "..", "scripts", "sandbox_runner.mjs"),
		// Development path - relative to current working directory
		filepath.Join("scripts", "sandbox_runner.mjs"),
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			absPath, err := filepath.Abs(path)
			if err != nil {
				return path, nil
			}
			return absPath, nil
		}
	}

	return "", fmt.Errorf("sandbox_runner.mjs not found in any of: %v", candidates)
}

// unitArgs builds the node argument list, applying the V8 heap-region
// ceilings ahead of the runner script.
func unitArgs(runnerPath string, limits ResourceLimits) []string {
	args := []string{
		fmt.Sprintf("--max-old-space-size=%d", limits.MaxOldGenerationMB),
		fmt.Sprintf("--max-semi-space-size=%d", limits.MaxYoungGenerationMB),
	}
	if limits.MaxCodeRangeMB > 0 {
		args = append(args, fmt.Sprintf("--code-range-size=%d", limits.MaxCodeRangeMB))
	}
	return append(args, runnerPath)
}

func startProcessUnit(runnerPath, script string, limits ResourceLimits) (*processUnit, error) {
	if runnerPath == "" {
		var err error
		runnerPath, err = findRunner()
		if err != nil {
			return nil, fmt.Errorf("failed to find runner: %w", err)
		}
	}

	cmd := exec.Command("node", unitArgs(runnerPath, limits)...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start execution unit: %w", err)
	}

	u := &processUnit{
		cmd:    cmd,
		stdin:  stdin,
		msgs:   make(chan Message, 64),
		exitCh: make(chan ExitStatus, 1),
		done:   make(chan struct{}),
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go u.readMessages(stdout, &readers)
	go u.readStderr(stderr, &readers)

	go func() {
		readers.Wait()
		close(u.msgs)
		err := cmd.Wait()

		u.mu.Lock()
		u.exited = true
		diag := strings.Join(u.stderrTail, "\n")
		u.mu.Unlock()

		u.exitCh <- ExitStatus{Err: err, Diagnostic: diag}
		close(u.done)
	}()

	// Deliver the initial script through the same channel used for hot
	// swaps.
	if err := u.UpdateScript(script); err != nil {
		u.Terminate(0)
		return nil, fmt.Errorf("failed to deliver script: %w", err)
	}

	logger.Debugf("[sandbox] execution unit started (pid %d)", cmd.Process.Pid)
	return u, nil
}

func (u *processUnit) readMessages(r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			// Untagged output from the user script still surfaces as a log
			// line.
			u.msgs <- Message{Type: "log", Content: line}
			continue
		}
		u.msgs <- msg
	}
}

func (u *processUnit) readStderr(r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		u.mu.Lock()
		u.stderrTail = append(u.stderrTail, line)
		if len(u.stderrTail) > stderrTailLines {
			u.stderrTail = u.stderrTail[len(u.stderrTail)-stderrTailLines:]
		}
		u.mu.Unlock()
		u.msgs <- Message{Type: "error", Content: line}
	}
}

func (u *processUnit) Messages() <-chan Message { return u.msgs }
func (u *processUnit) Exit() <-chan ExitStatus  { return u.exitCh }

func (u *processUnit) UpdateScript(script string) error {
	raw, err := json.Marshal(updateScriptMessage{Type: "update-script", Content: script})
	if err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.exited {
		return fmt.Errorf("execution unit already exited")
	}
	if _, err := u.stdin.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("write control message: %w", err)
	}
	return nil
}

func (u *processUnit) Terminate(grace time.Duration) {
	u.mu.Lock()
	exited := u.exited
	u.mu.Unlock()
	if exited || u.cmd.Process == nil {
		return
	}

	_ = u.cmd.Process.Signal(syscall.SIGTERM)
	if grace <= 0 {
		_ = u.cmd.Process.Kill()
		return
	}

	go func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-u.done:
		case <-timer.C:
			logger.Warnf("[sandbox] unit (pid %d) ignored SIGTERM, killing", u.cmd.Process.Pid)
			_ = u.cmd.Process.Kill()
		}
	}()
}
