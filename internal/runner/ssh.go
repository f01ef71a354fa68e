package runner

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/crystalmath/crystalmathd/internal/model"
)

// sshClientPool is the subset of sshpool.Pool the runner depends on, kept
// narrow so the runner is testable against a fake.
type sshClientPool interface {
	Acquire(ctx context.Context, clusterID int64) (*ssh.Client, error)
	Release(clusterID int64, client *ssh.Client)
}

// SSHRunner dispatches jobs to a remote host's shell via a pooled
// connection.
type SSHRunner struct {
	Pool          sshClientPool
	RemoteScratch string // e.g. ~/.crystalmath/scratch, one base shared by every cluster
}

// NewSSHRunner constructs an SSHRunner over an existing connection pool.
func NewSSHRunner(pool sshClientPool, remoteScratch string) *SSHRunner {
	return &SSHRunner{Pool: pool, RemoteScratch: remoteScratch}
}

// Submit creates a remote work directory, uploads the prepared input, and
// launches a background shell driver that records its own PID and exit
// code. Every interpolated path is shell-quoted at the source, per the
// security invariant: it is not an optimization.
func (r *SSHRunner) Submit(ctx context.Context, input PreparedInput) (Handle, error) {
	if input.Job.ClusterID == nil {
		return Handle{}, fmt.Errorf("ssh runner: job %d has no cluster assigned", input.Job.ID)
	}
	clusterID := *input.Job.ClusterID

	client, err := r.Pool.Acquire(ctx, clusterID)
	if err != nil {
		return Handle{}, fmt.Errorf("acquire ssh connection: %w", err)
	}
	defer r.Pool.Release(clusterID, client)

	remoteDir := path.Join(r.RemoteScratch, fmt.Sprintf("job-%d", input.Job.ID))
	if err := r.runCommand(client, fmt.Sprintf("mkdir -p %s", shellQuote(remoteDir))); err != nil {
		return Handle{}, fmt.Errorf("create remote work dir: %w", err)
	}

	inputPath := path.Join(remoteDir, "input.d12")
	if err := r.uploadFile(client, inputPath, input.InputText); err != nil {
		return Handle{}, fmt.Errorf("upload input file: %w", err)
	}

	exitFile := path.Join(remoteDir, "exit_code")
	pidFile := path.Join(remoteDir, "pid")
	logFile := path.Join(remoteDir, "run.log")
	command := "crystalOMP" // the remote-installed serial binary; MPI ranks are not used over SSH

	inner := fmt.Sprintf(
		"OMP_NUM_THREADS=%d %s < %s > %s 2>&1; echo $? > %s",
		maxInt(input.Parallelism.Threads, 1), shellQuote(command),
		shellQuote(inputPath), shellQuote(logFile), shellQuote(exitFile),
	)
	driver := fmt.Sprintf(
		"cd %s && nohup sh -c %s > /dev/null 2>&1 & echo $! > %s",
		shellQuote(remoteDir), shellQuote(inner), shellQuote(pidFile),
	)
	if err := r.runCommand(client, driver); err != nil {
		return Handle{}, fmt.Errorf("launch remote driver: %w", err)
	}

	pid, err := r.readRemoteFile(client, pidFile)
	if err != nil {
		return Handle{}, fmt.Errorf("read remote pid: %w", err)
	}

	return Handle{RunnerType: model.RunnerSSH, ClusterID: clusterID, Value: strings.TrimSpace(pid), RemoteDir: remoteDir}, nil
}

// Poll checks liveness via kill -0 <pid> and reads the exit-code file once
// the process has exited. ClusterID and RemoteDir travel on h, so this needs
// nothing from the caller beyond the Handle Submit returned.
func (r *SSHRunner) Poll(ctx context.Context, h Handle) (StatusUpdate, error) {
	client, err := r.Pool.Acquire(ctx, h.ClusterID)
	if err != nil {
		return StatusUpdate{}, fmt.Errorf("acquire ssh connection: %w", err)
	}
	defer r.Pool.Release(h.ClusterID, client)

	alive := r.runCommand(client, fmt.Sprintf("kill -0 %s", shellQuote(h.Value))) == nil
	if alive {
		return StatusUpdate{State: StateRunning}, nil
	}

	exitFile := path.Join(h.RemoteDir, "exit_code")
	raw, err := r.readRemoteFile(client, exitFile)
	if err != nil {
		// process gone but exit file not yet written: treat as still running
		return StatusUpdate{State: StateRunning}, nil
	}
	code, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return StatusUpdate{}, fmt.Errorf("parse remote exit code: %w", err)
	}
	now := time.Now().UTC()
	if code == 0 {
		return StatusUpdate{State: StateCompleted, ExitCode: &code, EndTime: &now}, nil
	}
	return StatusUpdate{State: StateFailed, ExitCode: &code, EndTime: &now, Reason: fmt.Sprintf("remote exit code %d", code)}, nil
}

// Cancel sends SIGTERM to the remote PID.
func (r *SSHRunner) Cancel(ctx context.Context, h Handle) (bool, error) {
	client, err := r.Pool.Acquire(ctx, h.ClusterID)
	if err != nil {
		return false, fmt.Errorf("acquire ssh connection: %w", err)
	}
	defer r.Pool.Release(h.ClusterID, client)

	err = r.runCommand(client, fmt.Sprintf("kill -TERM %s", shellQuote(h.Value)))
	return err == nil, err
}

// Retrieve copies the remote run.log into destDir/run.log via `cat` over a
// session pipe, the same transport Submit/Poll use (no sftp/scp dependency).
func (r *SSHRunner) Retrieve(ctx context.Context, h Handle, destDir string) error {
	client, err := r.Pool.Acquire(ctx, h.ClusterID)
	if err != nil {
		return fmt.Errorf("acquire ssh connection: %w", err)
	}
	defer r.Pool.Release(h.ClusterID, client)

	remoteLog := path.Join(h.RemoteDir, "run.log")
	b, err := r.readRemoteFileBytes(client, remoteLog)
	if err != nil {
		return fmt.Errorf("fetch remote run.log: %w", err)
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("create dest dir: %w", err)
	}
	return os.WriteFile(filepath.Join(destDir, "run.log"), b, 0o644)
}

// StreamLogs tails the remote run.log over a long-lived session, streaming
// lines to the returned channel until ctx is cancelled or the session ends.
func (r *SSHRunner) StreamLogs(ctx context.Context, h Handle) (<-chan string, error) {
	client, err := r.Pool.Acquire(ctx, h.ClusterID)
	if err != nil {
		return nil, fmt.Errorf("acquire ssh connection: %w", err)
	}

	session, err := client.NewSession()
	if err != nil {
		r.Pool.Release(h.ClusterID, client)
		return nil, fmt.Errorf("new session: %w", err)
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		r.Pool.Release(h.ClusterID, client)
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	remoteLog := path.Join(h.RemoteDir, "run.log")
	cmd := fmt.Sprintf("tail -n 200 -f %s", shellQuote(remoteLog))
	if err := session.Start(cmd); err != nil {
		session.Close()
		r.Pool.Release(h.ClusterID, client)
		return nil, fmt.Errorf("start tail: %w", err)
	}

	out := make(chan string)
	go func() {
		defer close(out)
		defer session.Close()
		defer r.Pool.Release(h.ClusterID, client)
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			select {
			case out <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		<-ctx.Done()
		session.Signal(ssh.SIGKILL)
	}()
	return out, nil
}

func (r *SSHRunner) runCommand(client *ssh.Client, cmd string) error {
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("new session: %w", err)
	}
	defer session.Close()
	return session.Run(cmd)
}

func (r *SSHRunner) uploadFile(client *ssh.Client, remotePath, content string) error {
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("new session: %w", err)
	}
	defer session.Close()
	session.Stdin = strings.NewReader(content)
	return session.Run(fmt.Sprintf("cat > %s", shellQuote(remotePath)))
}

func (r *SSHRunner) readRemoteFile(client *ssh.Client, remotePath string) (string, error) {
	b, err := r.readRemoteFileBytes(client, remotePath)
	return string(b), err
}

func (r *SSHRunner) readRemoteFileBytes(client *ssh.Client, remotePath string) ([]byte, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	var buf bytes.Buffer
	session.Stdout = &buf
	if err := session.Run(fmt.Sprintf("cat %s", shellQuote(remotePath))); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
