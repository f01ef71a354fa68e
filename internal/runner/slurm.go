package runner

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/crystalmath/crystalmathd/internal/model"
)

// SLURMDirectives are the cluster-side defaults combined with a job's
// parallelism config to render an sbatch script.
type SLURMDirectives struct {
	Partition string
	Account   string
	QoS       string
	Modules   []string
}

// SLURMRunner submits sbatch scripts over a pooled SSH connection and polls
// via squeue/sacct.
type SLURMRunner struct {
	Pool       sshClientPool
	Directives SLURMDirectives
}

// NewSLURMRunner constructs a SLURMRunner.
func NewSLURMRunner(pool sshClientPool, directives SLURMDirectives) *SLURMRunner {
	return &SLURMRunner{Pool: pool, Directives: directives}
}

var sbatchJobIDPattern = regexp.MustCompile(`\d+`)

// Submit renders and submits an sbatch script, returning the parsed SLURM job ID.
func (r *SLURMRunner) Submit(ctx context.Context, input PreparedInput) (Handle, error) {
	if input.Job.ClusterID == nil {
		return Handle{}, fmt.Errorf("slurm runner: job %d has no cluster assigned", input.Job.ID)
	}
	clusterID := *input.Job.ClusterID

	if err := r.validateDirectives(); err != nil {
		return Handle{}, err
	}

	client, err := r.Pool.Acquire(ctx, clusterID)
	if err != nil {
		return Handle{}, fmt.Errorf("acquire ssh connection: %w", err)
	}
	defer r.Pool.Release(clusterID, client)

	remoteDir := fmt.Sprintf("~/.crystalmath/scratch/job-%d", input.Job.ID)
	if err := r.runCommand(client, fmt.Sprintf("mkdir -p %s", shellQuote(remoteDir))); err != nil {
		return Handle{}, fmt.Errorf("create remote work dir: %w", err)
	}

	inputPath := path.Join(remoteDir, "input.d12")
	if err := r.upload(client, inputPath, input.InputText); err != nil {
		return Handle{}, fmt.Errorf("upload input file: %w", err)
	}

	script := r.renderScript(input, remoteDir, inputPath)
	scriptPath := path.Join(remoteDir, "job.sbatch")
	if err := r.upload(client, scriptPath, script); err != nil {
		return Handle{}, fmt.Errorf("upload sbatch script: %w", err)
	}

	out, err := r.runCommandOutput(client, fmt.Sprintf("sbatch %s", shellQuote(scriptPath)))
	if err != nil {
		return Handle{}, fmt.Errorf("sbatch submit: %w", err)
	}
	jobID := sbatchJobIDPattern.FindString(out)
	if jobID == "" {
		return Handle{}, fmt.Errorf("sbatch: could not parse job id from output %q", out)
	}

	return Handle{RunnerType: model.RunnerSLURM, ClusterID: clusterID, Value: jobID, RemoteDir: remoteDir}, nil
}

// validateDirectives rejects any directive value outside the conservative
// allow-list before it is inserted into a script.
func (r *SLURMRunner) validateDirectives() error {
	if err := validateAllowListed("partition", r.Directives.Partition); err != nil {
		return err
	}
	if err := validateAllowListed("account", r.Directives.Account); err != nil {
		return err
	}
	if err := validateAllowListed("qos", r.Directives.QoS); err != nil {
		return err
	}
	for _, m := range r.Directives.Modules {
		if err := validateAllowListed("module", m); err != nil {
			return err
		}
	}
	return nil
}

func (r *SLURMRunner) renderScript(input PreparedInput, remoteDir, inputPath string) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	fmt.Fprintf(&b, "#SBATCH --job-name=crystalmath-%d\n", input.Job.ID)
	if r.Directives.Partition != "" {
		fmt.Fprintf(&b, "#SBATCH --partition=%s\n", r.Directives.Partition)
	}
	if r.Directives.Account != "" {
		fmt.Fprintf(&b, "#SBATCH --account=%s\n", r.Directives.Account)
	}
	if r.Directives.QoS != "" {
		fmt.Fprintf(&b, "#SBATCH --qos=%s\n", r.Directives.QoS)
	}
	if input.Parallelism.Nodes > 0 {
		fmt.Fprintf(&b, "#SBATCH --nodes=%d\n", input.Parallelism.Nodes)
	}
	if input.Parallelism.Ranks > 0 {
		fmt.Fprintf(&b, "#SBATCH --ntasks=%d\n", input.Parallelism.Ranks)
	}
	if input.Parallelism.Threads > 0 {
		fmt.Fprintf(&b, "#SBATCH --cpus-per-task=%d\n", input.Parallelism.Threads)
	}
	fmt.Fprintf(&b, "#SBATCH --output=%s\n", path.Join(remoteDir, "slurm-%j.out"))
	b.WriteString("\n")
	for _, m := range r.Directives.Modules {
		fmt.Fprintf(&b, "module load %s\n", shellQuote(m))
	}
	fmt.Fprintf(&b, "cd %s\n", shellQuote(remoteDir))
	if input.Parallelism.IsMPI() {
		fmt.Fprintf(&b, "srun PcrystalOMP < %s\n", shellQuote(inputPath))
	} else {
		fmt.Fprintf(&b, "crystalOMP < %s\n", shellQuote(inputPath))
	}
	return b.String()
}

// Poll queries squeue for the job's state, falling back to sacct once the
// job has left the queue entirely.
func (r *SLURMRunner) Poll(ctx context.Context, h Handle) (StatusUpdate, error) {
	client, err := r.Pool.Acquire(ctx, h.ClusterID)
	if err != nil {
		return StatusUpdate{}, fmt.Errorf("acquire ssh connection: %w", err)
	}
	defer r.Pool.Release(h.ClusterID, client)

	out, err := r.runCommandOutput(client, fmt.Sprintf("squeue -j %s -h -o %%T", shellQuote(h.Value)))
	state := strings.TrimSpace(out)
	if err != nil || state == "" {
		return r.pollViaSacct(client, h)
	}
	return mapSLURMState(state), nil
}

func (r *SLURMRunner) pollViaSacct(client *ssh.Client, h Handle) (StatusUpdate, error) {
	out, err := r.runCommandOutput(client, fmt.Sprintf("sacct -j %s -n -o State,ExitCode --parsable2", shellQuote(h.Value)))
	if err != nil {
		return StatusUpdate{}, fmt.Errorf("sacct query: %w", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return StatusUpdate{}, fmt.Errorf("sacct returned no records for job %s", h.Value)
	}
	fields := strings.Split(lines[0], "|")
	state := strings.TrimSpace(fields[0])
	upd := mapSLURMState(state)
	if len(fields) > 1 {
		codeStr, _, _ := strings.Cut(fields[1], ":")
		if code, err := strconv.Atoi(strings.TrimSpace(codeStr)); err == nil {
			upd.ExitCode = &code
		}
	}
	now := time.Now().UTC()
	upd.EndTime = &now
	return upd, nil
}

// mapSLURMState maps squeue/sacct state strings to runner states per
// the recognized squeue/sacct state table.
func mapSLURMState(state string) StatusUpdate {
	switch state {
	case "PENDING", "CONFIGURING":
		return StatusUpdate{State: StateQueued}
	case "RUNNING", "COMPLETING":
		return StatusUpdate{State: StateRunning}
	case "COMPLETED":
		zero := 0
		return StatusUpdate{State: StateCompleted, ExitCode: &zero}
	case "CANCELLED":
		return StatusUpdate{State: StateCancelled}
	case "FAILED", "TIMEOUT", "NODE_FAIL", "OUT_OF_MEMORY":
		return StatusUpdate{State: StateFailed, Reason: state}
	default:
		return StatusUpdate{State: StateRunning, Reason: fmt.Sprintf("unrecognized slurm state %q, treating as running", state)}
	}
}

// Cancel runs scancel against the job id.
func (r *SLURMRunner) Cancel(ctx context.Context, h Handle) (bool, error) {
	client, err := r.Pool.Acquire(ctx, h.ClusterID)
	if err != nil {
		return false, fmt.Errorf("acquire ssh connection: %w", err)
	}
	defer r.Pool.Release(h.ClusterID, client)

	err = r.runCommand(client, fmt.Sprintf("scancel %s", shellQuote(h.Value)))
	return err == nil, err
}

// outputPath is the sbatch --output directive's %j substituted with h.Value.
func (r *SLURMRunner) outputPath(h Handle) string {
	return path.Join(h.RemoteDir, fmt.Sprintf("slurm-%s.out", h.Value))
}

// Retrieve copies the job's slurm-<jobid>.out into destDir via `cat` over a
// session pipe, the same transport Submit/Poll use.
func (r *SLURMRunner) Retrieve(ctx context.Context, h Handle, destDir string) error {
	client, err := r.Pool.Acquire(ctx, h.ClusterID)
	if err != nil {
		return fmt.Errorf("acquire ssh connection: %w", err)
	}
	defer r.Pool.Release(h.ClusterID, client)

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("new session: %w", err)
	}
	defer session.Close()
	b, err := session.Output(fmt.Sprintf("cat %s", shellQuote(r.outputPath(h))))
	if err != nil {
		return fmt.Errorf("fetch slurm output: %w", err)
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("create dest dir: %w", err)
	}
	return os.WriteFile(filepath.Join(destDir, fmt.Sprintf("slurm-%s.out", h.Value)), b, 0o644)
}

// StreamLogs tails the job's slurm-<jobid>.out over a long-lived session,
// streaming lines until ctx is cancelled or the session ends.
func (r *SLURMRunner) StreamLogs(ctx context.Context, h Handle) (<-chan string, error) {
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

	cmd := fmt.Sprintf("tail -n 200 -f %s", shellQuote(r.outputPath(h)))
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

func (r *SLURMRunner) runCommand(client *ssh.Client, cmd string) error {
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("new session: %w", err)
	}
	defer session.Close()
	return session.Run(cmd)
}

func (r *SLURMRunner) runCommandOutput(client *ssh.Client, cmd string) (string, error) {
	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("new session: %w", err)
	}
	defer session.Close()
	out, err := session.Output(cmd)
	return string(out), err
}

func (r *SLURMRunner) upload(client *ssh.Client, remotePath, content string) error {
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("new session: %w", err)
	}
	defer session.Close()
	session.Stdin = strings.NewReader(content)
	return session.Run(fmt.Sprintf("cat > %s", shellQuote(remotePath)))
}
