package syncer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrRemoteNotFound means the remote object does not exist. On a first
// sync from a fresh remote this is the expected, non-error outcome.
var ErrRemoteNotFound = errors.New("remote object not found")

// Transferer moves the snapshot file between the local disk and the
// configured remote.
type Transferer interface {
	// Upload copies localPath to the remote snapshot location.
	Upload(ctx context.Context, localPath string) error
	// Download copies the remote snapshot to localPath. It returns
	// ErrRemoteNotFound when no snapshot exists on the remote yet.
	Download(ctx context.Context, localPath string) error
}

// RcloneTransferer shells out to rclone copyto. Remote and folder are
// validated at construction, before any subprocess can see them.
type RcloneTransferer struct {
	binary   string
	remote   string
	folder   string
	snapshot string
	timeout  time.Duration
	logger   zerolog.Logger
}

// RcloneConfig configures an RcloneTransferer.
type RcloneConfig struct {
	Binary       string
	Remote       string
	Folder       string
	SnapshotName string
	Timeout      time.Duration
	Logger       zerolog.Logger
}

// NewRcloneTransferer validates the remote spec and builds a transferer.
func NewRcloneTransferer(cfg RcloneConfig) (*RcloneTransferer, error) {
	if cfg.Binary == "" {
		return nil, errors.New("rclone binary path is required")
	}
	if err := ValidateRemoteName(cfg.Remote); err != nil {
		return nil, err
	}
	if err := ValidateFolderName(cfg.Folder); err != nil {
		return nil, err
	}
	if cfg.SnapshotName == "" {
		return nil, errors.New("snapshot name is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}

	return &RcloneTransferer{
		binary:   cfg.Binary,
		remote:   cfg.Remote,
		folder:   cfg.Folder,
		snapshot: cfg.SnapshotName,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
	}, nil
}

// remotePath is the rclone-style remote spec for the snapshot object.
func (t *RcloneTransferer) remotePath() string {
	return fmt.Sprintf("%s:%s/%s", t.remote, t.folder, t.snapshot)
}

// Upload pushes the local snapshot to the remote.
func (t *RcloneTransferer) Upload(ctx context.Context, localPath string) error {
	if err := t.run(ctx, "copyto", localPath, t.remotePath()); err != nil {
		return fmt.Errorf("snapshot upload failed: %w", err)
	}
	return nil
}

// Download pulls the remote snapshot to localPath.
func (t *RcloneTransferer) Download(ctx context.Context, localPath string) error {
	err := t.run(ctx, "copyto", t.remotePath(), localPath)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrRemoteNotFound) {
		return ErrRemoteNotFound
	}
	return fmt.Errorf("snapshot download failed: %w", err)
}

// CheckRemote verifies the remote section exists in the rclone config.
func (t *RcloneTransferer) CheckRemote(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, t.binary, "listremotes").Output()
	if err != nil {
		return fmt.Errorf("failed to list rclone remotes: %w", err)
	}

	for _, line := range strings.Split(string(out), "\n") {
		if strings.TrimSuffix(strings.TrimSpace(line), ":") == t.remote {
			return nil
		}
	}
	return fmt.Errorf("rclone remote %q not configured, run: rclone config create %s <backend>", t.remote, t.remote)
}

// run executes one rclone invocation under the per-call timeout.
func (t *RcloneTransferer) run(ctx context.Context, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, t.binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	t.logger.Debug().Strs("args", args).Msg("Running rclone")

	err := cmd.Run()
	if err == nil {
		return nil
	}

	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("rclone timed out after %s", t.timeout)
	}

	msg := stderr.String()
	if isNotFound(err, msg) {
		return ErrRemoteNotFound
	}

	if len(msg) > 300 {
		msg = msg[:300]
	}
	return fmt.Errorf("rclone %s failed: %s: %w", args[0], strings.TrimSpace(msg), err)
}

// isNotFound distinguishes a missing remote object from a real transfer
// failure. rclone exits 3 for "directory not found" and prints a stable
// phrase for missing objects.
func isNotFound(err error, stderr string) bool {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 3 {
		return true
	}
	lower := strings.ToLower(stderr)
	return strings.Contains(lower, "object not found") ||
		strings.Contains(lower, "directory not found")
}
