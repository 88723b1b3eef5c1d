package syncer

import (
	"archive/zip"
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// rcloneVersion is the pinned release provisioned when no system rclone
// is found. Pinning keeps the checksum manifest stable.
const rcloneVersion = "v1.68.2"

const rcloneReleaseBase = "https://github.com/rclone/rclone/releases/download"

// ErrChecksumMismatch means the downloaded archive did not match the
// release manifest. Provisioning must never install such a binary.
var ErrChecksumMismatch = fmt.Errorf("rclone archive checksum mismatch")

// Provisioner locates or installs the rclone binary.
type Provisioner struct {
	dataDir string
	client  *http.Client
	logger  zerolog.Logger

	// baseURL is swappable for tests; defaults to the GitHub releases.
	baseURL string
}

// NewProvisioner creates a provisioner that installs under dataDir/bin.
func NewProvisioner(dataDir string, logger zerolog.Logger) *Provisioner {
	return &Provisioner{
		dataDir: dataDir,
		client:  &http.Client{Timeout: 2 * time.Minute},
		logger:  logger,
		baseURL: rcloneReleaseBase,
	}
}

// EnsureRclone returns a path to a usable rclone binary. A system install
// on PATH wins; otherwise the pinned release is downloaded, verified
// against its SHA256SUMS manifest, and unpacked into the data directory.
func (p *Provisioner) EnsureRclone() (string, error) {
	if path, err := exec.LookPath("rclone"); err == nil {
		return path, nil
	}

	target := filepath.Join(p.dataDir, "bin", binaryName())
	if _, err := os.Stat(target); err == nil {
		return target, nil
	}

	return p.download(target)
}

func (p *Provisioner) download(target string) (string, error) {
	osName, arch := platformInfo()
	archiveName := fmt.Sprintf("rclone-%s-%s-%s.zip", rcloneVersion, osName, arch)

	p.logger.Info().
		Str("version", rcloneVersion).
		Str("platform", osName+"-"+arch).
		Msg("Downloading rclone")

	archive, err := p.fetch(fmt.Sprintf("%s/%s/%s", p.baseURL, rcloneVersion, archiveName))
	if err != nil {
		return "", fmt.Errorf("failed to download rclone: %w", err)
	}
	defer os.Remove(archive)

	if err := p.verifyChecksum(archive, archiveName); err != nil {
		return "", err
	}

	if err := extractBinary(archive, target); err != nil {
		return "", fmt.Errorf("failed to extract rclone: %w", err)
	}

	p.logger.Info().Str("path", target).Msg("rclone installed")
	return target, nil
}

// fetch downloads a release asset to a temp file and returns its path.
func (p *Provisioner) fetch(url string) (string, error) {
	resp, err := p.client.Get(url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %s for %s", resp.Status, url)
	}

	tmp, err := os.CreateTemp("", "rclone-*.zip")
	if err != nil {
		return "", err
	}

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

// verifyChecksum fetches the release SHA256SUMS manifest and compares the
// archive digest. A mismatch is fatal for provisioning.
func (p *Provisioner) verifyChecksum(archivePath, archiveName string) error {
	manifest, err := p.fetchManifest()
	if err != nil {
		return fmt.Errorf("failed to fetch checksum manifest: %w", err)
	}

	want, ok := manifest[archiveName]
	if !ok {
		return fmt.Errorf("%w: %s missing from manifest", ErrChecksumMismatch, archiveName)
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	got := hex.EncodeToString(h.Sum(nil))

	if !strings.EqualFold(got, want) {
		return fmt.Errorf("%w: got %s, want %s", ErrChecksumMismatch, got, want)
	}
	return nil
}

func (p *Provisioner) fetchManifest() (map[string]string, error) {
	resp, err := p.client.Get(fmt.Sprintf("%s/%s/SHA256SUMS", p.baseURL, rcloneVersion))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s for checksum manifest", resp.Status)
	}

	return parseChecksumManifest(resp.Body)
}

// parseChecksumManifest reads "digest  filename" lines into a map.
func parseChecksumManifest(r io.Reader) (map[string]string, error) {
	manifest := make(map[string]string)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		name := strings.TrimPrefix(fields[1], "*")
		manifest[filepath.Base(name)] = fields[0]
	}
	return manifest, scanner.Err()
}

// extractBinary pulls the rclone binary out of the release zip.
func extractBinary(archivePath, target string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer zr.Close()

	name := binaryName()
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || filepath.Base(f.Name) != name {
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}

		src, err := f.Open()
		if err != nil {
			return err
		}

		dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0755)
		if err != nil {
			src.Close()
			return err
		}

		_, err = io.Copy(dst, src)
		src.Close()
		if cerr := dst.Close(); err == nil {
			err = cerr
		}
		return err
	}

	return fmt.Errorf("binary %s not found in archive", name)
}

func binaryName() string {
	if runtime.GOOS == "windows" {
		return "rclone.exe"
	}
	return "rclone"
}

func platformInfo() (osName, arch string) {
	switch runtime.GOOS {
	case "windows":
		osName = "windows"
	case "darwin":
		osName = "osx"
	default:
		osName = "linux"
	}

	switch runtime.GOARCH {
	case "amd64", "arm64", "386":
		arch = runtime.GOARCH
	default:
		arch = "amd64"
	}
	return osName, arch
}
