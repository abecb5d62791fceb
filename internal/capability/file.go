package capability

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"freighter/internal/model"
)

// FileGenerator streams a source file from the local filesystem.
type FileGenerator struct{}

func (FileGenerator) Generate(ctx context.Context, src model.SourceRef, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := os.Open(src.Path)
	if err != nil {
		return fmt.Errorf("open source %s: %w", src.Path, err)
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("stream source %s: %w", src.Path, err)
	}
	return nil
}

// DirPusher delivers artifacts into a directory tree rooted at Root, one
// subtree per host reference. Writes go to a temp file first and are
// renamed into place, so partially pushed artifacts are never visible
// under their final name.
type DirPusher struct {
	Root string
}

func (p DirPusher) Push(ctx context.Context, req model.PushRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if req.Secret.IsZero() {
		return fmt.Errorf("push %s/%s: %w", req.HostRef, req.TargetID, ErrAuthFailed)
	}
	dir, err := p.destDir(req.HostRef, req.DestinationPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("push %s: %w", req.HostRef, err)
	}

	final := filepath.Join(dir, req.JobID+".artifact")
	tmp, err := os.CreateTemp(dir, ".push-*")
	if err != nil {
		return fmt.Errorf("push %s: %w", req.HostRef, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, req.Body); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("push %s: stream: %w", req.HostRef, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), final)
}

// destDir maps (host, destination) into the local tree, rejecting paths
// that would escape the host's root.
func (p DirPusher) destDir(hostRef, dest string) (string, error) {
	host := sanitizeHost(hostRef)
	if host == "" {
		return "", fmt.Errorf("host %q: %w", hostRef, ErrDestinationInvalid)
	}
	hostRoot := filepath.Join(p.Root, host)
	dir := filepath.Join(hostRoot, filepath.FromSlash(strings.TrimPrefix(dest, "/")))
	clean := filepath.Clean(dir)
	if clean != hostRoot && !strings.HasPrefix(clean, hostRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("destination %q: %w", dest, ErrDestinationInvalid)
	}
	return clean, nil
}

func sanitizeHost(ref string) string {
	ref = strings.TrimSpace(ref)
	if i := strings.Index(ref, "://"); i >= 0 {
		ref = ref[i+3:]
	}
	ref = strings.Trim(ref, "/")
	if ref == "" {
		return ""
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, ref)
}
