package remote

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/domain"
)

// HeredocDelimiter terminates file bodies written with WriteFile.
const HeredocDelimiter = "__DEPLOY_MANAGER_EOF__"

var remotePathPattern = regexp.MustCompile(`^/[A-Za-z0-9._/-]*$`)

// ValidatePath checks an absolute remote file path.
func ValidatePath(path string) error {
	if !remotePathPattern.MatchString(path) || strings.Contains(path, "..") {
		return domain.InvalidInput("validate", "path %q is not an allowed absolute path", path)
	}
	return nil
}

// WriteFileCommand renders a command that writes content to path through a
// quoted heredoc, so the body is never subject to shell expansion.
func WriteFileCommand(path, content string) (string, error) {
	if err := ValidatePath(path); err != nil {
		return "", err
	}
	for _, line := range strings.Split(content, "\n") {
		if line == HeredocDelimiter {
			return "", domain.InvalidInput("write file", "content contains the heredoc delimiter")
		}
	}
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return "cat > " + Quote(path) + " <<'" + HeredocDelimiter + "'\n" + content + HeredocDelimiter, nil
}

// Files performs file operations on a remote host.
type Files struct {
	Session Session
	Timeout time.Duration
}

// Write replaces path with content.
func (f Files) Write(ctx context.Context, path, content string) error {
	cmd, err := WriteFileCommand(path, content)
	if err != nil {
		return err
	}
	_, err = Exec(ctx, f.Session, "write "+path, cmd, f.Timeout)
	return err
}

// Read returns the contents of path.
func (f Files) Read(ctx context.Context, path string) (string, error) {
	if err := ValidatePath(path); err != nil {
		return "", err
	}
	res, err := Exec(ctx, f.Session, "read "+path, "cat "+Quote(path), f.Timeout)
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// Exists reports whether path is a regular file.
func (f Files) Exists(ctx context.Context, path string) (bool, error) {
	if err := ValidatePath(path); err != nil {
		return false, err
	}
	res, err := f.Session.Run(ctx, "test -f "+Quote(path), f.Timeout)
	if err != nil {
		return false, err
	}
	return res.OK(), nil
}

// MkdirAll creates each directory and its parents.
func (f Files) MkdirAll(ctx context.Context, dirs ...string) error {
	if len(dirs) == 0 {
		return nil
	}
	quoted := make([]string, 0, len(dirs))
	for _, d := range dirs {
		if err := ValidatePath(d); err != nil {
			return err
		}
		quoted = append(quoted, Quote(d))
	}
	_, err := Exec(ctx, f.Session, "mkdir", "mkdir -p "+strings.Join(quoted, " "), f.Timeout)
	return err
}

// Copy copies src over dst.
func (f Files) Copy(ctx context.Context, src, dst string) error {
	return f.twoPath(ctx, "cp -f", src, dst)
}

// Move renames src over dst.
func (f Files) Move(ctx context.Context, src, dst string) error {
	return f.twoPath(ctx, "mv -f", src, dst)
}

// Remove deletes the given files; missing files are ignored.
func (f Files) Remove(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	quoted := make([]string, 0, len(paths))
	for _, p := range paths {
		if err := ValidatePath(p); err != nil {
			return err
		}
		quoted = append(quoted, Quote(p))
	}
	_, err := Exec(ctx, f.Session, "rm", "rm -f "+strings.Join(quoted, " "), f.Timeout)
	return err
}

func (f Files) twoPath(ctx context.Context, verb, src, dst string) error {
	if err := ValidatePath(src); err != nil {
		return err
	}
	if err := ValidatePath(dst); err != nil {
		return err
	}
	_, err := Exec(ctx, f.Session, verb, verb+" "+Quote(src)+" "+Quote(dst), f.Timeout)
	return err
}
