package skills

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/nanobot-ai/nanobot/internal/nberr"
)

// Install unpacks a .skill archive (a zip containing <name>/SKILL.md plus
// support files) into the workspace skills directory. Entries that would
// escape the skills directory and symlink entries are rejected outright.
func (l *Loader) Install(archivePath string) (string, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return "", nberr.Wrap(nberr.Validation, "open skill archive", err)
	}
	defer r.Close()

	if err := os.MkdirAll(l.WorkspaceSkills, 0o755); err != nil {
		return "", err
	}
	root, err := filepath.Abs(l.WorkspaceSkills)
	if err != nil {
		return "", err
	}

	skillName := ""
	for _, f := range r.File {
		name := filepath.Clean(f.Name)
		if name == "." || strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			return "", nberr.Newf(nberr.Validation, "skill archive entry escapes target: %q", f.Name)
		}
		if f.Mode()&os.ModeSymlink != 0 {
			return "", nberr.Newf(nberr.Validation, "skill archive contains symlink: %q", f.Name)
		}

		dest := filepath.Join(root, name)
		if rel, err := filepath.Rel(root, dest); err != nil || strings.HasPrefix(rel, "..") {
			return "", nberr.Newf(nberr.Validation, "skill archive entry escapes target: %q", f.Name)
		}

		if skillName == "" {
			skillName = strings.SplitN(name, string(filepath.Separator), 2)[0]
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return "", err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return "", err
		}
		if err := extractFile(f, dest); err != nil {
			return "", err
		}
	}

	if skillName == "" || l.resolve(skillName) == "" {
		return "", nberr.New(nberr.Validation, "skill archive has no SKILL.md")
	}
	return skillName, nil
}

func extractFile(f *zip.File, dest string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
