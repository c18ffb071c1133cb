package clone

import (
	"io"
	"os"
	"path/filepath"

	"github.com/rcliao/content-engine/internal/model"
)

// copyLocations copies the working copy (with its repository metadata), the
// rendered volume and the web-content volume of src into dst's locations.
func copyLocations(src, dst *model.ContentPackage) error {
	for _, loc := range [][2]string{
		{src.SourceLocation, dst.SourceLocation},
		{src.VolumeLocation, dst.VolumeLocation},
		{src.WebContentVolume, dst.WebContentVolume},
	} {
		if loc[0] == "" || loc[1] == "" {
			continue
		}
		if _, err := os.Stat(loc[0]); os.IsNotExist(err) {
			if err := os.MkdirAll(loc[1], 0o755); err != nil {
				return err
			}
			continue
		}
		if err := copyDir(loc[0], loc[1]); err != nil {
			return err
		}
	}
	return nil
}

func copyDir(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
