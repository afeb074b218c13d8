package runner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"reconpipe/pkg/checkpoint"
)

// NoTemplates is recorded when no template directory is configured
const NoTemplates = "none"

// Fingerprint records the version of every tool and a hash of the template
// tree. A tool whose version cannot be read is recorded as "unknown" so the
// scan can still start; the comparison on resume will flag it.
func Fingerprint(ctx context.Context, tools []Tool, templatesPath string) (checkpoint.Environment, error) {
	env := checkpoint.Environment{ToolVersions: make(map[string]string, len(tools))}
	for _, t := range tools {
		v, err := t.Version(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return env, ctx.Err()
			}
			v = "unknown"
		}
		env.ToolVersions[t.Name()] = v
	}

	hash, err := HashTemplates(templatesPath)
	if err != nil {
		return env, err
	}
	env.TemplatesHash = hash
	return env, nil
}

// HashTemplates returns "sha256:<hex>" over every regular file under root,
// covering relative paths and contents in sorted order. An empty root gives
// NoTemplates.
func HashTemplates(root string) (string, error) {
	if root == "" {
		return NoTemplates, nil
	}
	info, err := os.Stat(root)
	if err != nil {
		return "", fmt.Errorf("templates path: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("templates path %s is not a directory", root)
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walk templates: %w", err)
	}
	sort.Strings(files)

	h := sha256.New()
	for _, path := range files {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(h, "%s\x00", filepath.ToSlash(rel))
		if err := hashFile(h, path); err != nil {
			return "", err
		}
		h.Write([]byte{0})
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

func hashFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}
