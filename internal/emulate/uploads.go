package emulate

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/mimicproxy/internal/synth"
)

const unnamedUpload = "unnamed.bin"

func randomHex() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// uploadName keeps only the last element of a client-supplied filename.
func uploadName(name string) string {
	name = filepath.Base(filepath.Clean("/" + name))
	if name == "/" || name == "." || name == ".." || name == "" {
		return unnamedUpload
	}
	return name
}

// PrepareUploads writes every file field to its own directory under
// <dir>/upload_<hex>/ so the browser can pick it up with its original name.
// The returned paths follow field order. cleanup removes everything written
// and is safe to call even when err is non-nil.
func PrepareUploads(dir string, fields []synth.FormField) (paths []string, cleanup func(), err error) {
	if dir == "" {
		dir = os.TempDir()
	}
	cleanup = func() {}

	id, err := randomHex()
	if err != nil {
		return nil, cleanup, fmt.Errorf("upload dir id: %w", err)
	}
	root := filepath.Join(dir, "upload_"+id)
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, cleanup, fmt.Errorf("create upload dir: %w", err)
	}
	cleanup = func() {
		if err := os.RemoveAll(root); err != nil {
			log.Warn().Err(err).Str("dir", root).Msg("Failed to remove upload dir")
		}
	}

	for _, f := range fields {
		if !f.File {
			continue
		}
		sub, err := randomHex()
		if err != nil {
			return nil, cleanup, fmt.Errorf("upload file id: %w", err)
		}
		fileDir := filepath.Join(root, sub)
		if err := os.Mkdir(fileDir, 0o700); err != nil {
			return nil, cleanup, fmt.Errorf("create upload file dir: %w", err)
		}
		path := filepath.Join(fileDir, uploadName(f.Filename))
		if err := os.WriteFile(path, f.Value, 0o600); err != nil {
			return nil, cleanup, fmt.Errorf("write upload %q: %w", f.Name, err)
		}
		paths = append(paths, path)
	}

	log.Debug().Int("files", len(paths)).Str("dir", root).Msg("Uploads prepared")
	return paths, cleanup, nil
}
