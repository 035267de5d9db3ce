package convert

import (
	"fmt"
	"os"
	"path/filepath"
)

// workspace はジョブ1件分の作業ディレクトリです。
type workspace struct {
	dir        string
	inDir      string
	outDir     string
	profileDir string
}

// createWorkspace は <workDir>/<jobID>/{in,out,profile} を作り直します。
// 再配信で前回の残骸が残っていても空の状態から始めます。
func createWorkspace(workDir, jobID string) (workspace, error) {
	dir := filepath.Join(workDir, jobID)
	if err := os.RemoveAll(dir); err != nil {
		return workspace{}, fmt.Errorf("failed to reset workspace: %w", err)
	}
	ws := workspace{
		dir:        dir,
		inDir:      filepath.Join(dir, "in"),
		outDir:     filepath.Join(dir, "out"),
		profileDir: filepath.Join(dir, "profile"),
	}
	for _, d := range []string{ws.inDir, ws.outDir, ws.profileDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return workspace{}, fmt.Errorf("failed to create workspace: %w", err)
		}
	}
	return ws, nil
}

func (w workspace) inputPath(index int, ext string) string {
	return filepath.Join(w.inDir, fmt.Sprintf("input-%02d%s", index, ext))
}

func (w workspace) remove() error {
	if w.dir == "" {
		return nil
	}
	return os.RemoveAll(w.dir)
}
