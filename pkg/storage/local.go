package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"omnichat-go/pkg/log"
)

type localStager struct {
	baseDir string
}

// NewLocalStager 创建一个写入本地目录的 Stager，并预先创建 audio 与 images 子目录。
func NewLocalStager(baseDir string) (Stager, error) {
	for _, c := range []string{CategoryAudio, CategoryImages} {
		if err := os.MkdirAll(filepath.Join(baseDir, c), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create upload dir: %w", err)
		}
	}
	log.Infof("本地暂存目录已就绪: %s", baseDir)
	return &localStager{baseDir: baseDir}, nil
}

func (s *localStager) Stage(ctx context.Context, category, field string, data []byte, ext string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path := filepath.Join(s.baseDir, category, stagedName(field, ext, time.Now()))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to stage upload: %w", err)
	}
	return filepath.ToSlash(path), nil
}

// Remove 删除暂存文件。文件已不存在视为成功，暂存目录之外的路径会被拒绝。
func (s *localStager) Remove(ctx context.Context, ref string) error {
	path := filepath.Clean(filepath.FromSlash(ref))
	rel, err := filepath.Rel(filepath.Clean(s.baseDir), path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to remove %q outside upload dir", ref)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove staged file: %w", err)
	}
	return nil
}
