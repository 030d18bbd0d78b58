package storage

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStager_StageAndRemove(t *testing.T) {
	ctx := context.Background()
	base := filepath.Join(t.TempDir(), "uploads")
	s, err := NewLocalStager(base)
	require.NoError(t, err)
	assert.DirExists(t, filepath.Join(base, CategoryImages))

	ref, err := s.Stage(ctx, CategoryAudio, "audio", []byte("RIFF"), ".wav")
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`/audio/audio-\d+-[0-9a-f]{12}\.wav$`), ref)

	data, err := os.ReadFile(filepath.FromSlash(ref))
	require.NoError(t, err)
	assert.Equal(t, "RIFF", string(data))

	require.NoError(t, s.Remove(ctx, ref))
	assert.NoFileExists(t, filepath.FromSlash(ref))
	// 重复删除不报错
	require.NoError(t, s.Remove(ctx, ref))
}

func TestLocalStager_RemoveOutsideBase(t *testing.T) {
	dir := t.TempDir()
	s, err := NewLocalStager(filepath.Join(dir, "uploads"))
	require.NoError(t, err)

	outside := filepath.Join(dir, "keep.txt")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0o644))

	assert.Error(t, s.Remove(context.Background(), outside))
	assert.Error(t, s.Remove(context.Background(), filepath.Join(dir, "uploads", "..", "keep.txt")))
	assert.FileExists(t, outside)
}

func TestStagedName(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	assert.Regexp(t, `^image-1700000000123-[0-9a-f]{12}\.png$`, stagedName("image", ".png", now))
}
