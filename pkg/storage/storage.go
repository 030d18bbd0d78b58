// Package storage 负责暂存用户上传的音频和图片文件。
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// 暂存文件的分类目录。
const (
	CategoryAudio  = "audio"
	CategoryImages = "images"
)

// Stager 把上传内容写入暂存区并返回引用，引用会随消息一起持久化。
type Stager interface {
	Stage(ctx context.Context, category, field string, data []byte, ext string) (string, error)
	Remove(ctx context.Context, ref string) error
}

// stagedName 生成 <field>-<unixmillis>-<random><ext> 形式的文件名，random 取 UUID 的前 12 位十六进制。
func stagedName(field, ext string, now time.Time) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("%s-%d-%s%s", field, now.UnixMilli(), random, ext)
}
