package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"omnichat-go/pkg/errorx"
	"omnichat-go/pkg/log"
	"omnichat-go/pkg/storage"
)

// 允许上传的音频与图片类型，按内容嗅探判断，不信任客户端声明的 Content-Type。
var (
	audioTypes = []string{"audio/wav", "audio/mpeg", "audio/mp4", "audio/x-m4a", "video/mp4", "audio/webm", "video/webm"}
	imageTypes = []string{"image/jpeg", "image/png", "image/gif", "image/webp"}
)

// Uploader 校验并暂存上传的文件。
type Uploader struct {
	stager  storage.Stager
	maxSize int64
}

// NewUploader 创建一个新的 Uploader。
func NewUploader(stager storage.Stager, maxSize int64) *Uploader {
	return &Uploader{stager: stager, maxSize: maxSize}
}

type upload struct {
	data []byte
	ref  string
}

// receive 读取表单文件，校验大小与类型，然后写入暂存区。
func (u *Uploader) receive(c *gin.Context, field, category string, allowed []string) (*upload, error) {
	// 留出其他表单字段的余量
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, u.maxSize+1<<20)

	fh, err := c.FormFile(field)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, errorx.NewValidation(field, "file too large")
		}
		return nil, errorx.NewValidation(field, fmt.Sprintf("%s file is required", field))
	}
	if fh.Size > u.maxSize {
		return nil, errorx.NewValidation(field, "file too large")
	}

	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if len(data) == 0 {
		return nil, errorx.NewValidation(field, "file is empty")
	}

	mtype := mimetype.Detect(data)
	if !isAny(mtype, allowed) {
		return nil, errorx.NewValidation(field, fmt.Sprintf("unsupported file type %s", mtype.String()))
	}

	ref, err := u.stager.Stage(c.Request.Context(), category, field, data, mtype.Extension())
	if err != nil {
		return nil, fmt.Errorf("stage upload: %w", err)
	}
	return &upload{data: data, ref: ref}, nil
}

// discard 在文件未被任何消息引用时删除暂存文件。
func (u *Uploader) discard(ctx context.Context, ref string) {
	if err := u.stager.Remove(context.WithoutCancel(ctx), ref); err != nil {
		log.Warnf("删除未使用的暂存文件失败: ref=%s, error=%v", ref, err)
	}
}

func isAny(mtype *mimetype.MIME, allowed []string) bool {
	for _, a := range allowed {
		if mtype.Is(a) {
			return true
		}
	}
	return false
}
