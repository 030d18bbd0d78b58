package storage

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"omnichat-go/internal/config"
	"omnichat-go/pkg/log"
)

type minioStager struct {
	client *minio.Client
	bucket string
}

// NewMinIOStager 初始化 MinIO 客户端并确保指定的存储桶存在。
func NewMinIOStager(ctx context.Context, cfg config.MinIOConfig) (Stager, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 MinIO 客户端失败: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("检查 MinIO 存储桶失败: %w", err)
	}
	if !exists {
		log.Infof("存储桶 '%s' 不存在，正在创建...", cfg.BucketName)
		if err := client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("创建 MinIO 存储桶失败: %w", err)
		}
	}
	log.Infof("MinIO 暂存已就绪, bucket=%s", cfg.BucketName)
	return &minioStager{client: client, bucket: cfg.BucketName}, nil
}

// Stage 上传对象，返回 minio://<bucket>/<category>/<name> 形式的引用。
func (s *minioStager) Stage(ctx context.Context, category, field string, data []byte, ext string) (string, error) {
	objectName := path.Join(category, stagedName(field, ext, time.Now()))
	_, err := s.client.PutObject(ctx, s.bucket, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: mimetype.Detect(data).String(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload object: %w", err)
	}
	return minioRef(s.bucket, objectName), nil
}

func (s *minioStager) Remove(ctx context.Context, ref string) error {
	objectName, err := objectFromRef(s.bucket, ref)
	if err != nil {
		return err
	}
	if err := s.client.RemoveObject(ctx, s.bucket, objectName, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to remove object: %w", err)
	}
	return nil
}

const minioScheme = "minio://"

func minioRef(bucket, objectName string) string {
	return minioScheme + bucket + "/" + objectName
}

// objectFromRef 从 minio://<bucket>/<object> 引用中取出对象名，只接受本存储桶的引用。
func objectFromRef(bucket, ref string) (string, error) {
	objectName, ok := strings.CutPrefix(ref, minioScheme+bucket+"/")
	if !ok {
		return "", fmt.Errorf("ref %q does not belong to bucket %s", ref, bucket)
	}
	if objectName == "" || path.Clean("/"+objectName) != "/"+objectName {
		return "", fmt.Errorf("ref %q has an invalid object name", ref)
	}
	return objectName, nil
}
