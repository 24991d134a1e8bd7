package storage

import (
	"context"
	"fmt"
	"mime"
	"path"
	"path/filepath"
	"sort"
	"time"

	"QueueFM/config"
	"QueueFM/logger"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ArchivePrefix is the object prefix for kept audio files.
const ArchivePrefix = "archive/"

// ObjectInfo 文件信息
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	ContentType  string
}

// BucketStats 存储桶统计信息
type BucketStats struct {
	TotalObjects int64
	TotalSize    int64
	LastModified time.Time
}

// Archiver uploads audio files that the operator chose to keep.
type Archiver struct {
	client *minio.Client
	bucket string
	region string
}

// NewArchiver 创建 MinIO 归档客户端
func NewArchiver(cfg *config.Config) (*Archiver, error) {
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
		Region: cfg.MinioRegion,
	})
	if err != nil {
		return nil, fmt.Errorf("创建 MinIO 客户端失败: %w", err)
	}
	return &Archiver{client: client, bucket: cfg.MinioBucket, region: cfg.MinioRegion}, nil
}

// Bucket returns the configured bucket name.
func (a *Archiver) Bucket() string {
	return a.bucket
}

// EnsureBucket 检查存储桶是否存在，不存在则创建
func (a *Archiver) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("检查存储桶失败: %w", err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{Region: a.region}); err != nil {
		return fmt.Errorf("创建存储桶失败: %w", err)
	}
	logger.Info("bucket created", logger.Component("storage"), logger.String("bucket", a.bucket))
	return nil
}

// ArchiveKey is the object name a local file is stored under.
func ArchiveKey(sourceID, file string) string {
	return path.Join(ArchivePrefix, sourceID, filepath.Base(file))
}

// Archive uploads file and returns its object key.
func (a *Archiver) Archive(ctx context.Context, sourceID, file string) (string, error) {
	key := ArchiveKey(sourceID, file)
	contentType := mime.TypeByExtension(filepath.Ext(file))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	info, err := a.client.FPutObject(ctx, a.bucket, key, file, minio.PutObjectOptions{
		ContentType: contentType,
		UserMetadata: map[string]string{
			"source-id": sourceID,
		},
	})
	if err != nil {
		return "", fmt.Errorf("上传文件失败: %w", err)
	}

	logger.Info("audio archived",
		logger.Component("storage"),
		logger.String("key", key),
		logger.Int64("size", info.Size))
	return key, nil
}

// List returns objects under prefix sorted by key.
func (a *Archiver) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	for obj := range a.client.ListObjects(ctx, a.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("列出文件失败: %w", obj.Err)
		}
		out = append(out, ObjectInfo{
			Key:          obj.Key,
			Size:         obj.Size,
			LastModified: obj.LastModified,
			ContentType:  obj.ContentType,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Stats 汇总前缀下的对象数量和大小
func (a *Archiver) Stats(ctx context.Context, prefix string) (BucketStats, error) {
	objs, err := a.List(ctx, prefix)
	if err != nil {
		return BucketStats{}, err
	}
	return summarize(objs), nil
}

func summarize(objs []ObjectInfo) BucketStats {
	var s BucketStats
	for _, o := range objs {
		s.TotalObjects++
		s.TotalSize += o.Size
		if o.LastModified.After(s.LastModified) {
			s.LastModified = o.LastModified
		}
	}
	return s
}

// Remove deletes every object under prefix.
func (a *Archiver) Remove(ctx context.Context, prefix string) (int, error) {
	objs, err := a.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	for _, o := range objs {
		if err := a.client.RemoveObject(ctx, a.bucket, o.Key, minio.RemoveObjectOptions{}); err != nil {
			return 0, fmt.Errorf("删除文件 %s 失败: %w", o.Key, err)
		}
	}
	return len(objs), nil
}
