// Package storage 提供了与对象存储服务（如 MinIO）交互的功能。
package storage

import (
	"bytes"
	"context"
	"fmt"

	"echo-bot-go/internal/config"
	"echo-bot-go/pkg/log"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioClient 是一个全局的 MinIO 客户端实例。
var MinioClient *minio.Client

// DatasetStore 定义了训练数据集的存取接口。
// 预处理阶段把整理好的数据集 JSON 存进对象存储，
// 把对象名交给训练器；保留期清理时连同画像一起删除。
type DatasetStore interface {
	PutDataset(ctx context.Context, objectName string, data []byte) error
	RemoveDataset(ctx context.Context, objectName string) error
}

// InitMinIO 初始化 MinIO 客户端并确保指定的存储桶存在。
func InitMinIO(cfg config.MinIOConfig) {
	var err error

	// 1. 初始化 MinIO 客户端
	MinioClient, err = minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		log.Fatal("初始化 MinIO 客户端失败", err)
	}

	log.Info("MinIO 客户端初始化成功")

	// 2. 检查存储桶 (Bucket) 是否存在，如果不存在则创建
	ctx := context.Background()
	bucketName := cfg.BucketName
	exists, err := MinioClient.BucketExists(ctx, bucketName)
	if err != nil {
		log.Fatal("检查 MinIO 存储桶失败", err)
	}

	if !exists {
		log.Infof("存储桶 '%s' 不存在，正在创建...", bucketName)
		err = MinioClient.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{})
		if err != nil {
			log.Fatal("创建 MinIO 存储桶失败", err)
		}
		log.Infof("存储桶 '%s' 创建成功", bucketName)
	} else {
		log.Infof("存储桶 '%s' 已存在", bucketName)
	}
}

// minioDatasetStore 是 DatasetStore 的 MinIO 实现。
type minioDatasetStore struct {
	bucketName string
}

// NewDatasetStore 创建一个基于全局 MinIO 客户端的 DatasetStore。
func NewDatasetStore(cfg config.MinIOConfig) DatasetStore {
	return &minioDatasetStore{bucketName: cfg.BucketName}
}

// PutDataset 上传数据集对象。
func (s *minioDatasetStore) PutDataset(ctx context.Context, objectName string, data []byte) error {
	_, err := MinioClient.PutObject(ctx, s.bucketName, objectName,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("上传数据集到 MinIO 失败: %w", err)
	}
	return nil
}

// RemoveDataset 删除数据集对象。对象不存在视为成功（幂等）。
func (s *minioDatasetStore) RemoveDataset(ctx context.Context, objectName string) error {
	err := MinioClient.RemoveObject(ctx, s.bucketName, objectName, minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("删除 MinIO 数据集失败: %w", err)
	}
	return nil
}
