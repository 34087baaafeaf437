package audit

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"applyflow-engine/pkg/config"
	"applyflow-engine/pkg/errutil"

	"github.com/minio/minio-go/v7"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ArtifactStore persists binary evidence (screenshots, page snapshots) outside
// the engine. Audit entries carry only the returned URIs.
type ArtifactStore interface {
	Store(ctx context.Context, taskID, name, contentType string, data []byte) (string, error)
}

type minioArtifactStore struct {
	client *minio.Client
	bucket string
}

type ArtifactStoreParams struct {
	fx.In
	Client *minio.Client
	Config *config.Config
}

func NewArtifactStore(p ArtifactStoreParams) ArtifactStore {
	return &minioArtifactStore{
		client: p.Client,
		bucket: p.Config.Minio.BucketName,
	}
}

func (s *minioArtifactStore) Store(ctx context.Context, taskID, name, contentType string, data []byte) (string, error) {
	objectName := fmt.Sprintf("tasks/%s/%d_%s", taskID, time.Now().UnixMilli(), name)

	_, err := s.client.PutObject(ctx, s.bucket, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		zap.L().Error("failed to store artifact",
			zap.String("task_id", taskID),
			zap.String("object", objectName),
			zap.Error(err),
		)
		return "", errutil.Recoverable("artifact upload failed", errutil.WithErr(err))
	}

	return fmt.Sprintf("s3://%s/%s", s.bucket, objectName), nil
}
