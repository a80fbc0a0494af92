package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"worshiproom/config"
	"worshiproom/logger"
	"worshiproom/model"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrArchiveNotFound is returned when a room has no archive.
var ErrArchiveNotFound = errors.New("archive not found")

// RoomArchive is the object written for a closed room.
type RoomArchive struct {
	Room       *model.Room          `json:"room"`
	History    []*model.PlayHistory `json:"history"`
	ArchivedAt time.Time            `json:"archivedAt"`
}

// HistoryArchiver writes closed-room history to an object store bucket.
type HistoryArchiver struct {
	client *minio.Client
	bucket string
	region string
}

// NewMinioClient connects to the configured endpoint.
func NewMinioClient(cfg *config.Config) (*minio.Client, error) {
	if cfg.MinioEndpoint == "" {
		return nil, fmt.Errorf("MinIO endpoint not configured")
	}
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
		Region: cfg.MinioRegion,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}
	return client, nil
}

// NewHistoryArchiver wraps client and makes sure bucket exists.
func NewHistoryArchiver(ctx context.Context, client *minio.Client, bucket, region string) (*HistoryArchiver, error) {
	a := &HistoryArchiver{client: client, bucket: bucket, region: region}
	if err := a.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *HistoryArchiver) ensureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", a.bucket, err)
	}
	if exists {
		logger.Info("archive bucket ready", logger.String("bucket", a.bucket))
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{Region: a.region}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", a.bucket, err)
	}
	logger.Info("archive bucket created", logger.String("bucket", a.bucket))
	return nil
}

// ObjectName is the key a room's archive is stored under.
func ObjectName(roomID string) string {
	return fmt.Sprintf("rooms/%s/history.json", roomID)
}

// ArchiveRoom implements room.HistoryArchiver.
func (a *HistoryArchiver) ArchiveRoom(ctx context.Context, room *model.Room, history []*model.PlayHistory) error {
	if history == nil {
		history = []*model.PlayHistory{}
	}
	data, err := json.Marshal(RoomArchive{Room: room, History: history, ArchivedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal archive: %w", err)
	}

	name := ObjectName(room.ID)
	_, err = a.client.PutObject(ctx, a.bucket, name, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", name, err)
	}
	logger.Info("room history archived",
		logger.String("roomId", room.ID),
		logger.String("object", name),
		logger.Int("entries", len(history)))
	return nil
}

// ReadArchive fetches a previously archived room.
func (a *HistoryArchiver) ReadArchive(ctx context.Context, roomID string) (*RoomArchive, error) {
	object, err := a.client.GetObject(ctx, a.bucket, ObjectName(roomID), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrArchiveNotFound
		}
		return nil, fmt.Errorf("failed to read archive: %w", err)
	}
	var archive RoomArchive
	if err := json.Unmarshal(data, &archive); err != nil {
		return nil, fmt.Errorf("failed to decode archive: %w", err)
	}
	return &archive, nil
}
