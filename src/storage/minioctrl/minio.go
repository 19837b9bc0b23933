package minioctrl

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const DefaultTranscriptsBucket = "transcripts"

type MinioService struct {
	client *minio.Client
}

func NewMinioService(endpoint, accessKeyID, secretAccessKey string, useSSL bool) (*MinioService, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretAccessKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %v", err)
	}

	return &MinioService{
		client: client,
	}, nil
}

func (s *MinioService) EnsureBucketExists(ctx context.Context, bucketName string) error {
	exists, err := s.client.BucketExists(ctx, bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %v", err)
	}

	if !exists {
		err = s.client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{})
		if err != nil {
			return fmt.Errorf("failed to create bucket: %v", err)
		}
	}

	return nil
}

func (s *MinioService) GetObject(ctx context.Context, bucketName, objectName string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %v", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to read object data: %v", err)
	}

	return data, nil
}

func (s *MinioService) PutObject(ctx context.Context, bucketName, objectName string, data []byte) error {
	reader := bytes.NewReader(data)
	_, err := s.client.PutObject(ctx, bucketName, objectName, reader, int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType(objectName),
	})
	if err != nil {
		return fmt.Errorf("failed to put object: %v", err)
	}

	return nil
}

func (s *MinioService) DeleteObjects(ctx context.Context, bucketName string, objectNames []string) error {
	objectsCh := make(chan minio.ObjectInfo)

	go func() {
		defer close(objectsCh)
		for _, name := range objectNames {
			objectsCh <- minio.ObjectInfo{
				Key: name,
			}
		}
	}()

	for err := range s.client.RemoveObjects(ctx, bucketName, objectsCh, minio.RemoveObjectsOptions{}) {
		if err.Err != nil {
			return fmt.Errorf("failed to delete object %s: %v", err.ObjectName, err.Err)
		}
	}

	return nil
}

func (s *MinioService) GetBucketAndObjectFromURL(minioURL string) (string, string) {
	// MinioURL format: bucket-name/object-name
	parts := strings.SplitN(minioURL, "/", 2)
	if len(parts) != 2 {
		return "", ""
	}
	return parts[0], parts[1]
}

func contentType(objectName string) string {
	if strings.HasSuffix(objectName, ".txt") {
		return "text/plain; charset=utf-8"
	}
	return "application/octet-stream"
}

// TranscriptObjectName returns the object name a meeting's transcript is stored under.
func TranscriptObjectName(meetingID int64) string {
	return fmt.Sprintf("meetings/%d/transcript.txt", meetingID)
}

// TranscriptStore keeps meeting transcripts in one bucket and hands out
// "bucket/object" references.
type TranscriptStore struct {
	minio  *MinioService
	bucket string
}

func NewTranscriptStore(minio *MinioService, bucket string) *TranscriptStore {
	if bucket == "" {
		bucket = DefaultTranscriptsBucket
	}
	return &TranscriptStore{minio: minio, bucket: bucket}
}

// Save uploads the transcript text and returns its reference.
func (t *TranscriptStore) Save(ctx context.Context, meetingID int64, text string) (string, error) {
	if err := t.minio.EnsureBucketExists(ctx, t.bucket); err != nil {
		return "", err
	}
	objectName := TranscriptObjectName(meetingID)
	if err := t.minio.PutObject(ctx, t.bucket, objectName, []byte(text)); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s", t.bucket, objectName), nil
}

// Load reads the transcript behind ref.
func (t *TranscriptStore) Load(ctx context.Context, ref string) (string, error) {
	bucket, objectName := t.minio.GetBucketAndObjectFromURL(ref)
	if bucket == "" {
		return "", fmt.Errorf("invalid transcript reference: %q", ref)
	}
	data, err := t.minio.GetObject(ctx, bucket, objectName)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Delete removes the transcripts behind refs. Missing objects are not an error.
func (t *TranscriptStore) Delete(ctx context.Context, refs []string) error {
	byBucket := make(map[string][]string)
	for _, ref := range refs {
		bucket, objectName := t.minio.GetBucketAndObjectFromURL(ref)
		if bucket == "" {
			continue
		}
		byBucket[bucket] = append(byBucket[bucket], objectName)
	}
	for bucket, names := range byBucket {
		if err := t.minio.DeleteObjects(ctx, bucket, names); err != nil {
			return err
		}
	}
	return nil
}
