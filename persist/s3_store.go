package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	ctxTimeout = 10 * time.Second
)

// S3Store implements the Store interface against an S3-compatible
// backend via MinIO. Object layout within the bucket:
//
//	bucket/
//	└── [keyPrefix/]
//	    ├── store.json        # store manifest
//	    ├── keys.meta         # encrypted keyring + key metadata
//	    ├── derivation.salt   # key derivation salt
//	    └── secrets.meta      # encrypted secrets + secret metadata
type S3Store struct {
	client     *minio.Client
	bucketName string
	keyPrefix  string
}

// S3Config contains the configuration required to connect to S3 (MinIO).
type S3Config struct {
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Bucket          string `json:"bucket"`
	KeyPrefix       string `json:"key_prefix"`
	UseSSL          bool   `json:"use_ssl"`
	Region          string `json:"region"`
}

// NewS3Store initializes a new S3Store, connects to the endpoint and
// ensures the bucket and store manifest exist.
func NewS3Store(config S3Config) (*S3Store, error) {
	if config.Bucket == "" {
		return nil, fmt.Errorf("bucket is required for S3 store")
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &S3Store{
		client:     client,
		bucketName: config.Bucket,
		keyPrefix:  config.KeyPrefix,
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err = store.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket exists: %w", err)
	}

	if err = store.initializeManifest(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store manifest: %w", err)
	}

	return store, nil
}

// NewS3StoreFromConfig creates an S3Store from StoreConfig
func NewS3StoreFromConfig(config StoreConfig) (*S3Store, error) {
	if config.Type != StoreTypeS3 {
		return nil, fmt.Errorf("invalid store type for S3: %s", config.Type)
	}

	configBytes, err := json.Marshal(config.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}

	var s3Config S3Config
	if err = json.Unmarshal(configBytes, &s3Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal S3 config: %w", err)
	}

	return NewS3Store(s3Config)
}

func (s3s *S3Store) ensureBucket(ctx context.Context) error {
	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err = s3s.client.MakeBucket(ctx, s3s.bucketName, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return nil
}

func (s3s *S3Store) initializeManifest(ctx context.Context) error {
	objectName := s3s.objectPath("store.json")

	_, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err == nil {
		return nil
	}
	if minioErr := minio.ToErrorResponse(err); minioErr.Code != "NoSuchKey" {
		return fmt.Errorf("failed to check store manifest: %w", err)
	}

	manifest := storeManifest{
		Version:    "1.0.0",
		CreatedAt:  time.Now().UTC(),
		LastAccess: time.Now().UTC(),
		Structure:  "v1",
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal store manifest: %w", err)
	}

	_, err = s3s.client.PutObject(
		ctx,
		s3s.bucketName,
		objectName,
		bytes.NewReader(data),
		int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"},
	)
	if err != nil {
		return fmt.Errorf("failed to create store manifest: %w", err)
	}
	return nil
}

// SaveKeysData with optimistic concurrency control
func (s3s *S3Store) SaveKeysData(encryptedKeysData []byte, expectedVersion string) (string, error) {
	return s3s.saveVersioned("keys.meta", encryptedKeysData, expectedVersion, "SaveKeysData")
}

func (s3s *S3Store) LoadKeysData() (*VersionedData, error) {
	return s3s.loadVersioned("keys.meta", "key data")
}

func (s3s *S3Store) KeysDataExists() (bool, error) {
	return s3s.objectExists("keys.meta")
}

// SaveSalt with optimistic concurrency control
func (s3s *S3Store) SaveSalt(saltData []byte, expectedVersion string) (string, error) {
	if len(saltData) == 0 {
		return "", fmt.Errorf("salt is required")
	}
	return s3s.saveVersioned("derivation.salt", saltData, expectedVersion, "SaveSalt")
}

func (s3s *S3Store) LoadSalt() (*VersionedData, error) {
	return s3s.loadVersioned("derivation.salt", "salt")
}

func (s3s *S3Store) SaltExists() (bool, error) {
	return s3s.objectExists("derivation.salt")
}

// SaveSecretsData with optimistic concurrency control
func (s3s *S3Store) SaveSecretsData(encryptedSecretsData []byte, expectedVersion string) (string, error) {
	return s3s.saveVersioned("secrets.meta", encryptedSecretsData, expectedVersion, "SaveSecretsData")
}

func (s3s *S3Store) LoadSecretsData() (*VersionedData, error) {
	return s3s.loadVersioned("secrets.meta", "secrets data")
}

func (s3s *S3Store) SecretsDataExists() (bool, error) {
	return s3s.objectExists("secrets.meta")
}

func (s3s *S3Store) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("S3 connectivity check failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s3s.bucketName)
	}
	return nil
}

func (s3s *S3Store) Close() error {
	return nil
}

func (s3s *S3Store) GetType() string {
	return string(StoreTypeS3)
}

func (s3s *S3Store) saveVersioned(name string, data []byte, expectedVersion, operation string) (string, error) {
	if data == nil {
		return "", fmt.Errorf("data cannot be nil")
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if expectedVersion != "" {
		currentVersion, err := s3s.getObjectVersion(ctx, name)
		if err != nil {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if currentVersion != expectedVersion {
			return "", ConflictError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       operation,
			}
		}
	}

	_, err := s3s.client.PutObject(
		ctx,
		s3s.bucketName,
		s3s.objectPath(name),
		bytes.NewReader(data),
		int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"},
	)
	if err != nil {
		return "", fmt.Errorf("failed to save %s: %w", name, err)
	}

	return calculateVersion(data), nil
}

func (s3s *S3Store) loadVersioned(name, what string) (*VersionedData, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	objectName := s3s.objectPath(name)

	stat, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		if minioErr := minio.ToErrorResponse(err); minioErr.Code == "NoSuchKey" {
			return nil, notFoundError(what)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", what, err)
	}

	object, err := s3s.client.GetObject(ctx, s3s.bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", what, err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", what, err)
	}

	return &VersionedData{
		Data:      data,
		Version:   calculateVersion(data),
		Timestamp: stat.LastModified,
	}, nil
}

func (s3s *S3Store) getObjectVersion(ctx context.Context, name string) (string, error) {
	object, err := s3s.client.GetObject(ctx, s3s.bucketName, s3s.objectPath(name), minio.GetObjectOptions{})
	if err != nil {
		return "", err
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		if minioErr := minio.ToErrorResponse(err); minioErr.Code == "NoSuchKey" {
			return "", nil // Object doesn't exist, version is empty
		}
		return "", err
	}
	return calculateVersion(data), nil
}

func (s3s *S3Store) objectExists(name string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	_, err := s3s.client.StatObject(ctx, s3s.bucketName, s3s.objectPath(name), minio.StatObjectOptions{})
	if err != nil {
		if minioErr := minio.ToErrorResponse(err); minioErr.Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("failed to check %s: %w", name, err)
	}
	return true, nil
}

func (s3s *S3Store) objectPath(name string) string {
	if s3s.keyPrefix == "" {
		return name
	}
	return s3s.keyPrefix + "/" + name
}

// ErrNotFound mirrors the filesystem store's os.IsNotExist semantics so
// callers can treat missing blobs uniformly across backends.
var ErrNotFound = errors.New("not found")

func notFoundError(what string) error {
	return fmt.Errorf("%s: %w", what, ErrNotFound)
}
