package persist

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	testAccessKey = "minioadmin"
	testSecretKey = "minioadmin"
)

func TestS3Store(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping S3 integration test in short mode")
	}

	endpoint := os.Getenv("S3_MINIO_ENDPOINT")
	if len(endpoint) == 0 {
		ctx := context.Background()

		req := testcontainers.ContainerRequest{
			Image:        "minio/minio:latest",
			ExposedPorts: []string{"9000/tcp"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     testAccessKey,
				"MINIO_ROOT_PASSWORD": testSecretKey,
			},
			Cmd:        []string{"server", "/data"},
			WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp"),
		}

		minioContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
		if err != nil {
			t.Fatalf("Failed to start MinIO container: %v", err)
		}

		defer func() {
			if err = minioContainer.Terminate(ctx); err != nil {
				t.Logf("Warning: Failed to terminate MinIO container: %v", err)
			}
		}()

		mappedPort, err := minioContainer.MappedPort(ctx, "9000")
		if err != nil {
			t.Fatalf("Failed to get mapped port: %v", err)
		}

		endpoint = fmt.Sprintf("localhost:%s", mappedPort.Port())
	} else {
		endpoint = strings.TrimPrefix(strings.TrimPrefix(endpoint, "http://"), "https://")
	}

	store, err := NewS3Store(S3Config{
		Endpoint:        endpoint,
		AccessKeyID:     testAccessKey,
		SecretAccessKey: testSecretKey,
		Bucket:          "test-tresor-store",
		KeyPrefix:       "test",
		UseSSL:          false,
		Region:          "us-east-1",
	})
	if err != nil {
		t.Fatalf("Failed to create S3 store: %v", err)
	}
	defer store.Close()

	t.Run("Ping", func(t *testing.T) {
		if err := store.Ping(); err != nil {
			t.Fatalf("Ping failed: %v", err)
		}
	})

	t.Run("RoundTrip", func(t *testing.T) {
		exists, err := store.SecretsDataExists()
		if err != nil {
			t.Fatalf("Failed to check existence: %v", err)
		}
		if exists {
			t.Fatal("Fresh prefix should have no secrets data")
		}

		blob := []byte("encrypted-secrets-blob")
		version, err := store.SaveSecretsData(blob, "")
		if err != nil {
			t.Fatalf("Failed to save: %v", err)
		}

		loaded, err := store.LoadSecretsData()
		if err != nil {
			t.Fatalf("Failed to load: %v", err)
		}
		if !bytes.Equal(loaded.Data, blob) {
			t.Error("Loaded data does not match saved data")
		}
		if loaded.Version != version {
			t.Errorf("Version mismatch: %s vs %s", version, loaded.Version)
		}
	})

	t.Run("VersionConflict", func(t *testing.T) {
		v1, err := store.SaveKeysData([]byte("keyring-1"), "")
		if err != nil {
			t.Fatalf("Failed to save: %v", err)
		}
		if _, err = store.SaveKeysData([]byte("keyring-2"), v1); err != nil {
			t.Fatalf("Failed to save with correct version: %v", err)
		}

		_, err = store.SaveKeysData([]byte("keyring-2b"), v1)
		var conflict ConflictError
		if !errors.As(err, &conflict) {
			t.Fatalf("Expected ConflictError, got %v", err)
		}
	})

	t.Run("SaltRoundTrip", func(t *testing.T) {
		salt := []byte("0123456789abcdef")
		if _, err := store.SaveSalt(salt, ""); err != nil {
			t.Fatalf("Failed to save salt: %v", err)
		}
		loaded, err := store.LoadSalt()
		if err != nil {
			t.Fatalf("Failed to load salt: %v", err)
		}
		if !bytes.Equal(loaded.Data, salt) {
			t.Error("Loaded salt does not match")
		}
	})
}
