package blob

import (
	"context"
	"fmt"
	"os"
	"strings"

	fsstore "budgetcore/internal/infra/blob/fs"
	memorystore "budgetcore/internal/infra/blob/memory"
	s3store "budgetcore/internal/infra/blob/s3"
)

// S3Config configures the S3 backend.
type S3Config = s3store.Config

// Open selects a blob.Store from the environment.
//
//	BUDGETCORE_BLOB_DRIVER: fs|s3|memory (default fs)
//	BUDGETCORE_BLOB_FS_ROOT: directory root when driver=fs (default ./archive)
//	BUDGETCORE_BLOB_S3_BUCKET, _REGION, _ENDPOINT, _PATH_STYLE: s3 settings
func Open(ctx context.Context) (Store, error) {
	driver := Driver(strings.ToLower(strings.TrimSpace(os.Getenv("BUDGETCORE_BLOB_DRIVER"))))
	if driver == "" {
		driver = DriverFilesystem
	}
	switch driver {
	case DriverFilesystem:
		return NewFilesystem(os.Getenv("BUDGETCORE_BLOB_FS_ROOT"))
	case DriverS3:
		return NewS3(ctx, S3ConfigFromEnv())
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q", driver)
	}
}

// S3ConfigFromEnv reads the BUDGETCORE_BLOB_S3_* variables.
func S3ConfigFromEnv() S3Config {
	return S3Config{
		Bucket:    os.Getenv("BUDGETCORE_BLOB_S3_BUCKET"),
		Region:    os.Getenv("BUDGETCORE_BLOB_S3_REGION"),
		Endpoint:  os.Getenv("BUDGETCORE_BLOB_S3_ENDPOINT"),
		PathStyle: strings.EqualFold(os.Getenv("BUDGETCORE_BLOB_S3_PATH_STYLE"), "true"),
	}
}

// NewFilesystem returns a filesystem-backed store rooted at root.
func NewFilesystem(root string) (Store, error) {
	return fsstore.New(root)
}

// NewMemory returns an in-memory store.
func NewMemory() Store { return memorystore.New() }

// NewS3 returns an S3-backed store.
func NewS3(ctx context.Context, cfg S3Config) (Store, error) {
	return s3store.New(ctx, cfg)
}
