package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"go.uber.org/zap"
)

// BlobArchiveStore implements ArchiveStore on Azure Blob Storage using
// shared keys. Archived instances are flat JSON documents; the shared-key
// client can seamlessly target local Azurite instances over HTTP.
type BlobArchiveStore struct {
	client        *azblob.Client
	serviceURL    string
	containerName string
	logger        *zap.Logger
	containerInit bool
}

var _ ArchiveStore = (*BlobArchiveStore)(nil)

// NewBlobArchiveStore creates an archive store from a standard Azure
// storage connection string.
func NewBlobArchiveStore(connectionString, containerName string, logger *zap.Logger) (*BlobArchiveStore, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if connectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if containerName == "" {
		return nil, fmt.Errorf("container name is required")
	}

	params := parseConnectionString(connectionString)
	accountName := params["AccountName"]
	accountKey := params["AccountKey"]
	serviceURL := params["BlobEndpoint"]
	if accountName == "" || accountKey == "" {
		return nil, fmt.Errorf("account name and key are required in the connection string")
	}
	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net", accountName)
	}

	credential, err := azblob.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create shared key credential: %w", err)
	}

	var clientOpts *azblob.ClientOptions
	if strings.HasPrefix(strings.ToLower(serviceURL), "http://") {
		clientOpts = &azblob.ClientOptions{
			ClientOptions: azcore.ClientOptions{
				InsecureAllowCredentialWithHTTP: true,
			},
		}
	}

	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, credential, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob client: %w", err)
	}

	return &BlobArchiveStore{
		client:        client,
		serviceURL:    strings.TrimRight(serviceURL, "/"),
		containerName: containerName,
		logger:        logger,
	}, nil
}

// Put uploads one archived instance document and returns its blob URL.
func (b *BlobArchiveStore) Put(ctx context.Context, key string, data []byte, metadata map[string]string) (string, error) {
	if err := b.ensureContainer(ctx); err != nil {
		return "", err
	}

	metadataPtr := make(map[string]*string, len(metadata))
	for k, v := range metadata {
		metadataPtr[k] = to.Ptr(v)
	}

	containerClient := b.client.ServiceClient().NewContainerClient(b.containerName)
	blobClient := containerClient.NewBlockBlobClient(key)

	_, err := blobClient.UploadBuffer(ctx, data, &azblob.UploadBufferOptions{
		Metadata: metadataPtr,
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType: to.Ptr("application/json"),
		},
	})
	if err != nil {
		b.logger.Error("Failed to upload archive document",
			zap.String("key", key),
			zap.Int("size", len(data)),
			zap.Error(err))
		return "", fmt.Errorf("archive upload failed: %w", err)
	}

	b.logger.Info("Archived instance document",
		zap.String("key", key),
		zap.Int("size_bytes", len(data)))

	return blobClient.URL(), nil
}

func (b *BlobArchiveStore) ensureContainer(ctx context.Context) error {
	if b.containerInit {
		return nil
	}

	_, err := b.client.CreateContainer(ctx, b.containerName, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if strings.Contains(strings.ToLower(err.Error()), "containeralreadyexists") {
			b.containerInit = true
			return nil
		}
		if errors.As(err, &respErr) && respErr.ErrorCode == "ContainerAlreadyExists" {
			b.containerInit = true
			return nil
		}
		return fmt.Errorf("failed to ensure container: %w", err)
	}

	b.containerInit = true
	return nil
}

func parseConnectionString(connectionString string) map[string]string {
	parts := strings.Split(connectionString, ";")
	params := make(map[string]string, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idx := strings.Index(part, "=")
		if idx <= 0 {
			continue
		}
		params[part[:idx]] = part[idx+1:]
	}
	return params
}
