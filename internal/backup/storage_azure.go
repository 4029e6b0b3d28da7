package backup

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"

	"github.com/Azure/azure-storage-blob-go/azblob"
)

// AzureBackend is the hot object store backend for Azure Blob Storage, addressed by
// azure://<container>/<blob> URIs.
type AzureBackend struct {
	serviceURL    azblob.ServiceURL
	containerName string
	prefix        string
	blockSize     int64
	parallelism   uint16
}

// NewAzureBackend creates an AzureBackend instance
func NewAzureBackend(config *AzureConfig) (*AzureBackend, error) {
	if config == nil {
		return nil, NewConfigurationError("Azure storage configuration is required", nil)
	}
	if err := config.Validate(); err != nil {
		return nil, NewConfigurationError("invalid Azure storage configuration", err)
	}

	credential, err := azblob.NewSharedKeyCredential(config.AccountName, config.AccountKey)
	if err != nil {
		return nil, NewConfigurationError("failed to create Azure credentials", err)
	}
	pipeline := azblob.NewPipeline(credential, azblob.PipelineOptions{})

	serviceURL, err := url.Parse(fmt.Sprintf("https://%s.blob.core.windows.net", config.AccountName))
	if err != nil {
		return nil, NewConfigurationError("failed to parse Azure service URL", err)
	}

	return &AzureBackend{
		serviceURL:    azblob.NewServiceURL(*serviceURL, pipeline),
		containerName: config.ContainerName,
		prefix:        config.Prefix,
		blockSize:     config.BlockSize,
		parallelism:   config.Parallelism,
	}, nil
}

func (b *AzureBackend) Type() BackendType { return BackendAzure }
func (b *AzureBackend) Scheme() string    { return "azure" }

func (b *AzureBackend) blob(container, name string) azblob.BlockBlobURL {
	return b.serviceURL.NewContainerURL(container).NewBlockBlobURL(name)
}

// Upload stages the artifact as blocks read straight from the file.
func (b *AzureBackend) Upload(ctx context.Context, localPath, backupID string) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", NewUploadError("failed to open artifact", err)
	}
	defer file.Close()

	name := objectKey(b.prefix, backupID)
	_, err = azblob.UploadFileToBlockBlob(ctx, file, b.blob(b.containerName, name), azblob.UploadToBlockBlobOptions{
		BlockSize:   b.blockSize,
		Parallelism: b.parallelism,
		Metadata:    azblob.Metadata{"backupid": backupID},
		BlobHTTPHeaders: azblob.BlobHTTPHeaders{
			ContentType: "application/octet-stream",
		},
	})
	if err != nil {
		return "", asPipelineError(BackupErrorTypeUpload, "failed to upload artifact to Azure", err).
			WithContext("container", b.containerName).
			WithContext("blob", name)
	}

	return objectURI(b.Scheme(), b.containerName, name), nil
}

func (b *AzureBackend) Download(ctx context.Context, uri, localPath string) (*RetrievalHandle, error) {
	container, name, err := parseObjectURI(uri, b.Scheme())
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(localPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0600)
	if err != nil {
		return nil, NewDownloadError("failed to create local artifact", err)
	}
	defer file.Close()

	blobURL := b.blob(container, name)
	err = azblob.DownloadBlobToFile(ctx, blobURL.BlobURL, 0, azblob.CountToEnd, file, azblob.DownloadFromBlobOptions{
		BlockSize:   b.blockSize,
		Parallelism: b.parallelism,
		RetryReaderOptionsPerBlock: azblob.RetryReaderOptions{
			MaxRetryRequests: 20,
		},
	})
	if err != nil {
		if isAzureNotFound(err) {
			return nil, NewNotFoundError("artifact not found in Azure", err).WithContext("uri", uri)
		}
		return nil, asPipelineError(BackupErrorTypeDownload, "failed to download artifact from Azure", err).
			WithContext("uri", uri)
	}
	return nil, nil
}

func (b *AzureBackend) Delete(ctx context.Context, uri string) error {
	container, name, err := parseObjectURI(uri, b.Scheme())
	if err != nil {
		return err
	}
	_, err = b.blob(container, name).Delete(ctx, azblob.DeleteSnapshotsOptionInclude, azblob.BlobAccessConditions{})
	if err != nil && !isAzureNotFound(err) {
		return NewUploadError("failed to delete Azure blob", err).WithContext("uri", uri)
	}
	return nil
}

// HealthCheck verifies the container is reachable
func (b *AzureBackend) HealthCheck(ctx context.Context) error {
	_, err := b.serviceURL.NewContainerURL(b.containerName).GetProperties(ctx, azblob.LeaseAccessConditions{})
	return err
}

func isAzureNotFound(err error) bool {
	var storageErr azblob.StorageError
	if errors.As(err, &storageErr) {
		return storageErr.ServiceCode() == azblob.ServiceCodeBlobNotFound ||
			storageErr.ServiceCode() == azblob.ServiceCodeContainerNotFound
	}
	return false
}
