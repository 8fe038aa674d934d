package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
)

// AzureScheme prefixes blob references accepted by AzureStorage.Fetch,
// as in azure://container/path/to/blob.jpg
const AzureScheme = "azure://"

// maxBlobSize caps downloaded source images
const maxBlobSize = 64 << 20

// AzureStorage uploads outputs to a container and downloads source blobs
type AzureStorage struct {
	client    *azblob.Client
	container string
}

// NewAzureStorage authenticates with a shared key. An empty endpoint means
// the public account URL.
func NewAzureStorage(accountName, accountKey, container, endpoint string) (*AzureStorage, error) {
	credential, err := azblob.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		return nil, fmt.Errorf("invalid azure credentials: %w", err)
	}

	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", accountName)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(endpoint, credential, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create azure client: %w", err)
	}

	return &AzureStorage{client: client, container: container}, nil
}

// Put implements Sink
func (s *AzureStorage) Put(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	name = strings.TrimPrefix(name, "/")
	opts := &azblob.UploadBufferOptions{}
	if contentType != "" {
		opts.HTTPHeaders = &blob.HTTPHeaders{BlobContentType: &contentType}
	}

	if _, err := s.client.UploadBuffer(ctx, s.container, name, data, opts); err != nil {
		return "", fmt.Errorf("upload failed: %w", err)
	}
	return strings.TrimSuffix(s.client.URL(), "/") + "/" + s.container + "/" + name, nil
}

// Fetch downloads a blob referenced as azure://container/blob
func (s *AzureStorage) Fetch(ctx context.Context, ref string) ([]byte, error) {
	container, blobName, err := ParseBlobRef(ref)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.DownloadStream(ctx, container, blobName, nil)
	if err != nil {
		return nil, fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBlobSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return data, nil
}

// IsBlobRef reports whether source names an Azure blob
func IsBlobRef(source string) bool {
	return strings.HasPrefix(source, AzureScheme)
}

// ParseBlobRef splits azure://container/blob into its parts
func ParseBlobRef(ref string) (container, blobName string, err error) {
	if !IsBlobRef(ref) {
		return "", "", fmt.Errorf("invalid blob reference %q", ref)
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", "", fmt.Errorf("invalid blob reference: %w", err)
	}
	container = u.Host
	blobName = strings.TrimPrefix(u.Path, "/")
	if container == "" || blobName == "" {
		return "", "", fmt.Errorf("blob reference %q needs a container and a blob name", ref)
	}
	return container, blobName, nil
}
