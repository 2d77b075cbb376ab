package transport

import (
	"context"
	"fmt"
	"io/fs"
	nethttp "net/http"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/dustin/go-humanize"

	"github.com/runsync/runsync/internal/constants"
	"github.com/runsync/runsync/internal/logging"
)

// Azure copies trees to and from a blob container. The endpoint carries a
// service SAS URL and the container name; the remote path is the blob prefix.
type Azure struct {
	logger     *logging.Logger
	httpClient *nethttp.Client

	mu      sync.Mutex
	clients map[string]*azblob.Client
}

// NewAzure creates the Azure binding.
func NewAzure(opts Options) *Azure {
	opts = opts.withDefaults()
	return &Azure{
		logger:     opts.Logger,
		httpClient: opts.HTTPClient,
		clients:    map[string]*azblob.Client{},
	}
}

// Method implements Transport.
func (a *Azure) Method() string { return MethodAzure }

func (a *Azure) client(ep Endpoint) (*azblob.Client, error) {
	if ep.AzureSASURL == "" || ep.AzureContainer == "" {
		return nil, fmt.Errorf("host %s needs azure_sas_url and azure_container", ep.Name)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.clients[ep.Name]; ok {
		return c, nil
	}

	clientOpts := &azblob.ClientOptions{}
	if a.httpClient != nil {
		clientOpts.ClientOptions = azcore.ClientOptions{Transport: a.httpClient}
	}
	c, err := azblob.NewClientWithNoCredential(ep.AzureSASURL, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure client: %w", err)
	}
	a.clients[ep.Name] = c
	return c, nil
}

// Push implements Transport.
func (a *Azure) Push(ctx context.Context, localPath string, remote Endpoint, remotePath string) error {
	c, err := a.client(remote)
	if err != nil {
		return wrap(MethodAzure, "push", localPath, err)
	}
	prefix := objectKey(remotePath)

	info, err := os.Stat(localPath)
	if err != nil {
		return wrap(MethodAzure, "push", localPath, err)
	}
	if !info.IsDir() {
		return wrap(MethodAzure, "push", localPath, a.uploadFile(ctx, c, remote.AzureContainer, localPath, prefix))
	}

	err = filepath.WalkDir(localPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(localPath, p)
		if err != nil {
			return err
		}
		return a.uploadFile(ctx, c, remote.AzureContainer, p, path.Join(prefix, filepath.ToSlash(rel)))
	})
	return wrap(MethodAzure, "push", localPath, err)
}

func (a *Azure) uploadFile(ctx context.Context, c *azblob.Client, container, local, blob string) error {
	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := c.UploadFile(ctx, container, blob, f, &azblob.UploadFileOptions{
		BlockSize: constants.PartSize,
	}); err != nil {
		return fmt.Errorf("upload %s: %w", blob, err)
	}
	if info, err := f.Stat(); err == nil {
		a.logger.Debug().Str("blob", blob).Str("size", humanize.Bytes(uint64(info.Size()))).Msg("blob uploaded")
	}
	return nil
}

// Pull implements Transport with the same layout rules as the S3 binding.
func (a *Azure) Pull(ctx context.Context, remote Endpoint, remotePath, localPath string) error {
	c, err := a.client(remote)
	if err != nil {
		return wrap(MethodAzure, "pull", remotePath, err)
	}
	prefix := objectKey(remotePath)

	pager := c.NewListBlobsFlatPager(remote.AzureContainer, &azblob.ListBlobsFlatOptions{
		Prefix: to.Ptr(prefix),
	})
	found := 0
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return wrap(MethodAzure, "pull", remotePath, fmt.Errorf("list %s: %w", prefix, err))
		}
		if page.Segment == nil {
			continue
		}
		for _, item := range page.Segment.BlobItems {
			if item == nil || item.Name == nil {
				continue
			}
			target, ok := localTarget(prefix, *item.Name, localPath)
			if !ok {
				continue
			}
			if err := a.downloadFile(ctx, c, remote.AzureContainer, *item.Name, target); err != nil {
				return wrap(MethodAzure, "pull", remotePath, err)
			}
			found++
		}
	}
	if found == 0 {
		return wrap(MethodAzure, "pull", remotePath, fmt.Errorf("no blobs under %s", prefix))
	}
	return nil
}

func (a *Azure) downloadFile(ctx context.Context, c *azblob.Client, container, blob, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	f, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := c.DownloadFile(ctx, container, blob, f, nil); err != nil {
		f.Close()
		return fmt.Errorf("download %s: %w", blob, err)
	}
	return f.Close()
}
