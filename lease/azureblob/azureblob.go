// Package azureblob keeps lease locks as blob leases in an Azure Storage
// container. Each lock id maps to one empty block blob that is created on
// first use.
package azureblob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	bloblease "github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/lease"
	"github.com/google/uuid"

	"github.com/drblury/busflow/lease"
)

// Blob leases accept 15 to 60 seconds.
const (
	MinLeasePeriod = 15 * time.Second
	MaxLeasePeriod = 60 * time.Second
)

var ErrInvalidLeasePeriod = errors.New("azureblob: lease period must be between 15s and 60s")

// Config selects the storage account and container holding the lock blobs.
type Config struct {
	Account          string
	AccountKey       string
	SASToken         string
	ConnectionString string
	Endpoint         string
	Container        string
	// Prefix is prepended to every lock blob name. Defaults to "locks".
	Prefix string
}

type leaser interface {
	AcquireLease(ctx context.Context, duration int32, o *bloblease.BlobAcquireOptions) (bloblease.BlobAcquireResponse, error)
	RenewLease(ctx context.Context, o *bloblease.BlobRenewOptions) (bloblease.BlobRenewResponse, error)
	ReleaseLease(ctx context.Context, o *bloblease.BlobReleaseOptions) (bloblease.BlobReleaseResponse, error)
}

type blobStore interface {
	leaser(blobName, leaseID string) (leaser, error)
	ensureBlob(ctx context.Context, blobName string) error
}

// Locker acquires blob leases.
type Locker struct {
	store    blobStore
	prefix   string
	lockOpts []lease.Option
	newID    func() string
}

// New connects to the account described by cfg and creates the container
// when it does not exist yet.
func New(ctx context.Context, cfg Config, opts ...lease.Option) (*Locker, error) {
	if cfg.Container == "" {
		return nil, fmt.Errorf("azureblob: container is required")
	}
	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	if _, err := client.CreateContainer(ctx, cfg.Container, nil); err != nil && !isContainerExists(err) {
		return nil, fmt.Errorf("azureblob: create container: %w", err)
	}
	return NewWithContainer(client.ServiceClient().NewContainerClient(cfg.Container), cfg.Prefix, opts...), nil
}

// NewWithContainer uses an existing container client.
func NewWithContainer(c *container.Client, prefix string, opts ...lease.Option) *Locker {
	return newLocker(containerStore{client: c}, prefix, opts...)
}

func newLocker(store blobStore, prefix string, opts ...lease.Option) *Locker {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "locks"
	}
	return &Locker{store: store, prefix: prefix, lockOpts: opts, newID: uuid.NewString}
}

func newClient(cfg Config) (*azblob.Client, error) {
	if cfg.ConnectionString != "" {
		client, err := azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
		if err != nil {
			return nil, fmt.Errorf("azureblob: create client: %w", err)
		}
		return client, nil
	}
	if cfg.Account == "" {
		return nil, fmt.Errorf("azureblob: account is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
	}

	var (
		client *azblob.Client
		err    error
	)
	if cfg.SASToken != "" {
		endpointWithSAS, serr := appendSASToken(endpoint, cfg.SASToken)
		if serr != nil {
			return nil, serr
		}
		client, err = azblob.NewClientWithNoCredential(endpointWithSAS, nil)
	} else {
		if cfg.AccountKey == "" {
			return nil, fmt.Errorf("azureblob: account key or SAS token required")
		}
		cred, credErr := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("azureblob: build credentials: %w", credErr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("azureblob: create client: %w", err)
	}
	return client, nil
}

func appendSASToken(endpoint, sas string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("azureblob: parse endpoint: %w", err)
	}
	sas = strings.TrimPrefix(sas, "?")
	if u.RawQuery != "" {
		u.RawQuery = u.RawQuery + "&" + sas
	} else {
		u.RawQuery = sas
	}
	return u.String(), nil
}

// BlobName returns the blob that backs lockID.
func (l *Locker) BlobName(lockID string) string {
	return path.Join(l.prefix, lockID)
}

// TryAcquire takes the lease on lockID's blob. It returns lease.ErrLockHeld
// when another owner holds it.
func (l *Locker) TryAcquire(ctx context.Context, lockID string, leasePeriod time.Duration) (*lease.Lock, error) {
	seconds, err := leaseSeconds(leasePeriod)
	if err != nil {
		return nil, err
	}

	name := l.BlobName(lockID)
	leaseID := l.newID()
	client, err := l.store.leaser(name, leaseID)
	if err != nil {
		return nil, fmt.Errorf("azureblob: lease client for %s: %w", name, err)
	}

	_, err = client.AcquireLease(ctx, seconds, nil)
	if isStatus(err, http.StatusNotFound) {
		if err := l.store.ensureBlob(ctx, name); err != nil {
			return nil, fmt.Errorf("azureblob: create lock blob %s: %w", name, Classify(err))
		}
		_, err = client.AcquireLease(ctx, seconds, nil)
	}
	if err != nil {
		if isStatus(err, http.StatusConflict) {
			return nil, fmt.Errorf("%w: %s", lease.ErrLockHeld, lockID)
		}
		return nil, fmt.Errorf("azureblob: acquire %s: %w", name, Classify(err))
	}

	return lease.NewLock(leaseID, lockID, leasePeriod, &blobHandle{client: client}, l.lockOpts...)
}

func leaseSeconds(period time.Duration) (int32, error) {
	if period < MinLeasePeriod || period > MaxLeasePeriod {
		return 0, fmt.Errorf("%w: got %s", ErrInvalidLeasePeriod, period)
	}
	return int32(period / time.Second), nil
}

type blobHandle struct {
	client leaser
}

func (h *blobHandle) RenewLease(ctx context.Context, _ string) error {
	_, err := h.client.RenewLease(ctx, nil)
	return Classify(err)
}

func (h *blobHandle) ReleaseLease(ctx context.Context, _ string) error {
	_, err := h.client.ReleaseLease(ctx, nil)
	return Classify(err)
}

// Classify maps storage failures onto lease failure kinds. Server-side
// errors and network failures are transient, 404 means the blob is gone and
// 409/412 mean the lease belongs to someone else.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch {
		case respErr.StatusCode == http.StatusNotFound:
			return lease.Gone(err)
		case respErr.StatusCode == http.StatusConflict, respErr.StatusCode == http.StatusPreconditionFailed:
			return lease.Conflict(err)
		case respErr.StatusCode >= 500 && respErr.StatusCode < 600:
			return lease.Transient(err)
		}
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return lease.Transient(err)
	}
	return err
}

func isStatus(err error, status int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == status
}

func isContainerExists(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusConflict && strings.EqualFold(respErr.ErrorCode, "ContainerAlreadyExists")
	}
	return false
}

type containerStore struct {
	client *container.Client
}

func (s containerStore) leaser(blobName, leaseID string) (leaser, error) {
	c, err := bloblease.NewBlobClient(s.client.NewBlockBlobClient(blobName), &bloblease.BlobClientOptions{
		LeaseID: to.Ptr(leaseID),
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s containerStore) ensureBlob(ctx context.Context, blobName string) error {
	_, err := s.client.NewBlockBlobClient(blobName).Upload(ctx, streaming.NopCloser(bytes.NewReader(nil)), &blockblob.UploadOptions{
		AccessConditions: &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfNoneMatch: to.Ptr(azcore.ETagAny)},
		},
	})
	if isStatus(err, http.StatusConflict) || isStatus(err, http.StatusPreconditionFailed) {
		return nil
	}
	return err
}
