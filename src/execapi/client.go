// Package execapi wraps the remote execution API (REAPI) action cache and CAS
// services behind the narrow interface the remote cache middleware actually
// needs: look up an ActionResult, update one, check which blobs a server
// already has, and upload blobs it doesn't.
//
// Grounded on please's src/remote/remote.go (dial/init sequence, capability
// negotiation, grpc_retry interceptor) and src/remote/blobs.go (upload shape),
// generalised away from please's build-target-centric Client into something
// usable purely in terms of digests.
package execapi

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_retry "github.com/grpc-ecosystem/go-grpc-middleware/retry"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/semaphore"
	bs "google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/thought-machine/remotecache/src/cli"
)

var log = logging.MustGetLogger("execapi")

// dialTimeout bounds how long we wait to establish the initial connection.
const dialTimeout = 5 * time.Second

// maxRetries is how many times the grpc_retry interceptor will retry a single
// unary RPC against transient (Unavailable/etc) errors.
const maxRetries = 3

// ActionCache is the narrow surface of the remote execution API this
// middleware talks to: action-cache lookups/updates and the CAS operations
// needed to check and upload a result's output closure.
type ActionCache interface {
	GetActionResult(ctx context.Context, instanceName string, actionDigest repb.Digest) (*repb.ActionResult, error)
	UpdateActionResult(ctx context.Context, instanceName string, actionDigest repb.Digest, result *repb.ActionResult) (*repb.ActionResult, error)
	FindMissingBlobs(ctx context.Context, instanceName string, digests []repb.Digest) ([]repb.Digest, error)
	UploadBlob(ctx context.Context, digest repb.Digest, data []byte) error
	DownloadBlob(ctx context.Context, digest repb.Digest) ([]byte, error)
}

// IsNotFound reports whether err is the gRPC NotFound status that
// GetActionResult returns for a cache miss, as opposed to a real failure.
func IsNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

// Client is the concurrency-limited, retrying ActionCache implementation used
// outside of tests.
type Client struct {
	conn     *grpc.ClientConn
	ac       repb.ActionCacheClient
	cas      repb.ContentAddressableStorageClient
	bsClient bs.ByteStreamClient

	instanceName string
	sem          *semaphore.Weighted
}

// Dial connects to a REAPI server at addr. The scheme of addr (as a cli.URL)
// determines whether the connection is made over TLS: an "https://" prefix
// dials with the system root CA pool (or rootCACertPath, if given); anything
// else dials insecure. concurrencyLimit bounds the number of in-flight RPCs
// this client will issue at once, guarding against overwhelming a shared
// remote cache server (spec.md §6 ConcurrencyLimit).
func Dial(ctx context.Context, addr cli.URL, rootCACertPath string, headers map[string]string, instanceName string, concurrencyLimit int64) (*Client, error) {
	creds, err := dialCredentials(addr, rootCACertPath)
	if err != nil {
		return nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	interceptors := []grpc.UnaryClientInterceptor{
		grpc_retry.UnaryClientInterceptor(grpc_retry.WithMax(maxRetries)),
	}
	if len(headers) > 0 {
		interceptors = append(interceptors, headerInterceptor(headers))
	}
	opts := []grpc.DialOption{
		creds,
		grpc.WithUnaryInterceptor(grpc_middleware.ChainUnaryClient(interceptors...)),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}
	conn, err := grpc.DialContext(dialCtx, stripScheme(addr), opts...)
	if err != nil {
		return nil, fmt.Errorf("execapi: dialling %s: %w", addr, err)
	}
	if concurrencyLimit <= 0 {
		concurrencyLimit = 1
	}
	return &Client{
		conn:         conn,
		ac:           repb.NewActionCacheClient(conn),
		cas:          repb.NewContentAddressableStorageClient(conn),
		bsClient:     bs.NewByteStreamClient(conn),
		instanceName: instanceName,
		sem:          semaphore.NewWeighted(concurrencyLimit),
	}, nil
}

func dialCredentials(addr cli.URL, rootCACertPath string) (grpc.DialOption, error) {
	if !addr.IsSecure() {
		return grpc.WithTransportCredentials(insecure.NewCredentials()), nil
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if rootCACertPath != "" {
		pem, err := os.ReadFile(rootCACertPath)
		if err != nil {
			return nil, fmt.Errorf("execapi: reading root CA certs: %w", err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("execapi: no certificates found in %s", rootCACertPath)
		}
	}
	return grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{RootCAs: pool})), nil
}

func stripScheme(addr cli.URL) string {
	s := string(addr)
	for _, prefix := range []string{"https://", "http://"} {
		if len(s) > len(prefix) && s[:len(prefix)] == prefix {
			return s[len(prefix):]
		}
	}
	return s
}

func headerInterceptor(headers map[string]string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		for k, v := range headers {
			ctx = withHeader(ctx, k, v)
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// Close releases the underlying gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) acquire(ctx context.Context) error {
	return c.sem.Acquire(ctx, 1)
}

func (c *Client) GetActionResult(ctx context.Context, instanceName string, actionDigest repb.Digest) (*repb.ActionResult, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)
	d := actionDigest
	return c.ac.GetActionResult(ctx, &repb.GetActionResultRequest{
		InstanceName: instanceName,
		ActionDigest: &d,
	})
}

func (c *Client) UpdateActionResult(ctx context.Context, instanceName string, actionDigest repb.Digest, result *repb.ActionResult) (*repb.ActionResult, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)
	d := actionDigest
	return c.ac.UpdateActionResult(ctx, &repb.UpdateActionResultRequest{
		InstanceName: instanceName,
		ActionDigest: &d,
		ActionResult: result,
	})
}

func (c *Client) FindMissingBlobs(ctx context.Context, instanceName string, digests []repb.Digest) ([]repb.Digest, error) {
	if len(digests) == 0 {
		return nil, nil
	}
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)
	req := &repb.FindMissingBlobsRequest{InstanceName: instanceName}
	for i := range digests {
		req.BlobDigests = append(req.BlobDigests, &digests[i])
	}
	resp, err := c.cas.FindMissingBlobs(ctx, req)
	if err != nil {
		return nil, err
	}
	missing := make([]repb.Digest, len(resp.MissingBlobDigests))
	for i, d := range resp.MissingBlobDigests {
		missing[i] = *d
	}
	return missing, nil
}

func (c *Client) UploadBlob(ctx context.Context, digest repb.Digest, data []byte) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.sem.Release(1)
	stream, err := c.bsClient.Write(ctx)
	if err != nil {
		return err
	}
	name := uploadResourceName(c.instanceName, digest)
	const chunkSize = 128 * 1024
	for offset := 0; offset < len(data) || offset == 0; {
		end := offset + chunkSize
		if end > len(data) {
			end = len(data)
		}
		if err := stream.Send(&bs.WriteRequest{
			ResourceName: name,
			WriteOffset:  int64(offset),
			Data:         data[offset:end],
			FinishWrite:  end == len(data),
		}); err != nil {
			return err
		}
		if end == len(data) {
			break
		}
		offset = end
	}
	_, err = stream.CloseAndRecv()
	return err
}

func (c *Client) DownloadBlob(ctx context.Context, digest repb.Digest) ([]byte, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)
	name := downloadResourceName(c.instanceName, digest)
	stream, err := c.bsClient.Read(ctx, &bs.ReadRequest{ResourceName: name})
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, digest.SizeBytes)
	for {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || status.Code(err) == codes.OutOfRange {
				break
			}
			return nil, err
		}
		buf = append(buf, resp.Data...)
	}
	return buf, nil
}

func uploadResourceName(instanceName string, digest repb.Digest) string {
	if instanceName == "" {
		return fmt.Sprintf("uploads/%s/blobs/%s/%d", newUUID(), digest.Hash, digest.SizeBytes)
	}
	return fmt.Sprintf("%s/uploads/%s/blobs/%s/%d", instanceName, newUUID(), digest.Hash, digest.SizeBytes)
}

func downloadResourceName(instanceName string, digest repb.Digest) string {
	if instanceName == "" {
		return fmt.Sprintf("blobs/%s/%d", digest.Hash, digest.SizeBytes)
	}
	return fmt.Sprintf("%s/blobs/%s/%d", instanceName, digest.Hash, digest.SizeBytes)
}
