package s3blob

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/alanyoungcy/shortcycle/internal/domain"
)

var _ domain.BlobReader = (*Reader)(nil)

type Reader struct {
	client *Client
}

func NewReader(c *Client) *Reader {
	return &Reader{client: c}
}

// Exists issues a HeadObject. Missing objects are (false, nil).
func (r *Reader) Exists(ctx context.Context, path string) (bool, error) {
	_, err := r.client.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(r.client.bucket),
		Key:    aws.String(path),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("s3blob: head %s: %w", path, err)
}

// isNotFound matches the typed SDK errors and the bare 404 some compatible
// providers return from HEAD.
func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var status interface{ HTTPStatusCode() int }
	return errors.As(err, &status) && status.HTTPStatusCode() == http.StatusNotFound
}
