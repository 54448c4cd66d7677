package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/donaloshea1971/dicom-wsi-server-sub002/wsi"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
)

// OpenBucket returns a blob.Bucket for the given reference.
// The reference should be of the form:
//
//	gs://<bucketname>[/<prefix>]
//	s3://<bucketname>[/<prefix>]
//	vast://<endpoint>/<bucketname>
//	file:///<directory>
//	mem://
//
// Google and AWS credentials are found the usual way for each cloud.  For s3,
// the AWS_REGION environment variable must be set.
func OpenBucket(ctx context.Context, ref string) (*blob.Bucket, error) {
	var url, prefix string
	switch {
	case strings.HasPrefix(ref, "vast://"):
		// S3-compatible VAST storage addressed as "vast://<endpoint>/<bucket>".
		parts := strings.SplitN(strings.TrimPrefix(ref, "vast://"), "/", 2)
		if len(parts) != 2 || parts[1] == "" {
			return nil, fmt.Errorf("vast ref must be of form 'vast://<endpoint>/<bucket>'")
		}
		url = fmt.Sprintf("s3://%s?endpoint=%s&s3ForcePathStyle=true", parts[1], parts[0])
	case strings.HasPrefix(ref, "gs://"), strings.HasPrefix(ref, "s3://"):
		scheme := ref[:5]
		rest := strings.TrimPrefix(ref, scheme)
		var query string
		if i := strings.Index(rest, "?"); i >= 0 {
			rest, query = rest[:i], rest[i:]
		}
		parts := strings.SplitN(rest, "/", 2)
		url = scheme + parts[0] + query
		if len(parts) == 2 && parts[1] != "" {
			prefix = strings.TrimSuffix(parts[1], "/") + "/"
		}
	case strings.HasPrefix(ref, "file://"), strings.HasPrefix(ref, "mem://"):
		url = ref
	case strings.Contains(ref, "://"):
		return nil, fmt.Errorf("unsupported bucket reference %q", ref)
	default:
		url = "file://" + ref
	}
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		wsi.Errorf("Can't open bucket reference @ %q: %v\n", ref, err)
		return nil, err
	}
	if prefix != "" {
		bucket = blob.PrefixedBucket(bucket, prefix)
	}
	return bucket, nil
}
