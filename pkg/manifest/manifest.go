// Package manifest builds sample manifests from an S3 bucket: a random
// subset of objects whose combined size meets a quota, written as
// "name,url" lines for pipeline input.
package manifest

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/fleetmon/fleetmon/pkg/utils"
)

type listAPI interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Object is one candidate sample in the bucket.
type Object struct {
	Key  string
	Size int64
}

// Generator selects samples from a bucket and writes the manifest.
type Generator struct {
	s3      listAPI
	region  string
	shuffle func([]Object)
}

// NewGenerator returns a manifest generator for buckets in the given
// region. Region defaults when empty.
func NewGenerator(client listAPI, region string) *Generator {
	if region == "" {
		region = utils.GetDefaultRegion()
	}
	return &Generator{
		s3:     client,
		region: region,
		shuffle: func(objs []Object) {
			rand.Shuffle(len(objs), func(i, j int) { objs[i], objs[j] = objs[j], objs[i] })
		},
	}
}

// Generate lists the bucket, selects a random subset whose combined
// size meets quotaBytes, and writes one manifest line per sample to w.
// It returns the selected objects.
func (g *Generator) Generate(ctx context.Context, w io.Writer, bucket string, quotaBytes int64) ([]Object, error) {
	objects, err := g.list(ctx, bucket)
	if err != nil {
		return nil, err
	}
	if len(objects) == 0 {
		return nil, fmt.Errorf("bucket %s is empty", bucket)
	}

	g.shuffle(objects)
	selected := Select(objects, quotaBytes)

	for _, obj := range selected {
		if _, err := fmt.Fprintln(w, Line(obj, g.region, bucket)); err != nil {
			return nil, fmt.Errorf("writing manifest: %w", err)
		}
	}
	return selected, nil
}

func (g *Generator) list(ctx context.Context, bucket string) ([]Object, error) {
	var objects []Object
	paginator := s3.NewListObjectsV2Paginator(g.s3, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing bucket %s: %w", bucket, err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, Object{
				Key:  utils.SafeDeref(obj.Key),
				Size: aws.ToInt64(obj.Size),
			})
		}
	}
	return objects, nil
}

// Select takes objects in order until their combined size exceeds
// quotaBytes. The object that crosses the quota is included, so the
// selection always meets the quota when the pool is large enough.
func Select(objects []Object, quotaBytes int64) []Object {
	var selected []Object
	var total int64
	for _, obj := range objects {
		if total > quotaBytes {
			break
		}
		selected = append(selected, obj)
		total += obj.Size
	}
	return selected
}

// Line renders one manifest entry: the sample name before the first
// dot, then the object's public HTTPS URL.
func Line(obj Object, region, bucket string) string {
	base := path.Base(obj.Key)
	name := strings.SplitN(base, ".", 2)[0]
	url := fmt.Sprintf("https://s3-%s.amazonaws.com/%s/%s", region, bucket, base)
	return name + "," + url
}
