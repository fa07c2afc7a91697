package manifest

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/go-cmp/cmp"
)

const gib = int64(1 << 30)

func TestSelect(t *testing.T) {
	objects := []Object{
		{Key: "a.tar.gz", Size: 2 * gib},
		{Key: "b.tar.gz", Size: 2 * gib},
		{Key: "c.tar.gz", Size: 2 * gib},
		{Key: "d.tar.gz", Size: 2 * gib},
	}

	tests := []struct {
		name  string
		quota int64
		want  int
	}{
		{name: "quota below one object still selects one", quota: gib, want: 1},
		{name: "quota met exactly overshoots by one", quota: 4 * gib, want: 3},
		{name: "quota crossed mid pool", quota: 4*gib + 1, want: 3},
		{name: "quota above pool selects everything", quota: 100 * gib, want: 4},
		{name: "zero quota selects one", quota: 0, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Select(objects, tt.quota)
			if len(got) != tt.want {
				t.Errorf("Select() chose %d objects, want %d", len(got), tt.want)
			}
		})
	}
}

func TestLine(t *testing.T) {
	tests := []struct {
		name string
		obj  Object
		want string
	}{
		{
			name: "bare key",
			obj:  Object{Key: "SRR1234.tar.gz"},
			want: "SRR1234,https://s3-us-west-2.amazonaws.com/samples/SRR1234.tar.gz",
		},
		{
			name: "nested key uses basename",
			obj:  Object{Key: "batch-3/SRR5678.fastq.gz"},
			want: "SRR5678,https://s3-us-west-2.amazonaws.com/samples/SRR5678.fastq.gz",
		},
		{
			name: "key without extension",
			obj:  Object{Key: "README"},
			want: "README,https://s3-us-west-2.amazonaws.com/samples/README",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Line(tt.obj, "us-west-2", "samples"); got != tt.want {
				t.Errorf("Line() = %q, want %q", got, tt.want)
			}
		})
	}
}

type fakeS3 struct {
	pages []*s3.ListObjectsV2Output
	calls int
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	page := f.pages[f.calls]
	f.calls++
	return page, nil
}

func TestGenerate(t *testing.T) {
	fake := &fakeS3{
		pages: []*s3.ListObjectsV2Output{
			{
				Contents: []s3types.Object{
					{Key: aws.String("SRR1.tar.gz"), Size: aws.Int64(2 * gib)},
					{Key: aws.String("SRR2.tar.gz"), Size: aws.Int64(2 * gib)},
				},
				IsTruncated:           aws.Bool(true),
				NextContinuationToken: aws.String("token"),
			},
			{
				Contents: []s3types.Object{
					{Key: aws.String("SRR3.tar.gz"), Size: aws.Int64(2 * gib)},
				},
			},
		},
	}

	gen := NewGenerator(fake, "us-west-2")
	gen.shuffle = func([]Object) {} // keep listing order for the assertion

	var buf bytes.Buffer
	selected, err := gen.Generate(context.Background(), &buf, "samples", 3*gib)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if fake.calls != 2 {
		t.Errorf("ListObjectsV2 called %d times, want 2", fake.calls)
	}

	wantSelected := []Object{
		{Key: "SRR1.tar.gz", Size: 2 * gib},
		{Key: "SRR2.tar.gz", Size: 2 * gib},
	}
	if diff := cmp.Diff(wantSelected, selected); diff != "" {
		t.Errorf("selected objects mismatch (-want +got):\n%s", diff)
	}

	wantLines := []string{
		"SRR1,https://s3-us-west-2.amazonaws.com/samples/SRR1.tar.gz",
		"SRR2,https://s3-us-west-2.amazonaws.com/samples/SRR2.tar.gz",
	}
	gotLines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if diff := cmp.Diff(wantLines, gotLines); diff != "" {
		t.Errorf("manifest lines mismatch (-want +got):\n%s", diff)
	}
}
