package s3

import (
	"context"
	"fmt"
	"io/ioutil"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

var fs = afero.Afero{Fs: afero.NewMemMapFs()}

func tempFile(t *testing.T) afero.File {
	file, err := fs.TempFile("", "")
	if err != nil {
		t.Fatal(err)
	}
	t.Logf("Created temporary file: %s", file.Name())
	return file
}

type mockS3Client struct {
	s3iface.S3API
	t    *testing.T
	f    afero.File
	err  error
	keys []string
}

func (c *mockS3Client) GetObjectWithContext(ctx aws.Context, input *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error) {
	c.keys = append(c.keys, *input.Bucket+"/"+*input.Key)
	if c.err != nil {
		return nil, c.err
	}
	return &s3.GetObjectOutput{
		Body:         c.f,
		ContentRange: aws.String("1"),
	}, nil
}

func (c *mockS3Client) HeadObjectWithContext(ctx aws.Context, input *s3.HeadObjectInput, opts ...request.Option) (*s3.HeadObjectOutput, error) {
	c.keys = append(c.keys, *input.Bucket+"/"+*input.Key)
	if c.err != nil {
		return nil, c.err
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(12)}, nil
}

func TestObjectStorageImpl_Exists(t *testing.T) {
	testCases := []struct {
		name    string
		err     error
		want    bool
		wantErr bool
	}{
		{"present", nil, true, false},
		{"missing", awserr.NewRequestFailure(awserr.New("NotFound", "Not Found", nil), 404, "req"), false, false},
		{"denied", awserr.NewRequestFailure(awserr.New("Forbidden", "Forbidden", nil), 403, "req"), false, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s3c := &mockS3Client{t: t, err: tc.err}
			client := &ObjectStorageImpl{client: s3c, downloader: s3manager.NewDownloaderWithClient(s3c)}
			have, err := client.Exists(context.TODO(), "s3://bucket/key.tif")
			if (err != nil) != tc.wantErr {
				t.Fatalf("Exists() error = %v, wantErr %t", err, tc.wantErr)
			}
			if have != tc.want {
				t.Errorf("Exists() = %t, want %t", have, tc.want)
			}
		})
	}
}

func TestObjectStorageImpl_Download(t *testing.T) {
	const want = "Hello world!"

	// Input file S3 mock is to read from
	fi := tempFile(t)
	defer fi.Close()
	fmt.Fprint(fi, want)
	fi.Seek(0, 0)

	// Output file we want to validate
	fo := tempFile(t)
	defer fo.Close()

	s3c := &mockS3Client{t: t, f: fi}
	s3d := s3manager.NewDownloaderWithClient(s3c)
	client := &ObjectStorageImpl{client: s3c, downloader: s3d}

	var err error

	_, err = client.Download(context.TODO(), fo, "[invalid-url]:12345")
	if err == nil {
		t.Error("Download() should have returned an error but didn't")
	}

	_, err = client.Download(context.TODO(), fo, "s3://copernicus-dem-30m/foo/bar.tif")
	if err != nil {
		t.Error(err)
	}
	if have, want := s3c.keys[0], "copernicus-dem-30m/foo/bar.tif"; have != want {
		t.Errorf("want key %s, got %s", want, have)
	}

	fo.Seek(0, 0)
	data, err := ioutil.ReadAll(fo)
	if err != nil {
		t.Error(err)
	}
	have := string(data)
	if want != have {
		t.Errorf("want %s, got %s", want, have)
	}
}

func TestObjectStorageImpl_DownloadNotFound(t *testing.T) {
	fo := tempFile(t)
	defer fo.Close()

	s3c := &mockS3Client{t: t, err: awserr.New(s3.ErrCodeNoSuchKey, "The specified key does not exist.", nil)}
	client := &ObjectStorageImpl{client: s3c, downloader: s3manager.NewDownloaderWithClient(s3c)}

	_, err := client.Download(context.TODO(), fo, "s3://bucket/missing.tif")
	if errors.Cause(err) != ErrNotFound {
		t.Errorf("want ErrNotFound, got %v", err)
	}
}

func Test_isNotFound(t *testing.T) {
	testCases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("boom"), false},
		{awserr.New(s3.ErrCodeNoSuchKey, "", nil), true},
		{awserr.New("NotFound", "", nil), true},
		{awserr.New("AccessDenied", "", nil), false},
		{awserr.NewRequestFailure(awserr.New("Unknown", "", nil), 404, "req"), true},
		{awserr.NewRequestFailure(awserr.New("SlowDown", "", nil), 503, "req"), false},
	}
	for _, tc := range testCases {
		if have := isNotFound(tc.err); have != tc.want {
			t.Errorf("isNotFound(%v) = %t, want %t", tc.err, have, tc.want)
		}
	}
}

func Test_getBucketAndKey(t *testing.T) {
	testCases := []struct {
		url     string
		bucket  string
		key     string
		wantErr bool
	}{
		{"s3://copernicus-dem-30m/Copernicus_DSM_COG_10_S17_00_E130_00_DEM/Copernicus_DSM_COG_10_S17_00_E130_00_DEM.tif",
			"copernicus-dem-30m", "Copernicus_DSM_COG_10_S17_00_E130_00_DEM/Copernicus_DSM_COG_10_S17_00_E130_00_DEM.tif", false},
		{"s3://a-different-bucket/geoid/egm08.tif", "a-different-bucket", "geoid/egm08.tif", false},
		{"https://example.com/file.tif", "", "", true},
		{"[invalid-url]:12345", "", "", true},
	}
	for _, tc := range testCases {
		bucket, key, err := getBucketAndKey(tc.url)
		if tc.wantErr {
			if bucket != "" || key != "" || err == nil {
				t.Errorf("getBucketAndKey(%q) was expected to fail but didn't", tc.url)
			}
			continue
		}
		if err != nil {
			t.Errorf("Unexpected error in getBucketAndKey: %s", err)
		}
		if bucket != tc.bucket {
			t.Errorf("Unexpected bucket - got: %s, want: %s", bucket, tc.bucket)
		}
		if key != tc.key {
			t.Errorf("Unexpected key - got: %s, want: %s", key, tc.key)
		}
	}
}

func TestJoinURI(t *testing.T) {
	for _, tc := range []struct{ base, key, want string }{
		{"s3://bucket", "a/b.tif", "s3://bucket/a/b.tif"},
		{"s3://bucket/", "/a/b.tif", "s3://bucket/a/b.tif"},
		{"s3://bucket/prefix", "b.tif", "s3://bucket/prefix/b.tif"},
	} {
		if have := JoinURI(tc.base, tc.key); have != tc.want {
			t.Errorf("JoinURI(%q, %q) = %q, want %q", tc.base, tc.key, have, tc.want)
		}
	}
}
