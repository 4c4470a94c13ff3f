// Package s3test provides S3 buckets for castore tests: served by an
// in-process fake by default, or by a real endpoint named by the
// environment.
//
// With CASTORE_TEST_S3_ENDPOINT unset, buckets live in gofakes3.
// Otherwise AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY are required,
// AWS_REGION selects real AWS, and CASTORE_TEST_S3_BUCKET may name an
// existing bucket to use instead of creating one.
package s3test

import (
	"net/http/httptest"
	"os"
	"sort"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/google/uuid"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	s3Persist "github.com/jrhy/castore/persist/s3"
)

// Bucket is an empty bucket owned by one test. It is emptied, and
// deleted if the test created it, when the test ends.
type Bucket struct {
	Client *s3.S3
	Name   string
}

// NewBucket returns an empty bucket for t.
func NewBucket(t testing.TB) *Bucket {
	t.Helper()
	client := newClient(t)
	b := &Bucket{Client: client, Name: os.Getenv("CASTORE_TEST_S3_BUCKET")}
	created := false
	if b.Name == "" {
		b.Name = UniqueName("bucket-")
		if _, err := client.CreateBucket(&s3.CreateBucketInput{Bucket: &b.Name}); err != nil {
			t.Fatalf("create bucket %s: %v", b.Name, err)
		}
		created = true
	} else if err := b.empty(); err != nil {
		t.Fatalf("empty bucket %s: %v", b.Name, err)
	}
	t.Cleanup(func() {
		if err := b.empty(); err != nil {
			t.Logf("empty bucket %s: %v", b.Name, err)
		}
		if created {
			client.DeleteBucket(&s3.DeleteBucketInput{Bucket: &b.Name})
		}
	})
	return b
}

// Persist returns a castore Persist keeping blobs in the bucket under
// prefix. Persists with distinct prefixes see disjoint blob sets.
func (b *Bucket) Persist(prefix string) s3Persist.Persist {
	return s3Persist.NewPersist(b.Client, b.Name, prefix)
}

// Keys lists the object keys under prefix in sorted order.
func (b *Bucket) Keys(t testing.TB, prefix string) []string {
	t.Helper()
	var keys []string
	err := b.Client.ListObjectsPages(&s3.ListObjectsInput{
		Bucket: &b.Name,
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsOutput, _ bool) bool {
		for _, o := range page.Contents {
			keys = append(keys, aws.StringValue(o.Key))
		}
		return true
	})
	if err != nil {
		t.Fatalf("list %s/%s: %v", b.Name, prefix, err)
	}
	sort.Strings(keys)
	return keys
}

// UniqueName returns prefix followed by a random UUID.
func UniqueName(prefix string) string {
	return prefix + uuid.NewString()
}

func newClient(t testing.TB) *s3.S3 {
	endpoint := os.Getenv("CASTORE_TEST_S3_ENDPOINT")
	if endpoint == "" {
		faker := gofakes3.New(s3mem.New())
		ts := httptest.NewServer(faker.Server())
		t.Cleanup(ts.Close)
		return newSessionClient(t, &aws.Config{
			Credentials:      credentials.NewStaticCredentials("TEST-ACCESSKEYID", "TEST-SECRETACCESSKEY", ""),
			Endpoint:         aws.String(ts.URL),
			Region:           aws.String("ca-west-1"),
			DisableSSL:       aws.Bool(true),
			S3ForcePathStyle: aws.Bool(true),
		})
	}
	config := &aws.Config{
		Credentials: credentials.NewStaticCredentials(
			requireEnv(t, "AWS_ACCESS_KEY_ID"),
			requireEnv(t, "AWS_SECRET_ACCESS_KEY"),
			os.Getenv("AWS_SESSION_TOKEN"),
		),
		S3ForcePathStyle: aws.Bool(true),
	}
	// Real AWS picks its own endpoint; S3-compatible servers only need
	// a nonempty region.
	if region := os.Getenv("AWS_REGION"); region != "" {
		config.Region = aws.String(region)
	} else {
		config.Region = aws.String("not-using-AWS")
		config.Endpoint = aws.String(endpoint)
	}
	return newSessionClient(t, config)
}

func newSessionClient(t testing.TB, config *aws.Config) *s3.S3 {
	sess, err := session.NewSession(config)
	if err != nil {
		t.Fatalf("aws session: %v", err)
	}
	return s3.New(sess)
}

func requireEnv(t testing.TB, key string) string {
	v := os.Getenv(key)
	if v == "" {
		t.Fatalf("environment %s unset", key)
	}
	return v
}

func (b *Bucket) empty() error {
	params := &s3.ListObjectsInput{Bucket: &b.Name}
	for {
		page, err := b.Client.ListObjects(params)
		if err != nil {
			return err
		}
		if len(page.Contents) == 0 {
			return nil
		}
		objects := make([]*s3.ObjectIdentifier, len(page.Contents))
		for i, o := range page.Contents {
			objects[i] = &s3.ObjectIdentifier{Key: o.Key}
		}
		_, err = b.Client.DeleteObjects(&s3.DeleteObjectsInput{
			Bucket: &b.Name,
			Delete: &s3.Delete{Objects: objects},
		})
		if err != nil {
			return err
		}
		if !aws.BoolValue(page.IsTruncated) {
			return nil
		}
		params.Marker = objects[len(objects)-1].Key
	}
}
