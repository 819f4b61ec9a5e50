// internal/archive/s3.go
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsCfgLib "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"triage-ingest/internal/metrics"
	"triage-ingest/internal/retry"
)

// API 는 S3Store 가 쓰는 S3 client 의 부분집합. *s3.Client 가 만족한다.
type API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// NewS3Client 는 region(과 선택적으로 endpoint)으로 S3 client 를 만든다.
// SDK 자체 retry 는 끄고 retry.Policy 로만 재시도한다.
// endpoint 가 있으면 path-style 로 붙는다 (MinIO 등).
func NewS3Client(ctx context.Context, region, endpoint string) (*s3.Client, error) {
	awsCfg, err := awsCfgLib.LoadDefaultConfig(ctx, awsCfgLib.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.Retryer = aws.NopRetryer{}
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// S3Store 는 단일 bucket 에 대한 put/get/list.
// 모든 호출은 retry.Policy 로 감싸고, 시도마다 timeout 을 가진다.
type S3Store struct {
	client  API
	bucket  string
	policy  retry.Policy
	metrics *metrics.Metrics
}

func NewS3Store(client API, bucket string, policy retry.Policy, m *metrics.Metrics) *S3Store {
	if m == nil {
		m = metrics.New()
	}
	return &S3Store{client: client, bucket: bucket, policy: policy, metrics: m}
}

// Put 은 메모리에 있는 바이트를 업로드한다.
// 재시도마다 reader 를 새로 만든다.
func (s *S3Store) Put(ctx context.Context, key string, body []byte) error {
	return s.policy.Do(ctx, func(ctx context.Context) error {
		return s.putObject(ctx, key, bytes.NewReader(body), int64(len(body)))
	}, s.countPutError)
}

// PutFile 은 로컬 DLQ 파일을 그대로 업로드한다.
// 매 시도 전에 처음으로 rewind 한다.
func (s *S3Store) PutFile(ctx context.Context, key string, f io.ReadSeeker, size int64) error {
	return s.policy.Do(ctx, func(ctx context.Context) error {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return retry.Permanent(fmt.Errorf("rewind: %w", err))
		}
		return s.putObject(ctx, key, f, size)
	}, s.countPutError)
}

func (s *S3Store) putObject(ctx context.Context, key string, body io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	return err
}

func (s *S3Store) countPutError(error, int) {
	atomic.AddInt64(&s.metrics.ArchivePutErrorsTotal, 1)
}

// Get 은 객체 전체를 읽어온다.
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.policy.Do(ctx, func(ctx context.Context) error {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		defer out.Body.Close()

		data, err = io.ReadAll(out.Body)
		return err
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return data, nil
}

// List 는 prefix 아래 key 를 사전순(= 파일명 시간순)으로 돌려준다.
func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	var keys []string
	for p.HasMorePages() {
		var page *s3.ListObjectsV2Output
		err := s.policy.Do(ctx, func(ctx context.Context) error {
			var err error
			page, err = p.NextPage(ctx)
			return err
		}, nil)
		if err != nil {
			return keys, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}
