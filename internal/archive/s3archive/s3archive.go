// Package s3archive implements archive.Service on an S3-compatible bucket
// (AWS S3 or MinIO).
//
// S3 has no asynchronous inventory, so inventory jobs complete immediately and
// their output is a listing of the bucket prefix. Each completed upload is an
// object whose key is the archive id; its tree hash is kept in the object tag
// "treehash". Re-uploading a changed file overwrites its key, so the same
// archive id comes back in later listings with a newer creation time.
package s3archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/dmitrijs2005/coldkeeper/internal/archive"
	"github.com/dmitrijs2005/coldkeeper/internal/common"
	"github.com/dmitrijs2005/coldkeeper/internal/treehash"
)

// TreeHashTag is the object tag holding the archive tree hash.
const TreeHashTag = "treehash"

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}
)

// API is the subset of the S3 client used here.
type API interface {
	s3.ListObjectsV2APIClient
	GetObjectTagging(ctx context.Context, in *s3.GetObjectTaggingInput, optFns ...func(*s3.Options)) (*s3.GetObjectTaggingOutput, error)
	PutObjectTagging(ctx context.Context, in *s3.PutObjectTaggingInput, optFns ...func(*s3.Options)) (*s3.PutObjectTaggingOutput, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
}

// Options configure the bucket and the client.
//
// Fields:
//   - Bucket: target bucket; archive keys are Prefix + relative path.
//   - Endpoint: custom endpoint (MinIO); enables path-style addressing.
//   - AccessKeyID, SecretAccessKey: static credentials; empty uses the default chain.
type Options struct {
	Bucket          string
	Prefix          string
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

type pendingUpload struct {
	key       string
	sent      int64
	parts     []types.CompletedPart
	hash      *treehash.Hash
	completed bool
}

type Service struct {
	api    API
	bucket string
	prefix string

	mu      sync.Mutex
	uploads map[string]*pendingUpload
}

// New builds a Service backed by a real S3 client.
func New(ctx context.Context, opts Options) (*Service, error) {
	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}

	cfg, err := loadDefaultAWSConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := newS3ClientFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	return NewWithAPI(client, opts.Bucket, opts.Prefix), nil
}

// NewWithAPI wraps an existing client.
func NewWithAPI(api API, bucket, prefix string) *Service {
	return &Service{
		api:     api,
		bucket:  bucket,
		prefix:  prefix,
		uploads: make(map[string]*pendingUpload),
	}
}

// InitiateInventoryJob returns a fresh job id; the listing is taken when the
// output is fetched.
func (s *Service) InitiateInventoryJob(_ context.Context, _ string) (string, error) {
	return uuid.NewString(), nil
}

func (s *Service) DescribeJob(_ context.Context, _, _ string) (archive.JobStatus, error) {
	return archive.JobStatus{Completed: true, StatusCode: "Succeeded"}, nil
}

// FetchJobOutput lists the bucket prefix. Objects without a tree hash tag are
// not complete archives and are left out.
func (s *Service) FetchJobOutput(ctx context.Context, _, _ string) ([]archive.InventoryItem, error) {
	var items []archive.InventoryItem

	p := s3.NewListObjectsV2Paginator(s.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}

		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			digest, err := s.treeHashTag(ctx, key)
			if err != nil {
				return nil, err
			}
			if digest == "" {
				continue
			}

			item := archive.InventoryItem{
				ArchiveID:   key,
				Description: strings.TrimPrefix(key, s.prefix),
				Digest:      digest,
				Size:        aws.ToInt64(obj.Size),
			}
			if obj.LastModified != nil {
				item.CreatedAt = *obj.LastModified
			}
			items = append(items, item)
		}
	}
	return items, nil
}

func (s *Service) treeHashTag(ctx context.Context, key string) (string, error) {
	out, err := s.api.GetObjectTagging(ctx, &s3.GetObjectTaggingInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("get tags of %s: %w", key, err)
	}
	for _, tag := range out.TagSet {
		if aws.ToString(tag.Key) == TreeHashTag {
			return aws.ToString(tag.Value), nil
		}
	}
	return "", nil
}

func (s *Service) InitiateMultipartUpload(ctx context.Context, _, description string, _ int64) (string, error) {
	key := s.prefix + description

	out, err := s.api.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:            aws.String(s.bucket),
		Key:               aws.String(key),
		ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
	})
	if err != nil {
		return "", fmt.Errorf("create multipart upload: %w", err)
	}

	id := aws.ToString(out.UploadId)

	s.mu.Lock()
	s.uploads[id] = &pendingUpload{key: key, hash: treehash.New()}
	s.mu.Unlock()

	return id, nil
}

// UploadPart sends one part with its SHA-256 checksum. The acknowledged digest
// echoes the caller's tree hash only when the body matches it and S3 confirmed
// the checksum. Parts must arrive in order.
func (s *Service) UploadPart(ctx context.Context, _, uploadID string, r archive.ByteRange, body []byte, digest string) (archive.PartAck, error) {
	s.mu.Lock()
	u, ok := s.uploads[uploadID]
	s.mu.Unlock()
	if !ok {
		return archive.PartAck{}, fmt.Errorf("%w: %s", common.ErrUnknownUpload, uploadID)
	}
	if r.Start != u.sent || r.Len() != int64(len(body)) {
		return archive.PartAck{}, fmt.Errorf("upload part %s: expected offset %d", r, u.sent)
	}

	local, err := treehash.Sum(body)
	if err != nil {
		return archive.PartAck{}, err
	}
	if local != digest {
		return archive.PartAck{}, fmt.Errorf("upload part %s: %w", r, common.ErrChecksumMismatch)
	}

	sum := sha256.Sum256(body)
	checksum := base64.StdEncoding.EncodeToString(sum[:])
	partNumber := int32(len(u.parts) + 1)

	out, err := s.api.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:         aws.String(s.bucket),
		Key:            aws.String(u.key),
		UploadId:       aws.String(uploadID),
		PartNumber:     aws.Int32(partNumber),
		ChecksumSHA256: aws.String(checksum),
		Body:           bytes.NewReader(body),
	})
	if err != nil {
		return archive.PartAck{}, fmt.Errorf("upload part %s: %w", r, err)
	}
	if aws.ToString(out.ChecksumSHA256) != checksum {
		return archive.PartAck{}, nil
	}

	if _, err := u.hash.Write(body); err != nil {
		return archive.PartAck{}, err
	}
	u.sent += int64(len(body))
	u.parts = append(u.parts, types.CompletedPart{
		ETag:           out.ETag,
		PartNumber:     aws.Int32(partNumber),
		ChecksumSHA256: out.ChecksumSHA256,
	})

	return archive.PartAck{Digest: digest}, nil
}

// CompleteMultipartUpload checks the size and tree hash of what was sent,
// completes the object and tags it. The returned archive id is the key.
func (s *Service) CompleteMultipartUpload(ctx context.Context, _, uploadID string, totalSize int64, digest string) (string, error) {
	s.mu.Lock()
	u, ok := s.uploads[uploadID]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", common.ErrUnknownUpload, uploadID)
	}

	if u.sent != totalSize {
		return "", fmt.Errorf("complete %s: %w: sent %d, declared %d", u.key, common.ErrSizeMismatch, u.sent, totalSize)
	}
	got, err := u.hash.HexSum()
	if err != nil {
		return "", err
	}
	if got != digest {
		return "", fmt.Errorf("complete %s: %w", u.key, common.ErrChecksumMismatch)
	}

	// A retry after a failed tagging call must not complete twice.
	if !u.completed {
		_, err = s.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(s.bucket),
			Key:             aws.String(u.key),
			UploadId:        aws.String(uploadID),
			MultipartUpload: &types.CompletedMultipartUpload{Parts: u.parts},
		})
		if err != nil {
			return "", fmt.Errorf("complete multipart upload: %w", err)
		}
		u.completed = true
	}

	_, err = s.api.PutObjectTagging(ctx, &s3.PutObjectTaggingInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(u.key),
		Tagging: &types.Tagging{TagSet: []types.Tag{
			{Key: aws.String(TreeHashTag), Value: aws.String(digest)},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("tag %s: %w", u.key, err)
	}

	s.mu.Lock()
	delete(s.uploads, uploadID)
	s.mu.Unlock()

	return u.key, nil
}

var _ archive.Service = (*Service)(nil)
