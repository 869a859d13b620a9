// Package glacier implements archive.Service on Amazon S3 Glacier vaults.
package glacier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/glacier"
	"github.com/aws/aws-sdk-go-v2/service/glacier/types"

	"github.com/dmitrijs2005/coldkeeper/internal/archive"
)

// accountID "-" means the account owning the credentials.
const accountID = "-"

var loadDefaultAWSConfig = config.LoadDefaultConfig

// API is the subset of the Glacier client used here.
type API interface {
	InitiateJob(ctx context.Context, in *glacier.InitiateJobInput, optFns ...func(*glacier.Options)) (*glacier.InitiateJobOutput, error)
	DescribeJob(ctx context.Context, in *glacier.DescribeJobInput, optFns ...func(*glacier.Options)) (*glacier.DescribeJobOutput, error)
	GetJobOutput(ctx context.Context, in *glacier.GetJobOutputInput, optFns ...func(*glacier.Options)) (*glacier.GetJobOutputOutput, error)
	InitiateMultipartUpload(ctx context.Context, in *glacier.InitiateMultipartUploadInput, optFns ...func(*glacier.Options)) (*glacier.InitiateMultipartUploadOutput, error)
	UploadMultipartPart(ctx context.Context, in *glacier.UploadMultipartPartInput, optFns ...func(*glacier.Options)) (*glacier.UploadMultipartPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *glacier.CompleteMultipartUploadInput, optFns ...func(*glacier.Options)) (*glacier.CompleteMultipartUploadOutput, error)
}

// Options configure the AWS client. Empty credentials fall back to the
// default AWS credential chain.
type Options struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

type Service struct {
	api API
}

// New builds a Service backed by a real Glacier client.
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

	return NewWithAPI(glacier.NewFromConfig(cfg)), nil
}

// NewWithAPI wraps an existing client.
func NewWithAPI(api API) *Service {
	return &Service{api: api}
}

func (s *Service) InitiateInventoryJob(ctx context.Context, vault string) (string, error) {
	out, err := s.api.InitiateJob(ctx, &glacier.InitiateJobInput{
		AccountId: aws.String(accountID),
		VaultName: aws.String(vault),
		JobParameters: &types.JobParameters{
			Type:   aws.String("inventory-retrieval"),
			Format: aws.String("JSON"),
		},
	})
	if err != nil {
		return "", fmt.Errorf("initiate inventory job: %w", err)
	}
	return aws.ToString(out.JobId), nil
}

func (s *Service) DescribeJob(ctx context.Context, vault, jobID string) (archive.JobStatus, error) {
	out, err := s.api.DescribeJob(ctx, &glacier.DescribeJobInput{
		AccountId: aws.String(accountID),
		VaultName: aws.String(vault),
		JobId:     aws.String(jobID),
	})
	if err != nil {
		return archive.JobStatus{}, fmt.Errorf("describe job %s: %w", jobID, err)
	}

	status := archive.JobStatus{StatusCode: string(out.StatusCode)}
	switch out.StatusCode {
	case types.StatusCodeSucceeded:
		status.Completed = true
	case types.StatusCodeFailed:
		return status, fmt.Errorf("%w: %s: %s", archive.ErrJobFailed, jobID, aws.ToString(out.StatusMessage))
	}
	return status, nil
}

func (s *Service) FetchJobOutput(ctx context.Context, vault, jobID string) ([]archive.InventoryItem, error) {
	out, err := s.api.GetJobOutput(ctx, &glacier.GetJobOutputInput{
		AccountId: aws.String(accountID),
		VaultName: aws.String(vault),
		JobId:     aws.String(jobID),
	})
	if err != nil {
		return nil, fmt.Errorf("get job output %s: %w", jobID, err)
	}
	if out.Body == nil {
		return nil, errors.New("get job output: empty body")
	}
	defer out.Body.Close()

	return archive.ParseInventory(out.Body)
}

func (s *Service) InitiateMultipartUpload(ctx context.Context, vault, description string, partSize int64) (string, error) {
	out, err := s.api.InitiateMultipartUpload(ctx, &glacier.InitiateMultipartUploadInput{
		AccountId:          aws.String(accountID),
		VaultName:          aws.String(vault),
		ArchiveDescription: aws.String(description),
		PartSize:           aws.String(strconv.FormatInt(partSize, 10)),
	})
	if err != nil {
		return "", fmt.Errorf("initiate multipart upload: %w", err)
	}
	return aws.ToString(out.UploadId), nil
}

func (s *Service) UploadPart(ctx context.Context, vault, uploadID string, r archive.ByteRange, body []byte, digest string) (archive.PartAck, error) {
	out, err := s.api.UploadMultipartPart(ctx, &glacier.UploadMultipartPartInput{
		AccountId: aws.String(accountID),
		VaultName: aws.String(vault),
		UploadId:  aws.String(uploadID),
		Range:     aws.String(r.String()),
		Checksum:  aws.String(digest),
		Body:      bytes.NewReader(body),
	})
	if err != nil {
		return archive.PartAck{}, fmt.Errorf("upload part %s: %w", r, err)
	}
	return archive.PartAck{Digest: aws.ToString(out.Checksum)}, nil
}

func (s *Service) CompleteMultipartUpload(ctx context.Context, vault, uploadID string, totalSize int64, digest string) (string, error) {
	out, err := s.api.CompleteMultipartUpload(ctx, &glacier.CompleteMultipartUploadInput{
		AccountId:   aws.String(accountID),
		VaultName:   aws.String(vault),
		UploadId:    aws.String(uploadID),
		ArchiveSize: aws.String(strconv.FormatInt(totalSize, 10)),
		Checksum:    aws.String(digest),
	})
	if err != nil {
		return "", fmt.Errorf("complete multipart upload: %w", err)
	}
	return aws.ToString(out.ArchiveId), nil
}

var _ archive.Service = (*Service)(nil)
