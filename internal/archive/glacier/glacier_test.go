package glacier

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/glacier"
	"github.com/aws/aws-sdk-go-v2/service/glacier/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/coldkeeper/internal/archive"
)

type fakeAPI struct {
	initiateJobIn *glacier.InitiateJobInput
	describeOut   *glacier.DescribeJobOutput
	jobOutput     string
	initiateUpIn  *glacier.InitiateMultipartUploadInput
	partIn        *glacier.UploadMultipartPartInput
	partBody      string
	completeIn    *glacier.CompleteMultipartUploadInput
	err           error
}

func (f *fakeAPI) InitiateJob(_ context.Context, in *glacier.InitiateJobInput, _ ...func(*glacier.Options)) (*glacier.InitiateJobOutput, error) {
	f.initiateJobIn = in
	if f.err != nil {
		return nil, f.err
	}
	return &glacier.InitiateJobOutput{JobId: aws.String("job-1")}, nil
}

func (f *fakeAPI) DescribeJob(_ context.Context, _ *glacier.DescribeJobInput, _ ...func(*glacier.Options)) (*glacier.DescribeJobOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.describeOut, nil
}

func (f *fakeAPI) GetJobOutput(_ context.Context, _ *glacier.GetJobOutputInput, _ ...func(*glacier.Options)) (*glacier.GetJobOutputOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &glacier.GetJobOutputOutput{Body: io.NopCloser(strings.NewReader(f.jobOutput))}, nil
}

func (f *fakeAPI) InitiateMultipartUpload(_ context.Context, in *glacier.InitiateMultipartUploadInput, _ ...func(*glacier.Options)) (*glacier.InitiateMultipartUploadOutput, error) {
	f.initiateUpIn = in
	return &glacier.InitiateMultipartUploadOutput{UploadId: aws.String("up-1")}, nil
}

func (f *fakeAPI) UploadMultipartPart(_ context.Context, in *glacier.UploadMultipartPartInput, _ ...func(*glacier.Options)) (*glacier.UploadMultipartPartOutput, error) {
	f.partIn = in
	b, _ := io.ReadAll(in.Body)
	f.partBody = string(b)
	return &glacier.UploadMultipartPartOutput{Checksum: in.Checksum}, nil
}

func (f *fakeAPI) CompleteMultipartUpload(_ context.Context, in *glacier.CompleteMultipartUploadInput, _ ...func(*glacier.Options)) (*glacier.CompleteMultipartUploadOutput, error) {
	f.completeIn = in
	return &glacier.CompleteMultipartUploadOutput{ArchiveId: aws.String("arch-1")}, nil
}

func TestInitiateInventoryJob(t *testing.T) {
	f := &fakeAPI{}
	s := NewWithAPI(f)

	id, err := s.InitiateInventoryJob(context.Background(), "photos")
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)
	assert.Equal(t, "-", aws.ToString(f.initiateJobIn.AccountId))
	assert.Equal(t, "photos", aws.ToString(f.initiateJobIn.VaultName))
	assert.Equal(t, "inventory-retrieval", aws.ToString(f.initiateJobIn.JobParameters.Type))
}

func TestInitiateInventoryJob_Error(t *testing.T) {
	s := NewWithAPI(&fakeAPI{err: errors.New("denied")})
	_, err := s.InitiateInventoryJob(context.Background(), "photos")
	require.ErrorContains(t, err, "denied")
}

func TestDescribeJob(t *testing.T) {
	tests := []struct {
		name      string
		code      types.StatusCode
		completed bool
		wantErr   bool
	}{
		{name: "in progress", code: types.StatusCodeInProgress},
		{name: "succeeded", code: types.StatusCodeSucceeded, completed: true},
		{name: "failed", code: types.StatusCodeFailed, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewWithAPI(&fakeAPI{describeOut: &glacier.DescribeJobOutput{StatusCode: tt.code}})
			st, err := s.DescribeJob(context.Background(), "v", "job-1")
			if tt.wantErr {
				require.ErrorIs(t, err, archive.ErrJobFailed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.completed, st.Completed)
			assert.Equal(t, string(tt.code), st.StatusCode)
		})
	}
}

func TestFetchJobOutput(t *testing.T) {
	f := &fakeAPI{jobOutput: `{"ArchiveList":[{"ArchiveId":"a1","ArchiveDescription":"x.txt","SHA256TreeHash":"d1","Size":3,"CreationDate":"2024-01-01T00:00:00Z"}]}`}
	items, err := NewWithAPI(f).FetchJobOutput(context.Background(), "v", "job-1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "x.txt", items[0].Description)
	assert.Equal(t, "d1", items[0].Digest)
}

func TestMultipartUpload(t *testing.T) {
	f := &fakeAPI{}
	s := NewWithAPI(f)
	ctx := context.Background()

	up, err := s.InitiateMultipartUpload(ctx, "v", "dir/file.bin", 16<<20)
	require.NoError(t, err)
	assert.Equal(t, "up-1", up)
	assert.Equal(t, "16777216", aws.ToString(f.initiateUpIn.PartSize))
	assert.Equal(t, "dir/file.bin", aws.ToString(f.initiateUpIn.ArchiveDescription))

	ack, err := s.UploadPart(ctx, "v", up, archive.ByteRange{Start: 0, End: 4}, []byte("hello"), "abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", ack.Digest)
	assert.Equal(t, "bytes 0-4/*", aws.ToString(f.partIn.Range))
	assert.Equal(t, "hello", f.partBody)

	id, err := s.CompleteMultipartUpload(ctx, "v", up, 5, "abc")
	require.NoError(t, err)
	assert.Equal(t, "arch-1", id)
	assert.Equal(t, "5", aws.ToString(f.completeIn.ArchiveSize))
	assert.Equal(t, "abc", aws.ToString(f.completeIn.Checksum))
}

func TestNew_UsesLoader(t *testing.T) {
	orig := loadDefaultAWSConfig
	t.Cleanup(func() { loadDefaultAWSConfig = orig })

	loadDefaultAWSConfig = func(_ context.Context, _ ...func(*config.LoadOptions) error) (aws.Config, error) {
		return aws.Config{}, errors.New("no config")
	}
	_, err := New(context.Background(), Options{Region: "eu-west-1"})
	require.ErrorContains(t, err, "no config")
}
