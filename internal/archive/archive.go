// Package archive defines the remote cold-storage service the backup talks to
// and the types exchanged with it. Concrete backends live in the glacier and
// s3archive subpackages; archivetest provides an in-memory implementation.
package archive

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrJobFailed is returned by DescribeJob when the remote service gave up on
// the job; polling it again will never succeed.
var ErrJobFailed = errors.New("archive: job failed")

// Service is the set of remote operations a backup run needs.
//
// Inventory retrieval is asynchronous: InitiateInventoryJob returns a job id
// that is polled with DescribeJob until it completes, after which
// FetchJobOutput returns the archive listing.
//
// Uploads are multipart: InitiateMultipartUpload returns an upload id, parts
// are sent with UploadPart and CompleteMultipartUpload returns the archive id.
// All digests are lowercase hex tree hashes.
type Service interface {
	InitiateInventoryJob(ctx context.Context, vault string) (string, error)
	DescribeJob(ctx context.Context, vault, jobID string) (JobStatus, error)
	FetchJobOutput(ctx context.Context, vault, jobID string) ([]InventoryItem, error)

	InitiateMultipartUpload(ctx context.Context, vault, description string, partSize int64) (string, error)
	UploadPart(ctx context.Context, vault, uploadID string, r ByteRange, body []byte, digest string) (PartAck, error)
	CompleteMultipartUpload(ctx context.Context, vault, uploadID string, totalSize int64, digest string) (string, error)
}

// JobStatus is the state of an inventory job.
type JobStatus struct {
	Completed  bool
	StatusCode string
}

// InventoryItem is one archive as listed by the remote service. Description
// holds the relative path the archive was uploaded under.
type InventoryItem struct {
	ArchiveID   string
	Description string
	Digest      string
	Size        int64
	CreatedAt   time.Time
}

// PartAck is the service acknowledgement of an uploaded part.
type PartAck struct {
	Digest string
}

// ByteRange is an inclusive range of file offsets.
type ByteRange struct {
	Start int64
	End   int64
}

// Len returns the number of bytes covered by r.
func (r ByteRange) Len() int64 {
	return r.End - r.Start + 1
}

// String renders r as a Content-Range header value.
func (r ByteRange) String() string {
	return fmt.Sprintf("bytes %d-%d/*", r.Start, r.End)
}
