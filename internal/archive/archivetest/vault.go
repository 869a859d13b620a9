// Package archivetest provides an in-memory archive.Service for tests. It
// verifies part and archive tree hashes the way the real service does and
// lets tests inject failures.
package archivetest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dmitrijs2005/coldkeeper/internal/archive"
	"github.com/dmitrijs2005/coldkeeper/internal/treehash"
	"github.com/google/uuid"
)

// ErrInjected is returned by calls failed on purpose.
var ErrInjected = errors.New("archivetest: injected failure")

type storedArchive struct {
	item archive.InventoryItem
	data []byte
}

type part struct {
	r    archive.ByteRange
	body []byte
}

type upload struct {
	description string
	partSize    int64
	parts       map[int64]part
}

// Vault is an in-memory archive.Service. The exported counters and failure
// knobs may be set before use; all methods are safe for concurrent use.
type Vault struct {
	mu sync.Mutex

	archives []storedArchive
	jobs     map[string]int
	uploads  map[string]*upload

	// InitiateJobErr is returned by InitiateInventoryJob when set.
	InitiateJobErr error
	// PendingPolls is the number of DescribeJob calls that report a new job
	// as still running.
	PendingPolls int
	// DescribeFailures fails the next n DescribeJob calls.
	DescribeFailures int
	// JobFailed makes DescribeJob report every job as failed.
	JobFailed bool
	// PartFailures fails the next n UploadPart calls.
	PartFailures int
	// CorruptAcks makes the next n UploadPart calls acknowledge a wrong digest.
	CorruptAcks int
	// CompleteFailures fails the next n CompleteMultipartUpload calls.
	CompleteFailures int

	InitiateJobCalls int
	DescribeCalls    int
	UploadPartCalls  int
	CompleteCalls    int
}

func NewVault() *Vault {
	return &Vault{
		jobs:    make(map[string]int),
		uploads: make(map[string]*upload),
	}
}

// Put stores an archive directly, bypassing the upload protocol.
func (v *Vault) Put(description string, data []byte) (string, error) {
	digest, err := treehash.Sum(data)
	if err != nil {
		return "", err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	return v.store(description, digest, data), nil
}

func (v *Vault) store(description, digest string, data []byte) string {
	id := uuid.NewString()
	v.archives = append(v.archives, storedArchive{
		item: archive.InventoryItem{
			ArchiveID:   id,
			Description: description,
			Digest:      digest,
			Size:        int64(len(data)),
			CreatedAt:   time.Unix(1_700_000_000+int64(len(v.archives)), 0).UTC(),
		},
		data: data,
	})
	return id
}

// Data returns the content of an archive.
func (v *Vault) Data(archiveID string) ([]byte, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, a := range v.archives {
		if a.item.ArchiveID == archiveID {
			return a.data, true
		}
	}
	return nil, false
}

// Len returns the number of stored archives.
func (v *Vault) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.archives)
}

func (v *Vault) InitiateInventoryJob(_ context.Context, _ string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.InitiateJobCalls++
	if v.InitiateJobErr != nil {
		return "", v.InitiateJobErr
	}
	id := uuid.NewString()
	v.jobs[id] = v.PendingPolls
	return id, nil
}

func (v *Vault) DescribeJob(_ context.Context, _, jobID string) (archive.JobStatus, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.DescribeCalls++
	if v.DescribeFailures > 0 {
		v.DescribeFailures--
		return archive.JobStatus{}, ErrInjected
	}

	left, ok := v.jobs[jobID]
	if !ok {
		return archive.JobStatus{}, fmt.Errorf("archivetest: unknown job %q", jobID)
	}
	if v.JobFailed {
		return archive.JobStatus{StatusCode: "Failed"}, fmt.Errorf("%w: %s", archive.ErrJobFailed, jobID)
	}
	if left > 0 {
		v.jobs[jobID] = left - 1
		return archive.JobStatus{StatusCode: "InProgress"}, nil
	}
	return archive.JobStatus{Completed: true, StatusCode: "Succeeded"}, nil
}

// AddJob registers a job id as if it had been initiated earlier, for example
// by a previous process.
func (v *Vault) AddJob(jobID string, pendingPolls int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.jobs[jobID] = pendingPolls
}

func (v *Vault) FetchJobOutput(_ context.Context, _, jobID string) ([]archive.InventoryItem, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	left, ok := v.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("archivetest: unknown job %q", jobID)
	}
	if left > 0 {
		return nil, fmt.Errorf("archivetest: job %q not complete", jobID)
	}

	items := make([]archive.InventoryItem, 0, len(v.archives))
	for _, a := range v.archives {
		items = append(items, a.item)
	}
	return items, nil
}

func (v *Vault) InitiateMultipartUpload(_ context.Context, _, description string, partSize int64) (string, error) {
	if partSize <= 0 {
		return "", fmt.Errorf("archivetest: invalid part size %d", partSize)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	id := uuid.NewString()
	v.uploads[id] = &upload{
		description: description,
		partSize:    partSize,
		parts:       make(map[int64]part),
	}
	return id, nil
}

func (v *Vault) UploadPart(_ context.Context, _, uploadID string, r archive.ByteRange, body []byte, digest string) (archive.PartAck, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.UploadPartCalls++
	if v.PartFailures > 0 {
		v.PartFailures--
		return archive.PartAck{}, ErrInjected
	}

	u, ok := v.uploads[uploadID]
	if !ok {
		return archive.PartAck{}, fmt.Errorf("archivetest: unknown upload %q", uploadID)
	}
	if r.Start%u.partSize != 0 || r.Len() != int64(len(body)) || r.Len() > u.partSize {
		return archive.PartAck{}, fmt.Errorf("archivetest: bad range %s for %d bytes", r, len(body))
	}

	got, err := treehash.Sum(body)
	if err != nil {
		return archive.PartAck{}, err
	}
	if got != digest {
		return archive.PartAck{}, fmt.Errorf("archivetest: part digest mismatch at %s", r)
	}

	u.parts[r.Start] = part{r: r, body: append([]byte(nil), body...)}

	if v.CorruptAcks > 0 {
		v.CorruptAcks--
		return archive.PartAck{Digest: "corrupt-" + got}, nil
	}
	return archive.PartAck{Digest: got}, nil
}

func (v *Vault) CompleteMultipartUpload(_ context.Context, _, uploadID string, totalSize int64, digest string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.CompleteCalls++
	if v.CompleteFailures > 0 {
		v.CompleteFailures--
		return "", ErrInjected
	}

	u, ok := v.uploads[uploadID]
	if !ok {
		return "", fmt.Errorf("archivetest: unknown upload %q", uploadID)
	}

	starts := make([]int64, 0, len(u.parts))
	for s := range u.parts {
		starts = append(starts, s)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	var data []byte
	for _, s := range starts {
		p := u.parts[s]
		if p.r.Start != int64(len(data)) {
			return "", fmt.Errorf("archivetest: gap before offset %d", p.r.Start)
		}
		data = append(data, p.body...)
	}
	if int64(len(data)) != totalSize {
		return "", fmt.Errorf("archivetest: size %d, received %d", totalSize, len(data))
	}

	got, err := treehash.Sum(data)
	if err != nil {
		return "", err
	}
	if got != digest {
		return "", fmt.Errorf("archivetest: archive digest mismatch")
	}

	delete(v.uploads, uploadID)
	return v.store(u.description, got, data), nil
}

var _ archive.Service = (*Vault)(nil)
