package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	awstypes "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/voxscribe/upload/internal/s3api"
)

// FakeBackend is a deterministic in-memory multipart backend. It records
// initiated uploads and their parts, and can inject per-part failures to
// exercise retry and failure paths.
type FakeBackend struct {
	mu sync.Mutex

	uploads    map[string]*fakeUpload
	nextID     int
	aborted    []string
	completed  []string
	initErr    error
	partErrs   map[int32][]error // consumed one per attempt
	partCalls  map[int32]int
	abortErr   error
	abortCalls int
	listErr    error
	compErr    error
}

type fakeUpload struct {
	key   string
	parts map[int32]awstypes.Part
}

var _ s3api.MultipartAPI = (*FakeBackend)(nil)

// NewFakeBackend creates an empty fake backend.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		uploads:   make(map[string]*fakeUpload),
		partErrs:  make(map[int32][]error),
		partCalls: make(map[int32]int),
	}
}

// FailInitiate makes CreateMultipartUpload return err on every call.
func (f *FakeBackend) FailInitiate(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initErr = err
}

// FailPartAttempts queues errs to be returned by successive UploadPart
// attempts for the given part, after which attempts succeed.
func (f *FakeBackend) FailPartAttempts(partNumber int32, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.partErrs[partNumber] = append(f.partErrs[partNumber], errs...)
}

// FailComplete makes CompleteMultipartUpload return err.
func (f *FakeBackend) FailComplete(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.compErr = err
}

// FailAbort makes AbortMultipartUpload return err.
func (f *FakeBackend) FailAbort(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abortErr = err
}

// PartAttempts reports how many UploadPart calls were made for a part.
func (f *FakeBackend) PartAttempts(partNumber int32) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.partCalls[partNumber]
}

// AbortCalls reports how many times AbortMultipartUpload was invoked.
func (f *FakeBackend) AbortCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.abortCalls
}

// Aborted returns the upload ids passed to AbortMultipartUpload.
func (f *FakeBackend) Aborted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.aborted...)
}

// Completed returns the upload ids successfully completed.
func (f *FakeBackend) Completed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.completed...)
}

// Parts returns the parts currently held for an upload id.
func (f *FakeBackend) Parts(uploadID string) []awstypes.Part {
	f.mu.Lock()
	defer f.mu.Unlock()
	up, ok := f.uploads[uploadID]
	if !ok {
		return nil
	}
	parts := make([]awstypes.Part, 0, len(up.parts))
	for _, p := range up.parts {
		parts = append(parts, p)
	}
	return parts
}

// DropPart removes a stored part, simulating a part lost on the backend
// (e.g. an aborted transfer the client still has on record).
func (f *FakeBackend) DropPart(uploadID string, partNumber int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if up, ok := f.uploads[uploadID]; ok {
		delete(up.parts, partNumber)
	}
}

// CreateMultipartUpload implements MultipartAPI.
func (f *FakeBackend) CreateMultipartUpload(
	_ context.Context,
	params *s3.CreateMultipartUploadInput,
	_ ...func(*s3.Options),
) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.initErr != nil {
		return nil, f.initErr
	}

	f.nextID++
	id := fmt.Sprintf("upload-%d", f.nextID)
	f.uploads[id] = &fakeUpload{
		key:   aws.ToString(params.Key),
		parts: make(map[int32]awstypes.Part),
	}
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id)}, nil
}

// UploadPart implements MultipartAPI.
func (f *FakeBackend) UploadPart(
	_ context.Context,
	params *s3.UploadPartInput,
	_ ...func(*s3.Options),
) (*s3.UploadPartOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	partNumber := aws.ToInt32(params.PartNumber)
	f.partCalls[partNumber]++

	if errs := f.partErrs[partNumber]; len(errs) > 0 {
		err := errs[0]
		f.partErrs[partNumber] = errs[1:]
		return nil, err
	}

	up, ok := f.uploads[aws.ToString(params.UploadId)]
	if !ok {
		return nil, &awstypes.NoSuchUpload{}
	}

	size := aws.ToInt64(params.ContentLength)
	etag := fmt.Sprintf("etag-%d", partNumber)
	up.parts[partNumber] = awstypes.Part{
		PartNumber: aws.Int32(partNumber),
		ETag:       aws.String(etag),
		Size:       aws.Int64(size),
	}
	return &s3.UploadPartOutput{ETag: aws.String(etag)}, nil
}

// ListParts implements MultipartAPI.
func (f *FakeBackend) ListParts(
	_ context.Context,
	params *s3.ListPartsInput,
	_ ...func(*s3.Options),
) (*s3.ListPartsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.listErr != nil {
		return nil, f.listErr
	}

	up, ok := f.uploads[aws.ToString(params.UploadId)]
	if !ok {
		return nil, &awstypes.NoSuchUpload{}
	}

	parts := make([]awstypes.Part, 0, len(up.parts))
	for _, p := range up.parts {
		parts = append(parts, p)
	}
	return &s3.ListPartsOutput{
		Parts:       parts,
		IsTruncated: aws.Bool(false),
	}, nil
}

// CompleteMultipartUpload implements MultipartAPI.
func (f *FakeBackend) CompleteMultipartUpload(
	_ context.Context,
	params *s3.CompleteMultipartUploadInput,
	_ ...func(*s3.Options),
) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.compErr != nil {
		return nil, f.compErr
	}

	id := aws.ToString(params.UploadId)
	up, ok := f.uploads[id]
	if !ok {
		return nil, &awstypes.NoSuchUpload{}
	}

	for _, cp := range params.MultipartUpload.Parts {
		stored, ok := up.parts[aws.ToInt32(cp.PartNumber)]
		if !ok {
			return nil, HTTPError(400, "InvalidPart: part not found")
		}
		if aws.ToString(stored.ETag) != aws.ToString(cp.ETag) {
			return nil, HTTPError(400, "InvalidPart: etag mismatch")
		}
	}

	f.completed = append(f.completed, id)
	delete(f.uploads, id)
	return &s3.CompleteMultipartUploadOutput{ETag: aws.String("final-" + id)}, nil
}

// AbortMultipartUpload implements MultipartAPI.
func (f *FakeBackend) AbortMultipartUpload(
	_ context.Context,
	params *s3.AbortMultipartUploadInput,
	_ ...func(*s3.Options),
) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.abortCalls++
	if f.abortErr != nil {
		return nil, f.abortErr
	}

	id := aws.ToString(params.UploadId)
	if _, ok := f.uploads[id]; !ok {
		return nil, &awstypes.NoSuchUpload{}
	}
	delete(f.uploads, id)
	f.aborted = append(f.aborted, id)
	return &s3.AbortMultipartUploadOutput{}, nil
}
