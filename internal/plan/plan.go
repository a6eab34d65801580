// Package plan computes the ordered set of byte ranges for a chunked upload.
// The plan is a pure function of file size and chunk size, which is required
// for an idempotent resume: replanning after a restart yields the exact same
// part boundaries.
package plan

import (
	"fmt"

	uperrors "github.com/voxscribe/upload/errors"
)

// MaxParts is the highest part count the backend accepts per multipart
// upload.
const MaxParts = 10_000

// Range describes one part of the source file.
type Range struct {
	// PartNumber is the 1-based sequence number
	PartNumber int32

	// Offset is the start byte, inclusive
	Offset int64

	// Length is the number of bytes in this part
	Length int64
}

// Plan splits fileSize bytes into contiguous, non-overlapping ranges of at
// most chunkSize bytes covering [0, fileSize), ordered by part number.
// A zero-byte file yields a single empty range; the backend rejects a
// multipart completion with no parts, so the upload still sends one.
func Plan(fileSize, chunkSize int64) ([]Range, error) {
	if err := validate(fileSize, chunkSize); err != nil {
		return nil, err
	}
	if fileSize == 0 {
		return []Range{{PartNumber: 1, Offset: 0, Length: 0}}, nil
	}

	count := Count(fileSize, chunkSize)
	ranges := make([]Range, 0, count)
	for n := int32(1); n <= count; n++ {
		offset := int64(n-1) * chunkSize
		length := chunkSize
		if offset+length > fileSize {
			length = fileSize - offset
		}
		ranges = append(ranges, Range{
			PartNumber: n,
			Offset:     offset,
			Length:     length,
		})
	}
	return ranges, nil
}

// Count returns the planned part count: ceil(fileSize / chunkSize), or 1
// for an empty file. Inputs must have been validated.
func Count(fileSize, chunkSize int64) int32 {
	if fileSize < 0 || chunkSize <= 0 {
		return 0
	}
	return int32(partCount(fileSize, chunkSize))
}

// partCount is ceil(fileSize / chunkSize) in 64-bit space, written to avoid
// overflow near the int64 ceiling. An empty file still counts one part.
func partCount(fileSize, chunkSize int64) int64 {
	if fileSize == 0 {
		return 1
	}
	return (fileSize-1)/chunkSize + 1
}

// TotalChunks validates its inputs and returns the planned part count.
func TotalChunks(fileSize, chunkSize int64) (int32, error) {
	if err := validate(fileSize, chunkSize); err != nil {
		return 0, err
	}
	return Count(fileSize, chunkSize), nil
}

func validate(fileSize, chunkSize int64) error {
	if chunkSize <= 0 {
		return uperrors.NewError("plan", uperrors.ErrInvalidInput).
			WithMessage(fmt.Sprintf("chunk size must be positive, got %d", chunkSize))
	}
	if fileSize < 0 {
		return uperrors.NewError("plan", uperrors.ErrInvalidInput).
			WithMessage(fmt.Sprintf("file size cannot be negative, got %d", fileSize))
	}
	if n := partCount(fileSize, chunkSize); n > MaxParts {
		return uperrors.NewError("plan", uperrors.ErrInvalidInput).
			WithMessage(fmt.Sprintf("%d bytes in %d-byte chunks needs %d parts, over the %d part limit",
				fileSize, chunkSize, n, MaxParts))
	}
	return nil
}
