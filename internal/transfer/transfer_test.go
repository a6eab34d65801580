package transfer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	awstypes "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	uperrors "github.com/voxscribe/upload/errors"
	"github.com/voxscribe/upload/internal/retry"
	"github.com/voxscribe/upload/internal/testutil"
	"github.com/voxscribe/upload/uptypes"
)

func fastExecutor(api *testutil.MockMultipartClient) *Executor {
	return New(api, Config{
		Bucket: "media",
		Policy: retry.Policy{
			MaxAttempts:     4,
			InitialInterval: time.Millisecond,
			MaxInterval:     2 * time.Millisecond,
			Multiplier:      2.0,
		},
	})
}

func testSess() *uptypes.Session {
	return &uptypes.Session{
		ID:         "sess-1",
		ProjectID:  "proj-1",
		StorageKey: "media/recording.mp4",
		FileName:   "recording.mp4",
		MimeType:   "video/mp4",
	}
}

func TestExecutor_Initiate(t *testing.T) {
	var gotKey, gotContentType string
	mock := &testutil.MockMultipartClient{
		CreateMultipartUploadFunc: func(_ context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
			gotKey = aws.ToString(in.Key)
			gotContentType = aws.ToString(in.ContentType)
			return &s3.CreateMultipartUploadOutput{UploadId: aws.String("remote-1")}, nil
		},
	}

	id, err := fastExecutor(mock).Initiate(context.Background(), testSess())
	require.NoError(t, err)
	assert.Equal(t, "remote-1", id)
	assert.Equal(t, "media/recording.mp4", gotKey)
	assert.Equal(t, "video/mp4", gotContentType)
}

func TestExecutor_Initiate_RetriesThenFails(t *testing.T) {
	calls := 0
	mock := &testutil.MockMultipartClient{
		CreateMultipartUploadFunc: func(_ context.Context, _ *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
			calls++
			return nil, testutil.TransientError()
		},
	}

	_, err := fastExecutor(mock).Initiate(context.Background(), testSess())
	require.Error(t, err)
	assert.ErrorIs(t, err, uperrors.ErrInitFailed)
	assert.Equal(t, 4, calls)
}

func TestExecutor_UploadPart_RetryThenSuccess(t *testing.T) {
	calls := 0
	mock := &testutil.MockMultipartClient{
		UploadPartFunc: func(_ context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
			calls++
			if calls < 4 {
				return nil, testutil.TransientError()
			}
			assert.Equal(t, int32(2), aws.ToInt32(in.PartNumber))
			return &s3.UploadPartOutput{ETag: aws.String("e2")}, nil
		},
	}

	part, err := fastExecutor(mock).UploadPart(context.Background(), "media/recording.mp4", "remote-1", 2, make([]byte, 1024))
	require.NoError(t, err)
	assert.Equal(t, uptypes.UploadedPart{PartNumber: 2, ETag: "e2", Size: 1024}, part)
	assert.Equal(t, 4, calls)
}

func TestExecutor_UploadPart_PermanentFailsFast(t *testing.T) {
	calls := 0
	mock := &testutil.MockMultipartClient{
		UploadPartFunc: func(_ context.Context, _ *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
			calls++
			return nil, testutil.PermanentError()
		},
	}

	_, err := fastExecutor(mock).UploadPart(context.Background(), "k", "remote-1", 1, nil)
	require.Error(t, err)
	assert.Equal(t, 1, calls)

	var pe *uperrors.PartError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, int32(1), pe.PartNumber)
	assert.False(t, pe.Retryable)
}

func TestExecutor_UploadPart_ExhaustedBudgetStaysRetryable(t *testing.T) {
	mock := &testutil.MockMultipartClient{
		UploadPartFunc: func(_ context.Context, _ *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
			return nil, testutil.TransientError()
		},
	}

	_, err := fastExecutor(mock).UploadPart(context.Background(), "k", "remote-1", 3, nil)
	require.Error(t, err)

	var pe *uperrors.PartError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, int32(3), pe.PartNumber)
	assert.True(t, pe.Retryable)
}

func TestExecutor_ListParts_Paginated(t *testing.T) {
	calls := 0
	mock := &testutil.MockMultipartClient{
		ListPartsFunc: func(_ context.Context, in *s3.ListPartsInput, _ ...func(*s3.Options)) (*s3.ListPartsOutput, error) {
			calls++
			if calls == 1 {
				assert.Nil(t, in.PartNumberMarker)
				return &s3.ListPartsOutput{
					Parts: []awstypes.Part{
						{PartNumber: aws.Int32(1), ETag: aws.String("e1"), Size: aws.Int64(8)},
					},
					IsTruncated:          aws.Bool(true),
					NextPartNumberMarker: aws.String("1"),
				}, nil
			}
			assert.Equal(t, "1", aws.ToString(in.PartNumberMarker))
			return &s3.ListPartsOutput{
				Parts: []awstypes.Part{
					{PartNumber: aws.Int32(2), ETag: aws.String("e2"), Size: aws.Int64(8)},
				},
				IsTruncated: aws.Bool(false),
			}, nil
		},
	}

	parts, err := fastExecutor(mock).ListParts(context.Background(), "k", "remote-1")
	require.NoError(t, err)
	assert.Equal(t, []uptypes.UploadedPart{
		{PartNumber: 1, ETag: "e1", Size: 8},
		{PartNumber: 2, ETag: "e2", Size: 8},
	}, parts)
	assert.Equal(t, 2, calls)
}

func TestExecutor_Complete_SortsParts(t *testing.T) {
	var got []int32
	mock := &testutil.MockMultipartClient{
		CompleteMultipartUploadFunc: func(_ context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
			for _, p := range in.MultipartUpload.Parts {
				got = append(got, aws.ToInt32(p.PartNumber))
			}
			return &s3.CompleteMultipartUploadOutput{}, nil
		},
	}

	// Arrival order is irrelevant; completion is always ascending.
	parts := []uptypes.UploadedPart{
		{PartNumber: 3, ETag: "e3"},
		{PartNumber: 1, ETag: "e1"},
		{PartNumber: 4, ETag: "e4"},
		{PartNumber: 2, ETag: "e2"},
	}
	err := fastExecutor(mock).Complete(context.Background(), "k", "remote-1", parts)
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2, 3, 4}, got)
}

func TestExecutor_Complete_BackendRejection(t *testing.T) {
	mock := &testutil.MockMultipartClient{
		CompleteMultipartUploadFunc: func(_ context.Context, _ *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
			return nil, testutil.HTTPError(400, "InvalidPart")
		},
	}

	err := fastExecutor(mock).Complete(context.Background(), "k", "remote-1", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, uperrors.ErrCompleteFailed)
}

func TestExecutor_Abort_ToleratesAlreadyAborted(t *testing.T) {
	calls := 0
	mock := &testutil.MockMultipartClient{
		AbortMultipartUploadFunc: func(_ context.Context, _ *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
			calls++
			return nil, &awstypes.NoSuchUpload{}
		},
	}

	assert.NoError(t, fastExecutor(mock).Abort(context.Background(), "k", "remote-1"))
	// "Already aborted" is success on the spot, not a retryable failure.
	assert.Equal(t, 1, calls)
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "context canceled", err: context.Canceled, want: false},
		{name: "deadline exceeded", err: context.DeadlineExceeded, want: true},
		{name: "500", err: testutil.HTTPError(500, "internal"), want: true},
		{name: "503", err: testutil.HTTPError(503, "unavailable"), want: true},
		{name: "408 timeout", err: testutil.HTTPError(408, "timeout"), want: true},
		{name: "409 conflict", err: testutil.HTTPError(409, "conflict"), want: true},
		{name: "429 throttled", err: testutil.HTTPError(429, "slow down"), want: true},
		{name: "403 denied", err: testutil.HTTPError(403, "denied"), want: false},
		{name: "404 missing", err: testutil.HTTPError(404, "missing"), want: false},
		{name: "unclassified", err: errors.New("connection reset"), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.err))
		})
	}
}
