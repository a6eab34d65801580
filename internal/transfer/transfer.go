// Package transfer issues the backend network operations of an upload
// session: initiating the multipart upload, sending individual parts,
// listing already-uploaded parts, and completing or aborting the upload.
//
// Every operation runs under the shared retry policy with a fixed
// per-attempt timeout, so retry behavior cannot diverge between call sites.
package transfer

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	awstypes "github.com/aws/aws-sdk-go-v2/service/s3/types"

	uperrors "github.com/voxscribe/upload/errors"
	"github.com/voxscribe/upload/internal/retry"
	"github.com/voxscribe/upload/internal/s3api"
	"github.com/voxscribe/upload/uptypes"
)

// DefaultOperationTimeout bounds each network attempt independent of the
// retry backoff.
const DefaultOperationTimeout = 30 * time.Second

// Executor performs the multipart upload protocol against the backend.
type Executor struct {
	api     s3api.MultipartAPI
	bucket  string
	policy  retry.Policy
	timeout time.Duration
	log     *slog.Logger
}

// Config holds executor construction parameters.
type Config struct {
	// Bucket is the destination bucket for all operations
	Bucket string

	// Policy is the retry policy; zero value means the default policy
	Policy retry.Policy

	// Timeout is the per-attempt network timeout; zero means the default
	Timeout time.Duration

	// Logger receives retry and abort diagnostics
	Logger *slog.Logger
}

// New creates an Executor over the given backend API.
func New(api s3api.MultipartAPI, cfg Config) *Executor {
	policy := cfg.Policy
	if policy.MaxAttempts == 0 {
		policy = retry.DefaultPolicy()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultOperationTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		api:     api,
		bucket:  cfg.Bucket,
		policy:  policy,
		timeout: timeout,
		log:     logger,
	}
}

// Initiate starts a multipart upload for the session and returns the
// backend-assigned upload id. Exhausting the retry budget yields
// ErrInitFailed.
func (e *Executor) Initiate(ctx context.Context, sess *uptypes.Session) (string, error) {
	input := &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(sess.StorageKey),
		ContentType: aws.String(sess.MimeType),
		Metadata: map[string]string{
			"project-id": sess.ProjectID,
			"file-name":  sess.FileName,
		},
	}

	var uploadID string
	err := e.policy.Do(ctx, Retryable, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()

		out, err := e.api.CreateMultipartUpload(attemptCtx, input)
		if err != nil {
			e.log.Warn("initiate attempt failed", "session", sess.ID, "error", err)
			return err
		}
		uploadID = aws.ToString(out.UploadId)
		return nil
	})
	if err != nil {
		return "", uperrors.NewError("initiate", uperrors.ErrInitFailed).
			WithSession(sess.ID).
			WithMessage(err.Error())
	}
	return uploadID, nil
}

// UploadPart sends one part and returns the backend confirmation. The call
// is safe to retry: the backend treats a duplicate part number as an
// overwrite of the same range, so a retried part either succeeds identically
// or replaces its earlier attempt. Failures are classified via PartError.
func (e *Executor) UploadPart(
	ctx context.Context,
	key, uploadID string,
	partNumber int32,
	body []byte,
) (uptypes.UploadedPart, error) {
	var part uptypes.UploadedPart

	err := e.policy.Do(ctx, Retryable, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()

		out, err := e.api.UploadPart(attemptCtx, &s3.UploadPartInput{
			Bucket:        aws.String(e.bucket),
			Key:           aws.String(key),
			UploadId:      aws.String(uploadID),
			PartNumber:    aws.Int32(partNumber),
			Body:          bytes.NewReader(body),
			ContentLength: aws.Int64(int64(len(body))),
		})
		if err != nil {
			e.log.Warn("part attempt failed", "part", partNumber, "error", err)
			return err
		}
		part = uptypes.UploadedPart{
			PartNumber: partNumber,
			ETag:       aws.ToString(out.ETag),
			Size:       int64(len(body)),
		}
		return nil
	})
	if err != nil {
		return uptypes.UploadedPart{}, &uperrors.PartError{
			PartNumber: partNumber,
			Retryable:  Retryable(err),
			Err:        err,
		}
	}
	return part, nil
}

// ListParts returns every part the backend has confirmed for the upload,
// following pagination. Used on resume to reconcile local state with
// backend truth.
func (e *Executor) ListParts(ctx context.Context, key, uploadID string) ([]uptypes.UploadedPart, error) {
	var parts []uptypes.UploadedPart
	var marker *string

	for {
		input := &s3.ListPartsInput{
			Bucket:           aws.String(e.bucket),
			Key:              aws.String(key),
			UploadId:         aws.String(uploadID),
			PartNumberMarker: marker,
		}

		var out *s3.ListPartsOutput
		err := e.policy.Do(ctx, Retryable, func(ctx context.Context) error {
			attemptCtx, cancel := context.WithTimeout(ctx, e.timeout)
			defer cancel()

			var err error
			out, err = e.api.ListParts(attemptCtx, input)
			return err
		})
		if err != nil {
			return nil, uperrors.NewError("listParts", err)
		}

		for _, p := range out.Parts {
			parts = append(parts, uptypes.UploadedPart{
				PartNumber: aws.ToInt32(p.PartNumber),
				ETag:       aws.ToString(p.ETag),
				Size:       aws.ToInt64(p.Size),
			})
		}

		if !aws.ToBool(out.IsTruncated) {
			break
		}
		marker = out.NextPartNumberMarker
	}

	return parts, nil
}

// Complete finalizes the multipart upload. Parts are submitted sorted
// ascending by part number regardless of arrival order. Backend rejection
// (missing part, etag mismatch) yields ErrCompleteFailed; the remote upload
// is left intact for manual recovery.
func (e *Executor) Complete(ctx context.Context, key, uploadID string, parts []uptypes.UploadedPart) error {
	sorted := make([]uptypes.UploadedPart, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	completed := make([]awstypes.CompletedPart, 0, len(sorted))
	for _, p := range sorted {
		completed = append(completed, awstypes.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(p.PartNumber),
		})
	}

	input := &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(e.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
		MultipartUpload: &awstypes.CompletedMultipartUpload{
			Parts: completed,
		},
	}

	err := e.policy.Do(ctx, Retryable, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()

		_, err := e.api.CompleteMultipartUpload(attemptCtx, input)
		return err
	})
	if err != nil {
		return uperrors.NewError("complete", uperrors.ErrCompleteFailed).
			WithMessage(err.Error())
	}
	return nil
}

// Abort discards the remote multipart upload. Abort is best-effort: an
// already-aborted or unknown upload is treated as success, and other
// failures are returned for logging rather than escalation.
func (e *Executor) Abort(ctx context.Context, key, uploadID string) error {
	err := e.policy.Do(ctx, Retryable, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()

		_, err := e.api.AbortMultipartUpload(attemptCtx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(e.bucket),
			Key:      aws.String(key),
			UploadId: aws.String(uploadID),
		})
		if err != nil {
			// An already-aborted upload is the outcome we want; retrying
			// would only burn the backoff budget.
			var noSuchUpload *awstypes.NoSuchUpload
			if errors.As(err, &noSuchUpload) {
				return nil
			}
			return err
		}
		return nil
	})
	if err != nil {
		return uperrors.NewError("abort", err)
	}
	return nil
}

// Retryable classifies a backend error. Transient network failures,
// timeouts, throttling, conflicts, and 5xx responses are retryable; other
// 4xx responses and context cancellation are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		// A per-attempt timeout counts as one retryable failure.
		return true
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		code := respErr.HTTPStatusCode()
		switch {
		case code >= 500:
			return true
		case code == 408 || code == 409 || code == 429:
			return true
		case code >= 400:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// Unclassified errors (connection resets, DNS hiccups) default to
	// retryable; the attempt budget still bounds them.
	return true
}
