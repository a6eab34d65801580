//go:build integration
// +build integration

package upload_test

import (
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxscribe/upload"
	"github.com/voxscribe/upload/internal/testutil"
	"github.com/voxscribe/upload/uptypes"
)

const integrationChunkSize = 5 * 1024 * 1024 // the backend's minimum part size

// TestIntegrationUploadLifecycle drives the engine against LocalStack:
// a full multipart upload, then a cancelled one.
func TestIntegrationUploadLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	s3Client, cleanup := testutil.SetupLocalStackTest(t)
	defer cleanup()

	bucket := testutil.GenerateTestBucketName("upload-engine")
	require.NoError(t, testutil.CreateTestBucket(ctx, s3Client, bucket))

	dir := t.TempDir()
	srcPath := filepath.Join(dir, "interview.mp4")
	data := make([]byte, integrationChunkSize*2+512*1024) // 3 parts
	_, err := rand.Read(data)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(srcPath, data, 0o644))

	mgr, err := upload.NewWithClient(s3Client,
		upload.WithBucket(bucket),
		upload.WithChunkSize(integrationChunkSize),
		upload.WithStateDir(filepath.Join(dir, "state")),
	)
	require.NoError(t, err)
	defer mgr.Close()

	events, unsubscribe := mgr.Subscribe()
	defer unsubscribe()

	t.Run("complete upload lands the object", func(t *testing.T) {
		key := "projects/it/interview.mp4"
		id, err := mgr.Start(ctx, uptypes.StartInput{
			Path:       srcPath,
			ProjectID:  "it",
			StorageKey: key,
		})
		require.NoError(t, err)

		waitForStatus(t, events, id, uptypes.StatusCompleted)

		head, err := s3Client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		require.NoError(t, err)
		assert.Equal(t, int64(len(data)), aws.ToInt64(head.ContentLength))

		snap, err := mgr.Progress(id)
		require.NoError(t, err)
		assert.Equal(t, float64(100), snap.Percent)
	})

	t.Run("cancelled upload leaves no multipart upload behind", func(t *testing.T) {
		key := "projects/it/cancelled.mp4"
		id, err := mgr.Start(ctx, uptypes.StartInput{
			Path:       srcPath,
			ProjectID:  "it",
			StorageKey: key,
		})
		require.NoError(t, err)

		require.NoError(t, mgr.Cancel(ctx, id))

		snap, err := mgr.Progress(id)
		require.NoError(t, err)
		assert.Equal(t, uptypes.StatusCancelled, snap.Status)

		list, err := s3Client.ListMultipartUploads(ctx, &s3.ListMultipartUploadsInput{
			Bucket: aws.String(bucket),
			Prefix: aws.String(key),
		})
		require.NoError(t, err)
		assert.Empty(t, list.Uploads)
	})
}

func waitForStatus(t *testing.T, events <-chan uptypes.Event, sessionID string, want uptypes.Status) {
	t.Helper()
	deadline := time.After(5 * time.Minute)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "event channel closed before status %s", want)
			if ev.Type == uptypes.EventStatusChanged && ev.SessionID == sessionID && ev.Status == want {
				return
			}
			if ev.Type == uptypes.EventStatusChanged && ev.SessionID == sessionID && ev.Status.Terminal() {
				t.Fatalf("session ended as %s, wanted %s", ev.Status, want)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status %s", want)
		}
	}
}
