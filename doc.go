// Package upload provides a resumable chunked upload engine for large media
// files. It splits a file into fixed-size parts, uploads them through the S3
// multipart-upload protocol with bounded concurrency, and persists session
// state so an upload survives pause, failure, and process restart.
//
// The engine is a library, not a service: callers embed a Manager, start
// sessions against local files, and observe progress through an event
// subscription.
//
// Key features:
//   - Resumable sessions persisted as durable local records
//   - Fixed-size chunking with concurrent part transfer
//   - Automatic retry of transient failures with jittered backoff
//   - Pause, resume, and cancel at any point of a transfer
//   - Progress snapshots with trailing-window throughput and ETA
//   - Expiry sweep for abandoned sessions
//
// Example usage:
//
//	mgr, err := upload.New(
//	    upload.WithBucket("voxscribe-media"),
//	    upload.WithRegion("us-west-2"),
//	)
//	if err != nil {
//	    return err
//	}
//	defer mgr.Close()
//
//	events, unsubscribe := mgr.Subscribe()
//	defer unsubscribe()
//
//	sessionID, err := mgr.Start(ctx, uptypes.StartInput{
//	    Path:       "/media/interview.mp4",
//	    ProjectID:  "proj-42",
//	    StorageKey: "projects/proj-42/interview.mp4",
//	})
package upload
