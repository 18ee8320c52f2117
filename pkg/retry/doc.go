// Package retry provides simple exponential backoff retry logic for
// transient failures, mainly upstream HTTP calls that may hit a backend
// mid-restart.
//
// Basic retry with defaults:
//
//	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
//	    return client.StopTasks(ctx, ids)
//	})
//
// Retry with result:
//
//	resp, err := retry.DoWithResult(ctx, retry.DefaultConfig(), func() (*Response, error) {
//	    return client.StartTask(ctx, req)
//	})
//
// Wrap an error in NonRetryable to fail fast; validation failures will not
// succeed on a second attempt. All operations respect context cancellation,
// both during the attempt and during the backoff sleep.
package retry
