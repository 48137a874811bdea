// Package retry provides exponential backoff retry logic for transient failures.
//
// Backends use it to retry part uploads and source reads; callers wrap errors
// with NonRetryable to stop the loop early:
//
//	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
//	    resp, err := client.Do(req)
//	    if err != nil {
//	        return err
//	    }
//	    if resp.StatusCode == http.StatusForbidden {
//	        return retry.NonRetryable(errForbidden)
//	    }
//	    return nil
//	})
//
// With MaxAttempts of N the function runs at most N times. Delays grow by
// Multiplier from InitialDelay and are capped at MaxDelay; AddJitter adds up
// to 25% on top of each delay.
package retry
