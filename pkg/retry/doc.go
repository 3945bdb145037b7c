// Package retry implements exponential backoff with optional jitter.
//
// Usage:
//
//	err := retry.Do(ctx, retry.Conflict(), func() error {
//	    entry, err := kv.Get(ctx, key)
//	    if err != nil {
//	        return retry.NonRetryable(err)
//	    }
//	    _, err = kv.Update(ctx, key, mutate(entry.Value), entry.Revision)
//	    return err
//	})
//
// Errors wrapped with NonRetryable stop the loop immediately and are returned
// unchanged. Context cancellation is checked after every failed attempt and
// during each backoff sleep.
package retry
