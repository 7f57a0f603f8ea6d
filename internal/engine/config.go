package engine

import "time"

// RetryConfig holds retry policies per call type.
type RetryConfig struct {
	TokenCountPolicy RetryPolicy // Policy for token-counting calls
}

// DefaultRetryConfig returns the default retry policies.
// Token counting is silent, so it retries twice from 500ms, doubling.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		TokenCountPolicy: RetryPolicy{
			MaxRetries:   2,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2.0,
			Jitter:       false,
		},
	}
}
