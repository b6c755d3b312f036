package pushchannel

import "time"

// ReconnectState tracks consecutive connection failures. It is not safe for
// concurrent use; the client guards it.
type ReconnectState struct {
	base        time.Duration
	max         time.Duration
	maxAttempts int

	attemptCount int
	nextDelay    time.Duration
}

// NewReconnectState creates a backoff policy. maxAttempts <= 0 retries forever.
func NewReconnectState(base, maxDelay time.Duration, maxAttempts int) *ReconnectState {
	if base <= 0 {
		base = time.Second
	}
	if maxDelay < base {
		maxDelay = base
	}
	return &ReconnectState{base: base, max: maxDelay, maxAttempts: maxAttempts}
}

// Next records a failure and returns the delay before the next attempt.
// ok is false once the attempt cap is reached.
func (s *ReconnectState) Next() (delay time.Duration, ok bool) {
	if s.maxAttempts > 0 && s.attemptCount >= s.maxAttempts {
		return 0, false
	}
	delay = s.max
	// Shifting past 62 bits overflows; anything that large is capped anyway
	if s.attemptCount < 62 {
		if d := s.base << uint(s.attemptCount); d > 0 && d < s.max {
			delay = d
		}
	}
	s.attemptCount++
	s.nextDelay = delay
	return delay, true
}

// Reset clears the failure count after a successful connection
func (s *ReconnectState) Reset() {
	s.attemptCount = 0
	s.nextDelay = 0
}

// Attempts returns the number of consecutive failures recorded
func (s *ReconnectState) Attempts() int {
	return s.attemptCount
}

// NextDelay returns the last delay handed out
func (s *ReconnectState) NextDelay() time.Duration {
	return s.nextDelay
}
