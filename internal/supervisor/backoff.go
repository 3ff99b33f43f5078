package supervisor

import "time"

// Backoff yields exponentially growing delays: Initial, 2*Initial, ... up
// to Max. The zero value is not usable; set Initial and Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration

	next time.Duration
}

// Next returns the delay before the next attempt and advances.
func (b *Backoff) Next() time.Duration {
	if b.next == 0 {
		b.next = b.Initial
	}
	d := b.next
	b.next = min(b.next*2, b.Max)
	return d
}

// Reset starts the sequence over from Initial.
func (b *Backoff) Reset() {
	b.next = 0
}
