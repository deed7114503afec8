package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to keep a producer from blocking on a stream whose consumer has
// gone away (e.g. the event channel of a transport that is being closed).
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
