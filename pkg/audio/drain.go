package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use it to release a producer goroutine when a streamed response (e.g. the
// chunk channel of a cancelled synthesis) is no longer needed.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
