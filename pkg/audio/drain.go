package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use it when a streaming channel must be emptied so its producer can exit,
// e.g. the partials of an STT session nobody renders.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
