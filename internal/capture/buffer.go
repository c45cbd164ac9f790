package capture

// SampleBuffer is a fixed-capacity FIFO of quantized samples. Pushing past
// capacity discards the oldest samples.
type SampleBuffer struct {
	data []int16
	head int
	size int
}

func NewSampleBuffer(capacity int) *SampleBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &SampleBuffer{data: make([]int16, capacity)}
}

func (b *SampleBuffer) Len() int { return b.size }

func (b *SampleBuffer) Cap() int { return len(b.data) }

// Push appends samples and returns how many old samples were discarded.
func (b *SampleBuffer) Push(samples []int16) int {
	capacity := len(b.data)
	dropped := 0
	if len(samples) >= capacity {
		dropped = b.size + len(samples) - capacity
		samples = samples[len(samples)-capacity:]
		b.head, b.size = 0, 0
	} else if over := b.size + len(samples) - capacity; over > 0 {
		b.head = (b.head + over) % capacity
		b.size -= over
		dropped = over
	}
	tail := (b.head + b.size) % capacity
	n := copy(b.data[tail:], samples)
	copy(b.data, samples[n:])
	b.size += len(samples)
	return dropped
}

// Peek copies up to n samples from the front without removing them.
func (b *SampleBuffer) Peek(n int) []int16 {
	if n > b.size {
		n = b.size
	}
	out := make([]int16, n)
	first := copy(out, b.data[b.head:min(b.head+n, len(b.data))])
	copy(out[first:], b.data[:n-first])
	return out
}

// Discard removes up to n samples from the front.
func (b *SampleBuffer) Discard(n int) {
	if n > b.size {
		n = b.size
	}
	b.head = (b.head + n) % len(b.data)
	b.size -= n
}

// Pop removes and returns up to n samples from the front.
func (b *SampleBuffer) Pop(n int) []int16 {
	out := b.Peek(n)
	b.Discard(len(out))
	return out
}

func (b *SampleBuffer) Reset() {
	b.head, b.size = 0, 0
}
