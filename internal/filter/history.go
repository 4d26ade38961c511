package filter

// history is a fixed-capacity ring keeping the most recent readings.
// Not safe for concurrent use; callers synchronize.
type history struct {
	buf      []float64
	capacity int
	head     int // next write position
	count    int
}

func newHistory(capacity int) *history {
	return &history{
		buf:      make([]float64, capacity),
		capacity: capacity,
	}
}

func (h *history) push(v float64) {
	// Overwrite oldest once full: head is already pointing at it
	h.buf[h.head] = v
	h.head = (h.head + 1) % h.capacity
	if h.count < h.capacity {
		h.count++
	}
}

func (h *history) full() bool {
	return h.count == h.capacity
}

// spread returns max - min over the stored readings, 0 when empty.
func (h *history) spread() float64 {
	vs := h.values()
	if len(vs) == 0 {
		return 0
	}
	lo, hi := vs[0], vs[0]
	for _, v := range vs[1:] {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	return hi - lo
}

// values returns the stored readings, oldest first.
func (h *history) values() []float64 {
	if h.count == 0 {
		return nil
	}
	out := make([]float64, h.count)
	start := (h.head - h.count + h.capacity) % h.capacity
	for i := 0; i < h.count; i++ {
		out[i] = h.buf[(start+i)%h.capacity]
	}
	return out
}
