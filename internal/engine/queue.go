package engine

import "fmt"

// neighbour returns the queue index step entries away from current, wrapping
// at both ends. A current track missing from the queue counts as sitting just
// before index 0 (step 1) or just after the last index (step -1).
// It returns -1 when the queue's single entry is already current.
func neighbour(queue []string, current string, step int) (int, error) {
	n := len(queue)
	switch n {
	case 0:
		return 0, fmt.Errorf("%w: queue is empty", ErrInvalidPayload)
	case 1:
		if indexOf(queue, current) < 0 {
			return 0, nil
		}
		return -1, nil
	}

	idx := indexOf(queue, current)
	if idx < 0 {
		if step > 0 {
			return 0, nil
		}
		return n - 1, nil
	}
	return ((idx+step)%n + n) % n, nil
}

func indexOf(queue []string, id string) int {
	if id == "" {
		return -1
	}
	for i, q := range queue {
		if q == id {
			return i
		}
	}
	return -1
}
