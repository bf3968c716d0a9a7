package model

// DetectionSink accepts detection results from the scheduler.
// Implementations must not block on network I/O.
type DetectionSink interface {
	Enqueue(r DetectionResult)
}
