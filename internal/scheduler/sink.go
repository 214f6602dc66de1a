package scheduler

import "time"

// Sink receives queue statistics from a scheduler. It is strictly an
// observer: nothing it does affects dispatch decisions.
//
// Only messages with the unknown affinity are reported, and only while the
// scheduler's strategy reports queue length.
type Sink interface {
	// ReportQueueLength adjusts the default queue depth by delta.
	ReportQueueLength(delta int)

	// RecordMessageDequeued records the wait since enqueuedAt and returns the
	// dequeue timestamp.
	RecordMessageDequeued(enqueuedAt time.Time) time.Time

	// RecordMessageProcessed records the processing time since dequeuedAt.
	RecordMessageProcessed(dequeuedAt time.Time, label string)

	// Start is called once by Scheduler.Start.
	Start()

	// Stop is called once by Scheduler.RequestStop.
	Stop()
}

type nopSink struct{}

func (nopSink) ReportQueueLength(int) {}
func (nopSink) RecordMessageDequeued(time.Time) time.Time { return time.Time{} }
func (nopSink) RecordMessageProcessed(time.Time, string) {}
func (nopSink) Start() {}
func (nopSink) Stop() {}
