package logging

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/eunmann/s3-inv-query/pkg/humanfmt"
	"github.com/rs/zerolog"
)

// ScanProgress tracks a multi-file inventory scan and logs rate-limited
// progress events. It is safe for concurrent use by scan workers.
type ScanProgress struct {
	totalFiles int64
	filesDone  atomic.Int64
	filesFail  atomic.Int64
	records    atomic.Int64
	started    time.Time
	log        zerolog.Logger

	mu      sync.Mutex
	lastLog time.Time
	minGap  time.Duration
}

// NewScanProgress creates a tracker for a scan over totalFiles data files.
// Progress events are logged at most once per second.
func NewScanProgress(phase string, totalFiles int, log zerolog.Logger) *ScanProgress {
	return &ScanProgress{
		totalFiles: int64(totalFiles),
		started:    time.Now(),
		log:        log.With().Str("phase", phase).Logger(),
		minGap:     time.Second,
	}
}

// FileDone records a completed data file and its record count, logging a
// progress event if enough time has passed since the last one.
func (sp *ScanProgress) FileDone(records int64) {
	done := sp.filesDone.Add(1)
	total := sp.records.Add(records)
	sp.maybeLog(done, total)
}

// FileFailed records a data file that could not be scanned to completion.
// Records decoded before the failure should already have been added via
// AddRecords.
func (sp *ScanProgress) FileFailed() {
	done := sp.filesDone.Add(1)
	sp.filesFail.Add(1)
	sp.maybeLog(done, sp.records.Load())
}

// AddRecords adds decoded records without marking a file complete.
func (sp *ScanProgress) AddRecords(n int64) {
	sp.records.Add(n)
}

// Files returns completed (including failed) and failed file counts.
func (sp *ScanProgress) Files() (done, failed int64) {
	return sp.filesDone.Load(), sp.filesFail.Load()
}

// Records returns the total records seen so far.
func (sp *ScanProgress) Records() int64 {
	return sp.records.Load()
}

// Elapsed returns time since the scan started.
func (sp *ScanProgress) Elapsed() time.Duration {
	return time.Since(sp.started)
}

// ETA estimates time remaining from the overall per-file rate.
func (sp *ScanProgress) ETA() time.Duration {
	done := sp.filesDone.Load()
	if done == 0 {
		return 0
	}
	remaining := sp.totalFiles - done
	if remaining <= 0 {
		return 0
	}
	return time.Since(sp.started) / time.Duration(done) * time.Duration(remaining)
}

func (sp *ScanProgress) maybeLog(done, records int64) {
	sp.mu.Lock()
	if time.Since(sp.lastLog) < sp.minGap && done < sp.totalFiles {
		sp.mu.Unlock()
		return
	}
	sp.lastLog = time.Now()
	sp.mu.Unlock()

	elapsed := time.Since(sp.started)
	e := sp.log.Info().
		Str("event", "scan_progress").
		Int64("files_done", done).
		Int64("files_total", sp.totalFiles).
		Int64("records", records)
	if sp.totalFiles > 0 {
		e = e.Float64("progress_pct", float64(done)*100.0/float64(sp.totalFiles))
	}
	if eta := sp.ETA(); eta > 0 {
		e = e.Int64("eta_ms", eta.Milliseconds())
		if IsPrettyMode() {
			e = e.Str("eta_h", humanfmt.Duration(eta))
		}
	}
	if IsPrettyMode() && elapsed > 0 {
		e = e.Str("rate_h", humanfmt.Rate(records, elapsed, "rec"))
	}
	e.Msg("scan progress")
}

// CompletionEvent helps build consistent completion log events.
type CompletionEvent struct {
	log     zerolog.Logger
	event   string
	phase   string
	elapsed time.Duration
	fields  map[string]interface{}
}

// NewCompletionEvent creates a new completion event builder.
func NewCompletionEvent(log zerolog.Logger, event, phase string, elapsed time.Duration) *CompletionEvent {
	return &CompletionEvent{
		log:     log,
		event:   event,
		phase:   phase,
		elapsed: elapsed,
		fields:  make(map[string]interface{}),
	}
}

// Str adds a string field.
func (ce *CompletionEvent) Str(key, val string) *CompletionEvent {
	ce.fields[key] = val
	return ce
}

// Int adds an int field.
func (ce *CompletionEvent) Int(key string, val int) *CompletionEvent {
	ce.fields[key] = val
	return ce
}

// Int64 adds an int64 field.
func (ce *CompletionEvent) Int64(key string, val int64) *CompletionEvent {
	ce.fields[key] = val
	return ce
}

// Bool adds a bool field.
func (ce *CompletionEvent) Bool(key string, val bool) *CompletionEvent {
	ce.fields[key] = val
	return ce
}

// Bytes adds a byte count with optional human-readable companion.
func (ce *CompletionEvent) Bytes(key string, bytes int64) *CompletionEvent {
	ce.fields[key] = bytes
	if IsPrettyMode() {
		ce.fields[key+"_h"] = humanfmt.Bytes(bytes)
	}
	return ce
}

// Count adds a count with optional human-readable companion.
func (ce *CompletionEvent) Count(key string, n int64) *CompletionEvent {
	ce.fields[key] = n
	if IsPrettyMode() {
		ce.fields[key+"_h"] = humanfmt.Count(n)
	}
	return ce
}

// Throughput adds throughput fields derived from the event's elapsed time.
func (ce *CompletionEvent) Throughput(bytes int64) *CompletionEvent {
	if ce.elapsed > 0 {
		ce.fields["throughput_bps"] = float64(bytes) / ce.elapsed.Seconds()
		if IsPrettyMode() {
			ce.fields["throughput_h"] = humanfmt.Throughput(bytes, ce.elapsed)
		}
	}
	return ce
}

// Log emits the completion event.
func (ce *CompletionEvent) Log(msg string) {
	e := ce.log.Info().
		Str("event", ce.event).
		Str("phase", ce.phase).
		Int64("duration_ms", ce.elapsed.Milliseconds())

	if IsPrettyMode() {
		e = e.Str("duration_h", humanfmt.Duration(ce.elapsed))
	}

	for k, v := range ce.fields {
		e = e.Interface(k, v)
	}

	e.Msg(msg)
}

// PhaseComplete builds a phase completion event.
func PhaseComplete(log zerolog.Logger, phase string, elapsed time.Duration) *CompletionEvent {
	return NewCompletionEvent(log, "phase_completed", phase, elapsed)
}

// FileComplete builds a data-file completion event.
func FileComplete(log zerolog.Logger, phase string, elapsed time.Duration) *CompletionEvent {
	return NewCompletionEvent(log, "file_completed", phase, elapsed)
}
