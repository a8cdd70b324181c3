package model

import "time"

// EventKind discriminates the feedback event sum type. Go has no tagged
// unions, so Event is one struct with a Kind field and variant-specific
// fields left zero-valued when the variant doesn't use them.
type EventKind int

const (
	EventPrepare EventKind = iota
	EventDownload
	EventExtract
	EventVerify
	EventLoad
	EventClean
	EventCancel
	EventSuccess
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventPrepare:
		return "Prepare"
	case EventDownload:
		return "Download"
	case EventExtract:
		return "Extract"
	case EventVerify:
		return "Verify"
	case EventLoad:
		return "Load"
	case EventClean:
		return "Clean"
	case EventCancel:
		return "Cancel"
	case EventSuccess:
		return "Success"
	case EventFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Event is the feedback bus's single event type. Common fields are always
// set; the rest apply only to the variants named in the comments.
type Event struct {
	Kind     EventKind
	Metadata *ModelMetadata
	Message  string
	Err      error
	Time     time.Time

	// File-scoped variants (Extract, Verify, Load, Clean).
	FilePath string

	// Progress-scoped variants (Download, Extract), in [0,1].
	Progress float64

	// Download-only.
	URL                 string
	DownloadedBytes     int64
	TotalBytes          int64
	SpeedBytesPerSecond float64
	EstimatedRemaining  time.Duration

	// Verify-only.
	CalculatedHash string
	ExpectedHash   string
}

// NewPrepareEvent marks entry into acquisition for metadata.
func NewPrepareEvent(metadata *ModelMetadata, message string) Event {
	return Event{Kind: EventPrepare, Metadata: metadata, Message: message, Time: time.Now()}
}

// NewDownloadEvent reports download progress.
func NewDownloadEvent(metadata *ModelMetadata, url string, downloaded, total int64, speed float64, eta time.Duration) Event {
	progress := 0.0
	if total > 0 {
		progress = float64(downloaded) / float64(total)
	}
	return Event{
		Kind:                EventDownload,
		Metadata:            metadata,
		Progress:            progress,
		URL:                 url,
		DownloadedBytes:     downloaded,
		TotalBytes:          total,
		SpeedBytesPerSecond: speed,
		EstimatedRemaining:  eta,
		Time:                time.Now(),
	}
}

// NewExtractEvent reports archive-extraction progress for filePath.
func NewExtractEvent(metadata *ModelMetadata, filePath string, progress float64, message string) Event {
	return Event{Kind: EventExtract, Metadata: metadata, FilePath: filePath, Progress: progress, Message: message, Time: time.Now()}
}

// NewVerifyEvent reports a hash verification outcome for filePath.
func NewVerifyEvent(metadata *ModelMetadata, filePath, calculated, expected, message string) Event {
	return Event{
		Kind:           EventVerify,
		Metadata:       metadata,
		FilePath:       filePath,
		CalculatedHash: calculated,
		ExpectedHash:   expected,
		Message:        message,
		Time:           time.Now(),
	}
}

// NewLoadEvent marks the native-engine initialize step for filePath
// (typically the primary model file).
func NewLoadEvent(metadata *ModelMetadata, filePath, message string) Event {
	return Event{Kind: EventLoad, Metadata: metadata, FilePath: filePath, Message: message, Time: time.Now()}
}

// NewCleanEvent reports removal of a partial file during terminal
// cleanup.
func NewCleanEvent(metadata *ModelMetadata, filePath, message string) Event {
	return Event{Kind: EventClean, Metadata: metadata, FilePath: filePath, Message: message, Time: time.Now()}
}

// NewCancelEvent marks cancellation observed anywhere in the pipeline.
func NewCancelEvent(metadata *ModelMetadata, err error) Event {
	return Event{Kind: EventCancel, Metadata: metadata, Err: err, Time: time.Now()}
}

// NewSuccessEvent marks a terminal successful outcome.
func NewSuccessEvent(metadata *ModelMetadata, message string) Event {
	return Event{Kind: EventSuccess, Metadata: metadata, Message: message, Time: time.Now()}
}

// NewFailedEvent marks a terminal failed outcome, carrying the root cause.
func NewFailedEvent(metadata *ModelMetadata, message string, err error) Event {
	return Event{Kind: EventFailed, Metadata: metadata, Message: message, Err: err, Time: time.Now()}
}

// Dispatch hands this event to h, the visitor form of consumption: call
// sites read "event.Dispatch(handler)" and handlers match on Kind.
func (e Event) Dispatch(h interface{ Handle(Event) }) {
	h.Handle(e)
}
