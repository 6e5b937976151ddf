// Package events is the notification surface the UI collaborator consumes.
// The download pipeline publishes typed events; the UI drains the channels.
package events

// Category classifies a download error for the UI's log-vs-toast decision.
type Category string

const (
	CategoryGateway    Category = "gateway"
	CategoryDiskSpace  Category = "disk_space"
	CategoryNetwork    Category = "network"
	CategoryCorruption Category = "corruption"
	CategoryEncryption Category = "encryption"
	CategoryConflict   Category = "conflict"
	CategoryInternal   Category = "internal"
)

// Progress is emitted while bytes are streaming to the vault.
type Progress struct {
	ContentID       string
	Quality         string
	BytesDownloaded int64
	TotalBytes      int64
	Percentage      float64
	Speed           float64 // bytes per second
}

// Complete is emitted exactly once when a download finalizes.
type Complete struct {
	ContentID string
	Quality   string
	FilePath  string
	FileSize  int64
}

// Error is emitted on any terminal failure.
type Error struct {
	ContentID       string
	Quality         string
	Err             string
	Category        Category
	Recoverable     bool
	Resumable       bool
	BytesDownloaded int64
}

// ServerStarted is emitted when the local stream server is listening.
type ServerStarted struct {
	Port    int
	Address string
}

// Hub fans events out to the UI. Publishing never blocks: when the UI is
// not keeping up, progress events are dropped rather than stalling disk or
// network I/O.
type Hub struct {
	OnProgress      chan Progress
	OnComplete      chan Complete
	OnError         chan Error
	OnServerStarted chan ServerStarted
}

// NewHub returns a Hub with buffered channels. Complete and Error fire
// once per task and must not be lost to a slow consumer, so their buffers
// are far deeper than the bounded number of in-flight downloads; Progress
// is a firehose where dropping is the point.
func NewHub() *Hub {
	return &Hub{
		OnProgress:      make(chan Progress, 64),
		OnComplete:      make(chan Complete, terminalBuffer),
		OnError:         make(chan Error, terminalBuffer),
		OnServerStarted: make(chan ServerStarted, 1),
	}
}

const terminalBuffer = 256

// Close closes all event channels.
func (h *Hub) Close() {
	close(h.OnProgress)
	close(h.OnComplete)
	close(h.OnError)
	close(h.OnServerStarted)
}

// PublishProgress publishes a progress event, dropping it when full.
func (h *Hub) PublishProgress(e Progress) {
	select {
	case h.OnProgress <- e:
	default:
	}
}

// PublishComplete publishes a completion event. The deep terminal buffer
// holds more events than tasks can be in flight, so in practice nothing
// is ever dropped here.
func (h *Hub) PublishComplete(e Complete) {
	select {
	case h.OnComplete <- e:
	default:
	}
}

// PublishError publishes an error event into the deep terminal buffer.
func (h *Hub) PublishError(e Error) {
	select {
	case h.OnError <- e:
	default:
	}
}

// PublishServerStarted publishes the server-started event.
func (h *Hub) PublishServerStarted(e ServerStarted) {
	select {
	case h.OnServerStarted <- e:
	default:
	}
}
