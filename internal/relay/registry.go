package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
)

// ErrChannelClosed is returned by Channel.Send after the channel has been
// closed
var ErrChannelClosed = errors.New("progress channel closed")

// Channel wraps one client connection with a write lock. gorilla/websocket
// allows a single concurrent writer, and relay goroutines and the attach
// path can race on the same connection.
type Channel struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	closed bool
}

func newChannel(conn *websocket.Conn) *Channel {
	return &Channel{conn: conn}
}

// Send writes one JSON frame to the client
func (c *Channel) Send(frame interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	return c.conn.WriteJSON(frame)
}

// Close sends a normal close frame and tears the connection down.
// Safe to call more than once; only the first call acts.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	deadline := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteMessage(websocket.CloseMessage, deadline)
	_ = c.conn.Close()
}

// bufferedResult is a pending terminal result with its buffering time, so
// entries nobody ever reads can be aged out
type bufferedResult struct {
	res      *Resolution
	storedAt time.Time
}

// Registry maps job ids to attached progress channels and holds terminal
// results for jobs that finished without a listener. Buffered results are
// delivered at most once: the first reader (a late channel attach or a
// result poll) consumes them.
type Registry struct {
	mu       sync.Mutex
	channels map[string]*Channel
	results  map[string]*bufferedResult
	logger   arbor.ILogger
}

// NewRegistry creates an empty channel registry
func NewRegistry(logger arbor.ILogger) *Registry {
	return &Registry{
		channels: make(map[string]*Channel),
		results:  make(map[string]*bufferedResult),
		logger:   logger,
	}
}

// Attach binds a client connection to a job id and returns its channel.
// A second attach for the same job replaces the first: the old channel is
// closed and the new connection becomes the sole listener.
func (r *Registry) Attach(jobID string, conn *websocket.Conn) *Channel {
	ch := newChannel(conn)

	r.mu.Lock()
	prev := r.channels[jobID]
	r.channels[jobID] = ch
	r.mu.Unlock()

	if prev != nil {
		r.logger.Debug().Str("job_id", jobID).Msg("Replacing attached progress channel")
		prev.Close()
	}
	return ch
}

// Detach removes a channel binding, but only if it is still the current
// one. A channel that was already replaced by a later Attach must not
// unbind its successor.
func (r *Registry) Detach(jobID string, ch *Channel) {
	r.mu.Lock()
	if r.channels[jobID] == ch {
		delete(r.channels, jobID)
	}
	r.mu.Unlock()
	ch.Close()
}

// Send delivers a frame to the job's attached channel, if any. Returns
// false when no listener is attached or the write failed; a failed write
// detaches the dead channel. Dropped frames are not an error: progress is
// best-effort and the job keeps running without a listener.
func (r *Registry) Send(jobID string, frame interface{}) bool {
	r.mu.Lock()
	ch := r.channels[jobID]
	r.mu.Unlock()

	if ch == nil {
		return false
	}
	if err := ch.Send(frame); err != nil {
		r.logger.Debug().Str("job_id", jobID).Err(err).Msg("Progress write failed, detaching channel")
		r.Detach(jobID, ch)
		return false
	}
	return true
}

// Finish sends the terminal frames to the attached channel (when present)
// and closes it. The job id is unbound afterwards.
func (r *Registry) Finish(jobID string, frames ...interface{}) {
	r.mu.Lock()
	ch := r.channels[jobID]
	delete(r.channels, jobID)
	r.mu.Unlock()

	if ch == nil {
		return
	}
	for _, frame := range frames {
		if err := ch.Send(frame); err != nil {
			break
		}
	}
	ch.Close()
}

// StoreResult buffers a resolved result for one future reader
func (r *Registry) StoreResult(jobID string, res *Resolution) {
	r.mu.Lock()
	r.results[jobID] = &bufferedResult{res: res, storedAt: time.Now()}
	r.mu.Unlock()
}

// TakeResult pops a buffered result. The second call for the same job id
// returns false.
func (r *Registry) TakeResult(jobID string) (*Resolution, bool) {
	r.mu.Lock()
	entry, ok := r.results[jobID]
	if ok {
		delete(r.results, jobID)
	}
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	return entry.res, true
}

// EvictResults drops buffered results older than maxAge. Artifact bytes
// for jobs whose client never connected or polled would otherwise sit in
// memory forever; the result stays recomputable from history or disk.
func (r *Registry) EvictResults(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for jobID, entry := range r.results {
		if entry.storedAt.After(cutoff) {
			continue
		}
		delete(r.results, jobID)
		evicted++
	}
	return evicted
}

// ActiveChannels reports how many progress channels are currently attached
func (r *Registry) ActiveChannels() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}
