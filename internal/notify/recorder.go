package notify

import (
	"context"
	"sync"
)

// Sent is one message captured by Recorder.
type Sent struct {
	Owner string
	Message
}

// Recorder is a Gateway and Sink that keeps everything it is given.
type Recorder struct {
	mu   sync.Mutex
	sent []Sent
	// Err, when set, is returned from every call after recording.
	Err error
}

func (r *Recorder) Notify(_ context.Context, owner string, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, Sent{Owner: owner, Message: msg})
	return r.Err
}

// Messages returns a copy of what was recorded.
func (r *Recorder) Messages() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sent(nil), r.sent...)
}

// ForSession filters recorded messages by session id.
func (r *Recorder) ForSession(id string) []Sent {
	var out []Sent
	for _, s := range r.Messages() {
		if s.SessionID == id {
			out = append(out, s)
		}
	}
	return out
}
