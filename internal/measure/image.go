package measure

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrImageNotReady is returned by runners while the runtime image has not
// been fetched successfully.
var ErrImageNotReady = errors.New("measurement runtime image is not available")

// Puller fetches the measurement runtime.
type Puller interface {
	Pull(ctx context.Context, image string) error
}

// ImageState records whether the runtime image is usable. The first recorded
// attempt, successful or not, closes Done.
type ImageState struct {
	mu       sync.RWMutex
	ready    bool
	lastErr  error
	pulledAt time.Time
	done     chan struct{}
	once     sync.Once
}

// NewImageState returns a state that is pending until the first Record.
func NewImageState() *ImageState {
	return &ImageState{done: make(chan struct{})}
}

// ReadyImageState returns a state that is already usable, for runners that
// need no image.
func ReadyImageState() *ImageState {
	s := NewImageState()
	s.Record(nil)
	return s
}

// Record stores the outcome of a pull. A failed refresh keeps an image that
// was fetched earlier usable.
func (s *ImageState) Record(err error) {
	s.mu.Lock()
	if err == nil {
		s.ready = true
		s.pulledAt = time.Now()
	}
	s.lastErr = err
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
}

// Done is closed once the first pull attempt finished.
func (s *ImageState) Done() <-chan struct{} {
	return s.done
}

// Ready returns nil when the image is usable, or ErrImageNotReady wrapping
// the last pull failure.
func (s *ImageState) Ready() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ready {
		return nil
	}
	if s.lastErr != nil {
		return fmt.Errorf("%w: %v", ErrImageNotReady, s.lastErr)
	}
	return ErrImageNotReady
}

// ImageStatus is a point-in-time view of an ImageState.
type ImageStatus struct {
	Ready     bool       `json:"ready"`
	Pending   bool       `json:"pending"`
	LastError string     `json:"last_error,omitempty"`
	PulledAt  *time.Time `json:"pulled_at,omitempty"`
}

// Status returns the current view of the state.
func (s *ImageState) Status() ImageStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := ImageStatus{Ready: s.ready}
	select {
	case <-s.done:
	default:
		st.Pending = true
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	if !s.pulledAt.IsZero() {
		at := s.pulledAt
		st.PulledAt = &at
	}
	return st
}

// Prepare pulls image and records the outcome in state.
func Prepare(ctx context.Context, puller Puller, image string, state *ImageState) error {
	slog.Info("Start downloading container", "image", image)
	start := time.Now()
	err := puller.Pull(ctx, image)
	state.Record(err)
	if err != nil {
		slog.Error("Couldn't download container", "image", image, "error", err)
		return err
	}
	slog.Info("Finished downloading container", "image", image, "duration", time.Since(start).Round(time.Millisecond))
	return nil
}

// StartRefresh schedules Prepare on a cron spec (e.g. "@every 6h" or
// "0 3 * * *"). The returned function stops the schedule and waits for a
// running refresh.
func StartRefresh(ctx context.Context, spec string, puller Puller, image string, state *ImageState) (func(), error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		_ = Prepare(ctx, puller, image, state)
	})
	if err != nil {
		return nil, fmt.Errorf("invalid image refresh schedule %q: %w", spec, err)
	}
	c.Start()
	slog.Info("Scheduled runtime image refresh", "image", image, "schedule", spec)
	return func() {
		<-c.Stop().Done()
	}, nil
}
