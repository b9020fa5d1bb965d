package playback

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/renfield/mcp-dlna/internal/domain"
)

const (
	defaultPollInterval = 3 * time.Second
	maxPollFailures     = 3
	loopStopWait        = 500 * time.Millisecond
)

// TransportGateway is the renderer-bound command surface the session drives.
// Implementations issue exactly one control action per call and never retry.
type TransportGateway interface {
	SetCurrent(ctx context.Context, t domain.Track) error
	SetNext(ctx context.Context, t domain.Track) error
	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	Stop(ctx context.Context) error
	Seek(ctx context.Context, position time.Duration) error
	SetVolume(ctx context.Context, level int) error
	TransportInfo(ctx context.Context) (state, status string, err error)
	PositionInfo(ctx context.Context) (domain.PositionInfo, error)
}

// session owns one renderer's queue and transport state. Commands and
// reconciliation polls serialize on cmdMu (device calls included): a command
// waits for an in-flight poll to finish applying, and a poll due while a
// command runs is skipped. Poll reads are additionally stamped with the queue
// generation and discarded when the queue was replaced mid-flight.
type session struct {
	renderer  domain.Renderer
	gateway   TransportGateway
	logger    *slog.Logger
	pollEvery time.Duration

	cmdMu sync.Mutex

	mu         sync.Mutex
	queue      []domain.Track
	generation uint64
	current    int
	preloaded  int
	state      domain.TransportState
	errReason  string
	position   string
	duration   string
	pollFails  int

	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

func newSession(renderer domain.Renderer, gateway TransportGateway, logger *slog.Logger, pollEvery time.Duration) *session {
	if pollEvery <= 0 {
		pollEvery = defaultPollInterval
	}
	return &session{
		renderer:  renderer,
		gateway:   gateway,
		logger:    logger,
		pollEvery: pollEvery,
		current:   -1,
		preloaded: -1,
		state:     domain.StateIdle,
	}
}

// playTracks replaces the queue in place (bumping its generation), loads the
// first track, arms the one-track look-ahead on gapless renderers, and
// starts playback.
func (s *session) playTracks(ctx context.Context, tracks []domain.Track) (*domain.SessionStatus, error) {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	// Any in-flight reconciliation read from the old queue will be
	// discarded by the generation check; the loop itself is restarted so
	// the new queue gets a clean poll cadence.
	s.stopLoop()

	s.mu.Lock()
	s.generation++
	s.queue = append([]domain.Track(nil), tracks...)
	s.current = 0
	s.preloaded = -1
	s.state = domain.StateLoading
	s.errReason = ""
	s.position = ""
	s.duration = ""
	s.pollFails = 0
	first := s.queue[0]
	s.mu.Unlock()

	if err := s.gateway.SetCurrent(ctx, first); err != nil {
		return s.fail(err)
	}
	if len(tracks) > 1 && s.renderer.SupportsNext {
		if err := s.gateway.SetNext(ctx, tracks[1]); err != nil {
			return s.fail(err)
		}
		s.mu.Lock()
		s.preloaded = 1
		s.mu.Unlock()
	}
	if err := s.gateway.Play(ctx); err != nil {
		return s.fail(err)
	}

	s.mu.Lock()
	s.state = domain.StateTransitioning
	s.mu.Unlock()

	s.startLoop()
	return s.snapshot(), nil
}

// nextTrack skips forward. Past the last index it stops playback instead of
// erroring.
func (s *session) nextTrack(ctx context.Context) (*domain.SessionStatus, error) {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	if err := s.rejectIfErrored(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	atEnd := s.current+1 >= len(s.queue)
	s.mu.Unlock()

	if atEnd {
		s.stopLoop()
		if err := s.gateway.Stop(ctx); err != nil {
			return s.fail(err)
		}
		s.mu.Lock()
		s.state = domain.StateStopped
		s.preloaded = -1
		s.mu.Unlock()
		return s.snapshot(), nil
	}

	s.mu.Lock()
	s.current++
	target := s.current
	s.mu.Unlock()
	return s.jumpTo(ctx, target)
}

// previousTrack skips backward. At index 0 it restarts the current track
// from position zero instead of erroring.
func (s *session) previousTrack(ctx context.Context) (*domain.SessionStatus, error) {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	if err := s.rejectIfErrored(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.current > 0 {
		s.current--
	}
	target := s.current
	if target < 0 {
		target = 0
		s.current = 0
	}
	empty := len(s.queue) == 0
	s.mu.Unlock()

	if empty {
		return nil, domain.Errf(domain.KindInvalidTrackList, "queue is empty")
	}
	return s.jumpTo(ctx, target)
}

// jumpTo loads the queue entry at index, plays it, and re-arms the
// look-ahead. Callers hold cmdMu and have already moved current to index.
func (s *session) jumpTo(ctx context.Context, index int) (*domain.SessionStatus, error) {
	s.mu.Lock()
	track := s.queue[index]
	s.preloaded = -1
	s.state = domain.StateTransitioning
	var next *domain.Track
	nextIdx := index + 1
	if nextIdx < len(s.queue) && s.renderer.SupportsNext {
		t := s.queue[nextIdx]
		next = &t
	}
	s.mu.Unlock()

	if err := s.gateway.SetCurrent(ctx, track); err != nil {
		return s.fail(err)
	}
	if err := s.gateway.Play(ctx); err != nil {
		return s.fail(err)
	}
	if next != nil {
		if err := s.gateway.SetNext(ctx, *next); err != nil {
			return s.fail(err)
		}
		s.mu.Lock()
		s.preloaded = nextIdx
		s.mu.Unlock()
	}

	s.ensureLoop()
	return s.snapshot(), nil
}

func (s *session) pause(ctx context.Context) error {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	if err := s.rejectIfErrored(); err != nil {
		return err
	}
	if err := s.gateway.Pause(ctx); err != nil {
		_, _ = s.fail(err)
		return err
	}
	s.mu.Lock()
	s.state = domain.StatePaused
	s.mu.Unlock()
	return nil
}

func (s *session) resume(ctx context.Context) error {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	if err := s.rejectIfErrored(); err != nil {
		return err
	}
	if err := s.gateway.Play(ctx); err != nil {
		_, _ = s.fail(err)
		return err
	}
	s.mu.Lock()
	s.state = domain.StatePlaying
	s.mu.Unlock()
	return nil
}

// stop halts playback and clears the queue. The gateway error, if any, is
// returned after local state is settled so the session never leaks a
// running loop.
func (s *session) stop(ctx context.Context) error {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	s.stopLoop()
	err := s.gateway.Stop(ctx)

	s.mu.Lock()
	s.generation++
	s.queue = nil
	s.current = -1
	s.preloaded = -1
	s.state = domain.StateStopped
	s.position = ""
	s.duration = ""
	s.mu.Unlock()

	return err
}

func (s *session) setVolume(ctx context.Context, level int) error {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	return s.gateway.SetVolume(ctx, level)
}

// snapshot answers entirely from session-owned state; it never touches the
// device.
func (s *session) snapshot() *domain.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	return &domain.SessionStatus{
		RendererUDN:  s.renderer.UDN,
		RendererName: s.renderer.Name,
		Queue:        append([]domain.Track(nil), s.queue...),
		CurrentIndex: s.current,
		TotalTracks:  len(s.queue),
		State:        s.state,
		ErrorReason:  s.errReason,
		Position:     s.position,
		Duration:     s.duration,
		Gapless:      s.renderer.SupportsNext,
	}
}

func (s *session) rejectIfErrored() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != domain.StateError {
		return nil
	}
	return domain.Errf(domain.KindDeviceFault,
		"session for %q is in error state (%s); start a new queue with play_tracks", s.renderer.Name, s.errReason)
}

func (s *session) fail(err error) (*domain.SessionStatus, error) {
	s.stopLoop()
	s.mu.Lock()
	s.state = domain.StateError
	s.errReason = err.Error()
	s.mu.Unlock()
	return s.snapshot(), err
}

func (s *session) startLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.loopCancel = cancel
	s.loopDone = done
	s.mu.Unlock()

	go s.reconcileLoop(ctx, done)
}

func (s *session) ensureLoop() {
	s.mu.Lock()
	running := s.loopDone != nil
	if running {
		select {
		case <-s.loopDone:
			running = false
		default:
		}
	}
	s.mu.Unlock()
	if !running {
		s.startLoop()
	}
}

func (s *session) stopLoop() {
	s.mu.Lock()
	cancel := s.loopCancel
	done := s.loopDone
	s.loopCancel = nil
	s.loopDone = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(loopStopWait):
		}
	}
}

// reconcileLoop polls device-reported state on a fixed interval for the
// lifetime of a non-Idle, non-Stopped session.
func (s *session) reconcileLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.reconcileOnce(ctx) {
				return
			}
		}
	}
}

// reconcileOnce performs one generation-stamped poll, holding cmdMu across
// the read and its application so no command can interleave with it. It
// returns false when the loop should exit: queue replaced, playback finished,
// or the session errored out.
func (s *session) reconcileOnce(ctx context.Context) bool {
	if !s.cmdMu.TryLock() {
		// A command is mid-flight and will settle state itself; skip
		// this tick rather than queue behind it.
		return true
	}
	defer s.cmdMu.Unlock()

	s.mu.Lock()
	gen := s.generation
	switch s.state {
	case domain.StateIdle, domain.StateStopped, domain.StateError:
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	reported, _, err := s.gateway.TransportInfo(ctx)
	var pos domain.PositionInfo
	if err == nil {
		pos, err = s.gateway.PositionInfo(ctx)
	}
	if err != nil {
		return s.recordPollFailure(gen, err)
	}
	return s.applyPoll(ctx, gen, reported, pos)
}

func (s *session) recordPollFailure(gen uint64, err error) bool {
	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return false
	}
	s.pollFails++
	fails := s.pollFails
	if fails >= maxPollFailures {
		s.state = domain.StateError
		s.errReason = fmt.Sprintf("reconciliation failed %d consecutive times: %v", fails, err)
	}
	s.mu.Unlock()

	s.logger.Warn("reconcile_poll_failed",
		slog.String("renderer", s.renderer.Name),
		slog.Int("consecutive", fails),
		slog.String("error", err.Error()))
	return fails < maxPollFailures
}

// applyPoll folds one device read into session state, unless the queue
// generation moved while the read was in flight.
func (s *session) applyPoll(ctx context.Context, gen uint64, reported string, pos domain.PositionInfo) bool {
	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return false
	}
	s.pollFails = 0
	s.position = pos.RelTime
	s.duration = pos.Duration

	normalized := normalizeTransportState(reported)

	var rearm *domain.Track
	rearmIdx := -1
	var fallback *domain.Track

	switch {
	case s.advancedToPreloaded(pos.TrackURI):
		// The device auto-advanced through the pre-loaded URI. Move
		// the belief forward and re-arm the one-track look-ahead.
		s.current = s.preloaded
		s.preloaded = -1
		s.state = domain.StateTransitioning
		if next := s.current + 1; next < len(s.queue) && s.renderer.SupportsNext {
			t := s.queue[next]
			rearm = &t
			rearmIdx = next
		}
	case normalized == "playing":
		s.state = domain.StatePlaying
	case normalized == "paused":
		s.state = domain.StatePaused
	case normalized == "transitioning":
		s.state = domain.StateTransitioning
	case normalized == "stopped":
		// A stopped transport with the look-ahead still armed means
		// the handoff never happened (or a remote stopped the
		// device); disarm and advance manually.
		s.preloaded = -1
		switch {
		case s.current+1 < len(s.queue):
			// Track ended without an armed look-ahead taking over.
			// Advance by reloading, accepting the small gap.
			s.current++
			t := s.queue[s.current]
			fallback = &t
			s.state = domain.StateTransitioning
			if next := s.current + 1; next < len(s.queue) && s.renderer.SupportsNext {
				nt := s.queue[next]
				rearm = &nt
				rearmIdx = next
			}
		default:
			s.state = domain.StateStopped
		}
	}
	s.mu.Unlock()

	if fallback != nil {
		err := s.gateway.SetCurrent(ctx, *fallback)
		if err == nil {
			err = s.gateway.Play(ctx)
		}
		if err != nil {
			return s.recordPollFailure(gen, err)
		}
	}
	if rearm != nil {
		if err := s.gateway.SetNext(ctx, *rearm); err != nil {
			// Best-effort inside the loop; the stopped-state
			// fallback above covers the boundary if this stays
			// broken.
			s.logger.Warn("lookahead_arm_failed",
				slog.String("renderer", s.renderer.Name),
				slog.Int("index", rearmIdx),
				slog.String("error", err.Error()))
		} else {
			s.mu.Lock()
			if s.generation == gen {
				s.preloaded = rearmIdx
			}
			s.mu.Unlock()
		}
	}

	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	return state != domain.StateStopped && state != domain.StateError
}

// advancedToPreloaded reports whether the device-reported URI matches the
// armed look-ahead track. Caller holds s.mu.
func (s *session) advancedToPreloaded(trackURI string) bool {
	if s.preloaded < 0 || s.preloaded >= len(s.queue) || s.preloaded == s.current {
		return false
	}
	return trackURI != "" && trackURI == s.queue[s.preloaded].URI
}

func normalizeTransportState(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	v = strings.ReplaceAll(v, " ", "_")
	switch v {
	case "playing":
		return "playing"
	case "paused", "paused_playback":
		return "paused"
	case "stopped", "no_media_present":
		return "stopped"
	case "transitioning", "buffering":
		return "transitioning"
	default:
		return v
	}
}
