package playback

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/renfield/mcp-dlna/internal/avtransport"
	"github.com/renfield/mcp-dlna/internal/domain"
)

// RendererResolver resolves a caller-supplied renderer name against the
// discovery cache.
type RendererResolver interface {
	Resolve(ctx context.Context, name string) (domain.Renderer, error)
}

// GatewayFactory builds the transport gateway bound to one renderer.
type GatewayFactory interface {
	New(r domain.Renderer) TransportGateway
}

type avtransportFactory struct{}

func (avtransportFactory) New(r domain.Renderer) TransportGateway {
	return avtransport.NewClient(r)
}

// Manager is the session registry: at most one live playback session per
// renderer UDN, with every tool command dispatched through it so callers
// never hold a session reference across calls.
type Manager struct {
	resolver  RendererResolver
	gateways  GatewayFactory
	logger    *slog.Logger
	pollEvery time.Duration

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool

	closeOnce sync.Once
	closeErr  error
}

func NewManager(resolver RendererResolver, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{
		resolver:  resolver,
		gateways:  avtransportFactory{},
		logger:    logger,
		pollEvery: defaultPollInterval,
		sessions:  map[string]*session{},
	}
}

// Holds reports whether a live session references the renderer. Wired into
// the discovery cache as its eviction guard.
func (m *Manager) Holds(udn string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[udn]
	return ok
}

// PlayTracks starts (or replaces) queue playback on the named renderer. An
// empty or URI-less track list fails validation before any device or
// network call.
func (m *Manager) PlayTracks(ctx context.Context, rendererName string, tracks []domain.Track) (*domain.SessionStatus, error) {
	if len(tracks) == 0 {
		return nil, domain.Errf(domain.KindInvalidTrackList, "track list is empty")
	}
	for i := range tracks {
		if strings.TrimSpace(tracks[i].URI) == "" {
			return nil, domain.Errf(domain.KindInvalidTrackList, "track %d has no uri", i)
		}
		if tracks[i].Metadata == "" {
			tracks[i].Metadata = avtransport.BuildDIDL(tracks[i])
		}
	}

	renderer, err := m.resolver.Resolve(ctx, rendererName)
	if err != nil {
		return nil, err
	}

	sess, err := m.getOrCreate(renderer)
	if err != nil {
		return nil, err
	}
	m.logger.Info("play_tracks",
		slog.String("renderer", renderer.Name),
		slog.Int("tracks", len(tracks)),
		slog.Bool("gapless", renderer.SupportsNext))
	return sess.playTracks(ctx, tracks)
}

// Stop halts playback, clears the queue, and discards the session.
func (m *Manager) Stop(ctx context.Context, rendererName string) error {
	sess, renderer, err := m.resolveSession(ctx, rendererName)
	if err != nil {
		return err
	}

	stopErr := sess.stop(ctx)

	m.mu.Lock()
	if m.sessions[renderer.UDN] == sess {
		delete(m.sessions, renderer.UDN)
	}
	m.mu.Unlock()

	m.logger.Info("session_stopped", slog.String("renderer", renderer.Name))
	return stopErr
}

func (m *Manager) Pause(ctx context.Context, rendererName string) error {
	sess, _, err := m.resolveSession(ctx, rendererName)
	if err != nil {
		return err
	}
	return sess.pause(ctx)
}

func (m *Manager) Resume(ctx context.Context, rendererName string) error {
	sess, _, err := m.resolveSession(ctx, rendererName)
	if err != nil {
		return err
	}
	return sess.resume(ctx)
}

func (m *Manager) NextTrack(ctx context.Context, rendererName string) (*domain.SessionStatus, error) {
	sess, _, err := m.resolveSession(ctx, rendererName)
	if err != nil {
		return nil, err
	}
	return sess.nextTrack(ctx)
}

func (m *Manager) PreviousTrack(ctx context.Context, rendererName string) (*domain.SessionStatus, error) {
	sess, _, err := m.resolveSession(ctx, rendererName)
	if err != nil {
		return nil, err
	}
	return sess.previousTrack(ctx)
}

// SetVolume validates the level before any device call is made.
func (m *Manager) SetVolume(ctx context.Context, rendererName string, level int) error {
	if level < 0 || level > 100 {
		return domain.Errf(domain.KindInvalidVolume, "volume %d is outside 0-100", level)
	}
	sess, _, err := m.resolveSession(ctx, rendererName)
	if err != nil {
		return err
	}
	return sess.setVolume(ctx, level)
}

// Status returns the session-owned snapshot; it never triggers a transport
// call against the device.
func (m *Manager) Status(ctx context.Context, rendererName string) (*domain.SessionStatus, error) {
	sess, _, err := m.resolveSession(ctx, rendererName)
	if err != nil {
		return nil, err
	}
	return sess.snapshot(), nil
}

func (m *Manager) resolveSession(ctx context.Context, rendererName string) (*session, domain.Renderer, error) {
	renderer, err := m.resolver.Resolve(ctx, rendererName)
	if err != nil {
		return nil, domain.Renderer{}, err
	}

	m.mu.Lock()
	sess, ok := m.sessions[renderer.UDN]
	m.mu.Unlock()
	if !ok {
		return nil, domain.Renderer{}, domain.Errf(domain.KindNoActiveSession,
			"no active playback session on %q", renderer.Name)
	}
	return sess, renderer, nil
}

func (m *Manager) getOrCreate(renderer domain.Renderer) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, domain.Errf(domain.KindDeviceFault, "playback manager is shutting down")
	}

	if sess, ok := m.sessions[renderer.UDN]; ok {
		return sess, nil
	}
	sess := newSession(renderer, m.gateways.New(renderer), m.logger, m.pollEvery)
	m.sessions[renderer.UDN] = sess
	return sess, nil
}

// Close stops every live session. Sessions are not persisted; a clean exit
// leaves the renderers stopped.
func (m *Manager) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		detached := make([]*session, 0, len(m.sessions))
		for udn, sess := range m.sessions {
			detached = append(detached, sess)
			delete(m.sessions, udn)
		}
		m.mu.Unlock()

		var errs []string
		for _, sess := range detached {
			if err := sess.stop(ctx); err != nil {
				errs = append(errs, err.Error())
			}
		}
		if len(errs) > 0 {
			m.closeErr = errors.New(strings.Join(errs, "; "))
		}
	})
	return m.closeErr
}
