package playback

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/renfield/mcp-dlna/internal/domain"
)

type fakeResolver struct {
	renderer domain.Renderer
	err      error
	calls    int
}

func (f *fakeResolver) Resolve(ctx context.Context, name string) (domain.Renderer, error) {
	f.calls++
	if f.err != nil {
		return domain.Renderer{}, f.err
	}
	return f.renderer, nil
}

type fakeGatewayFactory struct {
	gateway *fakeGateway
}

func (f *fakeGatewayFactory) New(r domain.Renderer) TransportGateway {
	return f.gateway
}

func newTestManager(t *testing.T, renderer domain.Renderer) (*Manager, *fakeResolver, *fakeGateway) {
	t.Helper()
	resolver := &fakeResolver{renderer: renderer}
	gw := &fakeGateway{transportState: "PLAYING"}
	m := NewManager(resolver, slog.New(slog.NewTextHandler(io.Discard, nil)))
	m.gateways = &fakeGatewayFactory{gateway: gw}
	m.pollEvery = time.Hour
	t.Cleanup(func() {
		_ = m.Close(context.Background())
	})
	return m, resolver, gw
}

func TestPlayTracksEmptyListFailsBeforeResolve(t *testing.T) {
	m, resolver, gw := newTestManager(t, gaplessRenderer())

	_, err := m.PlayTracks(context.Background(), "Living Room", nil)
	if controlKind(t, err) != domain.KindInvalidTrackList {
		t.Fatalf("expected INVALID_TRACK_LIST, got %v", err)
	}
	if resolver.calls != 0 {
		t.Fatalf("validation must run before resolution; resolver called %d time(s)", resolver.calls)
	}
	if len(gw.callLog()) != 0 {
		t.Fatalf("no device call expected, got %v", gw.callLog())
	}
}

func TestPlayTracksBlankURIFailsBeforeResolve(t *testing.T) {
	m, resolver, _ := newTestManager(t, gaplessRenderer())

	tracks := []domain.Track{{URI: "http://media.local/a.mp3"}, {URI: "   "}}
	_, err := m.PlayTracks(context.Background(), "Living Room", tracks)
	if controlKind(t, err) != domain.KindInvalidTrackList {
		t.Fatalf("expected INVALID_TRACK_LIST, got %v", err)
	}
	if resolver.calls != 0 {
		t.Fatalf("resolver called %d time(s) for an invalid list", resolver.calls)
	}
}

func TestPlayTracksFillsDIDLMetadata(t *testing.T) {
	m, _, gw := newTestManager(t, gaplessRenderer())

	tracks := []domain.Track{{URI: "http://media.local/a.mp3", Title: "Alpha", Artist: "The Band"}}
	if _, err := m.PlayTracks(context.Background(), "Living Room", tracks); err != nil {
		t.Fatalf("play tracks: %v", err)
	}

	status, err := m.Status(context.Background(), "Living Room")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(status.Queue) != 1 {
		t.Fatalf("expected 1 queued track, got %d", len(status.Queue))
	}
	if !strings.Contains(status.Queue[0].Metadata, "DIDL-Lite") {
		t.Fatalf("expected DIDL-Lite metadata, got %q", status.Queue[0].Metadata)
	}
	if !strings.Contains(status.Queue[0].Metadata, "Alpha") {
		t.Fatalf("metadata missing title: %q", status.Queue[0].Metadata)
	}
	_ = gw
}

func TestSetVolumeRangeFailsBeforeResolve(t *testing.T) {
	m, resolver, gw := newTestManager(t, gaplessRenderer())

	for _, level := range []int{-1, 101, 150} {
		err := m.SetVolume(context.Background(), "Living Room", level)
		if controlKind(t, err) != domain.KindInvalidVolume {
			t.Fatalf("level %d: expected INVALID_VOLUME, got %v", level, err)
		}
	}
	if resolver.calls != 0 {
		t.Fatalf("resolver called %d time(s) for out-of-range volume", resolver.calls)
	}
	if len(gw.callLog()) != 0 {
		t.Fatalf("no device call expected, got %v", gw.callLog())
	}
}

func TestCommandsWithoutSessionReturnNoActiveSession(t *testing.T) {
	m, _, _ := newTestManager(t, gaplessRenderer())
	ctx := context.Background()

	if err := m.Pause(ctx, "Living Room"); controlKind(t, err) != domain.KindNoActiveSession {
		t.Fatalf("pause: expected NO_ACTIVE_SESSION, got %v", err)
	}
	if err := m.Resume(ctx, "Living Room"); controlKind(t, err) != domain.KindNoActiveSession {
		t.Fatalf("resume: expected NO_ACTIVE_SESSION, got %v", err)
	}
	if _, err := m.NextTrack(ctx, "Living Room"); controlKind(t, err) != domain.KindNoActiveSession {
		t.Fatalf("next: expected NO_ACTIVE_SESSION, got %v", err)
	}
	if _, err := m.PreviousTrack(ctx, "Living Room"); controlKind(t, err) != domain.KindNoActiveSession {
		t.Fatalf("previous: expected NO_ACTIVE_SESSION, got %v", err)
	}
	if _, err := m.Status(ctx, "Living Room"); controlKind(t, err) != domain.KindNoActiveSession {
		t.Fatalf("status: expected NO_ACTIVE_SESSION, got %v", err)
	}
	if err := m.SetVolume(ctx, "Living Room", 40); controlKind(t, err) != domain.KindNoActiveSession {
		t.Fatalf("set volume: expected NO_ACTIVE_SESSION, got %v", err)
	}
}

func TestStatusNeverTouchesTheDevice(t *testing.T) {
	m, _, gw := newTestManager(t, gaplessRenderer())
	ctx := context.Background()

	if _, err := m.PlayTracks(ctx, "Living Room", threeTracks()); err != nil {
		t.Fatalf("play tracks: %v", err)
	}

	before := len(gw.callLog())
	for i := 0; i < 3; i++ {
		if _, err := m.Status(ctx, "Living Room"); err != nil {
			t.Fatalf("status: %v", err)
		}
	}
	if after := len(gw.callLog()); after != before {
		t.Fatalf("get_status made %d device call(s)", after-before)
	}
}

func TestStopDiscardsSession(t *testing.T) {
	m, _, gw := newTestManager(t, gaplessRenderer())
	ctx := context.Background()

	if _, err := m.PlayTracks(ctx, "Living Room", threeTracks()); err != nil {
		t.Fatalf("play tracks: %v", err)
	}
	if !m.Holds("uuid:living-room") {
		t.Fatal("expected session to hold the renderer")
	}

	if err := m.Stop(ctx, "Living Room"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if m.Holds("uuid:living-room") {
		t.Fatal("expected renderer released after stop")
	}
	if n := gw.countCalls("Stop"); n != 1 {
		t.Fatalf("expected one Stop call, got %d", n)
	}

	if err := m.Pause(ctx, "Living Room"); controlKind(t, err) != domain.KindNoActiveSession {
		t.Fatalf("expected NO_ACTIVE_SESSION after stop, got %v", err)
	}
}

func TestPlayTracksReplacesExistingQueue(t *testing.T) {
	m, resolver, gw := newTestManager(t, gaplessRenderer())
	ctx := context.Background()

	if _, err := m.PlayTracks(ctx, "Living Room", threeTracks()); err != nil {
		t.Fatalf("first play: %v", err)
	}
	replacement := []domain.Track{{URI: "http://media.local/z.mp3", Title: "Zeta"}}
	status, err := m.PlayTracks(ctx, "Living Room", replacement)
	if err != nil {
		t.Fatalf("second play: %v", err)
	}

	if status.TotalTracks != 1 || status.CurrentIndex != 0 {
		t.Fatalf("expected replaced single-track queue, got %+v", status)
	}
	if n := gw.countCalls("SetCurrent http://media.local/z.mp3"); n != 1 {
		t.Fatalf("expected replacement track loaded, got calls %v", gw.callLog())
	}
	_ = resolver
}

func TestResolveErrorPropagates(t *testing.T) {
	m, resolver, _ := newTestManager(t, gaplessRenderer())
	resolver.err = domain.Errf(domain.KindRendererNotFound, "no renderer matches \"Attic\"")

	_, err := m.PlayTracks(context.Background(), "Attic", threeTracks())
	if controlKind(t, err) != domain.KindRendererNotFound {
		t.Fatalf("expected RENDERER_NOT_FOUND, got %v", err)
	}
}

func TestCloseStopsAllSessions(t *testing.T) {
	m, _, gw := newTestManager(t, gaplessRenderer())
	ctx := context.Background()

	if _, err := m.PlayTracks(ctx, "Living Room", threeTracks()); err != nil {
		t.Fatalf("play tracks: %v", err)
	}
	if err := m.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if n := gw.countCalls("Stop"); n != 1 {
		t.Fatalf("expected one Stop call on close, got %d", n)
	}

	_, err := m.PlayTracks(ctx, "Living Room", threeTracks())
	if err == nil {
		t.Fatal("expected play to fail after close")
	}
}
