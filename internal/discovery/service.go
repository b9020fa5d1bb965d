package discovery

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	gossdp "github.com/alexballas/go-ssdp"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/sync/errgroup"

	"github.com/renfield/mcp-dlna/internal/adapters"
	"github.com/renfield/mcp-dlna/internal/domain"
)

const (
	mediaRendererDeviceType = "urn:schemas-upnp-org:device:MediaRenderer:1"
	avTransportServiceType  = "urn:schemas-upnp-org:service:AVTransport:1"
	renderingControlType    = "urn:schemas-upnp-org:service:RenderingControl:1"
	setNextActionName       = "SetNextAVTransportURI"

	defaultSearchWaitSec = 4
	defaultFetchTimeout  = 5 * time.Second
	maxDescriptionBytes  = 1 << 20
)

// Service performs SSDP discovery rounds and owns the renderer cache.
type Service struct {
	searcher adapters.Searcher
	cache    *Cache
	httpc    *retryablehttp.Client
	logger   *slog.Logger

	searchWaitSec int
	fetchTimeout  time.Duration

	// inUse lets the session registry veto cache eviction for renderers
	// with a live playback session.
	inUse func(udn string) bool

	roundMu sync.Mutex
}

func NewService(searcher adapters.Searcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	httpc := retryablehttp.NewClient()
	httpc.RetryMax = 2
	httpc.RetryWaitMin = 200 * time.Millisecond
	httpc.RetryWaitMax = time.Second
	httpc.Logger = nil

	return &Service{
		searcher:      searcher,
		cache:         NewCache(),
		httpc:         httpc,
		logger:        logger,
		searchWaitSec: defaultSearchWaitSec,
		fetchTimeout:  defaultFetchTimeout,
	}
}

// SetSessionGuard installs the callback consulted before evicting a stale
// cache entry.
func (s *Service) SetSessionGuard(inUse func(udn string) bool) {
	s.inUse = inUse
}

// Discover returns the known renderers, most recently seen first. A fresh
// multicast round runs only when force is set or the cache holds a stale
// entry; repeat calls against a fresh cache are free.
func (s *Service) Discover(ctx context.Context, force bool) ([]domain.Renderer, error) {
	if !force {
		if cached, ok := s.cache.Fresh(); ok {
			return cached, nil
		}
	}

	s.roundMu.Lock()
	defer s.roundMu.Unlock()

	// Another round may have refreshed the cache while this caller waited.
	if !force {
		if cached, ok := s.cache.Fresh(); ok {
			return cached, nil
		}
	}

	services, err := s.search(ctx)
	if err != nil {
		return nil, domain.Errf(domain.KindRendererUnreachable, "ssdp search failed: %v", err)
	}
	s.logger.Debug("ssdp_round_complete", slog.Int("responses", len(services)))

	type probe struct {
		udn      string
		location string
	}
	seen := map[string]bool{}
	var probes []probe
	for _, svc := range services {
		udn := udnFromUSN(svc.USN)
		if udn == "" || strings.TrimSpace(svc.Location) == "" || seen[udn] {
			continue
		}
		seen[udn] = true
		probes = append(probes, probe{udn: udn, location: svc.Location})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range probes {
		if cached, ok := s.cache.Lookup(p.udn); ok && !s.cache.IsStale(cached) {
			s.cache.Refresh(p.udn)
			continue
		}

		p := p
		g.Go(func() error {
			renderer, err := s.fetchDescription(gctx, p.location)
			if err != nil {
				// Transient network devices are common; one bad
				// device never fails the round.
				s.logger.Debug("description_fetch_failed",
					slog.String("location", p.location),
					slog.String("error", err.Error()))
				return nil
			}
			s.cache.Upsert(*renderer)
			return nil
		})
	}
	_ = g.Wait()

	s.cache.PruneStale(s.inUse)
	return s.cache.List(), nil
}

// Resolve finds a cached renderer by case-insensitive name match. An exact
// name (or UDN) match always wins over substring matches; a miss triggers
// one forced discovery round before giving up.
func (s *Service) Resolve(ctx context.Context, name string) (domain.Renderer, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Renderer{}, domain.Errf(domain.KindRendererNotFound, "renderer name is empty")
	}

	renderers, err := s.Discover(ctx, false)
	if err != nil {
		return domain.Renderer{}, err
	}
	match, err := matchRenderer(renderers, name)
	if err != nil {
		return domain.Renderer{}, err
	}
	if match != nil {
		return *match, nil
	}

	renderers, err = s.Discover(ctx, true)
	if err != nil {
		return domain.Renderer{}, err
	}
	match, err = matchRenderer(renderers, name)
	if err != nil {
		return domain.Renderer{}, err
	}
	if match == nil {
		return domain.Renderer{}, domain.Errf(domain.KindRendererNotFound, "no renderer matches %q", name)
	}
	return *match, nil
}

func matchRenderer(renderers []domain.Renderer, name string) (*domain.Renderer, error) {
	lower := strings.ToLower(name)

	var substring []*domain.Renderer
	for i := range renderers {
		r := &renderers[i]
		if r.UDN == name || strings.ToLower(r.Name) == lower {
			return r, nil
		}
		if strings.Contains(strings.ToLower(r.Name), lower) {
			substring = append(substring, r)
		}
	}

	switch len(substring) {
	case 0:
		return nil, nil
	case 1:
		return substring[0], nil
	default:
		names := make([]string, 0, len(substring))
		for _, r := range substring {
			names = append(names, r.Name)
		}
		return nil, &domain.ControlError{
			Kind:    domain.KindAmbiguousRenderer,
			Message: fmt.Sprintf("%q matches %d renderers", name, len(substring)),
			Details: map[string]any{"matches": names},
		}
	}
}

func (s *Service) search(ctx context.Context) ([]gossdp.Service, error) {
	type result struct {
		services []gossdp.Service
		err      error
	}
	resultCh := make(chan result, 1)

	go func() {
		services, err := s.searcher.Search(mediaRendererDeviceType, s.searchWaitSec, "")
		resultCh <- result{services: services, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-resultCh:
		return r.services, r.err
	}
}

type deviceDescription struct {
	Device struct {
		FriendlyName string        `xml:"friendlyName"`
		UDN          string        `xml:"UDN"`
		Services     []serviceInfo `xml:"serviceList>service"`
	} `xml:"device"`
}

type serviceInfo struct {
	ServiceType string `xml:"serviceType"`
	ControlURL  string `xml:"controlURL"`
	SCPDURL     string `xml:"SCPDURL"`
}

func (s *Service) fetchDescription(ctx context.Context, location string) (*domain.Renderer, error) {
	body, err := s.get(ctx, location)
	if err != nil {
		return nil, err
	}

	var desc deviceDescription
	if err := xml.Unmarshal(body, &desc); err != nil {
		return nil, fmt.Errorf("parse device description: %w", err)
	}
	if strings.TrimSpace(desc.Device.UDN) == "" {
		return nil, fmt.Errorf("device description has no UDN")
	}

	base, err := baseURL(location)
	if err != nil {
		return nil, err
	}

	renderer := domain.Renderer{
		UDN:      strings.TrimSpace(desc.Device.UDN),
		Name:     strings.TrimSpace(desc.Device.FriendlyName),
		Location: location,
	}
	for _, svc := range desc.Device.Services {
		switch strings.TrimSpace(svc.ServiceType) {
		case avTransportServiceType:
			renderer.ControlURL = resolveServiceURL(base, svc.ControlURL)
			renderer.SupportsNext = s.supportsSetNext(ctx, base, svc.SCPDURL)
		case renderingControlType:
			renderer.RenderingControlURL = resolveServiceURL(base, svc.ControlURL)
		}
	}
	if renderer.ControlURL == "" {
		return nil, fmt.Errorf("device %s has no AVTransport control endpoint", renderer.UDN)
	}
	return &renderer, nil
}

type scpdDocument struct {
	Actions []struct {
		Name string `xml:"name"`
	} `xml:"actionList>action"`
}

// supportsSetNext probes the AVTransport SCPD for SetNextAVTransportURI,
// which decides whether the gapless look-ahead can be armed on this device.
func (s *Service) supportsSetNext(ctx context.Context, base, scpdPath string) bool {
	if strings.TrimSpace(scpdPath) == "" {
		return false
	}

	body, err := s.get(ctx, resolveServiceURL(base, scpdPath))
	if err != nil {
		return false
	}
	var doc scpdDocument
	if err := xml.Unmarshal(body, &doc); err != nil {
		return false
	}
	for _, action := range doc.Actions {
		if action.Name == setNextActionName {
			return true
		}
	}
	return false
}

func (s *Service) get(ctx context.Context, rawURL string) ([]byte, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(fetchCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", rawURL, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxDescriptionBytes))
}

func udnFromUSN(usn string) string {
	udn, _, _ := strings.Cut(strings.TrimSpace(usn), "::")
	if !strings.HasPrefix(udn, "uuid:") {
		return ""
	}
	return udn
}

func baseURL(location string) (string, error) {
	parsed, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("invalid device location %q", location)
	}
	return parsed.Scheme + "://" + parsed.Host, nil
}

func resolveServiceURL(base, raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw
	}
	if !strings.HasPrefix(raw, "/") {
		raw = "/" + raw
	}
	return base + raw
}
