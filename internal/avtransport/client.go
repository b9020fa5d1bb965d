package avtransport

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/renfield/mcp-dlna/internal/domain"
)

const (
	avTransportService      = "urn:schemas-upnp-org:service:AVTransport:1"
	renderingControlService = "urn:schemas-upnp-org:service:RenderingControl:1"

	callTimeout     = 5 * time.Second
	maxResponseSize = 1 << 20
)

// Client is a renderer-bound transport command gateway. Each method issues
// exactly one SOAP action against the renderer's resolved control endpoint
// and never retries; retry of a transport action is not idempotent against
// device state, so any retry policy belongs to the caller.
type Client struct {
	renderer domain.Renderer
	httpc    *http.Client
}

func NewClient(r domain.Renderer) *Client {
	return &Client{
		renderer: r,
		httpc:    cleanhttp.DefaultPooledClient(),
	}
}

func (c *Client) SetCurrent(ctx context.Context, t domain.Track) error {
	_, err := c.invoke(ctx, c.renderer.ControlURL, avTransportService, "SetAVTransportURI", []soapArg{
		{"InstanceID", "0"},
		{"CurrentURI", t.URI},
		{"CurrentURIMetaData", t.Metadata},
	})
	return err
}

func (c *Client) SetNext(ctx context.Context, t domain.Track) error {
	_, err := c.invoke(ctx, c.renderer.ControlURL, avTransportService, "SetNextAVTransportURI", []soapArg{
		{"InstanceID", "0"},
		{"NextURI", t.URI},
		{"NextURIMetaData", t.Metadata},
	})
	return err
}

func (c *Client) Play(ctx context.Context) error {
	_, err := c.invoke(ctx, c.renderer.ControlURL, avTransportService, "Play", []soapArg{
		{"InstanceID", "0"},
		{"Speed", "1"},
	})
	return err
}

func (c *Client) Pause(ctx context.Context) error {
	_, err := c.invoke(ctx, c.renderer.ControlURL, avTransportService, "Pause", []soapArg{
		{"InstanceID", "0"},
	})
	return err
}

func (c *Client) Stop(ctx context.Context) error {
	_, err := c.invoke(ctx, c.renderer.ControlURL, avTransportService, "Stop", []soapArg{
		{"InstanceID", "0"},
	})
	return err
}

func (c *Client) Seek(ctx context.Context, position time.Duration) error {
	_, err := c.invoke(ctx, c.renderer.ControlURL, avTransportService, "Seek", []soapArg{
		{"InstanceID", "0"},
		{"Unit", "REL_TIME"},
		{"Target", formatUPnPTime(position)},
	})
	return err
}

func (c *Client) SetVolume(ctx context.Context, level int) error {
	if c.renderer.RenderingControlURL == "" {
		return domain.Errf(domain.KindUnsupportedAction,
			"renderer %q exposes no RenderingControl endpoint", c.renderer.Name)
	}
	_, err := c.invoke(ctx, c.renderer.RenderingControlURL, renderingControlService, "SetVolume", []soapArg{
		{"InstanceID", "0"},
		{"Channel", "Master"},
		{"DesiredVolume", fmt.Sprintf("%d", level)},
	})
	return err
}

type transportInfoResponse struct {
	State  string `xml:"Body>GetTransportInfoResponse>CurrentTransportState"`
	Status string `xml:"Body>GetTransportInfoResponse>CurrentTransportStatus"`
}

func (c *Client) TransportInfo(ctx context.Context) (state, status string, err error) {
	body, err := c.invoke(ctx, c.renderer.ControlURL, avTransportService, "GetTransportInfo", []soapArg{
		{"InstanceID", "0"},
	})
	if err != nil {
		return "", "", err
	}
	var parsed transportInfoResponse
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return "", "", domain.Errf(domain.KindDeviceFault, "malformed GetTransportInfo response: %v", err)
	}
	return parsed.State, parsed.Status, nil
}

type positionInfoResponse struct {
	TrackURI      string `xml:"Body>GetPositionInfoResponse>TrackURI"`
	TrackDuration string `xml:"Body>GetPositionInfoResponse>TrackDuration"`
	RelTime       string `xml:"Body>GetPositionInfoResponse>RelTime"`
}

func (c *Client) PositionInfo(ctx context.Context) (domain.PositionInfo, error) {
	body, err := c.invoke(ctx, c.renderer.ControlURL, avTransportService, "GetPositionInfo", []soapArg{
		{"InstanceID", "0"},
	})
	if err != nil {
		return domain.PositionInfo{}, err
	}
	var parsed positionInfoResponse
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return domain.PositionInfo{}, domain.Errf(domain.KindDeviceFault, "malformed GetPositionInfo response: %v", err)
	}
	return domain.PositionInfo{
		TrackURI: parsed.TrackURI,
		Duration: parsed.TrackDuration,
		RelTime:  parsed.RelTime,
	}, nil
}

type soapArg struct {
	name  string
	value string
}

func (c *Client) invoke(ctx context.Context, endpoint, service, action string, args []soapArg) ([]byte, error) {
	if endpoint == "" {
		return nil, domain.Errf(domain.KindRendererUnreachable,
			"renderer %q has no control endpoint for %s", c.renderer.Name, action)
	}

	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint, bytes.NewReader(soapEnvelope(service, action, args)))
	if err != nil {
		return nil, domain.Errf(domain.KindRendererUnreachable, "%s: %v", action, err)
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPAction", fmt.Sprintf("%q", service+"#"+action))

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, domain.Errf(domain.KindRendererUnreachable, "%s against %q: %v", action, c.renderer.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, domain.Errf(domain.KindRendererUnreachable, "%s: reading response: %v", action, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, faultError(action, resp.StatusCode, body)
	}
	return body, nil
}

func soapEnvelope(service, action string, args []soapArg) []byte {
	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>`)
	fmt.Fprintf(&b, `<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/"><s:Body><u:%s xmlns:u="%s">`, action, service)
	for _, arg := range args {
		b.WriteString("<" + arg.name + ">")
		_ = xml.EscapeText(&b, []byte(arg.value))
		b.WriteString("</" + arg.name + ">")
	}
	fmt.Fprintf(&b, `</u:%s></s:Body></s:Envelope>`, action)
	return b.Bytes()
}

type soapFault struct {
	Code        string `xml:"Body>Fault>detail>UPnPError>errorCode"`
	Description string `xml:"Body>Fault>detail>UPnPError>errorDescription"`
}

func faultError(action string, statusCode int, body []byte) *domain.ControlError {
	var fault soapFault
	if err := xml.Unmarshal(body, &fault); err != nil || fault.Code == "" {
		return domain.Errf(domain.KindDeviceFault, "%s failed: HTTP %d", action, statusCode)
	}

	// 401 Invalid Action, 602 Optional Action Not Implemented.
	kind := domain.KindDeviceFault
	if fault.Code == "401" || fault.Code == "602" {
		kind = domain.KindUnsupportedAction
	}
	return &domain.ControlError{
		Kind:    kind,
		Message: fmt.Sprintf("%s rejected: %s (code %s)", action, fault.Description, fault.Code),
		Details: map[string]any{
			"action":      action,
			"error_code":  fault.Code,
			"description": fault.Description,
		},
	}
}

func formatUPnPTime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(time.Second)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	return fmt.Sprintf("%d:%02d:%02d", h, m, s)
}
