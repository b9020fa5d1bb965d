package avtransport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/renfield/mcp-dlna/internal/domain"
)

type recordedCall struct {
	soapAction  string
	contentType string
	body        string
}

func newSOAPServer(t *testing.T, respond func(action string, w http.ResponseWriter)) (*httptest.Server, *[]recordedCall) {
	t.Helper()

	var calls []recordedCall
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read request body: %v", err)
		}
		calls = append(calls, recordedCall{
			soapAction:  r.Header.Get("SOAPAction"),
			contentType: r.Header.Get("Content-Type"),
			body:        string(body),
		})
		if respond != nil {
			respond(r.Header.Get("SOAPAction"), w)
			return
		}
		fmt.Fprint(w, `<?xml version="1.0"?><s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body/></s:Envelope>`)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func testClient(controlURL, renderingURL string) *Client {
	return NewClient(domain.Renderer{
		UDN:                 "uuid:living-room",
		Name:                "Living Room",
		ControlURL:          controlURL,
		RenderingControlURL: renderingURL,
	})
}

func TestSetCurrentSendsSOAPActionAndArguments(t *testing.T) {
	srv, calls := newSOAPServer(t, nil)
	c := testClient(srv.URL, "")

	track := domain.Track{
		URI:      "http://media.local/a.mp3",
		Metadata: `<DIDL-Lite>&meta</DIDL-Lite>`,
	}
	if err := c.SetCurrent(context.Background(), track); err != nil {
		t.Fatalf("set current: %v", err)
	}

	if len(*calls) != 1 {
		t.Fatalf("expected 1 request, got %d", len(*calls))
	}
	call := (*calls)[0]
	if call.soapAction != `"urn:schemas-upnp-org:service:AVTransport:1#SetAVTransportURI"` {
		t.Fatalf("unexpected SOAPAction header: %s", call.soapAction)
	}
	if call.contentType != `text/xml; charset="utf-8"` {
		t.Fatalf("unexpected content type: %s", call.contentType)
	}
	if !strings.Contains(call.body, "<CurrentURI>http://media.local/a.mp3</CurrentURI>") {
		t.Fatalf("body missing CurrentURI: %s", call.body)
	}
	if !strings.Contains(call.body, "<InstanceID>0</InstanceID>") {
		t.Fatalf("body missing InstanceID: %s", call.body)
	}
	// Metadata must arrive XML-escaped inside the envelope.
	if !strings.Contains(call.body, "&lt;DIDL-Lite&gt;&amp;meta&lt;/DIDL-Lite&gt;") {
		t.Fatalf("metadata not escaped: %s", call.body)
	}
}

func TestSetNextAndPlayArguments(t *testing.T) {
	srv, calls := newSOAPServer(t, nil)
	c := testClient(srv.URL, "")
	ctx := context.Background()

	if err := c.SetNext(ctx, domain.Track{URI: "http://media.local/b.mp3"}); err != nil {
		t.Fatalf("set next: %v", err)
	}
	if err := c.Play(ctx); err != nil {
		t.Fatalf("play: %v", err)
	}

	if len(*calls) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(*calls))
	}
	if !strings.Contains((*calls)[0].body, "<NextURI>http://media.local/b.mp3</NextURI>") {
		t.Fatalf("missing NextURI: %s", (*calls)[0].body)
	}
	if !strings.Contains((*calls)[1].body, "<Speed>1</Speed>") {
		t.Fatalf("missing Speed argument: %s", (*calls)[1].body)
	}
}

func TestSeekFormatsRelTime(t *testing.T) {
	srv, calls := newSOAPServer(t, nil)
	c := testClient(srv.URL, "")

	if err := c.Seek(context.Background(), 83*time.Second); err != nil {
		t.Fatalf("seek: %v", err)
	}
	body := (*calls)[0].body
	if !strings.Contains(body, "<Unit>REL_TIME</Unit>") {
		t.Fatalf("missing Unit: %s", body)
	}
	if !strings.Contains(body, "<Target>0:01:23</Target>") {
		t.Fatalf("unexpected Target: %s", body)
	}
}

func TestSetVolumeUsesRenderingControl(t *testing.T) {
	srv, calls := newSOAPServer(t, nil)
	c := testClient("http://127.0.0.1:1/never-hit", srv.URL)

	if err := c.SetVolume(context.Background(), 35); err != nil {
		t.Fatalf("set volume: %v", err)
	}
	call := (*calls)[0]
	if call.soapAction != `"urn:schemas-upnp-org:service:RenderingControl:1#SetVolume"` {
		t.Fatalf("unexpected SOAPAction: %s", call.soapAction)
	}
	if !strings.Contains(call.body, "<Channel>Master</Channel>") {
		t.Fatalf("missing Channel: %s", call.body)
	}
	if !strings.Contains(call.body, "<DesiredVolume>35</DesiredVolume>") {
		t.Fatalf("missing DesiredVolume: %s", call.body)
	}
}

func TestSetVolumeWithoutRenderingControlEndpoint(t *testing.T) {
	c := testClient("http://127.0.0.1:1/control", "")

	err := c.SetVolume(context.Background(), 35)
	var cErr *domain.ControlError
	if !errors.As(err, &cErr) || cErr.Kind != domain.KindUnsupportedAction {
		t.Fatalf("expected UNSUPPORTED_ACTION, got %v", err)
	}
}

func writeUPnPFault(w http.ResponseWriter, code, description string) {
	w.WriteHeader(http.StatusInternalServerError)
	fmt.Fprintf(w, `<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/">
  <s:Body>
    <s:Fault>
      <faultcode>s:Client</faultcode>
      <faultstring>UPnPError</faultstring>
      <detail>
        <UPnPError xmlns="urn:schemas-upnp-org:control-1-0">
          <errorCode>%s</errorCode>
          <errorDescription>%s</errorDescription>
        </UPnPError>
      </detail>
    </s:Fault>
  </s:Body>
</s:Envelope>`, code, description)
}

func TestFault602MapsToUnsupportedAction(t *testing.T) {
	srv, _ := newSOAPServer(t, func(action string, w http.ResponseWriter) {
		writeUPnPFault(w, "602", "Optional Action Not Implemented")
	})
	c := testClient(srv.URL, "")

	err := c.SetNext(context.Background(), domain.Track{URI: "http://media.local/b.mp3"})
	var cErr *domain.ControlError
	if !errors.As(err, &cErr) || cErr.Kind != domain.KindUnsupportedAction {
		t.Fatalf("expected UNSUPPORTED_ACTION for fault 602, got %v", err)
	}
	if cErr.Details["error_code"] != "602" {
		t.Fatalf("expected error_code detail, got %#v", cErr.Details)
	}
}

func TestFault718MapsToDeviceFault(t *testing.T) {
	srv, _ := newSOAPServer(t, func(action string, w http.ResponseWriter) {
		writeUPnPFault(w, "718", "Invalid InstanceID")
	})
	c := testClient(srv.URL, "")

	err := c.Play(context.Background())
	var cErr *domain.ControlError
	if !errors.As(err, &cErr) || cErr.Kind != domain.KindDeviceFault {
		t.Fatalf("expected DEVICE_FAULT for fault 718, got %v", err)
	}
	if cErr.Details["action"] != "Play" {
		t.Fatalf("expected action detail, got %#v", cErr.Details)
	}
}

func TestNon200WithoutFaultBodyIsDeviceFault(t *testing.T) {
	srv, _ := newSOAPServer(t, func(action string, w http.ResponseWriter) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, "gateway exploded")
	})
	c := testClient(srv.URL, "")

	err := c.Stop(context.Background())
	var cErr *domain.ControlError
	if !errors.As(err, &cErr) || cErr.Kind != domain.KindDeviceFault {
		t.Fatalf("expected DEVICE_FAULT, got %v", err)
	}
}

func TestNetworkErrorIsRendererUnreachable(t *testing.T) {
	srv, _ := newSOAPServer(t, nil)
	srv.Close()
	c := testClient(srv.URL, "")

	err := c.Play(context.Background())
	var cErr *domain.ControlError
	if !errors.As(err, &cErr) || cErr.Kind != domain.KindRendererUnreachable {
		t.Fatalf("expected RENDERER_UNREACHABLE, got %v", err)
	}
}

func TestTransportInfoParsesState(t *testing.T) {
	srv, _ := newSOAPServer(t, func(action string, w http.ResponseWriter) {
		fmt.Fprint(w, `<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/">
  <s:Body>
    <u:GetTransportInfoResponse xmlns:u="urn:schemas-upnp-org:service:AVTransport:1">
      <CurrentTransportState>PLAYING</CurrentTransportState>
      <CurrentTransportStatus>OK</CurrentTransportStatus>
      <CurrentSpeed>1</CurrentSpeed>
    </u:GetTransportInfoResponse>
  </s:Body>
</s:Envelope>`)
	})
	c := testClient(srv.URL, "")

	state, status, err := c.TransportInfo(context.Background())
	if err != nil {
		t.Fatalf("transport info: %v", err)
	}
	if state != "PLAYING" || status != "OK" {
		t.Fatalf("unexpected parse: state=%q status=%q", state, status)
	}
}

func TestPositionInfoParsesTrackURIAndTimes(t *testing.T) {
	srv, _ := newSOAPServer(t, func(action string, w http.ResponseWriter) {
		fmt.Fprint(w, `<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/">
  <s:Body>
    <u:GetPositionInfoResponse xmlns:u="urn:schemas-upnp-org:service:AVTransport:1">
      <Track>1</Track>
      <TrackDuration>0:03:41</TrackDuration>
      <TrackURI>http://media.local/a.mp3</TrackURI>
      <RelTime>0:01:05</RelTime>
      <AbsTime>0:01:05</AbsTime>
    </u:GetPositionInfoResponse>
  </s:Body>
</s:Envelope>`)
	})
	c := testClient(srv.URL, "")

	pos, err := c.PositionInfo(context.Background())
	if err != nil {
		t.Fatalf("position info: %v", err)
	}
	if pos.TrackURI != "http://media.local/a.mp3" {
		t.Fatalf("unexpected TrackURI: %q", pos.TrackURI)
	}
	if pos.RelTime != "0:01:05" || pos.Duration != "0:03:41" {
		t.Fatalf("unexpected times: %+v", pos)
	}
}

func TestFormatUPnPTime(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want string
	}{
		{0, "0:00:00"},
		{-5 * time.Second, "0:00:00"},
		{83 * time.Second, "0:01:23"},
		{time.Hour + 2*time.Minute + 3*time.Second, "1:02:03"},
	}
	for _, c := range cases {
		if got := formatUPnPTime(c.in); got != c.want {
			t.Fatalf("formatUPnPTime(%v) = %q, want %q", c.in, got, c.want)
		}
	}
}
