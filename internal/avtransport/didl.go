package avtransport

import (
	"bytes"
	"encoding/xml"
	"mime"
	"net/url"
	"path"
	"strings"

	"github.com/renfield/mcp-dlna/internal/domain"
)

const fallbackAudioMIME = "audio/mpeg"

type didlLite struct {
	XMLName xml.Name `xml:"DIDL-Lite"`
	XMLNS   string   `xml:"xmlns,attr"`
	DC      string   `xml:"xmlns:dc,attr"`
	UPnP    string   `xml:"xmlns:upnp,attr"`
	Item    didlItem `xml:"item"`
}

type didlItem struct {
	ID          string       `xml:"id,attr"`
	ParentID    string       `xml:"parentID,attr"`
	Restricted  string       `xml:"restricted,attr"`
	Title       string       `xml:"dc:title"`
	Creator     string       `xml:"dc:creator,omitempty"`
	Class       string       `xml:"upnp:class"`
	Album       string       `xml:"upnp:album,omitempty"`
	AlbumArtURI string       `xml:"upnp:albumArtURI,omitempty"`
	Res         didlResource `xml:"res"`
}

type didlResource struct {
	ProtocolInfo string `xml:"protocolInfo,attr"`
	URI          string `xml:",chardata"`
}

// BuildDIDL serializes a track into the DIDL-Lite descriptor that
// SetAVTransportURI and SetNextAVTransportURI take as their metadata
// argument.
func BuildDIDL(t domain.Track) string {
	title := strings.TrimSpace(t.Title)
	if title == "" {
		title = "Unknown"
	}

	doc := didlLite{
		XMLNS: "urn:schemas-upnp-org:metadata-1-0/DIDL-Lite/",
		DC:    "http://purl.org/dc/elements/1.1/",
		UPnP:  "urn:schemas-upnp-org:metadata-1-0/upnp/",
		Item: didlItem{
			ID:          "0",
			ParentID:    "-1",
			Restricted:  "1",
			Title:       title,
			Creator:     strings.TrimSpace(t.Artist),
			Class:       "object.item.audioItem.musicTrack",
			Album:       strings.TrimSpace(t.Album),
			AlbumArtURI: strings.TrimSpace(t.ArtURL),
			Res: didlResource{
				ProtocolInfo: "http-get:*:" + mimeForURI(t.URI) + ":*",
				URI:          t.URI,
			},
		},
	}

	var b bytes.Buffer
	if err := xml.NewEncoder(&b).Encode(doc); err != nil {
		return ""
	}
	return b.String()
}

func mimeForURI(rawURI string) string {
	ext := ""
	if parsed, err := url.Parse(rawURI); err == nil && parsed.Path != "" {
		ext = strings.ToLower(path.Ext(parsed.Path))
	}
	if ext == "" {
		return fallbackAudioMIME
	}
	guessed := mime.TypeByExtension(ext)
	if guessed == "" {
		return fallbackAudioMIME
	}
	mediaType, _, _ := strings.Cut(guessed, ";")
	return strings.TrimSpace(mediaType)
}
