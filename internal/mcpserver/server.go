package mcpserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/renfield/mcp-dlna/internal/domain"
)

const protocolVersion = "2024-11-05"

// RendererDirectory lists the renderers known to the discovery service.
type RendererDirectory interface {
	Discover(ctx context.Context, force bool) ([]domain.Renderer, error)
}

// PlaybackController is the session-registry command dispatch.
type PlaybackController interface {
	PlayTracks(ctx context.Context, renderer string, tracks []domain.Track) (*domain.SessionStatus, error)
	Stop(ctx context.Context, renderer string) error
	Pause(ctx context.Context, renderer string) error
	Resume(ctx context.Context, renderer string) error
	NextTrack(ctx context.Context, renderer string) (*domain.SessionStatus, error)
	PreviousTrack(ctx context.Context, renderer string) (*domain.SessionStatus, error)
	SetVolume(ctx context.Context, renderer string, level int) error
	Status(ctx context.Context, renderer string) (*domain.SessionStatus, error)
}

type Server struct {
	in                *bufio.Reader
	out               *bufio.Writer
	serverName        string
	serverVersion     string
	logger            *slog.Logger
	useJSONLineOutput bool
	outputModeLocked  bool
	tools             []tool
	directory         RendererDirectory
	controller        PlaybackController
}

type Config struct {
	ServerName    string
	ServerVersion string
	Logger        *slog.Logger
	Directory     RendererDirectory
	Controller    PlaybackController
}

func New(in io.Reader, out io.Writer, cfg Config) *Server {
	if cfg.ServerName == "" {
		cfg.ServerName = "mcp-dlna"
	}
	if cfg.ServerVersion == "" {
		cfg.ServerVersion = "dev"
	}

	return &Server{
		in:            bufio.NewReader(in),
		out:           bufio.NewWriter(out),
		serverName:    cfg.ServerName,
		serverVersion: cfg.ServerVersion,
		logger:        cfg.Logger,
		tools:         staticTools(),
		directory:     cfg.Directory,
		controller:    cfg.Controller,
	}
}

func (s *Server) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.logLifecycle(slog.LevelInfo, "mcp_context_done", slog.String("reason", ctx.Err().Error()))
			return ctx.Err()
		default:
		}

		payload, jsonLineInput, err := readMessage(s.in)
		if err != nil {
			if err == io.EOF {
				s.logLifecycle(slog.LevelInfo, "mcp_stream_eof")
				return nil
			}
			s.logLifecycle(slog.LevelError, "mcp_read_error", slog.String("error", err.Error()))
			return err
		}
		if !s.outputModeLocked {
			s.useJSONLineOutput = jsonLineInput
			s.outputModeLocked = true
		}

		if err := s.handle(ctx, payload); err != nil {
			s.logLifecycle(slog.LevelError, "mcp_handle_error", slog.String("error", err.Error()))
			return err
		}
	}
}

func (s *Server) handle(ctx context.Context, payload []byte) error {
	startedAt := time.Now()

	var req request
	if err := json.Unmarshal(payload, &req); err != nil {
		s.logCall("parse", "", startedAt, "-32700")
		return s.send(response{
			JSONRPC: "2.0",
			Error:   &responseError{Code: -32700, Message: "parse error"},
		})
	}

	if len(req.ID) == 0 {
		return nil
	}

	if req.JSONRPC != "" && req.JSONRPC != "2.0" {
		s.logCall(req.Method, "", startedAt, "-32600")
		return s.send(response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &responseError{Code: -32600, Message: "invalid request"},
		})
	}

	switch req.Method {
	case "initialize":
		s.logCall("initialize", "", startedAt, "")
		return s.send(response{JSONRPC: "2.0", ID: req.ID, Result: initializeResult{
			ProtocolVersion: protocolVersion,
			Capabilities: map[string]any{
				"tools": map[string]any{"listChanged": false},
			},
			ServerInfo: map[string]string{
				"name":    s.serverName,
				"version": s.serverVersion,
			},
			Instructions: "Use list_renderers first to find DLNA renderers, then control queue playback per renderer.",
		}})
	case "tools/list":
		s.logCall("tools/list", "", startedAt, "")
		return s.send(response{JSONRPC: "2.0", ID: req.ID, Result: toolsListResult{Tools: s.tools}})
	case "tools/call":
		return s.handleToolCall(ctx, req.ID, req.Params)
	default:
		s.logCall(req.Method, "", startedAt, "-32601")
		return s.send(response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &responseError{Code: -32601, Message: "method not found"},
		})
	}
}

func (s *Server) handleToolCall(ctx context.Context, id json.RawMessage, rawParams json.RawMessage) error {
	startedAt := time.Now()

	params, err := decodeToolCallParams(rawParams)
	if err != nil {
		return s.sendInvalidParams("tools/call", "", startedAt, id)
	}

	switch params.Name {
	case "list_renderers":
		return s.handleListRenderers(ctx, id, params.Arguments)
	case "play_tracks":
		return s.handlePlayTracks(ctx, id, params.Arguments)
	case "stop":
		return s.handleSimpleCommand(ctx, id, params.Arguments, "stop", s.controllerStop)
	case "pause":
		return s.handleSimpleCommand(ctx, id, params.Arguments, "pause", s.controllerPause)
	case "resume":
		return s.handleSimpleCommand(ctx, id, params.Arguments, "resume", s.controllerResume)
	case "next_track":
		return s.handleSkip(ctx, id, params.Arguments, "next_track")
	case "previous_track":
		return s.handleSkip(ctx, id, params.Arguments, "previous_track")
	case "get_status":
		return s.handleGetStatus(ctx, id, params.Arguments)
	case "set_volume":
		return s.handleSetVolume(ctx, id, params.Arguments)
	default:
		s.logCall(params.Name, "", startedAt, "TOOL_NOT_FOUND")
		return s.send(response{
			JSONRPC: "2.0",
			ID:      id,
			Result:  toolErrorResult("TOOL_NOT_FOUND", fmt.Sprintf("unknown tool: %s", params.Name)),
		})
	}
}

func decodeToolCallParams(raw json.RawMessage) (toolsCallParams, error) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(raw, &payload); err != nil {
		return toolsCallParams{}, err
	}

	nameRaw, ok := payload["name"]
	if !ok {
		return toolsCallParams{}, fmt.Errorf("missing tool name")
	}

	var name string
	if err := json.Unmarshal(nameRaw, &name); err != nil {
		return toolsCallParams{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return toolsCallParams{}, fmt.Errorf("missing tool name")
	}

	arguments, ok := payload["arguments"]
	if !ok {
		flattened := map[string]json.RawMessage{}
		for key, value := range payload {
			if key == "name" || key == "_meta" {
				continue
			}
			flattened[key] = value
		}
		if len(flattened) > 0 {
			normalized, err := json.Marshal(flattened)
			if err != nil {
				return toolsCallParams{}, err
			}
			arguments = normalized
		}
	}

	if len(bytes.TrimSpace(arguments)) == 0 {
		arguments = json.RawMessage("{}")
	}

	return toolsCallParams{Name: name, Arguments: arguments}, nil
}

func (s *Server) handleListRenderers(ctx context.Context, id json.RawMessage, rawArgs json.RawMessage) error {
	startedAt := time.Now()

	if s.directory == nil {
		return s.sendToolInternalError("list_renderers", "", startedAt, id, "discovery service is not configured")
	}

	forceRefresh := false
	if len(rawArgs) > 0 {
		var args struct {
			ForceRefresh *bool `json:"force_refresh,omitempty"`
		}
		if err := decodeStrict(rawArgs, &args); err != nil {
			return s.sendInvalidParams("list_renderers", "", startedAt, id)
		}
		if args.ForceRefresh != nil {
			forceRefresh = *args.ForceRefresh
		}
	}

	renderers, err := s.directory.Discover(ctx, forceRefresh)
	if err != nil {
		s.logCall("list_renderers", "", startedAt, controlErrorKind(err))
		return s.send(response{JSONRPC: "2.0", ID: id, Result: toolErrorResultFromError(err)})
	}
	s.logCall("list_renderers", "", startedAt, "")

	summary := fmt.Sprintf("Discovered %d renderer(s).", len(renderers))
	if len(renderers) > 0 {
		summary += "\n" + formatRenderers(renderers)
	}
	return s.send(response{
		JSONRPC: "2.0",
		ID:      id,
		Result: toolCallResult{
			Content: []toolContent{{Type: "text", Text: summary}},
			StructuredContent: map[string]any{
				"total":     len(renderers),
				"renderers": renderers,
			},
		},
	})
}

type trackArgs struct {
	URI      string `json:"uri"`
	Title    string `json:"title,omitempty"`
	Artist   string `json:"artist,omitempty"`
	Album    string `json:"album,omitempty"`
	ArtURL   string `json:"art_url,omitempty"`
	Duration string `json:"duration,omitempty"`
}

func (s *Server) handlePlayTracks(ctx context.Context, id json.RawMessage, rawArgs json.RawMessage) error {
	startedAt := time.Now()

	if s.controller == nil {
		return s.sendToolInternalError("play_tracks", "", startedAt, id, "playback controller is not configured")
	}

	var args struct {
		Renderer string      `json:"renderer"`
		Tracks   []trackArgs `json:"tracks"`
	}
	if err := decodeStrict(rawArgs, &args); err != nil {
		return s.sendInvalidParams("play_tracks", "", startedAt, id)
	}
	args.Renderer = strings.TrimSpace(args.Renderer)
	if args.Renderer == "" {
		return s.sendInvalidParams("play_tracks", args.Renderer, startedAt, id)
	}

	tracks := make([]domain.Track, 0, len(args.Tracks))
	for _, t := range args.Tracks {
		tracks = append(tracks, domain.Track{
			URI:      strings.TrimSpace(t.URI),
			Title:    strings.TrimSpace(t.Title),
			Artist:   strings.TrimSpace(t.Artist),
			Album:    strings.TrimSpace(t.Album),
			ArtURL:   strings.TrimSpace(t.ArtURL),
			Duration: strings.TrimSpace(t.Duration),
		})
	}

	status, err := s.controller.PlayTracks(ctx, args.Renderer, tracks)
	if err != nil {
		s.logCall("play_tracks", args.Renderer, startedAt, controlErrorKind(err))
		return s.send(response{JSONRPC: "2.0", ID: id, Result: toolErrorResultFromError(err)})
	}
	s.logCall("play_tracks", status.RendererName, startedAt, "")

	return s.send(response{
		JSONRPC: "2.0",
		ID:      id,
		Result: toolCallResult{
			Content: []toolContent{{
				Type: "text",
				Text: fmt.Sprintf("Queued %d track(s) on %s (gapless=%t).", status.TotalTracks, status.RendererName, status.Gapless),
			}},
			StructuredContent: status,
		},
	})
}

func (s *Server) handleSkip(ctx context.Context, id json.RawMessage, rawArgs json.RawMessage, toolName string) error {
	startedAt := time.Now()

	if s.controller == nil {
		return s.sendToolInternalError(toolName, "", startedAt, id, "playback controller is not configured")
	}

	renderer, ok := s.decodeRendererArg(rawArgs)
	if !ok {
		return s.sendInvalidParams(toolName, "", startedAt, id)
	}

	skip := s.controller.NextTrack
	if toolName == "previous_track" {
		skip = s.controller.PreviousTrack
	}
	status, err := skip(ctx, renderer)
	if err != nil {
		s.logCall(toolName, renderer, startedAt, controlErrorKind(err))
		return s.send(response{JSONRPC: "2.0", ID: id, Result: toolErrorResultFromError(err)})
	}
	s.logCall(toolName, status.RendererName, startedAt, "")

	return s.send(response{
		JSONRPC: "2.0",
		ID:      id,
		Result: toolCallResult{
			Content:           []toolContent{{Type: "text", Text: formatStatusLine(status)}},
			StructuredContent: status,
		},
	})
}

func (s *Server) handleGetStatus(ctx context.Context, id json.RawMessage, rawArgs json.RawMessage) error {
	startedAt := time.Now()

	if s.controller == nil {
		return s.sendToolInternalError("get_status", "", startedAt, id, "playback controller is not configured")
	}

	renderer, ok := s.decodeRendererArg(rawArgs)
	if !ok {
		return s.sendInvalidParams("get_status", "", startedAt, id)
	}

	status, err := s.controller.Status(ctx, renderer)
	if err != nil {
		s.logCall("get_status", renderer, startedAt, controlErrorKind(err))
		return s.send(response{JSONRPC: "2.0", ID: id, Result: toolErrorResultFromError(err)})
	}
	s.logCall("get_status", status.RendererName, startedAt, "")

	return s.send(response{
		JSONRPC: "2.0",
		ID:      id,
		Result: toolCallResult{
			Content:           []toolContent{{Type: "text", Text: formatStatusLine(status)}},
			StructuredContent: status,
		},
	})
}

func (s *Server) handleSetVolume(ctx context.Context, id json.RawMessage, rawArgs json.RawMessage) error {
	startedAt := time.Now()

	if s.controller == nil {
		return s.sendToolInternalError("set_volume", "", startedAt, id, "playback controller is not configured")
	}

	var args struct {
		Renderer string `json:"renderer"`
		Level    *int   `json:"level"`
	}
	if err := decodeStrict(rawArgs, &args); err != nil {
		return s.sendInvalidParams("set_volume", "", startedAt, id)
	}
	args.Renderer = strings.TrimSpace(args.Renderer)
	if args.Renderer == "" || args.Level == nil {
		return s.sendInvalidParams("set_volume", args.Renderer, startedAt, id)
	}

	if err := s.controller.SetVolume(ctx, args.Renderer, *args.Level); err != nil {
		s.logCall("set_volume", args.Renderer, startedAt, controlErrorKind(err))
		return s.send(response{JSONRPC: "2.0", ID: id, Result: toolErrorResultFromError(err)})
	}
	s.logCall("set_volume", args.Renderer, startedAt, "")

	return s.send(response{
		JSONRPC: "2.0",
		ID:      id,
		Result: toolCallResult{
			Content: []toolContent{{Type: "text", Text: fmt.Sprintf("Volume set to %d on %s.", *args.Level, args.Renderer)}},
			StructuredContent: map[string]any{
				"ok":       true,
				"renderer": args.Renderer,
				"volume":   *args.Level,
			},
		},
	})
}

func (s *Server) handleSimpleCommand(ctx context.Context, id json.RawMessage, rawArgs json.RawMessage, toolName string, run func(context.Context, string) error) error {
	startedAt := time.Now()

	if s.controller == nil {
		return s.sendToolInternalError(toolName, "", startedAt, id, "playback controller is not configured")
	}

	renderer, ok := s.decodeRendererArg(rawArgs)
	if !ok {
		return s.sendInvalidParams(toolName, "", startedAt, id)
	}

	if err := run(ctx, renderer); err != nil {
		s.logCall(toolName, renderer, startedAt, controlErrorKind(err))
		return s.send(response{JSONRPC: "2.0", ID: id, Result: toolErrorResultFromError(err)})
	}
	s.logCall(toolName, renderer, startedAt, "")

	return s.send(response{
		JSONRPC: "2.0",
		ID:      id,
		Result: toolCallResult{
			Content: []toolContent{{Type: "text", Text: fmt.Sprintf("%s completed on %s.", toolName, renderer)}},
			StructuredContent: map[string]any{
				"ok":       true,
				"renderer": renderer,
				"action":   toolName,
			},
		},
	})
}

func (s *Server) controllerStop(ctx context.Context, renderer string) error {
	return s.controller.Stop(ctx, renderer)
}

func (s *Server) controllerPause(ctx context.Context, renderer string) error {
	return s.controller.Pause(ctx, renderer)
}

func (s *Server) controllerResume(ctx context.Context, renderer string) error {
	return s.controller.Resume(ctx, renderer)
}

func (s *Server) decodeRendererArg(rawArgs json.RawMessage) (string, bool) {
	var args struct {
		Renderer string `json:"renderer"`
	}
	if err := decodeStrict(rawArgs, &args); err != nil {
		return "", false
	}
	renderer := strings.TrimSpace(args.Renderer)
	if renderer == "" {
		return "", false
	}
	return renderer, true
}

func decodeStrict(raw json.RawMessage, out any) error {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return err
	}
	if decoder.More() {
		return fmt.Errorf("invalid JSON payload")
	}
	var trailing any
	if err := decoder.Decode(&trailing); err != io.EOF {
		return fmt.Errorf("invalid JSON payload")
	}
	return nil
}

func (s *Server) sendInvalidParams(method, renderer string, startedAt time.Time, id json.RawMessage) error {
	s.logCall(method, renderer, startedAt, "-32602")
	return s.send(response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &responseError{Code: -32602, Message: "invalid params"},
	})
}

func (s *Server) sendToolInternalError(method, renderer string, startedAt time.Time, id json.RawMessage, message string) error {
	s.logCall(method, renderer, startedAt, "INTERNAL_ERROR")
	return s.send(response{
		JSONRPC: "2.0",
		ID:      id,
		Result:  toolErrorResult("INTERNAL_ERROR", message),
	})
}

func toolErrorResult(code, message string) toolCallResult {
	return toolCallResult{
		Content: []toolContent{{Type: "text", Text: fmt.Sprintf("%s: %s", code, message)}},
		StructuredContent: map[string]any{
			"error": map[string]string{
				"code":    code,
				"message": message,
			},
		},
		IsError: true,
	}
}

func toolErrorResultFromError(err error) toolCallResult {
	var cErr *domain.ControlError
	if errors.As(err, &cErr) && cErr != nil {
		result := toolErrorResult(string(cErr.Kind), cErr.Message)
		structured := map[string]any{
			"error": map[string]any{
				"code":    string(cErr.Kind),
				"message": cErr.Message,
			},
		}
		if len(cErr.Details) > 0 {
			structured["error"].(map[string]any)["details"] = cErr.Details
		}
		result.StructuredContent = structured
		return result
	}

	return toolErrorResult("INTERNAL_ERROR", err.Error())
}

func controlErrorKind(err error) string {
	var cErr *domain.ControlError
	if errors.As(err, &cErr) && cErr != nil && strings.TrimSpace(string(cErr.Kind)) != "" {
		return string(cErr.Kind)
	}
	return "INTERNAL_ERROR"
}

func (s *Server) logCall(method, renderer string, startedAt time.Time, errorCode string) {
	if s == nil || s.logger == nil {
		return
	}
	level := slog.LevelInfo
	if strings.TrimSpace(errorCode) != "" {
		level = slog.LevelError
	}

	s.logger.Log(
		context.Background(),
		level,
		"mcp_call",
		slog.String("method", strings.TrimSpace(method)),
		slog.String("renderer", strings.TrimSpace(renderer)),
		slog.Int64("duration_ms", time.Since(startedAt).Milliseconds()),
		slog.String("error_code", strings.TrimSpace(errorCode)),
	)
}

func (s *Server) send(resp response) error {
	encoded, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	if s.useJSONLineOutput {
		return writeJSONLineMessage(s.out, encoded)
	}
	return writeFramedMessage(s.out, encoded)
}

func (s *Server) logLifecycle(level slog.Level, msg string, attrs ...any) {
	if s == nil || s.logger == nil {
		return
	}
	s.logger.Log(context.Background(), level, msg, attrs...)
}

func formatRenderers(renderers []domain.Renderer) string {
	var out strings.Builder
	for i, r := range renderers {
		if i > 0 {
			out.WriteByte('\n')
		}
		fmt.Fprintf(&out, "%d. name=%s id=%s gapless=%t", i+1, strings.TrimSpace(r.Name), strings.TrimSpace(r.UDN), r.SupportsNext)
	}
	return out.String()
}

func formatStatusLine(status *domain.SessionStatus) string {
	if status == nil {
		return ""
	}
	title := ""
	if status.CurrentIndex >= 0 && status.CurrentIndex < len(status.Queue) {
		title = status.Queue[status.CurrentIndex].Title
	}
	return fmt.Sprintf("%s: state=%s track=%d/%d title=%s",
		status.RendererName, status.State, status.CurrentIndex+1, status.TotalTracks, title)
}

func staticTools() []tool {
	rendererProp := map[string]any{
		"type":        "string",
		"description": "Renderer name (or unique partial name) as returned by list_renderers.",
	}
	rendererOnlySchema := func() map[string]any {
		return map[string]any{
			"type": "object",
			"properties": map[string]any{
				"renderer": rendererProp,
			},
			"required":             []string{"renderer"},
			"additionalProperties": false,
		}
	}

	return []tool{
		{
			Name:        "list_renderers",
			Description: "Discover DLNA/UPnP media renderers on the local network. Results are cached for 5 minutes; set force_refresh to rescan.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"force_refresh": map[string]any{
						"type":        "boolean",
						"default":     false,
						"description": "Bypass the cache and run a fresh multicast discovery round.",
					},
				},
				"additionalProperties": false,
			},
		},
		{
			Name:        "play_tracks",
			Description: "Play an ordered list of tracks on a DLNA renderer as a gapless queue. Replaces any queue already playing on that renderer.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"renderer": rendererProp,
					"tracks": map[string]any{
						"type":        "array",
						"minItems":    1,
						"description": "Ordered track list. Each track needs a playable uri; title/artist/album/art_url/duration are optional display metadata.",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"uri":      map[string]any{"type": "string"},
								"title":    map[string]any{"type": "string"},
								"artist":   map[string]any{"type": "string"},
								"album":    map[string]any{"type": "string"},
								"art_url":  map[string]any{"type": "string"},
								"duration": map[string]any{"type": "string"},
							},
							"required":             []string{"uri"},
							"additionalProperties": false,
						},
					},
				},
				"required":             []string{"renderer", "tracks"},
				"additionalProperties": false,
			},
		},
		{
			Name:        "stop",
			Description: "Stop playback and clear the queue on a renderer.",
			InputSchema: rendererOnlySchema(),
		},
		{
			Name:        "pause",
			Description: "Pause playback on a renderer.",
			InputSchema: rendererOnlySchema(),
		},
		{
			Name:        "resume",
			Description: "Resume paused playback on a renderer.",
			InputSchema: rendererOnlySchema(),
		},
		{
			Name:        "next_track",
			Description: "Skip to the next queued track. Past the last track this stops playback.",
			InputSchema: rendererOnlySchema(),
		},
		{
			Name:        "previous_track",
			Description: "Go back one queued track. At the first track this restarts it from the beginning.",
			InputSchema: rendererOnlySchema(),
		},
		{
			Name:        "get_status",
			Description: "Get the current queue, track index, transport state, and playback position for a renderer.",
			InputSchema: rendererOnlySchema(),
		},
		{
			Name:        "set_volume",
			Description: "Set playback volume (0-100) on a renderer with an active session.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"renderer": rendererProp,
					"level": map[string]any{
						"type":        "integer",
						"minimum":     0,
						"maximum":     100,
						"description": "Absolute volume level between 0 and 100.",
					},
				},
				"required":             []string{"renderer", "level"},
				"additionalProperties": false,
			},
		},
	}
}
