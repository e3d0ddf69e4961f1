// Package handlers provides HTTP request handlers for the cidrsweep API.
// This file implements the streaming scan endpoint.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/anstrom/cidrsweep/internal/api/middleware"
	"github.com/anstrom/cidrsweep/internal/errors"
	"github.com/anstrom/cidrsweep/internal/logging"
	"github.com/anstrom/cidrsweep/internal/ranges"
	"github.com/anstrom/cidrsweep/internal/scan"
)

// NDJSONContentType is the media type of streamed scan events.
const NDJSONContentType = "application/x-ndjson"

// Scanner starts sweeps. *scan.Scanner satisfies it.
type Scanner interface {
	Run(ctx context.Context, req scan.Request) (<-chan scan.Event, error)
}

// ScanRequest is the body of a scan request. Ranges and Text are merged;
// Text holds one descriptor per line. Port 0 selects the default port.
type ScanRequest struct {
	Ranges []string `json:"ranges,omitempty"`
	Text   string   `json:"text,omitempty"`
	Port   int      `json:"port,omitempty"`
}

// toRequest resolves the request against defaultPort.
func (s ScanRequest) toRequest(defaultPort uint16) (scan.Request, error) {
	descriptors := make([]string, 0, len(s.Ranges))
	for _, d := range s.Ranges {
		descriptors = append(descriptors, ranges.ParseLines(d)...)
	}
	descriptors = append(descriptors, ranges.ParseLines(s.Text)...)

	port := defaultPort
	switch {
	case s.Port == 0:
	case s.Port < 1 || s.Port > 65535:
		return scan.Request{}, errors.NewScanError(errors.CodePortInvalid, "port must be between 1 and 65535")
	default:
		port = uint16(s.Port)
	}

	return scan.Request{Ranges: descriptors, Port: port}, nil
}

// StreamEvent is one streamed scan event. The final scan_completed event
// also carries the summary line and the artifact text.
type StreamEvent struct {
	scan.Event
	Message      string `json:"message,omitempty"`
	Artifact     string `json:"artifact,omitempty"`
	ArtifactName string `json:"artifact_name,omitempty"`
}

func newStreamEvent(ev scan.Event) StreamEvent {
	out := StreamEvent{Event: ev}
	if ev.Type == scan.EventScanCompleted && ev.Summary != nil {
		out.Message = ev.Summary.Message()
		if artifact := ev.Summary.Artifact(); artifact != nil {
			out.Artifact = string(artifact)
			out.ArtifactName = scan.ArtifactName(ev.Summary.Port)
		}
	}
	return out
}

// ScanHandler runs sweeps over HTTP.
type ScanHandler struct {
	scanner        Scanner
	defaultPort    uint16
	maxRequestSize int64
	logger         *logging.Logger
}

// NewScanHandler creates a new scan handler.
func NewScanHandler(scanner Scanner, defaultPort uint16, maxRequestSize int64, logger *logging.Logger) *ScanHandler {
	return &ScanHandler{
		scanner:        scanner,
		defaultPort:    defaultPort,
		maxRequestSize: maxRequestSize,
		logger:         logger.WithFields("handler", "scan"),
	}
}

// CreateScan runs a sweep and streams its events as newline-delimited JSON.
// The sweep stops when the client goes away.
func (h *ScanHandler) CreateScan(w http.ResponseWriter, r *http.Request) {
	var body ScanRequest
	if err := parseJSON(w, r, &body, h.maxRequestSize); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	req, err := body.toRequest(h.defaultPort)
	if err != nil {
		writeError(w, r, statusForError(err), err)
		return
	}

	events, err := h.scanner.Run(r.Context(), req)
	if err != nil {
		writeError(w, r, statusForError(err), err)
		return
	}

	requestID := middleware.GetRequestID(r)
	h.logger.Info("Scan stream started",
		"request_id", requestID,
		"ranges", len(req.Ranges),
		"port", req.Port)

	w.Header().Set("Content-Type", NDJSONContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	encoder := json.NewEncoder(w)
	for ev := range events {
		if err := encoder.Encode(newStreamEvent(ev)); err != nil {
			h.logger.Warn("Scan stream write failed", "request_id", requestID, "error", err)
			continue
		}
		if err := rc.Flush(); err != nil {
			h.logger.Debug("Scan stream flush failed", "request_id", requestID, "error", err)
		}
	}

	h.logger.Info("Scan stream finished", "request_id", requestID)
}
