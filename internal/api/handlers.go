package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/banshee-data/uwbsync/internal/coordinator"
	"github.com/banshee-data/uwbsync/internal/httputil"
	"github.com/banshee-data/uwbsync/internal/timeutil"
)

// anchorRequest is the body shared by all anchor endpoints. Tag entries are
// decoded one by one so a malformed entry does not reject the report.
type anchorRequest struct {
	AnchorID *string           `json:"anchorID"`
	Tags     []json.RawMessage `json:"tags"`
}

type tagEntry struct {
	TagID      *string  `json:"tagID"`
	Distance   *float64 `json:"distance"`
	ExecutedAt *int64   `json:"executedAt"`
}

var errNoTags = errors.New("tags must be a list")

func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request, needTags bool) (anchorRequest, bool) {
	if !s.coord.Operational() {
		s.writeCoordinatorError(w, coordinator.ErrUnavailable)
		return anchorRequest{}, false
	}
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return anchorRequest{}, false
	}

	var req anchorRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return anchorRequest{}, false
	}
	if req.AnchorID == nil || strings.TrimSpace(*req.AnchorID) == "" {
		httputil.BadRequest(w, "anchorID is required")
		return anchorRequest{}, false
	}
	if needTags && req.Tags == nil {
		httputil.BadRequest(w, errNoTags.Error())
		return anchorRequest{}, false
	}
	return req, true
}

func (s *Server) handleRegistration(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r, false)
	if !ok {
		return
	}
	resp, err := s.coord.RegisterAnchor(r.Context(), *req.AnchorID)
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) handleScanReport(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r, true)
	if !ok {
		return
	}

	codes := make([]string, 0, len(req.Tags))
	for i, raw := range req.Tags {
		var e tagEntry
		if err := json.Unmarshal(raw, &e); err != nil || e.TagID == nil {
			s.log.Warn("skipping malformed scan entry", "anchor", *req.AnchorID, "index", i)
			continue
		}
		codes = append(codes, *e.TagID)
	}

	resp, err := s.coord.ReportScan(r.Context(), *req.AnchorID, codes)
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) handleMeasurementReport(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r, true)
	if !ok {
		return
	}

	readings := make([]coordinator.ReadingReport, 0, len(req.Tags))
	for i, raw := range req.Tags {
		var e tagEntry
		if err := json.Unmarshal(raw, &e); err != nil || e.TagID == nil || e.Distance == nil || e.ExecutedAt == nil {
			s.log.Warn("skipping malformed measurement entry", "anchor", *req.AnchorID, "index", i)
			continue
		}
		readings = append(readings, coordinator.ReadingReport{
			TagCode:    *e.TagID,
			Distance:   *e.Distance,
			ExecutedAt: timeutil.FromEpochMillis(*e.ExecutedAt),
		})
	}

	resp, err := s.coord.ReportMeasurement(r.Context(), *req.AnchorID, readings)
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	httputil.WriteJSONOK(w, resp)
}
