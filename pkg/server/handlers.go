package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/opscart/k8s-capacity-forecaster/pkg/capacity"
	"github.com/opscart/k8s-capacity-forecaster/pkg/forecast"
	"github.com/opscart/k8s-capacity-forecaster/pkg/scope"
)

// predictRequest is the wire shape of POST /api/v1/predict.
type predictRequest struct {
	Hour         *int   `json:"hour"`
	DayOfWeek    *int   `json:"day_of_week"`
	Namespace    string `json:"namespace"`
	Deployment   string `json:"deployment"`
	Pod          string `json:"pod"`
	Scope        string `json:"scope"`
	Model        string `json:"model"`
	IncludeTrend bool   `json:"include_trend"`
}

// capacityRequest is the wire shape of POST /api/v1/capacity. Either a
// built-in profile name or custom resources may be supplied; neither
// means all built-in profiles are evaluated.
type capacityRequest struct {
	Namespace       string           `json:"namespace"`
	PodProfile      string           `json:"pod_profile"`
	CustomResources *customResources `json:"custom_resources"`
	SafetyMargin    *float64         `json:"safety_margin"`
	IncludeTrending bool             `json:"include_trending"`
}

type customResources struct {
	CPU    string `json:"cpu"`
	Memory string `json:"memory"`
}

type errorResponse struct {
	Status  string `json:"status"`
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Code    string `json:"code"`
}

type predictResponse struct {
	Status string `json:"status"`
	*forecast.PredictionResponse
}

type capacityResponse struct {
	Status string `json:"status"`
	*capacity.Report
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req predictRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, &forecast.Error{Code: forecast.CodeInvalidRequest, Message: "invalid request format", Err: err})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.PredictTimeout)
	defer cancel()

	resp, err := s.engine.Predict(ctx, forecast.PredictionRequest{
		Kind:         scope.Kind(req.Scope),
		Namespace:    req.Namespace,
		Deployment:   req.Deployment,
		Pod:          req.Pod,
		Hour:         req.Hour,
		DayOfWeek:    req.DayOfWeek,
		Model:        req.Model,
		IncludeTrend: req.IncludeTrend,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(s.log, w, http.StatusOK, predictResponse{Status: "success", PredictionResponse: resp})
}

func (s *Server) handleCapacity(w http.ResponseWriter, r *http.Request) {
	var req capacityRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, &forecast.Error{Code: forecast.CodeInvalidRequest, Message: "invalid request format", Err: err})
		return
	}

	profiles, err := resolveProfiles(req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	timeout := s.cfg.CapacityTimeout
	if req.Namespace == "" {
		timeout = s.cfg.ClusterCapacityTimeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	report, err := s.engine.AnalyzeCapacity(ctx, forecast.CapacityRequest{
		Namespace:           req.Namespace,
		Profiles:            profiles,
		SafetyMarginPercent: req.SafetyMargin,
		IncludeTrending:     req.IncludeTrending,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(s.log, w, http.StatusOK, capacityResponse{Status: "success", Report: report})
}

func resolveProfiles(req capacityRequest) ([]capacity.PodProfile, error) {
	if req.PodProfile != "" && req.CustomResources != nil {
		return nil, &forecast.Error{Code: forecast.CodeInvalidRequest, Message: "pod_profile and custom_resources are mutually exclusive"}
	}

	if req.CustomResources != nil {
		p, err := capacity.ParseProfile("custom", req.CustomResources.CPU, req.CustomResources.Memory)
		if err != nil {
			return nil, &forecast.Error{Code: forecast.CodeInvalidRequest, Message: err.Error()}
		}
		return []capacity.PodProfile{p}, nil
	}

	if req.PodProfile != "" {
		p, ok := capacity.BuiltinProfiles()[req.PodProfile]
		if !ok {
			return nil, &forecast.Error{Code: forecast.CodeInvalidRequest, Message: "unknown pod profile " + req.PodProfile}
		}
		return []capacity.PodProfile{p}, nil
	}

	// No selection: evaluate every built-in size.
	return nil, nil
}

func decodeJSON(r *http.Request, v interface{}) error {
	contentType := r.Header.Get("Content-Type")
	if contentType != "" && !strings.HasPrefix(contentType, "application/json") {
		return errors.New("Content-Type must be application/json")
	}
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var engineErr *forecast.Error
	if !errors.As(err, &engineErr) {
		engineErr = &forecast.Error{Code: forecast.CodeInternal, Message: "internal error", Err: err}
	}

	resp := errorResponse{
		Status: "error",
		Error:  engineErr.Message,
		Code:   string(engineErr.Code),
	}
	if engineErr.Err != nil {
		resp.Details = engineErr.Err.Error()
	}

	writeJSON(s.log, w, statusForCode(engineErr.Code), resp)
}

func statusForCode(code forecast.Code) int {
	switch code {
	case forecast.CodeInvalidRequest:
		return http.StatusBadRequest
	case forecast.CodeMetricsUnavailable, forecast.CodeQuotaUnavailable, forecast.CodeModelUnavailable:
		return http.StatusServiceUnavailable
	case forecast.CodeInvalidModelOutput:
		return http.StatusBadGateway
	case forecast.CodeInsufficientData:
		return http.StatusUnprocessableEntity
	case forecast.CodeDeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(log *logrus.Logger, w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("Failed to encode JSON response")
	}
}
