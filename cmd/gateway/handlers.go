package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/SubinJosephArangathu/LiverCare/pkg/auth"
	"github.com/SubinJosephArangathu/LiverCare/pkg/bulkload"
	"github.com/SubinJosephArangathu/LiverCare/pkg/httpx"
	"github.com/SubinJosephArangathu/LiverCare/pkg/inference"
	"github.com/SubinJosephArangathu/LiverCare/pkg/panel"
	"github.com/SubinJosephArangathu/LiverCare/pkg/stream"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

type predictResponse struct {
	Success         bool                     `json:"success"`
	ID              string                   `json:"id"`
	Prediction      inference.Label          `json:"prediction"`
	Probability     float64                  `json:"probability"`
	RiskLevel       inference.RiskLevel      `json:"risk_level"`
	TopFactors      []inference.Factor       `json:"top_factors,omitempty"`
	ExplanationText string                   `json:"explanation_text,omitempty"`
	ModelVersion    string                   `json:"model_version,omitempty"`
	SecondOpinion   *inference.SecondOpinion `json:"second_opinion,omitempty"`
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	actor := actorID(r)
	if limited, retryAfter := s.checkRateLimit(actor); limited {
		w.Header().Set("Retry-After", strconv.Itoa((retryAfter+999)/1000))
		httpx.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	hint := panel.Schema(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("schema"))))
	v, err := panel.Normalize(raw, hint)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.predict(r.Context(), v)
	if err != nil {
		s.writeInferenceError(w, err)
		return
	}

	id, err := s.Audit.Record(r.Context(), v, res, actor, "staff")
	if err != nil {
		log.Printf("record prediction: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "failed to record prediction")
		return
	}
	s.countPrediction(v.Schema, res, "staff")
	s.publishPrediction(r.Context(), id, v.Schema, res)
	httpx.WriteJSON(w, 200, predictResponse{
		Success:         true,
		ID:              id,
		Prediction:      res.Label,
		Probability:     res.Probability,
		RiskLevel:       res.RiskLevel,
		TopFactors:      res.TopFactors,
		ExplanationText: res.ExplanationText,
		ModelVersion:    res.ModelVersion,
		SecondOpinion:   res.SecondOpinion,
	})
}

// predict wraps the remote call with latency accounting.
func (s *Server) predict(ctx context.Context, v panel.Vector) (*inference.Result, error) {
	start := time.Now()
	res, err := s.Inference.Predict(ctx, v)
	s.Metrics.ObserveInferenceLatency(time.Since(start))
	return res, err
}

func (s *Server) writeInferenceError(w http.ResponseWriter, err error) {
	var infErr *inference.Error
	if errors.As(err, &infErr) {
		log.Printf("inference failed: %s: %s", infErr.Kind, infErr.Detail)
		if infErr.Kind == inference.KindTimeout {
			httpx.Error(w, http.StatusGatewayTimeout, "inference timed out")
			return
		}
		httpx.Error(w, http.StatusBadGateway, "inference unavailable")
		return
	}
	log.Printf("inference failed: %v", err)
	httpx.Error(w, http.StatusBadGateway, "inference unavailable")
}

func (s *Server) countPrediction(schema panel.Schema, res *inference.Result, source string) {
	s.Metrics.IncLabel(string(res.Label))
	s.Metrics.IncRisk(string(res.RiskLevel))
	s.Metrics.IncSchema(string(schema))
	s.Metrics.IncSource(source)
}

func (s *Server) publishPrediction(ctx context.Context, id string, schema panel.Schema, res *inference.Result) {
	evt := stream.NewEvent("prediction.created", map[string]any{
		"id":          id,
		"schema":      string(schema),
		"prediction":  string(res.Label),
		"probability": res.Probability,
		"risk_level":  string(res.RiskLevel),
	})
	if s.Events != nil {
		s.Events.Publish(evt)
	}
	if s.Publisher != nil {
		if err := s.Publisher.Publish(ctx, evt); err != nil {
			log.Printf("publish prediction event: %v", err)
		}
	}
}

func (s *Server) listPredictions(w http.ResponseWriter, r *http.Request) {
	limit := s.DefaultListLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			httpx.Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}
	records, err := s.Audit.ListRecent(r.Context(), limit)
	if err != nil {
		log.Printf("list predictions: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "failed to list predictions")
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"predictions": records})
}

func (s *Server) listMyPredictions(w http.ResponseWriter, r *http.Request) {
	records, err := s.Audit.ByActor(r.Context(), actorID(r))
	if err != nil {
		log.Printf("list own predictions: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "failed to list predictions")
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"predictions": records})
}

const statsCacheKey = "stats:summary"

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	if s.Cache != nil {
		if cached, err := s.Cache.Get(r.Context(), statsCacheKey); err == nil && cached != "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(200)
			_, _ = w.Write([]byte(cached))
			return
		}
	}
	summary, err := s.Stats.Summary(r.Context())
	if err != nil {
		log.Printf("stats summary: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	encoded, err := json.Marshal(summary)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	if s.Cache != nil {
		_ = s.Cache.Set(r.Context(), statsCacheKey, string(encoded), s.StatsCacheTTL)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(200)
	_, _ = w.Write(encoded)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	actor := actorID(r)
	reader, cleanup, err := importReader(r)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	defer cleanup()

	report, err := bulkload.Import(r.Context(), reader, func(ctx context.Context, row bulkload.Row) error {
		res, err := s.predict(ctx, row.Vector)
		if err != nil {
			return err
		}
		id, err := s.Audit.Record(ctx, row.Vector, res, actor, "bulk")
		if err != nil {
			return err
		}
		s.countPrediction(row.Vector.Schema, res, "bulk")
		s.publishPrediction(ctx, id, row.Vector.Schema, res)
		return nil
	})
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "unreadable csv")
		return
	}
	s.Metrics.AddImportedRows(int64(report.Imported), int64(report.Failed))
	if s.Cache != nil {
		_ = s.Cache.Del(r.Context(), statsCacheKey)
	}
	httpx.WriteJSON(w, 200, report)
}

// importReader accepts either a multipart upload under the "file" field or
// a raw CSV body.
func importReader(r *http.Request) (io.Reader, func(), error) {
	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		file, _, err := r.FormFile("file")
		if err != nil {
			return nil, func() {}, errors.New("missing csv file upload")
		}
		return file, func() { _ = file.Close() }, nil
	}
	return r.Body, func() {}, nil
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s *Server) checkRateLimit(actor string) (bool, int) {
	if !s.RateLimitEnabled || s.RateLimiter == nil || s.RateLimitPerMinute <= 0 {
		return false, 0
	}
	decision := s.RateLimiter.Allow("predict:"+actor, s.RateLimitPerMinute)
	if decision.Allowed {
		return false, 0
	}
	retryAfter := int(time.Until(decision.ResetAt).Milliseconds())
	if retryAfter < 0 {
		retryAfter = int(s.RateLimitWindow.Milliseconds())
	}
	return true, retryAfter
}

func actorID(r *http.Request) string {
	if principal, ok := auth.PrincipalFromContext(r.Context()); ok && principal.Subject != "" {
		return principal.Subject
	}
	return "anonymous"
}

func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	if strings.Contains(strings.ToLower(err.Error()), "request body too large") {
		httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	httpx.Error(w, http.StatusBadRequest, "invalid request body")
	return nil, false
}
