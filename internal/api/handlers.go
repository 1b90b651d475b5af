package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/render-gateway/internal/admission"
	"github.com/JakeFAU/render-gateway/internal/ratelimit"
	"github.com/JakeFAU/render-gateway/internal/resource"
	"github.com/JakeFAU/render-gateway/internal/storage"
)

// workerPrefix names the leased worker ids of requests without a worker_id.
const workerPrefix = "http"

type renderRequest struct {
	URL      string `json:"url"`
	WorkerID string `json:"worker_id"`
}

type renderResponse struct {
	RequestID    string `json:"request_id"`
	URL          string `json:"url"`
	BrowserID    string `json:"browser_id"`
	ArtifactURI  string `json:"artifact_uri"`
	Bytes        int    `json:"bytes"`
	Nodes        int    `json:"nodes"`
	ExtractURI   string `json:"extract_uri,omitempty"`
	ExtractBytes int    `json:"extract_bytes,omitempty"`
	DurationMS   int64  `json:"duration_ms"`
}

type pdfResponse struct {
	RequestID   string `json:"request_id"`
	URL         string `json:"url"`
	BrowserID   string `json:"browser_id"`
	ArtifactURI string `json:"artifact_uri"`
	Bytes       int    `json:"bytes"`
	DurationMS  int64  `json:"duration_ms"`
}

func decodeRenderRequest(r *http.Request) (renderRequest, error) {
	var req renderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, errors.New("invalid JSON")
	}
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		return req, errors.New("url required")
	}
	return req, nil
}

func (s *Server) render(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRenderRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	workerID, done := s.workerFor(req)
	defer done()
	res, ok := s.acquireRender(w, r, workerID, req.URL)
	if !ok {
		return
	}
	guard := res.Guard
	defer guard.Release()

	start := time.Now()
	renderCtx, cancel := context.WithTimeout(r.Context(), s.resources.Timeout(resource.KindRender))
	html, err := guard.Browser().RenderHTML(renderCtx, req.URL)
	cancel()
	if err != nil {
		guard.ReportFailure()
		if errors.Is(err, context.DeadlineExceeded) {
			s.resources.CleanupOnTimeout(resource.KindRender)
			writeError(w, http.StatusGatewayTimeout, "render timed out")
			return
		}
		s.resources.RecordRender(req.URL, time.Since(start), false, 0, 0)
		s.logger.Warn("render failed", zap.String("url", req.URL), zap.Error(err))
		writeError(w, http.StatusBadGateway, "render failed")
		return
	}

	extracted, err := s.extract(r.Context(), guard, html)
	if err != nil {
		guard.ReportFailure()
		if errors.Is(err, context.DeadlineExceeded) {
			s.resources.CleanupOnTimeout(resource.KindWasm)
			writeError(w, http.StatusGatewayTimeout, "extraction timed out")
			return
		}
		s.resources.RecordRender(req.URL, time.Since(start), false, len(html), 0)
		s.logger.Warn("extraction failed", zap.String("url", req.URL), zap.Error(err))
		writeError(w, http.StatusBadGateway, "extraction failed")
		return
	}

	host, _ := ratelimit.HostOf(req.URL)
	id, err := s.idGen.NewID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "generate artifact id")
		return
	}
	now := s.clock.Now()
	uri, err := s.put(r.Context(), storage.ArtifactPath(s.cfg.Storage.Prefix, "render", host, id, "html", now),
		storage.ContentTypeHTML, []byte(html))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store artifact")
		return
	}
	resp := renderResponse{
		RequestID:   requestIDFrom(r.Context()),
		URL:         req.URL,
		BrowserID:   guard.BrowserID(),
		ArtifactURI: uri,
		Bytes:       len(html),
		Nodes:       countElements(html),
	}
	if len(extracted) > 0 {
		extractURI, err := s.put(r.Context(), storage.ArtifactPath(s.cfg.Storage.Prefix, "extract", host, id, "json", now),
			storage.ContentTypeJSON, extracted)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "store extraction")
			return
		}
		resp.ExtractURI = extractURI
		resp.ExtractBytes = len(extracted)
	}
	elapsed := time.Since(start)
	resp.DurationMS = elapsed.Milliseconds()
	s.resources.RecordRender(req.URL, elapsed, true, resp.Bytes, resp.Nodes)
	writeJSON(w, http.StatusOK, resp)
}

// printPDF holds a PDF permit first and then a render guard for the
// browser; the permit is released last.
func (s *Server) printPDF(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRenderRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := ratelimit.HostOf(req.URL); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pdfRes := s.resources.AcquirePDFResources(r.Context())
	if !pdfRes.OK() {
		s.writeRejection(w, pdfRes)
		return
	}
	defer pdfRes.Guard.Release()

	workerID, done := s.workerFor(req)
	defer done()
	res, ok := s.acquireRender(w, r, workerID, req.URL)
	if !ok {
		return
	}
	guard := res.Guard
	defer guard.Release()

	start := time.Now()
	pdfCtx, cancel := context.WithTimeout(r.Context(), s.resources.Timeout(resource.KindPDF))
	data, err := guard.Browser().PrintPDF(pdfCtx, req.URL)
	cancel()
	if err != nil {
		guard.ReportFailure()
		if errors.Is(err, context.DeadlineExceeded) {
			s.resources.CleanupOnTimeout(resource.KindPDF)
			writeError(w, http.StatusGatewayTimeout, "pdf generation timed out")
			return
		}
		s.resources.RecordPDF(time.Since(start), false, 0)
		s.logger.Warn("pdf generation failed", zap.String("url", req.URL), zap.Error(err))
		writeError(w, http.StatusBadGateway, "pdf generation failed")
		return
	}

	host, _ := ratelimit.HostOf(req.URL)
	id, err := s.idGen.NewID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "generate artifact id")
		return
	}
	uri, err := s.put(r.Context(), storage.ArtifactPath(s.cfg.Storage.Prefix, "pdf", host, id, "pdf", s.clock.Now()),
		storage.ContentTypePDF, data)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store artifact")
		return
	}
	elapsed := time.Since(start)
	s.resources.RecordPDF(elapsed, true, len(data))
	writeJSON(w, http.StatusOK, pdfResponse{
		RequestID:   requestIDFrom(r.Context()),
		URL:         req.URL,
		BrowserID:   guard.BrowserID(),
		ArtifactURI: uri,
		Bytes:       len(data),
		DurationMS:  elapsed.Milliseconds(),
	})
}

// workerFor returns the request's worker id, or leases one when the request
// names none. done hands the lease back and must run after the guard is
// released.
func (s *Server) workerFor(req renderRequest) (workerID string, done func()) {
	if req.WorkerID != "" {
		return req.WorkerID, func() {}
	}
	return s.workers.lease()
}

// acquireRender writes the rejection response itself and reports false
// when no guard was granted.
func (s *Server) acquireRender(w http.ResponseWriter, r *http.Request, workerID, url string) (resource.Result, bool) {
	res, err := s.resources.AcquireRenderResources(r.Context(), workerID, url)
	if err != nil {
		if errors.Is(err, admission.ErrInvalidURL) {
			writeError(w, http.StatusBadRequest, err.Error())
			return res, false
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return res, false
	}
	if !res.OK() {
		s.writeRejection(w, res)
		return res, false
	}
	return res, true
}

func (s *Server) writeRejection(w http.ResponseWriter, res resource.Result) {
	switch res.Outcome {
	case resource.OutcomeMemoryPressure:
		writeError(w, http.StatusServiceUnavailable, "memory pressure")
	case resource.OutcomeRateLimited:
		wait := jitter(res.RetryAfter, s.cfg.RateLimit.JitterFactor)
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(wait)))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":          "rate limited",
			"retry_after_ms": wait.Milliseconds(),
		})
	case resource.OutcomeTimeout:
		writeError(w, http.StatusGatewayTimeout, "resource acquisition timed out")
	default:
		writeError(w, http.StatusServiceUnavailable, "capacity exhausted")
	}
}

func (s *Server) extract(ctx context.Context, guard *resource.Guard, html string) ([]byte, error) {
	inst := guard.Wasm()
	fn := s.cfg.Wasm.ExtractFunction
	if inst == nil || fn == "" {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.resources.Timeout(resource.KindWasm))
	defer cancel()
	out, err := inst.Call(ctx, fn, []byte(html))
	if err != nil {
		return nil, fmt.Errorf("extract: %w", err)
	}
	return out, nil
}

func (s *Server) put(ctx context.Context, path, contentType string, data []byte) (string, error) {
	uri, err := s.store.PutObject(ctx, path, contentType, bytes.NewReader(data))
	if err != nil {
		s.logger.Error("artifact write failed", zap.String("path", path), zap.Error(err))
		return "", fmt.Errorf("put %s: %w", path, err)
	}
	return uri, nil
}

// jitter stretches d by up to factor of itself.
func jitter(d time.Duration, factor float64) time.Duration {
	if d <= 0 || factor <= 0 {
		return d
	}
	return d + time.Duration(rand.Float64()*factor*float64(d))
}

func retryAfterSeconds(d time.Duration) int {
	return max(1, int(math.Ceil(d.Seconds())))
}

// countElements approximates the DOM size by counting opening tags.
func countElements(html string) int {
	n := 0
	for i := 0; i+1 < len(html); i++ {
		if html[i] != '<' {
			continue
		}
		c := html[i+1]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
			n++
		}
	}
	return n
}
