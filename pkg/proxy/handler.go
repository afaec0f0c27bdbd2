package proxy

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kmirotor/rotor/pkg/clock"
	"github.com/kmirotor/rotor/pkg/keys"
	"github.com/kmirotor/rotor/pkg/log"
	"github.com/kmirotor/rotor/pkg/metrics"
	"github.com/kmirotor/rotor/pkg/rotation"
	"github.com/kmirotor/rotor/pkg/state"
	"github.com/kmirotor/rotor/pkg/trace"
)

// classifyBodyLimit bounds how much of an error response is read for
// payment-token matching before the rest is relayed.
const classifyBodyLimit = 64 * 1024

// handleProxy runs the per-request pipeline: authorize, admit, select a
// key, admit per key, then dry-run or dispatch, classify, trace, relay.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := clock.NewRequestID()
	logger := log.WithRequestID(requestID)

	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized",
			"send the proxy token via 'Authorization: Bearer <token>' or 'X-KMI-Proxy-Token'")
		return
	}

	if !s.globalLim.Allow("") {
		metrics.LimiterRejections.WithLabelValues("global").Inc()
		writeError(w, http.StatusTooManyRequests, "rate_limited", "global rate limit exceeded")
		return
	}

	subPath := strings.TrimPrefix(r.URL.Path, s.cfg.BasePath)
	subPath = strings.TrimPrefix(subPath, "/")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return
	}

	// Selection commits under the state lock; the snapshot allows a
	// rollback if the per-key limiter rejects.
	healthSnap := rotation.Health(s.refresher.Cache().Snapshot())
	var (
		cred          *keys.Credential
		snapActive    int
		snapRotation  int
		rotationIndex int
		autoMode      bool
	)
	s.store.WithLock(func(st *state.State) {
		snapActive, snapRotation = st.ActiveIndex, st.RotationIndex
		rotationIndex = snapRotation
		autoMode = st.AutoRotate && s.cfg.AutoRotateAllowed
		cred = s.engine.SelectForRequest(st, healthSnap)
	})
	if cred == nil {
		metrics.SelectionFailures.Inc()
		writeError(w, http.StatusServiceUnavailable, "no_eligible_keys",
			"all keys are disabled, blocked, or cooling down; check key health or clear blocks")
		return
	}
	s.store.MarkDirty()
	mode := "active"
	if autoMode {
		mode = "auto"
	}
	metrics.SelectionsTotal.WithLabelValues(cred.Label, mode).Inc()

	if !s.keyLim.Allow(cred.Label) {
		s.store.WithLock(func(st *state.State) {
			st.ActiveIndex = snapActive
			st.RotationIndex = snapRotation
		})
		s.store.MarkDirty()
		metrics.LimiterRejections.WithLabelValues("per_key").Inc()
		writeError(w, http.StatusTooManyRequests, "rate_limited", "per-key rate limit exceeded")
		return
	}

	hint, head := ExtractPromptHint(r.Header.Get("Content-Type"), body)
	targetURL := s.upstreamURL(cred, subPath, r.URL.RawQuery)

	if s.cfg.DryRun {
		s.finishDryRun(w, r, cred, requestID, rotationIndex, subPath, targetURL, hint, head, start)
		return
	}

	headers := SanitizeHeaders(r.Header, cred.Secret)
	resp, err := s.dispatcher.Do(r.Context(), r.Method, targetURL, headers, body)
	if err != nil {
		if !errors.Is(err, ErrUpstream) {
			logger.Error().Err(err).Msg("dispatch_failed")
		}
		s.store.WithLock(func(st *state.State) {
			st.RecordRequest(cred.Label, http.StatusServiceUnavailable)
		})
		s.store.MarkDirty()
		s.emitTrace(requestID, r.Method, subPath, http.StatusBadGateway, start, cred, rotationIndex, hint, head, "upstream_error")
		metrics.RequestsTotal.WithLabelValues("502", cred.Label).Inc()
		writeError(w, http.StatusBadGateway, "upstream_error",
			"the upstream API could not be reached after retries")
		return
	}
	defer resp.Body.Close()

	var bodyHead []byte
	reader := io.Reader(resp.Body)
	if resp.StatusCode >= 400 {
		bodyHead, _ = io.ReadAll(io.LimitReader(resp.Body, classifyBodyLimit))
		reader = io.MultiReader(bytes.NewReader(bodyHead), resp.Body)
	}

	outcome := s.classifier.Classify(resp.StatusCode, bodyHead, resp.Header)
	s.store.WithLock(func(st *state.State) {
		s.classifier.Apply(st, cred.Label, resp.StatusCode, outcome)
	})
	s.store.MarkDirty()
	if outcome.Verdict == VerdictBlock {
		metrics.KeyBlocks.WithLabelValues(outcome.BlockReason).Inc()
	}

	s.emitTrace(requestID, r.Method, subPath, resp.StatusCode, start, cred, rotationIndex, hint, head, outcome.ErrorCode)
	metrics.RequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode), cred.Label).Inc()
	metrics.RequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())

	FilterResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	relay(w, reader)
}

// finishDryRun records a synthetic 200 without contacting the upstream.
func (s *Server) finishDryRun(w http.ResponseWriter, r *http.Request, cred *keys.Credential,
	requestID string, rotationIndex int, subPath, targetURL, hint, head string, start time.Time) {
	s.store.WithLock(func(st *state.State) {
		st.RecordRequest(cred.Label, http.StatusOK)
	})
	s.store.MarkDirty()
	s.emitTrace(requestID, r.Method, subPath, http.StatusOK, start, cred, rotationIndex, hint, head, "")
	metrics.RequestsTotal.WithLabelValues("200", cred.Label).Inc()
	metrics.RequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"dry_run":      true,
		"upstream_url": targetURL,
		"method":       r.Method,
		"path":         subPath,
		"key_label":    cred.Label,
	})
}

// authorize checks the proxy token in constant time. An empty configured
// token disables authentication.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.ProxyToken == "" {
		return true
	}
	presented := r.Header.Get("X-KMI-Proxy-Token")
	if auth := r.Header.Get("Authorization"); presented == "" && auth != "" {
		if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
			presented = strings.TrimSpace(auth[7:])
		}
	}
	if presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.cfg.ProxyToken)) == 1
}

func (s *Server) upstreamURL(cred *keys.Credential, subPath, rawQuery string) string {
	base := cred.BaseURL
	if base == "" {
		base = s.cfg.UpstreamBaseURL
	}
	target := base
	if subPath != "" {
		target += "/" + subPath
	}
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	return target
}

func (s *Server) emitTrace(requestID, method, endpoint string, status int, start time.Time,
	cred *keys.Credential, rotationIndex int, hint, head, errorCode string) {
	s.sink.Append(trace.Entry{
		Schema:        trace.SchemaVersion,
		TS:            clock.Timestamp(time.Now(), s.tz),
		RequestID:     requestID,
		Method:        method,
		Endpoint:      endpoint,
		Status:        status,
		LatencyMS:     time.Since(start).Milliseconds(),
		KeyLabel:      cred.Label,
		KeyHash:       cred.KeyHash,
		RotationIndex: rotationIndex,
		PromptHint:    hint,
		PromptHead:    head,
		ErrorCode:     errorCode,
	})
}

// relay streams the upstream body to the client, flushing after each chunk
// so server-sent events arrive promptly.
func relay(w http.ResponseWriter, r io.Reader) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

func writeError(w http.ResponseWriter, status int, code, hint string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": code,
		"hint":  hint,
	})
}
