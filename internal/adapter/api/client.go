// Package api implements the HTTP adapters for the upload, extraction and
// analysis endpoints of the resume analysis backend.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/gabriel-vasile/mimetype"

	"github.com/fairyhunter13/resume-fit-pipeline/internal/config"
	"github.com/fairyhunter13/resume-fit-pipeline/internal/domain"
	"github.com/fairyhunter13/resume-fit-pipeline/internal/observability"
)

// Client implements domain.Uploader and domain.AnalysisAPI against the
// backend's /api/v1 endpoints. The credential always travels in the
// Authorization header, never in a URL, so it cannot leak through logs or
// proxies.
type Client struct {
	cfg      config.Config
	hc       *http.Client
	streamHC *http.Client
}

// New constructs a Client. Non-streaming calls get a bounded per-request
// timeout; the streaming client carries none because the analysis body stays
// open for the whole run and is bounded by the pipeline's own timer.
func New(cfg config.Config) *Client {
	return &Client{
		cfg:      cfg,
		hc:       &http.Client{Timeout: cfg.RequestTimeout},
		streamHC: &http.Client{},
	}
}

// uploadResponse mirrors the upload endpoint body.
type uploadResponse struct {
	Success           bool              `json:"success"`
	ResumeUpload      domain.FileUpload `json:"resume_upload"`
	JDUpload          domain.FileUpload `json:"jd_upload"`
	ResumeStoragePath string            `json:"resume_storage_path"`
	JDStoragePath     string            `json:"jd_storage_path"`
}

// detailBody is the error envelope the backend returns on non-2xx.
type detailBody struct {
	Detail string `json:"detail"`
}

// Upload sniffs both files, posts them as multipart/form-data and returns
// the opaque handles. Transient failures (network, 429, 5xx) are retried
// with exponential backoff; 4xx responses are permanent.
func (c *Client) Upload(ctx domain.Context, token, resumePath, jdPath string) (domain.UploadResult, error) {
	resumeBytes, err := c.readUploadFile(resumePath)
	if err != nil {
		return domain.UploadResult{}, fmt.Errorf("op=api.Upload resume: %w", err)
	}
	jdBytes, err := c.readUploadFile(jdPath)
	if err != nil {
		return domain.UploadResult{}, fmt.Errorf("op=api.Upload jd: %w", err)
	}

	var out uploadResponse
	op := func() error {
		body := &bytes.Buffer{}
		mw := multipart.NewWriter(body)
		for _, f := range []struct {
			field, name string
			data        []byte
		}{
			{"resume_file", filepath.Base(resumePath), resumeBytes},
			{"jd_file", filepath.Base(jdPath), jdBytes},
		} {
			fw, err := mw.CreateFormFile(f.field, f.name)
			if err != nil {
				return backoff.Permanent(err)
			}
			if _, err := fw.Write(f.data); err != nil {
				return backoff.Permanent(err)
			}
		}
		if err := mw.Close(); err != nil {
			return backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIBaseURL+"/api/v1/upload", body)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", mw.FormDataContentType())

		start := time.Now()
		resp, err := c.hc.Do(req)
		observability.APIRequestDuration.WithLabelValues("upload").Observe(time.Since(start).Seconds())
		if err != nil {
			observability.APIRequestsTotal.WithLabelValues("upload", "error").Inc()
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		observability.APIRequestsTotal.WithLabelValues("upload", fmt.Sprintf("%d", resp.StatusCode)).Inc()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			observability.LoggerFromContext(ctx).Warn("upload retryable status", slog.Int("status", resp.StatusCode))
			return fmt.Errorf("upload status %d", resp.StatusCode)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return backoff.Permanent(statusError(ctx, "upload", resp))
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return backoff.Permanent(fmt.Errorf("%w: decode upload response: %v", domain.ErrProtocol, err))
		}
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.MaxElapsedTime = c.cfg.RequestTimeout * 3
	if err := backoff.Retry(op, backoff.WithContext(expo, ctx)); err != nil {
		return domain.UploadResult{}, fmt.Errorf("op=api.Upload: %w", wrapRequestErr(err))
	}
	observability.LoggerFromContext(ctx).Info("upload complete",
		slog.String("resume_file_id", out.ResumeUpload.FileID),
		slog.String("jd_file_id", out.JDUpload.FileID))
	return domain.UploadResult{
		ResumeUpload:      out.ResumeUpload,
		JDUpload:          out.JDUpload,
		ResumeStoragePath: out.ResumeStoragePath,
		JDStoragePath:     out.JDStoragePath,
	}, nil
}

// readUploadFile loads one file, gating size and sniffing the content type
// so obviously wrong files never leave the machine.
func (c *Client) readUploadFile(path string) ([]byte, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if max := c.cfg.MaxUploadBytes(); max > 0 && fi.Size() > max {
		return nil, fmt.Errorf("file %s exceeds %d MB limit", filepath.Base(path), c.cfg.MaxUploadMB)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if mt := mimetype.Detect(data); !mt.Is("application/pdf") {
		return nil, fmt.Errorf("file %s is %s, expected application/pdf", filepath.Base(path), mt.String())
	}
	return data, nil
}

// extractRequest mirrors the extraction endpoint body.
type extractRequest struct {
	ResumeUpload      domain.FileUpload `json:"resume_upload"`
	JDUpload          domain.FileUpload `json:"jd_upload"`
	ResumeStoragePath string            `json:"resume_storage_path"`
	JDStoragePath     string            `json:"jd_storage_path"`
}

// Extract submits the extraction request and returns the database ids.
// Non-2xx is fatal and never retried; the server-provided detail is surfaced
// when present, else a generic status-derived message.
func (c *Client) Extract(ctx domain.Context, token string, up domain.UploadResult) (domain.ExtractionResult, error) {
	body, _ := json.Marshal(extractRequest{
		ResumeUpload:      up.ResumeUpload,
		JDUpload:          up.JDUpload,
		ResumeStoragePath: up.ResumeStoragePath,
		JDStoragePath:     up.JDStoragePath,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIBaseURL+"/api/v1/extract", bytes.NewReader(body))
	if err != nil {
		return domain.ExtractionResult{}, fmt.Errorf("op=api.Extract: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.hc.Do(req)
	observability.APIRequestDuration.WithLabelValues("extract").Observe(time.Since(start).Seconds())
	if err != nil {
		observability.APIRequestsTotal.WithLabelValues("extract", "error").Inc()
		return domain.ExtractionResult{}, fmt.Errorf("op=api.Extract: %w: %v", domain.ErrRequest, err)
	}
	defer func() { _ = resp.Body.Close() }()
	observability.APIRequestsTotal.WithLabelValues("extract", fmt.Sprintf("%d", resp.StatusCode)).Inc()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.ExtractionResult{}, fmt.Errorf("op=api.Extract: %w", statusError(ctx, "extraction", resp))
	}
	var ext domain.ExtractionResult
	if err := json.NewDecoder(resp.Body).Decode(&ext); err != nil {
		return domain.ExtractionResult{}, fmt.Errorf("op=api.Extract: %w: decode response: %v", domain.ErrProtocol, err)
	}
	observability.LoggerFromContext(ctx).Info("extraction complete",
		slog.String("resume_db_id", ext.ResumeDBID),
		slog.String("jd_db_id", ext.JDDBID))
	return ext, nil
}

// analyzeRequest mirrors the analysis endpoint body.
type analyzeRequest struct {
	ResumeDBID string `json:"resume_db_id"`
	JDDBID     string `json:"jd_db_id"`
}

// OpenAnalysis opens the chunked analysis stream and hands ownership of the
// response body to the caller. A non-2xx status releases the body here and
// is fatal.
func (c *Client) OpenAnalysis(ctx domain.Context, token string, ext domain.ExtractionResult) (io.ReadCloser, error) {
	body, _ := json.Marshal(analyzeRequest{ResumeDBID: ext.ResumeDBID, JDDBID: ext.JDDBID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIBaseURL+"/api/v1/analyze", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("op=api.OpenAnalysis: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	start := time.Now()
	resp, err := c.streamHC.Do(req)
	observability.APIRequestDuration.WithLabelValues("analyze").Observe(time.Since(start).Seconds())
	if err != nil {
		observability.APIRequestsTotal.WithLabelValues("analyze", "error").Inc()
		return nil, fmt.Errorf("op=api.OpenAnalysis: %w: %v", domain.ErrRequest, err)
	}
	observability.APIRequestsTotal.WithLabelValues("analyze", fmt.Sprintf("%d", resp.StatusCode)).Inc()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := statusError(ctx, "analysis", resp)
		_ = resp.Body.Close()
		return nil, fmt.Errorf("op=api.OpenAnalysis: %w", err)
	}
	return resp.Body, nil
}

// Health pings the backend health probe.
func (c *Client) Health(ctx domain.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.APIBaseURL+"/api/v1/health", nil)
	if err != nil {
		return fmt.Errorf("op=api.Health: %w", err)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("op=api.Health: %w: %v", domain.ErrRequest, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("op=api.Health: %w: status %d", domain.ErrRequest, resp.StatusCode)
	}
	return nil
}

// statusError builds the fatal request error for a non-2xx response, using
// the body's detail field verbatim when present.
func statusError(ctx domain.Context, what string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var db detailBody
	if err := json.Unmarshal(snippet, &db); err == nil && db.Detail != "" {
		return fmt.Errorf("%w: %s", domain.ErrRequest, db.Detail)
	}
	observability.LoggerFromContext(ctx).Warn("non-2xx without detail body",
		slog.String("endpoint", what),
		slog.Int("status", resp.StatusCode),
		slog.String("body", truncate(string(snippet), 256)))
	return fmt.Errorf("%w: %s failed with status %d", domain.ErrRequest, what, resp.StatusCode)
}

func wrapRequestErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrRequest) || errors.Is(err, domain.ErrProtocol) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrRequest, err)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
