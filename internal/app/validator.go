package app

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/convertmaster-go/internal/domain"
)

// RequestValidator checks submissions before a job is created.
// It runs on the submitting goroutine and may call the backend.
type RequestValidator struct {
	backend      domain.ExtractionBackend
	locators     domain.LocatorValidator
	probeTimeout time.Duration
	logger       *zap.Logger
}

// NewRequestValidator creates a new request validator
func NewRequestValidator(backend domain.ExtractionBackend, locators domain.LocatorValidator, probeTimeout time.Duration, logger *zap.Logger) *RequestValidator {
	if locators == nil {
		locators = domain.AcceptAll
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RequestValidator{
		backend:      backend,
		locators:     locators,
		probeTimeout: probeTimeout,
		logger:       logger,
	}
}

// Validate returns the normalized request or a classified error
func (v *RequestValidator) Validate(ctx context.Context, req domain.Request) (domain.Request, error) {
	req.SourceLocator = strings.TrimSpace(req.SourceLocator)
	if req.SourceLocator == "" {
		return req, domain.NewValidationError("source locator is empty")
	}
	if !v.locators.Accept(req.SourceLocator) {
		return req, domain.NewValidationError("source locator %q is not supported", req.SourceLocator)
	}

	if !domain.ValidateFormat(req.TargetFormat) {
		return req, domain.NewValidationError("invalid target format: %q", req.TargetFormat)
	}

	if err := checkWritableDir(req.OutputDirectory); err != nil {
		return req, err
	}

	if req.TargetFormat == domain.FormatAudioOnly {
		req.TargetQuality = ""
		return req, nil
	}

	if req.TargetQuality == "" {
		return req, domain.NewValidationError("target quality is required for %s", req.TargetFormat)
	}
	height, err := domain.ParseQuality(req.TargetQuality)
	if err != nil {
		return req, domain.NewValidationError("%v", err)
	}

	renditions, err := v.Probe(ctx, req.SourceLocator)
	if err != nil {
		return req, err
	}

	for _, h := range domain.VideoHeights(renditions) {
		if h == height {
			req.TargetQuality = domain.QualityLabel(height)
			return req, nil
		}
	}
	return req, domain.NewValidationError("quality %s is not available for %s", req.TargetQuality, req.SourceLocator)
}

// Probe lists renditions, retrying once when the first failure is transient
func (v *RequestValidator) Probe(ctx context.Context, locator string) ([]domain.Rendition, error) {
	renditions, err := v.probeOnce(ctx, locator)
	if err == nil {
		return renditions, nil
	}
	if domain.IsTransient(err) && ctx.Err() == nil {
		v.logger.Warn("Probe failed, retrying once",
			zap.String("locator", locator),
			zap.Error(err))
		renditions, err = v.probeOnce(ctx, locator)
		if err == nil {
			return renditions, nil
		}
	}

	if errors.Is(err, domain.ErrBackendUnavailable) || errors.Is(err, domain.ErrValidation) {
		return nil, err
	}
	return nil, domain.NewBackendUnavailable("failed to probe renditions", err, false)
}

func (v *RequestValidator) probeOnce(ctx context.Context, locator string) ([]domain.Rendition, error) {
	if v.probeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.probeTimeout)
		defer cancel()
	}
	return v.backend.ProbeRenditions(ctx, locator)
}

// checkWritableDir verifies dir exists, is a directory and accepts new files
func checkWritableDir(dir string) error {
	if dir == "" {
		return domain.NewValidationError("output directory is empty")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return domain.NewValidationError("output directory %q does not exist", dir)
	}
	if !info.IsDir() {
		return domain.NewValidationError("output path %q is not a directory", dir)
	}

	probe, err := os.CreateTemp(dir, ".convertmaster-write-*")
	if err != nil {
		return domain.NewValidationError("output directory %q is not writable", dir)
	}
	name := probe.Name()
	probe.Close()
	os.Remove(name)
	return nil
}
