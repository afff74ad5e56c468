package transport

import (
	"context"
	"strings"

	"github.com/goliatone/go-ingest/core"
	"github.com/goliatone/go-ingest/credentials"
)

// Pipeline composes the outbound call path for one connector instance:
// token bucket, credential stamping, retry policy, and status mapping. The
// paginators and connectors call through here so every request observes the
// same discipline.
type Pipeline struct {
	Adapter       core.TransportAdapter
	Limiter       core.RateLimiter
	Retrier       core.Retrier
	Credentials   core.CredentialProvider
	CredentialRef string
}

// Do executes one request. On 429 the source bucket is drained for the
// upstream hint; on 401 the credential lease is invalidated before the next
// attempt so the retry acquires a fresh one.
func (p *Pipeline) Do(ctx context.Context, req core.TransportRequest) (core.TransportResponse, error) {
	if p == nil || p.Adapter == nil {
		return core.TransportResponse{}, core.NewInternalError("transport: pipeline requires an adapter")
	}

	attempt := func(ctx context.Context) (core.TransportResponse, error) {
		if p.Limiter != nil {
			if err := p.Limiter.Acquire(ctx, req.SourceKey); err != nil {
				return core.TransportResponse{}, err
			}
		}

		resolved := req
		if p.Credentials != nil && strings.TrimSpace(p.CredentialRef) != "" {
			credential, err := p.Credentials.Acquire(ctx, p.CredentialRef)
			if err != nil {
				return core.TransportResponse{}, err
			}
			headers := make(map[string]string, len(req.Headers)+1)
			for key, value := range req.Headers {
				headers[key] = value
			}
			credentials.Apply(credential, headers)
			resolved.Headers = headers
		}

		res, err := p.Adapter.Do(ctx, resolved)
		if err != nil {
			return core.TransportResponse{}, err
		}
		if statusErr := MapStatusError(res); statusErr != nil {
			p.reactToFailure(ctx, req.SourceKey, statusErr)
			return core.TransportResponse{}, statusErr
		}
		return res, nil
	}

	// A rejected credential gets one second chance with a fresh lease; the
	// invalidation in reactToFailure forces the re-acquire.
	attemptWithReauth := func(ctx context.Context) (core.TransportResponse, error) {
		res, err := attempt(ctx)
		if err != nil && core.Kind(err) == core.IngestErrorAuth && !core.IsRetryable(err) {
			return attempt(ctx)
		}
		return res, err
	}

	if p.Retrier == nil {
		return attemptWithReauth(ctx)
	}

	var res core.TransportResponse
	err := p.Retrier.Run(ctx, "transport."+strings.ToLower(p.Adapter.Kind()), func(ctx context.Context) error {
		var attemptErr error
		res, attemptErr = attemptWithReauth(ctx)
		return attemptErr
	})
	if err != nil {
		return core.TransportResponse{}, err
	}
	return res, nil
}

func (p *Pipeline) reactToFailure(ctx context.Context, sourceKey string, err error) {
	switch core.Kind(err) {
	case core.IngestErrorRateLimited:
		if p.Limiter != nil {
			if hint, ok := core.RetryAfter(err); ok {
				p.Limiter.Drain(sourceKey, hint)
			}
		}
	case core.IngestErrorAuth:
		if p.Credentials != nil && strings.TrimSpace(p.CredentialRef) != "" {
			p.Credentials.Invalidate(ctx, p.CredentialRef)
		}
	}
}
