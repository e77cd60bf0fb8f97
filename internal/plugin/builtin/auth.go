package builtin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	gwerrors "github.com/gantry-llm/gantry/pkg/errors"
	"github.com/gantry-llm/gantry/internal/identity"
	"github.com/gantry-llm/gantry/internal/plugin"
)

// authPlugin validates the caller credential before anything else runs.
// Configure it with priority 1 so no other plugin sees unauthenticated
// requests. A missing or rejected credential terminates with 401.
type authPlugin struct {
	validator identity.Validator
	logger    *slog.Logger
	header    string
}

func newAuthPlugin(validator identity.Validator, logger *slog.Logger) *authPlugin {
	return &authPlugin{
		validator: validator,
		logger:    logger,
		header:    "Authorization",
	}
}

func (p *authPlugin) Name() string { return "auth" }

func (p *authPlugin) Configure(settings map[string]any) error {
	p.header = settingString(settings, "header", p.header)
	if p.validator == nil {
		return errors.New("auth: no identity validator wired")
	}
	return nil
}

func (p *authPlugin) BeforeModel(ctx context.Context, rc *plugin.RequestContext) *plugin.Result {
	credential := p.extractCredential(rc)
	if credential == "" {
		return plugin.Abort(http.StatusUnauthorized,
			gwerrors.NewPipelineAbortedError(http.StatusUnauthorized, "missing credential"))
	}

	caller, err := p.validator.Validate(ctx, credential)
	if err != nil {
		if !errors.Is(err, identity.ErrInvalidCredential) {
			p.logger.Error("identity validation failed", "error", err, "request_id", rc.RequestID)
		}
		return plugin.Abort(http.StatusUnauthorized,
			gwerrors.NewPipelineAbortedError(http.StatusUnauthorized, "invalid credential"))
	}

	mutated := rc.Clone()
	mutated.Caller = caller
	return &plugin.Result{Success: true, Context: mutated}
}

func (p *authPlugin) extractCredential(rc *plugin.RequestContext) string {
	if rc.Headers == nil {
		return ""
	}
	value := rc.Headers.Get(p.header)
	if strings.HasPrefix(value, "Bearer ") {
		return strings.TrimPrefix(value, "Bearer ")
	}
	if value != "" {
		return value
	}
	return rc.Headers.Get("x-api-key")
}
