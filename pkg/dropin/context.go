package dropin

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"ancs/internal/config"
)

// Context provides dependencies to drop-ins during construction.
type Context struct {
	// Logger is already named after the candidate.
	Logger *zap.Logger

	// Registerer receives the drop-in's metrics. May be nil in tests.
	Registerer prometheus.Registerer

	// Settings is the candidate's configuration file.
	Settings config.DropIn
}

// NewContext creates a construction context.
func NewContext(logger *zap.Logger, reg prometheus.Registerer, settings config.DropIn) *Context {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Context{
		Logger:     logger,
		Registerer: reg,
		Settings:   settings,
	}
}
