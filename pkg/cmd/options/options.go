package options

import (
	"context"

	log "github.com/rs/zerolog"
)

// CommonOptions carries the state every subcommand shares: a
// cancelable root context and a logger whose level a subcommand's own
// --log-level flag adjusts before running.
type CommonOptions struct {
	Ctx      context.Context
	Logger   log.Logger
	LogLevel string
	Debug    bool
}

type Option func(o *CommonOptions)

func NewCommonOptions(opts ...Option) *CommonOptions {
	o := new(CommonOptions)
	for _, f := range opts {
		f(o)
	}

	return o
}

func WithContext(ctx context.Context) Option {
	return func(o *CommonOptions) {
		o.Ctx = ctx
	}
}

func WithLogger(logger log.Logger) Option {
	return func(o *CommonOptions) {
		o.Logger = logger
	}
}
