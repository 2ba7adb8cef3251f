// Package gateway selects a modelprovider.Client per agent type and applies
// a shared middleware chain (rate limiting, and any caller-supplied
// cross-cutting concerns) around whichever provider is selected.
package gateway

import (
	"context"
	"errors"

	"github.com/fieldlab/missionctl/internal/modelprovider"
)

// ErrProviderRequired indicates a Server was constructed with no provider
// registered for the requested agent type.
var ErrProviderRequired = errors.New("model gateway: no provider registered for agent type")

type (
	// UnaryHandler processes a single unary model completion request.
	UnaryHandler func(ctx context.Context, req *modelprovider.Request) (*modelprovider.Response, error)

	// StreamHandler processes a streaming model completion request, invoking
	// send for each chunk produced by the selected provider.
	StreamHandler func(ctx context.Context, req *modelprovider.Request, send func(modelprovider.Chunk) error) error

	// UnaryMiddleware wraps a UnaryHandler. Middleware registered first forms
	// the outermost layer.
	UnaryMiddleware func(next UnaryHandler) UnaryHandler

	// StreamMiddleware wraps a StreamHandler. Middleware registered first
	// forms the outermost layer.
	StreamMiddleware func(next StreamHandler) StreamHandler

	// Option configures a Server during construction.
	Option func(*serverConfig)

	serverConfig struct {
		providers map[string]modelprovider.Client
		def       string
		unaryMW   []UnaryMiddleware
		streamMW  []StreamMiddleware
	}

	// Server routes a request to the modelprovider.Client registered for its
	// agent type and runs it through a middleware chain composed once at
	// construction time.
	Server struct {
		providers map[string]modelprovider.Client
		def       string
		unary     map[string]UnaryHandler
		stream    map[string]StreamHandler
	}
)

// WithProvider registers a modelprovider.Client under an agent type name
// (e.g. "researcher", "coder"). The first provider registered also becomes
// the default used when a request names an agent type with no registered
// provider.
func WithProvider(agentType string, p modelprovider.Client) Option {
	return func(c *serverConfig) {
		if c.providers == nil {
			c.providers = make(map[string]modelprovider.Client)
		}
		c.providers[agentType] = p
		if c.def == "" {
			c.def = agentType
		}
	}
}

// WithUnary appends unary middleware applied, in registration order, around
// every provider's Complete call.
func WithUnary(mw ...UnaryMiddleware) Option {
	return func(c *serverConfig) { c.unaryMW = append(c.unaryMW, mw...) }
}

// WithStream appends stream middleware applied, in registration order,
// around every provider's Stream call.
func WithStream(mw ...StreamMiddleware) Option {
	return func(c *serverConfig) { c.streamMW = append(c.streamMW, mw...) }
}

// NewServer constructs a Server from the registered providers and
// middleware. At least one provider must be registered via WithProvider.
func NewServer(opts ...Option) (*Server, error) {
	var cfg serverConfig
	for _, o := range opts {
		o(&cfg)
	}
	if len(cfg.providers) == 0 {
		return nil, ErrProviderRequired
	}
	s := &Server{
		providers: cfg.providers,
		def:       cfg.def,
		unary:     make(map[string]UnaryHandler, len(cfg.providers)),
		stream:    make(map[string]StreamHandler, len(cfg.providers)),
	}
	for agentType, provider := range cfg.providers {
		p := provider
		baseUnary := UnaryHandler(func(ctx context.Context, req *modelprovider.Request) (*modelprovider.Response, error) {
			return p.Complete(ctx, req)
		})
		baseStream := StreamHandler(func(ctx context.Context, req *modelprovider.Request, send func(modelprovider.Chunk) error) error {
			st, err := p.Stream(ctx, req)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()
			for {
				ch, err := st.Recv()
				if err != nil {
					return err
				}
				if err := send(ch); err != nil {
					return err
				}
			}
		})
		unary := baseUnary
		for i := len(cfg.unaryMW) - 1; i >= 0; i-- {
			unary = cfg.unaryMW[i](unary)
		}
		stream := baseStream
		for i := len(cfg.streamMW) - 1; i >= 0; i-- {
			stream = cfg.streamMW[i](stream)
		}
		s.unary[agentType] = unary
		s.stream[agentType] = stream
	}
	return s, nil
}

// Complete routes req to the provider registered for agentType (falling back
// to the default provider when agentType is empty or unregistered) and runs
// it through the unary middleware chain.
func (s *Server) Complete(ctx context.Context, agentType string, req *modelprovider.Request) (*modelprovider.Response, error) {
	handler, ok := s.resolveUnary(agentType)
	if !ok {
		return nil, ErrProviderRequired
	}
	return handler(ctx, req)
}

// Stream routes req to the provider registered for agentType and runs it
// through the stream middleware chain, invoking send for each chunk.
func (s *Server) Stream(ctx context.Context, agentType string, req *modelprovider.Request, send func(modelprovider.Chunk) error) error {
	handler, ok := s.resolveStream(agentType)
	if !ok {
		return ErrProviderRequired
	}
	return handler(ctx, req, send)
}

func (s *Server) resolveUnary(agentType string) (UnaryHandler, bool) {
	if h, ok := s.unary[agentType]; ok {
		return h, true
	}
	h, ok := s.unary[s.def]
	return h, ok
}

func (s *Server) resolveStream(agentType string) (StreamHandler, bool) {
	if h, ok := s.stream[agentType]; ok {
		return h, true
	}
	h, ok := s.stream[s.def]
	return h, ok
}
