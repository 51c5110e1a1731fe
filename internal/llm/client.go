package llm

import (
	"context"
	"fmt"

	"github.com/novasolve/ci-auto-rescue-sub001/internal/providerspec"
)

type ProviderAdapter interface {
	Name() string
	Complete(ctx context.Context, req Request) (Response, error)
	Stream(ctx context.Context, req Request) (Stream, error)
}

type Client struct {
	providers       map[string]ProviderAdapter
	defaultProvider string
	middleware      []Middleware
}

func NewClient() *Client {
	return &Client{providers: map[string]ProviderAdapter{}}
}

func (c *Client) Register(adapter ProviderAdapter) {
	if c.providers == nil {
		c.providers = map[string]ProviderAdapter{}
	}
	c.providers[adapter.Name()] = adapter
	if c.defaultProvider == "" {
		c.defaultProvider = adapter.Name()
	}
}

func (c *Client) SetDefaultProvider(name string) {
	c.defaultProvider = name
}

func (c *Client) ProviderNames() []string {
	if c == nil || len(c.providers) == 0 {
		return nil
	}
	out := make([]string, 0, len(c.providers))
	for k := range c.providers {
		out = append(out, k)
	}
	return out
}

func (c *Client) Complete(ctx context.Context, req Request) (Response, error) {
	if err := req.Validate(); err != nil {
		return Response{}, err
	}
	prov := req.Provider
	if prov == "" {
		prov = c.defaultProvider
	}
	if prov == "" {
		return Response{}, &ConfigurationError{Message: "no provider specified and no default provider configured"}
	}
	prov = normalizeProviderName(prov)
	adapter, ok := c.providers[prov]
	if !ok {
		return Response{}, &ConfigurationError{Message: fmt.Sprintf("unknown provider: %s", prov)}
	}
	req.Provider = prov

	base := func(ctx context.Context, req Request) (Response, error) {
		return adapter.Complete(ctx, req)
	}
	handler := applyMiddlewareComplete(base, c.middleware)
	return handler(ctx, req)
}

func (c *Client) Stream(ctx context.Context, req Request) (Stream, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	prov := req.Provider
	if prov == "" {
		prov = c.defaultProvider
	}
	if prov == "" {
		return nil, &ConfigurationError{Message: "no provider specified and no default provider configured"}
	}
	prov = normalizeProviderName(prov)
	adapter, ok := c.providers[prov]
	if !ok {
		return nil, &ConfigurationError{Message: fmt.Sprintf("unknown provider: %s", prov)}
	}
	req.Provider = prov

	base := func(ctx context.Context, req Request) (Stream, error) {
		return adapter.Stream(ctx, req)
	}
	handler := applyMiddlewareStream(base, c.middleware)
	return handler(ctx, req)
}

// Use appends middleware to the client. Middleware is applied in registration order
// for the request phase and in reverse order for the response/event phases.
func (c *Client) Use(mw ...Middleware) {
	if c == nil {
		return
	}
	c.middleware = append(c.middleware, mw...)
}

func normalizeProviderName(name string) string {
	return providerspec.CanonicalProviderKey(name)
}

// EnvAdapterFactory constructs a ProviderAdapter from ambient environment variables.
// It returns ok=false when the provider's required credentials are absent (not an
// error — just "not configured"), and a non-nil error only when credentials are
// present but construction otherwise fails.
type EnvAdapterFactory func() (adapter ProviderAdapter, ok bool, err error)

var envAdapterFactories []EnvAdapterFactory

// RegisterEnvAdapterFactory is called from each provider package's init() so that
// importing the provider package (even with a blank import) makes it available to
// NewFromEnv without the llm package needing to know concrete provider types.
func RegisterEnvAdapterFactory(f EnvAdapterFactory) {
	envAdapterFactories = append(envAdapterFactories, f)
}

// NewFromEnv builds a Client and registers every provider whose credentials are
// present in the environment. The first adapter registered becomes the default
// provider; callers that want a specific default should call SetDefaultProvider.
// Returns a ConfigurationError if no provider could be constructed.
func NewFromEnv() (*Client, error) {
	c := NewClient()
	var errs []string
	registered := 0
	for _, f := range envAdapterFactories {
		adapter, ok, err := f()
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		if !ok {
			continue
		}
		c.Register(adapter)
		registered++
	}
	if registered == 0 {
		msg := "no provider credentials found in environment"
		if len(errs) > 0 {
			msg += ": " + fmt.Sprint(errs)
		}
		return nil, &ConfigurationError{Message: msg}
	}
	return c, nil
}
