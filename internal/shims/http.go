package shims

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/dop251/goja"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/enclavekit/enclave/internal/membrane"
)

// HostDeniedError signals a request to a host absent from the allow list.
type HostDeniedError struct {
	Host string
}

func (e *HostDeniedError) Error() string {
	return fmt.Sprintf("host denied: %s", e.Host)
}

// HTTPConfig bounds the outbound HTTP surface.
type HTTPConfig struct {
	// AllowHosts lists permitted hostnames (without port). Empty denies
	// everything.
	AllowHosts []string

	// RequestsPerSecond and Burst feed the shared limiter.
	RequestsPerSecond float64
	Burst             int

	// Timeout bounds a single request.
	Timeout time.Duration
}

// Response is the reduced view handed to guests.
type Response struct {
	Status int    `json:"status"`
	Body   string `json:"body"`
}

// HTTP is the outbound HTTP shim: GET only, host allow-list, shared rate
// limiter across every sandbox it is installed into.
type HTTP struct {
	client  *resty.Client
	limiter *rate.Limiter
	allow   map[string]struct{}
}

// NewHTTP creates the shim.
func NewHTTP(cfg HTTPConfig) *HTTP {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	allow := make(map[string]struct{}, len(cfg.AllowHosts))
	for _, h := range cfg.AllowHosts {
		allow[h] = struct{}{}
	}
	return &HTTP{
		client:  resty.New().SetTimeout(cfg.Timeout),
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		allow:   allow,
	}
}

// Get fetches a URL after the allow-list and rate-limit checks.
func (h *HTTP) Get(ctx context.Context, rawURL string) (*Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	host := u.Hostname()
	if host == "" {
		host = u.Host
	}
	if _, ok := h.allow[host]; !ok {
		// Also accept an allow entry carrying the port.
		if _, ok := h.allow[net.JoinHostPort(host, u.Port())]; !ok {
			return nil, &HostDeniedError{Host: host}
		}
	}
	if err := h.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := h.client.R().SetContext(ctx).Get(rawURL)
	if err != nil {
		return nil, err
	}
	return &Response{Status: resp.StatusCode(), Body: string(resp.Body())}, nil
}

// Object builds the host object served for the http builtin. Guest calls
// block the execution turn; failures surface as ordinary guest errors.
func (h *HTTP) Object(vm *goja.Runtime) (*goja.Object, error) {
	obj := vm.NewObject()
	get := func(call goja.FunctionCall) goja.Value {
		resp, err := h.Get(context.Background(), call.Argument(0).String())
		if err != nil {
			panic(vm.NewGoError(err))
		}
		out := vm.NewObject()
		if err := out.Set("status", resp.Status); err != nil {
			panic(vm.NewGoError(err))
		}
		if err := out.Set("body", resp.Body); err != nil {
			panic(vm.NewGoError(err))
		}
		return out
	}
	if err := obj.Set("get", get); err != nil {
		return nil, err
	}
	return obj, nil
}

// Options returns the membrane options the http builtin is registered
// with.
func (h *HTTP) Options() *membrane.Options {
	return &membrane.Options{Name: "http", Freeze: true}
}
