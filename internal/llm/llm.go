// Package llm is the boundary to the hosted model that grades answers.
package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
)

// Generator produces text for a prompt, optionally looking at one image.
type Generator interface {
	Generate(ctx context.Context, prompt string, image *Image) (string, error)
	// Ping checks that the credential is accepted by the provider.
	Ping(ctx context.Context) error
	Name() string
}

// Image is an uploaded answer attachment.
type Image struct {
	Data     []byte
	MIMEType string
}

// DataURL encodes the image as a base64 data URL.
func (img *Image) DataURL() string {
	return "data:" + img.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}

// ProviderConfig carries what a provider needs to build a client.
// APIKey is the per-user credential taken from the session.
type ProviderConfig struct {
	APIKey     string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
}

// Factory creates a Generator for one credential.
type Factory func(cfg ProviderConfig) (Generator, error)

var (
	mu        sync.RWMutex
	providers = make(map[string]Factory)
)

// Register makes a provider available under name.
func Register(name string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	providers[name] = factory
}

// New creates a Generator of the named provider.
func New(name string, cfg ProviderConfig) (Generator, error) {
	factory, err := Lookup(name)
	if err != nil {
		return nil, err
	}
	return factory(cfg)
}

// Lookup returns the factory registered under name.
func Lookup(name string) (Factory, error) {
	mu.RLock()
	defer mu.RUnlock()
	factory, ok := providers[name]
	if !ok {
		return nil, fmt.Errorf("unsupported provider: %s", name)
	}
	return factory, nil
}

// Providers lists the registered provider names.
func Providers() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ProviderError is an error reported by a provider, tagged with a code.
type ProviderError struct {
	Provider string
	Code     string
	Message  string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return e.Provider + " error: " + e.Message + " (" + e.Err.Error() + ")"
	}
	return e.Provider + " error: " + e.Message
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Error codes shared by all providers.
const (
	ErrCodeAPIKey       = "invalid_api_key"
	ErrCodeRateLimit    = "rate_limit_exceeded"
	ErrCodeServiceDown  = "service_unavailable"
	ErrCodeInvalidInput = "invalid_input"
	ErrCodeTimeout      = "timeout"
)

// ErrorCode returns the code of a ProviderError in err's chain, or "".
func ErrorCode(err error) string {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// Classify wraps a transport or API error into a ProviderError.
func Classify(provider, message string, err error) *ProviderError {
	return &ProviderError{
		Provider: provider,
		Code:     classifyCode(err),
		Message:  message,
		Err:      err,
	}
}

func classifyCode(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrCodeTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"),
		strings.Contains(msg, "resource_exhausted"),
		strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "quota"):
		return ErrCodeRateLimit
	case strings.Contains(msg, "401"),
		strings.Contains(msg, "403"),
		strings.Contains(msg, "api_key_invalid"),
		strings.Contains(msg, "api key not valid"),
		strings.Contains(msg, "incorrect api key"),
		strings.Contains(msg, "permission_denied"),
		strings.Contains(msg, "unauthenticated"):
		return ErrCodeAPIKey
	case strings.Contains(msg, "400"),
		strings.Contains(msg, "invalid_argument"):
		return ErrCodeInvalidInput
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline"):
		return ErrCodeTimeout
	default:
		return ErrCodeServiceDown
	}
}
