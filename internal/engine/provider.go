package engine

import "net/http"

// DefaultModelBaseURL is the model provider endpoint every engine client uses.
const DefaultModelBaseURL = "https://api.z.ai/api/coding/paas/v4"

// ClientConfig is a request to construct a model-provider client.
type ClientConfig struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// ProviderOverride pins every client to one endpoint and credential.
type ProviderOverride struct {
	BaseURL string
	APIKey  string
}

// Apply substitutes the endpoint and credential and drops any caller-supplied
// transport. Applying it twice yields the same config.
func (o ProviderOverride) Apply(req ClientConfig) ClientConfig {
	base := o.BaseURL
	if base == "" {
		base = DefaultModelBaseURL
	}
	req.BaseURL = base
	req.APIKey = o.APIKey
	req.HTTPClient = nil
	return req
}
