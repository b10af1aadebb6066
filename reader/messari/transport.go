package messari

import "net/http"

// headerTransport stamps the outgoing User-Agent and, when configured, the
// Messari API key header on every request.
type headerTransport struct {
	agent  string
	apiKey string
	base   http.RoundTripper
}

func (t headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if t.agent != "" {
		req.Header.Set("User-Agent", t.agent)
	}
	if t.apiKey != "" {
		req.Header.Set("x-messari-api-key", t.apiKey)
	}
	return t.base.RoundTrip(req)
}
