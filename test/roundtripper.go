package test

import "net/http"

// RoundTripFunc adapts a function to an [http.RoundTripper].
type RoundTripFunc func(*http.Request) (*http.Response, error)

// RoundTrip implements [http.RoundTripper].
func (f RoundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// FailingClient returns an [http.Client] whose every request fails with
// "err" before reaching the network.
func FailingClient(err error) *http.Client {
	return &http.Client{
		Transport: RoundTripFunc(func(*http.Request) (*http.Response, error) {
			return nil, err
		}),
	}
}
