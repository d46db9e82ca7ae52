// Package httpx contains small helpers for the http standard library.
package httpx

import (
	"net/http"
	"time"
)

// RoundTripperFunc is an adapter to use ordinary functions as http.RoundTripper.
type RoundTripperFunc func(r *http.Request) (*http.Response, error)

// RoundTrip proxies call to the wrapped function.
func (f RoundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

// NewClient makes an http client with the given per-request timeout.
// The timeout bounds the whole exchange, including the body read.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}
