// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oidcserver

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/stacklok/oidcserver/pkg/oidcserver/provider"
)

// endpointMetrics counts requests and protocol errors per endpoint.
type endpointMetrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
}

// newEndpointMetrics builds the counters and registers them when a
// registerer is supplied. With a nil registerer the counters still work but
// are not exported.
func newEndpointMetrics(reg prometheus.Registerer) *endpointMetrics {
	m := &endpointMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oidcserver_requests_total",
			Help: "Protocol endpoint requests handled by the authorization server.",
		}, []string{"endpoint"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oidcserver_errors_total",
			Help: "Protocol errors emitted by the authorization server.",
		}, []string{"endpoint", "error"}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.errors)
	}
	return m
}

func (m *endpointMetrics) observeRequest(endpoint provider.Endpoint) {
	m.requests.WithLabelValues(endpointName(endpoint)).Inc()
}

func (m *endpointMetrics) observeError(endpoint provider.Endpoint, code string) {
	m.errors.WithLabelValues(endpointName(endpoint), code).Inc()
}

func endpointName(endpoint provider.Endpoint) string {
	switch endpoint {
	case provider.EndpointAuthorization:
		return "authorization"
	case provider.EndpointToken:
		return "token"
	case provider.EndpointValidation:
		return "validation"
	case provider.EndpointProfile:
		return "profile"
	case provider.EndpointLogout:
		return "logout"
	case provider.EndpointConfiguration:
		return "configuration"
	case provider.EndpointCryptography:
		return "cryptography"
	default:
		return "none"
	}
}
