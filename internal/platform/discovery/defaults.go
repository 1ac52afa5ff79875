// Package discovery centralizes in-network address conventions for cacheline
// services.
package discovery

import (
	"strconv"
	"strings"
)

// ServiceSyncHub is the sync hub service identity.
const ServiceSyncHub = "synchub"

var grpcPorts = map[string]int{
	ServiceSyncHub: 8096,
}

var httpPorts = map[string]int{
	ServiceSyncHub: 8095,
}

// DefaultGRPCAddr returns the canonical in-network gRPC address for a service.
func DefaultGRPCAddr(service string) string {
	return defaultAddr(strings.TrimSpace(service), grpcPorts)
}

// DefaultHTTPAddr returns the canonical in-network HTTP address for a service.
func DefaultHTTPAddr(service string) string {
	return defaultAddr(strings.TrimSpace(service), httpPorts)
}

// OrDefaultHubURL returns value when set, otherwise ws://<synchub:port>.
func OrDefaultHubURL(value string) string {
	value = strings.TrimSpace(value)
	if value != "" {
		return value
	}
	return "ws://" + DefaultHTTPAddr(ServiceSyncHub)
}

func defaultAddr(service string, ports map[string]int) string {
	port, ok := ports[service]
	if !ok || port <= 0 {
		return ""
	}
	return service + ":" + strconv.Itoa(port)
}
