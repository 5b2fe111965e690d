package gate

import (
	"net/http"
	"strings"
)

type Route int

const (
	RouteFree Route = iota
	RouteProvision
	RouteRenew
	RouteManagement
)

func (r Route) String() string {
	switch r {
	case RouteProvision:
		return "provision"
	case RouteRenew:
		return "renew"
	case RouteManagement:
		return "management"
	}
	return "free"
}

func (r Route) description() string {
	switch r {
	case RouteProvision:
		return "Provision an LXC container lease"
	case RouteRenew:
		return "Renew an LXC container lease"
	}
	return "Container management call"
}

// Classify decides which fee schedule, if any, applies to a request.
func Classify(method, path string) Route {
	path = "/" + strings.Trim(path, "/")
	if method == http.MethodPost {
		if path == "/lease/container" {
			return RouteProvision
		}
		if parts := strings.Split(path, "/"); len(parts) == 4 && parts[1] == "lease" && parts[3] == "renew" && parts[2] != "" {
			return RouteRenew
		}
	}
	if strings.HasPrefix(path, "/management/") ||
		strings.Contains(path, "/console") ||
		strings.Contains(path, "/command") {
		return RouteManagement
	}
	return RouteFree
}
