// Package middleware holds HTTP middleware shared by zonedesk servers.
//
// RateLimiter throttles WebSocket upgrades per client address so a fleet
// of dashboards reconnecting at once cannot overwhelm the server:
//
//	upgrades := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
//	defer upgrades.Stop()
//	mux.Handle("/ws", upgrades.Middleware(wsHandler))
package middleware
