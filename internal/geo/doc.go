// ABOUTME: Package geo resolves client IP addresses to coarse locations for notifications
// ABOUTME: Lookups are best effort; callers substitute a placeholder on error

// Package geo resolves an IP address to a "city, region, country" string.
//
// Client queries an ip-api.com compatible HTTP endpoint. CachedLocator
// puts a Cache in front of it: MemoryCache for a single process or
// RedisCache when several relays share lookups.
package geo
