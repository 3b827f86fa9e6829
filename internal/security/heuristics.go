package security

import (
	"fmt"
	"math"
	"net"
	"strings"
	"time"
)

// Finding is a single heuristic observation. Non-authoritative: findings only
// raise the risk score and emit events.
type Finding struct {
	Kind     string
	Severity int
	Detail   string
}

const (
	FindingBlockedCountry   = "blocked_country"
	FindingPrivateRange     = "suspicious_private_range"
	FindingImpossibleTravel = "impossible_travel"
	FindingTimezoneMismatch = "timezone_mismatch"
)

// evaluate runs every heuristic against the observed origin.
func (v *Validator) evaluate(ip string, loc, prev *Location, prevVerified time.Time) []Finding {
	var findings []Finding

	if loc != nil && loc.Country != "" {
		for _, blocked := range v.cfg.BlockedCountries {
			if strings.EqualFold(loc.Country, blocked) {
				findings = append(findings, Finding{
					Kind:     FindingBlockedCountry,
					Severity: 3,
					Detail:   fmt.Sprintf("origin country %s is on the blocked list", loc.Country),
				})
				break
			}
		}
	}

	if suspiciousPrivateRange(ip) {
		findings = append(findings, Finding{
			Kind:     FindingPrivateRange,
			Severity: 1,
			Detail:   fmt.Sprintf("origin %s is in a private range unexpected for a remote login", ip),
		})
	}

	if f := v.travelCheck(loc, prev, prevVerified); f != nil {
		findings = append(findings, *f)
	}

	if loc != nil && prev != nil && loc.Timezone != "" && prev.Timezone != "" && loc.Timezone != prev.Timezone {
		findings = append(findings, Finding{
			Kind:     FindingTimezoneMismatch,
			Severity: 1,
			Detail:   fmt.Sprintf("timezone changed from %s to %s", prev.Timezone, loc.Timezone),
		})
	}

	return findings
}

// travelCheck flags origins whose implied velocity since the last verified
// location exceeds the configured km/h ceiling.
func (v *Validator) travelCheck(loc, prev *Location, prevVerified time.Time) *Finding {
	if loc == nil || prev == nil || prevVerified.IsZero() {
		return nil
	}
	if loc.Latitude == 0 && loc.Longitude == 0 {
		return nil
	}
	elapsed := v.now().Sub(prevVerified)
	if elapsed <= 0 {
		elapsed = time.Second
	}
	km := haversineKm(prev.Latitude, prev.Longitude, loc.Latitude, loc.Longitude)
	speed := km / elapsed.Hours()
	if speed <= v.cfg.MaxTravelKmh {
		return nil
	}
	return &Finding{
		Kind:     FindingImpossibleTravel,
		Severity: 3,
		Detail:   fmt.Sprintf("%.0f km in %s implies %.0f km/h (ceiling %.0f)", km, elapsed.Round(time.Minute), speed, v.cfg.MaxTravelKmh),
	}
}

// haversineKm is the great-circle distance between two coordinates.
func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKm = 6371.0
	rad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := rad(lat2 - lat1)
	dLon := rad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// suspiciousPrivateRange flags link-local and carrier-grade NAT origins.
// Plain RFC1918 addresses are common behind home routers and not flagged.
func suspiciousPrivateRange(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	if parsed.IsLinkLocalUnicast() || parsed.IsLinkLocalMulticast() {
		return true
	}
	return cgnRange.Contains(parsed)
}

// 100.64.0.0/10, shared address space
var cgnRange = net.IPNet{IP: net.IPv4(100, 64, 0, 0), Mask: net.CIDRMask(10, 32)}
