package probing

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Resolver is the DNS lookup dependency, shaped after net.Resolver.
type Resolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

// Matcher is the CIDR blacklist dependency.
type Matcher interface {
	Matches(value string) bool
}

// Expander turns (urls x host headers x directories) into a deduplicated
// combination list. State, including the run-wide IP dedup set, is scoped to
// one Expand call; construct a fresh Expander per run.
type Expander struct {
	Resolver       Resolver
	Blacklist      Matcher
	ResolveAll     bool
	ApplyBlacklist bool
	SkipDNS        bool
	Log            Logf
}

// Expansion is the expander output: combinations to probe over HTTP, plus
// combinations routed to the synthetic blacklisted result path.
type Expansion struct {
	Combos      []Combination
	Blacklisted []Combination
}

// Total counts every expanded case, HTTP and synthetic alike.
func (e *Expansion) Total() int { return len(e.Combos) + len(e.Blacklisted) }

func (x *Expander) resolver() Resolver {
	if x.Resolver != nil {
		return x.Resolver
	}
	return net.DefaultResolver
}

// Expand builds the combination list for one run.
func (x *Expander) Expand(ctx context.Context, urls, hostHeaders, directories []string) *Expansion {
	exp := &Expansion{}
	comboKeys := make(map[[2]string]struct{})
	blacklistKeys := make(map[[2]string]struct{})
	globalSeenIPs := make(map[string]struct{})

	directoryList := prepareDirectories(directories)
	headers := make([]string, 0, len(hostHeaders))
	for _, h := range hostHeaders {
		if h = strings.TrimSpace(h); h != "" {
			headers = append(headers, h)
		}
	}

	for _, candidate := range urls {
		originalURL := strings.TrimSpace(candidate)
		if originalURL == "" {
			continue
		}

		parsed, err := url.Parse(originalURL)
		if err != nil || parsed.Hostname() == "" || parsed.Scheme == "" {
			x.Log.printf(fmt.Sprintf("Skipping %s, invalid URL without hostname/scheme.", originalURL))
			continue
		}
		hostname := parsed.Hostname()

		if x.SkipDNS {
			x.expandDirect(parsed, originalURL, hostname, headers, directoryList, exp, comboKeys, blacklistKeys)
			continue
		}

		resolved := x.resolveHostIPs(ctx, hostname)

		// Global dedup across all hostnames: each IP is requested at most
		// once per run, no matter how many hosts point at it.
		filtered := resolved[:0]
		for _, ip := range resolved {
			if _, seen := globalSeenIPs[ip]; seen {
				continue
			}
			globalSeenIPs[ip] = struct{}{}
			filtered = append(filtered, ip)
		}
		resolved = filtered
		if len(resolved) == 0 {
			x.Log.printf(fmt.Sprintf("Skipping %s, no DNS records left after global dedup.", originalURL))
			continue
		}

		mode := "first A/AAAA"
		if x.ResolveAll {
			mode = "all"
		}
		x.Log.printf(fmt.Sprintf("DNS resolution for %s: %s (mode: %s)", hostname, strings.Join(resolved, ", "), mode))

		if x.ApplyBlacklist && x.anyBlacklisted(resolved) {
			x.Log.printf(fmt.Sprintf("Skipping %s, resolved IP is on the blacklist.", originalURL))
			resolvedURLs := buildResolvedURLs(parsed, resolved)
			expanded := expandWithDirectories(resolvedURLs, directoryList)
			for _, finalURL := range expanded {
				effectiveHost := urlHostname(finalURL, hostname)
				for _, host := range targetHosts(headers, hostname) {
					hostValue := host
					if hostValue == "" {
						hostValue = effectiveHost
					}
					key := [2]string{finalURL, hostValue}
					if _, dup := blacklistKeys[key]; dup {
						continue
					}
					blacklistKeys[key] = struct{}{}
					exp.Blacklisted = append(exp.Blacklisted, Combination{
						RequestURL:       finalURL,
						HostHeader:       hostValue,
						OriginalHostname: hostname,
						OriginalURL:      originalURL,
					})
				}
			}
			continue
		}

		resolvedURLs := buildResolvedURLs(parsed, resolved)
		expanded := expandWithDirectories(resolvedURLs, directoryList)
		for _, finalURL := range expanded {
			for _, host := range targetHosts(headers, hostname) {
				hostValue := host
				if hostValue == "" {
					hostValue = urlHostname(finalURL, hostname)
				}
				key := [2]string{finalURL, hostValue}
				if _, dup := comboKeys[key]; dup {
					continue
				}
				comboKeys[key] = struct{}{}
				exp.Combos = append(exp.Combos, Combination{
					RequestURL:       finalURL,
					HostHeader:       hostValue,
					OriginalHostname: hostname,
					OriginalURL:      originalURL,
				})
			}
		}
	}

	return exp
}

// expandDirect handles skip-DNS mode: no resolution, the blacklist is tested
// against the literal host string of each expanded URL.
func (x *Expander) expandDirect(
	parsed *url.URL,
	originalURL, hostname string,
	headers, directoryList []string,
	exp *Expansion,
	comboKeys, blacklistKeys map[[2]string]struct{},
) {
	expanded := expandWithDirectories([]string{originalURL}, directoryList)
	hosts := targetHosts(headers, hostname)
	for _, finalURL := range expanded {
		effectiveHost := urlHostname(finalURL, hostname)
		if x.ApplyBlacklist && x.Blacklist != nil && x.Blacklist.Matches(effectiveHost) {
			x.Log.printf(fmt.Sprintf("Skipping %s, host %s is on the blacklist.", finalURL, effectiveHost))
			for _, host := range hosts {
				hostValue := host
				if hostValue == "" {
					hostValue = effectiveHost
				}
				key := [2]string{finalURL, hostValue}
				if _, dup := blacklistKeys[key]; dup {
					continue
				}
				blacklistKeys[key] = struct{}{}
				exp.Blacklisted = append(exp.Blacklisted, Combination{
					RequestURL:       finalURL,
					HostHeader:       hostValue,
					OriginalHostname: hostname,
					OriginalURL:      originalURL,
				})
			}
			continue
		}
		for _, host := range hosts {
			hostValue := host
			if hostValue == "" {
				hostValue = effectiveHost
			}
			key := [2]string{finalURL, hostValue}
			if _, dup := comboKeys[key]; dup {
				continue
			}
			comboKeys[key] = struct{}{}
			exp.Combos = append(exp.Combos, Combination{
				RequestURL:       finalURL,
				HostHeader:       hostValue,
				OriginalHostname: hostname,
				OriginalURL:      originalURL,
			})
		}
	}
}

func (x *Expander) anyBlacklisted(ips []string) bool {
	if x.Blacklist == nil {
		return false
	}
	for _, ip := range ips {
		if x.Blacklist.Matches(ip) {
			return true
		}
	}
	return false
}

// resolveHostIPs returns an ordered, deduplicated A/AAAA list, limited to
// the first address per family unless ResolveAll is set.
func (x *Expander) resolveHostIPs(ctx context.Context, host string) []string {
	ips, err := x.resolver().LookupIP(ctx, "ip", host)
	if err != nil {
		x.Log.printf(fmt.Sprintf("DNS resolution failed for %s: %v", host, err))
		return nil
	}

	ordered := make([]string, 0, len(ips))
	seen := make(map[string]struct{}, len(ips))
	for _, ip := range ips {
		s := ip.String()
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		ordered = append(ordered, s)
	}

	if x.ResolveAll || len(ordered) == 0 {
		return ordered
	}

	var firstV4, firstV6 string
	for _, ip := range ordered {
		if strings.Contains(ip, ":") {
			if firstV6 == "" {
				firstV6 = ip
			}
		} else if firstV4 == "" {
			firstV4 = ip
		}
		if firstV4 != "" && firstV6 != "" {
			break
		}
	}

	limited := make([]string, 0, 2)
	if firstV4 != "" {
		limited = append(limited, firstV4)
	}
	if firstV6 != "" {
		limited = append(limited, firstV6)
	}
	if len(limited) == 0 {
		return ordered[:1]
	}
	return limited
}

func targetHosts(headers []string, hostname string) []string {
	if len(headers) > 0 {
		return headers
	}
	return []string{hostname}
}

// buildResolvedURLs substitutes each IP into the URL's host part, keeping
// userinfo and port, bracketing IPv6 literals.
func buildResolvedURLs(parsed *url.URL, ips []string) []string {
	out := make([]string, 0, len(ips))
	for _, ip := range ips {
		u := *parsed
		hostPart := ip
		if strings.Contains(ip, ":") {
			hostPart = "[" + ip + "]"
		}
		if port := parsed.Port(); port != "" {
			hostPart += ":" + port
		}
		u.Host = hostPart
		out = append(out, u.String())
	}
	return out
}

// expandWithDirectories replaces each URL's path with every directory,
// stripping query and fragment.
func expandWithDirectories(urls, directories []string) []string {
	out := make([]string, 0, len(urls)*len(directories))
	for _, raw := range urls {
		parsed, err := url.Parse(raw)
		if err != nil {
			continue
		}
		for _, dir := range directories {
			u := *parsed
			u.Path = dir
			u.RawPath = ""
			u.RawQuery = ""
			u.Fragment = ""
			out = append(out, u.String())
		}
	}
	return out
}

func prepareDirectories(directories []string) []string {
	var prepared []string
	for _, value := range directories {
		dir := strings.TrimSpace(value)
		if dir == "" {
			continue
		}
		if !strings.HasPrefix(dir, "/") {
			dir = "/" + dir
		}
		prepared = append(prepared, dir)
	}
	if len(prepared) == 0 {
		return []string{"/"}
	}
	return prepared
}

func urlHostname(raw, fallback string) string {
	if parsed, err := url.Parse(raw); err == nil && parsed.Hostname() != "" {
		return parsed.Hostname()
	}
	return fallback
}
