package main

import "strings"

// splitBootstrap parses a comma-separated list of bootstrap endpoints,
// skipping empty entries so a trailing comma or an unset flag both yield
// an empty slice rather than a slice containing "".
func splitBootstrap(csv string) []string {
	if csv == "" {
		return nil
	}
	var out []string
	for _, ep := range strings.Split(csv, ",") {
		ep = strings.TrimSpace(ep)
		if ep != "" {
			out = append(out, ep)
		}
	}
	return out
}
