package dnsresolver

import "strings"

// candidateNames expands host into the ordered list of fully-qualified
// names to try. A name with a trailing dot is already fully qualified and
// tried alone; a name with at least Ndots dots is tried verbatim first,
// then with each search domain appended; a name with fewer dots skips
// straight to the search list.
func candidateNames(host string, ndots int, searchDomains []string) []string {
	if strings.HasSuffix(host, ".") {
		return []string{strings.TrimSuffix(host, ".")}
	}

	dots := strings.Count(host, ".")
	var names []string
	if dots >= ndots {
		names = append(names, host)
	}
	for _, suffix := range searchDomains {
		suffix = strings.TrimSuffix(suffix, ".")
		if suffix == "" {
			continue
		}
		names = append(names, host+"."+suffix)
	}
	if dots < ndots && len(searchDomains) == 0 {
		// nothing configured to expand into: fall back to verbatim
		names = append(names, host)
	}
	return names
}
