package reqctx

import "testing"

func TestResolveAuthorityHighestPriorityWins(t *testing.T) {
	a, ok := ResolveAuthority("foo:80", "bar:8080", "baz:8080")
	if !ok || a.Host != "foo" || a.Port != 80 {
		t.Fatalf("got %+v ok=%v", a, ok)
	}
}

func TestResolveAuthoritySkipsInvalidAdditionalAuthority(t *testing.T) {
	a, ok := ResolveAuthority("[::1", "bar:8080", "baz:8080")
	if !ok || a.Host != "bar" || a.Port != 8080 {
		t.Fatalf("got %+v ok=%v", a, ok)
	}
}

func TestResolveAuthorityFallsBackToEndpoint(t *testing.T) {
	a, ok := ResolveAuthority("", "", "baz:8080")
	if !ok || a.Host != "baz" || a.Port != 8080 {
		t.Fatalf("got %+v ok=%v", a, ok)
	}
}

func TestResolveAuthorityIPv6Literal(t *testing.T) {
	a, ok := ResolveAuthority("[::1]:8443")
	if !ok || a.Host != "::1" || a.Port != 8443 {
		t.Fatalf("got %+v ok=%v", a, ok)
	}
}

func TestResolveAuthorityNoCandidatesParse(t *testing.T) {
	_, ok := ResolveAuthority("[::1", "[::2")
	if ok {
		t.Fatal("expected no source to parse")
	}
}

func TestResolveAuthorityBareHostNoPort(t *testing.T) {
	a, ok := ResolveAuthority("baz")
	if !ok || a.Host != "baz" || a.Port != -1 {
		t.Fatalf("got %+v ok=%v", a, ok)
	}
}
