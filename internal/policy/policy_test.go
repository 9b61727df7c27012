package policy

import "testing"

func TestDefault_AllowsEverything(t *testing.T) {
	p := Default()
	if !p.AllowHTTPURL("https://huggingface.co/repo/model.gguf") {
		t.Fatal("expected default policy to allow any host")
	}
	if !p.AllowPath("/anywhere/at/all") {
		t.Fatal("expected default policy to allow any path")
	}
}

func TestAllowHTTPURL_HostAllowList(t *testing.T) {
	p := Policy{AllowHosts: []string{"huggingface.co"}}
	cases := []struct {
		url  string
		want bool
	}{
		{"https://huggingface.co/repo/model.gguf", true},
		{"https://cdn-lfs.huggingface.co/repo/model.gguf", true},
		{"https://evil.example.com/model.gguf", false},
		{"ftp://huggingface.co/model.gguf", false},
		{"not a url", false},
	}
	for _, tc := range cases {
		if got := p.AllowHTTPURL(tc.url); got != tc.want {
			t.Errorf("AllowHTTPURL(%q) = %v, want %v", tc.url, got, tc.want)
		}
	}
}

func TestAllowHTTPURL_SuffixMatch(t *testing.T) {
	p := Policy{AllowHosts: []string{"huggingface.co"}}
	if !p.AllowHTTPURL("https://cdn-lfs-us-1.huggingface.co/repo/model.gguf") {
		t.Fatal("expected subdomain of an allowed host to match via suffix")
	}
}

func TestAllowHTTPURL_BlocksPrivateHosts(t *testing.T) {
	p := Policy{}
	cases := []string{
		"http://127.0.0.1/model.gguf",
		"http://localhost/model.gguf",
		"http://10.0.0.5/model.gguf",
		"http://169.254.1.1/model.gguf",
	}
	for _, u := range cases {
		if p.AllowHTTPURL(u) {
			t.Errorf("expected %q to be blocked by default", u)
		}
	}
}

func TestAllowHTTPURL_LoopbackOverride(t *testing.T) {
	p := Policy{AllowLoopback: true}
	if !p.AllowHTTPURL("http://127.0.0.1:8080/model.gguf") {
		t.Fatal("expected loopback to be allowed when AllowLoopback is set")
	}
}

func TestAllowPath(t *testing.T) {
	dir := t.TempDir()
	p := Policy{AllowPaths: []string{dir}}
	if !p.AllowPath(dir + "/models/llama/weights.bin") {
		t.Fatal("expected path under allowed prefix to be allowed")
	}
	if p.AllowPath("/etc/passwd") {
		t.Fatal("expected path outside allowed prefixes to be rejected")
	}
}

func TestPolicyVersion_Stable(t *testing.T) {
	p1 := Policy{AllowHosts: []string{"huggingface.co"}, AllowPaths: []string{"/cache"}}
	p2 := Policy{AllowHosts: []string{"huggingface.co"}, AllowPaths: []string{"/cache"}}
	if p1.PolicyVersion() != p2.PolicyVersion() {
		t.Fatal("expected identical policies to produce identical versions")
	}
	p3 := Policy{AllowHosts: []string{"other.example.com"}}
	if p1.PolicyVersion() == p3.PolicyVersion() {
		t.Fatal("expected different policies to produce different versions")
	}
}
