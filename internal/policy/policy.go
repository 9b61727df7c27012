// Package policy gates which hosts the Model Store may download artifacts
// from and which filesystem paths it may write into. It exists so a
// misconfigured or compromised ModelConfig.url can't be used to exfiltrate
// data or write outside the configured cache directory.
package policy

import (
	"fmt"
	"hash/fnv"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Checker is the interface the Model Store consults before downloading an
// artifact or writing to a resolved cache path.
type Checker interface {
	AllowHTTPURL(raw string) bool
	AllowPath(path string) bool
	PolicyVersion() string
}

// Policy is the serializable download policy.
type Policy struct {
	AllowHosts    []string `yaml:"allow_hosts"`
	AllowPaths    []string `yaml:"allow_paths"`
	AllowLoopback bool     `yaml:"allow_loopback"`
}

// Default returns a policy with no allow-lists: every path and every
// public host is allowed, while loopback, private and link-local hosts
// are still rejected (AllowLoopback is false). It is what components get
// when no download_policy section is configured.
func Default() Policy {
	return Policy{}
}

// Load reads and validates a policy YAML file. A missing path or empty
// file yields Default().
func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if len(data) == 0 {
		return Default(), nil
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	return p, nil
}

// AllowHTTPURL reports whether raw is an http(s) URL whose host is on the
// allow-list (or the allow-list is empty, meaning unrestricted). It always
// rejects malformed URLs, non-http(s) schemes, and — unless AllowLoopback
// is set — loopback/private/link-local hosts, since those can only be
// reached by accident or by an attacker-controlled redirect.
func (p Policy) AllowHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return false
	}
	scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
	if scheme != "http" && scheme != "https" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if isBlockedHost(host, p.AllowLoopback) {
		return false
	}
	if len(p.AllowHosts) == 0 {
		return true
	}
	for _, allowed := range p.AllowHosts {
		allowed = strings.ToLower(strings.TrimSpace(allowed))
		if allowed == "" {
			continue
		}
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

func isBlockedHost(host string, allowLoopback bool) bool {
	if host == "localhost" {
		return !allowLoopback
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return false // not an IP literal (ordinary hostname)
	}
	if allowLoopback && ip.IsLoopback() {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

// AllowPath reports whether path resolves within one of AllowPaths. An
// empty AllowPaths list permits all paths.
func (p Policy) AllowPath(path string) bool {
	if len(p.AllowPaths) == 0 {
		return true
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		resolved, err = filepath.EvalSymlinks(filepath.Dir(path))
		if err != nil {
			return false
		}
		resolved = filepath.Join(resolved, filepath.Base(path))
	}
	resolved, err = filepath.Abs(resolved)
	if err != nil {
		return false
	}
	for _, allowed := range p.AllowPaths {
		allowed = strings.TrimSpace(allowed)
		if allowed == "" {
			continue
		}
		allowedAbs, err := filepath.Abs(allowed)
		if err != nil {
			continue
		}
		if evalAllowed, evalErr := filepath.EvalSymlinks(allowedAbs); evalErr == nil {
			allowedAbs = evalAllowed
		}
		if resolved == allowedAbs || strings.HasPrefix(resolved, allowedAbs+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// PolicyVersion returns a stable fingerprint of the policy contents, used
// to tag audit entries so a change in download policy is visible in the
// trail even without diffing the config file.
func (p Policy) PolicyVersion() string {
	h := fnv.New64a()
	for _, v := range p.AllowHosts {
		_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	for _, v := range p.AllowPaths {
		_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	if p.AllowLoopback {
		_, _ = h.Write([]byte("allow_loopback=true|"))
	}
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}
