package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Credential is one API key with a stable label. Credentials are immutable
// after construction; the secret never appears in traces or logs, only the
// truncated hash and the masked form.
type Credential struct {
	Label    string
	Secret   string
	BaseURL  string // optional per-key upstream override
	Priority int    // higher first
	Disabled bool
	KeyHash  string // first 12 hex chars of SHA-256(secret)
}

// NewCredential builds a Credential and derives its hash.
func NewCredential(label, secret string, priority int, disabled bool) Credential {
	return Credential{
		Label:    label,
		Secret:   secret,
		Priority: priority,
		Disabled: disabled,
		KeyHash:  HashSecret(secret),
	}
}

// HashSecret returns the first 12 hex characters of SHA-256(secret), used to
// correlate trace entries without exposing key material.
func HashSecret(secret string) string {
	digest := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(digest[:])[:12]
}

// Mask renders a secret for display: first 5 and last 4 characters around
// three asterisks. Secrets too short to mask safely collapse to "***".
func Mask(secret string) string {
	if len(secret) < 10 {
		return "***"
	}
	return secret[:5] + "***" + secret[len(secret)-4:]
}

// Registry is an immutable ordered set of credentials. Order is priority
// descending then label ascending (case-insensitive) and is stable across
// loads. Labels are unique; duplicate secrets keep the first occurrence.
type Registry struct {
	Keys        []Credential
	ActiveIndex int
}

// NewRegistry sorts and deduplicates the given credentials into a Registry.
func NewRegistry(creds []Credential) *Registry {
	seen := make(map[string]bool, len(creds))
	unique := make([]Credential, 0, len(creds))
	for _, cred := range creds {
		if cred.Secret == "" || seen[cred.Secret] {
			continue
		}
		seen[cred.Secret] = true
		unique = append(unique, cred)
	}
	sort.SliceStable(unique, func(i, j int) bool {
		if unique[i].Priority != unique[j].Priority {
			return unique[i].Priority > unique[j].Priority
		}
		return strings.ToLower(unique[i].Label) < strings.ToLower(unique[j].Label)
	})
	return &Registry{Keys: unique}
}

// Len returns the number of credentials.
func (r *Registry) Len() int { return len(r.Keys) }

// ActiveKey returns the credential at the active index, or nil when empty.
// An out-of-range index is clamped rather than treated as an error.
func (r *Registry) ActiveKey() *Credential {
	if len(r.Keys) == 0 {
		return nil
	}
	idx := r.ActiveIndex
	if idx < 0 {
		idx = 0
	}
	if idx >= len(r.Keys) {
		idx = len(r.Keys) - 1
	}
	return &r.Keys[idx]
}

// FindByLabel returns the credential with the given label, or nil.
func (r *Registry) FindByLabel(label string) *Credential {
	for i := range r.Keys {
		if r.Keys[i].Label == label {
			return &r.Keys[i]
		}
	}
	return nil
}

// Labels returns the registry labels in registry order.
func (r *Registry) Labels() []string {
	labels := make([]string, len(r.Keys))
	for i, key := range r.Keys {
		labels[i] = key.Label
	}
	return labels
}
