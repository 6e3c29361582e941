// Package certificate aggregates ledger state into signed compliance
// certificates. A certificate is only as good as the chain behind it: issuance
// verifies every link over the session's range first, and a policy that
// requires a clean session refuses to certify while Shutdown-tier events
// remain open.
package certificate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/mnsf-labs/regmon/pkg/canonicalize"
	"github.com/mnsf-labs/regmon/pkg/ledger"
	"github.com/mnsf-labs/regmon/pkg/policy"
)

var (
	// ErrIncompleteLedger means chain verification failed over the
	// session's range; no certificate can attest to a broken chain.
	ErrIncompleteLedger = errors.New("ledger verification failed")
	// ErrOpenViolations means policy requires zero open Shutdown-tier
	// events at issuance and at least one remains.
	ErrOpenViolations = errors.New("open shutdown-tier violations")
	// ErrCertificateSigning means signing failed after bounded retries.
	// Never degraded to an unsigned certificate.
	ErrCertificateSigning = errors.New("certificate signing failed")
)

// Period covers the wall-clock span of the certified entries.
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// LedgerRange pins the certificate to a verifiable slice of the chain.
type LedgerRange struct {
	FirstSequence uint64 `json:"first_sequence"`
	LastSequence  uint64 `json:"last_sequence"`
	FirstHash     string `json:"first_hash"`
	LastHash      string `json:"last_hash"`
}

// Certificate is the signed compliance report. Immutable after issuance;
// a reissue supersedes rather than overwrites.
type Certificate struct {
	ID               string         `json:"id"`
	SessionID        string         `json:"session_id"`
	Period           Period         `json:"period"`
	RuleGeneration   string         `json:"rule_generation_id"`
	ViolationSummary map[string]int `json:"violation_summary"`
	LedgerRange      LedgerRange    `json:"ledger_range"`
	Recommendations  []string       `json:"recommendations"`
	IssuedAt         time.Time      `json:"issued_at"`
	Supersedes       string         `json:"supersedes,omitempty"`
	PublicKey        string         `json:"public_key"`
	Signature        string         `json:"signature"`
}

// SigningBytes returns the canonical form covered by the signature: the
// certificate with its signature field empty.
func (c *Certificate) SigningBytes() ([]byte, error) {
	unsigned := *c
	unsigned.Signature = ""
	return canonicalize.JCS(unsigned)
}

// VerifySignature recomputes the canonical form and checks the embedded
// signature against the embedded public key.
func (c *Certificate) VerifySignature() (bool, error) {
	data, err := c.SigningBytes()
	if err != nil {
		return false, err
	}
	return Verify(c.PublicKey, c.Signature, data)
}

// IssuerOptions tunes issuance.
type IssuerOptions struct {
	// RequireClean refuses issuance while Shutdown-tier events are open.
	RequireClean bool
	// OpenShutdown reports the current count of open Shutdown-tier events.
	OpenShutdown func() int
	// SignAttempts bounds the signing retry loop. Zero means 3.
	SignAttempts int
	// SignBackoff is the base delay between attempts. Zero means 100ms.
	SignBackoff time.Duration
}

// Issuer produces certificates over a ledger.
type Issuer struct {
	signer *Signer
	led    *ledger.Ledger
	opts   IssuerOptions

	mu     sync.Mutex
	lastID string

	now    func() time.Time
	logger *slog.Logger
}

// NewIssuer wires an issuer over the session ledger.
func NewIssuer(signer *Signer, led *ledger.Ledger, opts IssuerOptions) *Issuer {
	if opts.SignAttempts <= 0 {
		opts.SignAttempts = 3
	}
	if opts.SignBackoff <= 0 {
		opts.SignBackoff = 100 * time.Millisecond
	}
	return &Issuer{
		signer: signer,
		led:    led,
		opts:   opts,
		now:    func() time.Time { return time.Now().UTC() },
		logger: slog.Default().With("component", "certificate"),
	}
}

// violationPayload is the subset of a violation-raised entry the summary
// needs.
type violationPayload struct {
	RuleID   string `json:"rule_id"`
	Severity string `json:"severity"`
}

// Issue aggregates the full chain into a signed certificate. Each issuance
// gets a fresh id; the previous certificate's id is recorded in Supersedes.
func (i *Issuer) Issue(ctx context.Context, sessionID, generation string) (*Certificate, error) {
	if err := i.led.Verify(0, -1); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIncompleteLedger, err)
	}
	if i.opts.RequireClean && i.opts.OpenShutdown != nil {
		if n := i.opts.OpenShutdown(); n > 0 {
			return nil, fmt.Errorf("%w: %d open", ErrOpenViolations, n)
		}
	}

	entries := i.led.Entries(0, -1)
	cert := &Certificate{
		ID:               uuid.NewString(),
		SessionID:        sessionID,
		RuleGeneration:   generation,
		ViolationSummary: summarize(entries),
		IssuedAt:         i.now(),
		PublicKey:        i.signer.PublicKey(),
	}
	if n := len(entries); n > 0 {
		cert.Period = Period{Start: entries[0].Timestamp, End: entries[n-1].Timestamp}
		cert.LedgerRange = LedgerRange{
			FirstSequence: entries[0].Sequence,
			LastSequence:  entries[n-1].Sequence,
			FirstHash:     entries[0].ThisHash,
			LastHash:      entries[n-1].ThisHash,
		}
	}
	cert.Recommendations = recommend(entries, cert.ViolationSummary)

	i.mu.Lock()
	cert.Supersedes = i.lastID
	i.mu.Unlock()

	if err := i.sign(ctx, cert); err != nil {
		return nil, err
	}

	i.mu.Lock()
	i.lastID = cert.ID
	i.mu.Unlock()

	i.logger.Info("certificate issued",
		"certificate", cert.ID,
		"session", sessionID,
		"entries", len(entries),
		"supersedes", cert.Supersedes)
	return cert, nil
}

func (i *Issuer) sign(ctx context.Context, cert *Certificate) error {
	data, err := cert.SigningBytes()
	if err != nil {
		return fmt.Errorf("%w: canonicalize: %v", ErrCertificateSigning, err)
	}

	var lastErr error
	for attempt := 0; attempt < i.opts.SignAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrCertificateSigning, ctx.Err())
			case <-time.After(i.opts.SignBackoff * time.Duration(1<<(attempt-1))):
			}
		}
		sig, err := i.signer.Sign(data)
		if err == nil {
			cert.Signature = sig
			return nil
		}
		lastErr = err
		i.logger.Warn("signing attempt failed", "attempt", attempt+1, "error", err)
	}
	return fmt.Errorf("%w: %v", ErrCertificateSigning, lastErr)
}

func summarize(entries []*ledger.Entry) map[string]int {
	summary := map[string]int{
		policy.SeverityWarning.String():    0,
		policy.SeverityCorrection.String(): 0,
		policy.SeverityShutdown.String():   0,
	}
	for _, e := range entries {
		if e.EntryType != ledger.TypeViolationRaised {
			continue
		}
		var p violationPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			continue
		}
		summary[p.Severity]++
	}
	return summary
}

// recommend mirrors the operational guidance the report carries: per-rule
// advisories above 5 violations, a rate advisory above 10 total, and an
// all-clear otherwise.
func recommend(entries []*ledger.Entry, summary map[string]int) []string {
	perRule := map[string]int{}
	total := 0
	for _, e := range entries {
		if e.EntryType != ledger.TypeViolationRaised {
			continue
		}
		var p violationPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			continue
		}
		perRule[p.RuleID]++
		total++
	}

	var recs []string
	for _, ruleID := range sortedKeys(perRule) {
		if n := perRule[ruleID]; n > 5 {
			recs = append(recs, fmt.Sprintf("High frequency of %s violations (%dx). Review the rule's parameter source.", ruleID, n))
		}
	}
	if total > 10 {
		recs = append(recs, "High violation rate detected. Review operational procedures.")
	}
	if len(recs) == 0 {
		recs = append(recs, "All operations within compliance limits. Continue monitoring.")
	}
	return recs
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ExportJWT wraps the certificate in an EdDSA-signed JWT for relying
// parties that consume tokens rather than raw certificates.
func (i *Issuer) ExportJWT(cert *Certificate) (string, error) {
	claims := jwt.MapClaims{
		"iss":               "regmon",
		"sub":               cert.SessionID,
		"jti":               cert.ID,
		"iat":               jwt.NewNumericDate(cert.IssuedAt),
		"certificate":       cert,
		"rule_generation":   cert.RuleGeneration,
		"violation_summary": cert.ViolationSummary,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(i.signer.Private())
	if err != nil {
		return "", fmt.Errorf("%w: jwt export: %v", ErrCertificateSigning, err)
	}
	return signed, nil
}
