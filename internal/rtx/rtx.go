// Package rtx implements the Reflection Transfer Exchange: the knowledge
// plane that lets agents publish reflection summary bundles to matching
// subscribers, locally and across federation. RTX is the consumer of the
// VRP transfer-scope machinery — a sender or receiver whose negotiated
// scope is ReflectionSummariesOnly gets the bundle with its reasoning
// chain stripped, and NoTransfer gets nothing at all.
package rtx

import (
	"errors"
	"fmt"
	"strings"

	"github.com/annex-server/annex/internal/vrp"
)

// ReflectionSummaryBundle is one unit of transferable agent knowledge: a
// compressed summary with optional full reasoning chain, tagged by domain
// and caveated by the author.
type ReflectionSummaryBundle struct {
	BundleID        string   `json:"bundle_id"`
	SourcePseudonym string   `json:"source_pseudonym"`
	SourceServer    string   `json:"source_server"`
	DomainTags      []string `json:"domain_tags"`
	Summary         string   `json:"summary"`
	ReasoningChain  *string  `json:"reasoning_chain,omitempty"`
	Caveats         []string `json:"caveats"`
	CreatedAt       int64    `json:"created_at"` // unix milliseconds
	Signature       string   `json:"signature"`
	VRPHandshakeRef string   `json:"vrp_handshake_ref"`
}

// BundleProvenance records where a federated bundle came from and which
// servers relayed it.
type BundleProvenance struct {
	OriginServer string   `json:"origin_server"`
	RelayPath    []string `json:"relay_path"`
	BundleID     string   `json:"bundle_id"`
}

// FederatedEnvelope wraps a bundle relayed from another server, signed by
// the relaying server's federation key.
type FederatedEnvelope struct {
	Bundle         ReflectionSummaryBundle `json:"bundle"`
	Provenance     BundleProvenance        `json:"provenance"`
	RelayingServer string                  `json:"relaying_server"`
	Signature      string                  `json:"signature"`
}

// ErrScopeForbidsTransfer is returned by EnforceTransferScope for a
// NoTransfer scope.
var ErrScopeForbidsTransfer = errors.New("rtx: transfer scope forbids any transfer")

// ErrInvalidBundle wraps every structural validation failure.
var ErrInvalidBundle = errors.New("rtx: invalid bundle")

// ErrTopicRedacted wraps a redacted-topic violation.
var ErrTopicRedacted = errors.New("rtx: redacted topic")

// ValidateBundleStructure checks the structural invariants of a bundle
// before anything touches the database.
func ValidateBundleStructure(b *ReflectionSummaryBundle) error {
	switch {
	case b.BundleID == "":
		return fmt.Errorf("%w: bundle_id is required", ErrInvalidBundle)
	case b.SourcePseudonym == "":
		return fmt.Errorf("%w: source_pseudonym is required", ErrInvalidBundle)
	case b.SourceServer == "":
		return fmt.Errorf("%w: source_server is required", ErrInvalidBundle)
	case b.Summary == "":
		return fmt.Errorf("%w: summary is required", ErrInvalidBundle)
	case len(b.DomainTags) == 0:
		return fmt.Errorf("%w: at least one domain tag is required", ErrInvalidBundle)
	case b.CreatedAt <= 0:
		return fmt.Errorf("%w: created_at must be a positive unix-millisecond timestamp", ErrInvalidBundle)
	}
	return nil
}

// CheckRedactedTopics rejects a bundle whose domain tags intersect the
// sender's redacted topic set from its capability contract.
func CheckRedactedTopics(b *ReflectionSummaryBundle, redactedTopics []string) error {
	redacted := make(map[string]bool, len(redactedTopics))
	for _, topic := range redactedTopics {
		redacted[topic] = true
	}
	for _, tag := range b.DomainTags {
		if redacted[tag] {
			return fmt.Errorf("%w: domain tag %q is redacted by the sender's contract", ErrTopicRedacted, tag)
		}
	}
	return nil
}

// EnforceTransferScope returns the bundle as the given scope permits it to
// cross a boundary: FullKnowledgeBundle passes it through intact,
// ReflectionSummariesOnly strips the reasoning chain, NoTransfer passes
// nothing.
func EnforceTransferScope(b *ReflectionSummaryBundle, scope vrp.TransferScope) (*ReflectionSummaryBundle, error) {
	switch scope {
	case vrp.FullKnowledgeBundle:
		out := *b
		return &out, nil
	case vrp.ReflectionSummariesOnly:
		out := *b
		out.ReasoningChain = nil
		return &out, nil
	default:
		return nil, ErrScopeForbidsTransfer
	}
}

// RelaySigningPayload is the canonical byte string a federated RTX
// envelope's signature covers: bundle ID, relaying server, origin server,
// and the relay path joined by commas. Both sides must build it
// identically.
func RelaySigningPayload(bundleID, relayingServer, originServer string, relayPath []string) string {
	return bundleID + relayingServer + originServer + strings.Join(relayPath, ",")
}
