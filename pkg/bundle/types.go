// Package bundle builds and verifies attestation bundles: a self-contained
// JSON export of one completed commitment and its full event log, hashed so
// any party can re-check it offline.
package bundle

import (
	"github.com/chiahaoLLLLL/Blockchain-record-system/pkg/domain"
)

const (
	Version = "commitment-v1"

	CanonicalJSONRule  = "json_marshal_sorted_keys_v1"
	ManifestHashRule   = "canonical_json_v1"
	BundleHashRuleName = "concat_artifact_hashes_v1"
)

type Bundle struct {
	BundleVersion    string             `json:"bundle_version"`
	GeneratedAt      string             `json:"generated_at,omitempty"`
	Commitment       domain.Commitment  `json:"commitment"`
	Events           []domain.Event     `json:"events"`
	Canonicalization Canonicalization   `json:"canonicalization"`
	Manifest         []ManifestArtifact `json:"manifest"`
	Hashes           Hashes             `json:"hashes"`
}

type Canonicalization struct {
	JSON             string `json:"json"`
	Encoding         string `json:"encoding"`
	ManifestHashRule string `json:"manifest_hash_rule"`
	BundleHashRule   string `json:"bundle_hash_rule"`
}

// ManifestArtifact records the fingerprint of one top-level bundle field.
// Entries are sorted by artifact name.
type ManifestArtifact struct {
	Artifact string `json:"artifact"`
	SHA256   string `json:"sha256"`
}

type Hashes struct {
	ManifestHash string `json:"manifest_hash"`
	BundleHash   string `json:"bundle_hash"`
}

type Result struct {
	Status       string         `json:"status"`
	CommitmentID int64          `json:"commitment_id,omitempty"`
	BundleHash   string         `json:"bundle_hash,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

const (
	StatusVerified           = "VERIFIED"
	StatusMalformed          = "MALFORMED_BUNDLE"
	StatusUnsupportedVersion = "UNSUPPORTED_BUNDLE_VERSION"
	StatusInvalidArtifact    = "INVALID_ARTIFACT_HASH"
	StatusInvalidManifest    = "INVALID_MANIFEST_HASH"
	StatusInvalidBundleHash  = "INVALID_BUNDLE_HASH"
	StatusInvalidOrdering    = "INVALID_ORDERING"
	StatusBrokenEventChain   = "BROKEN_EVENT_CHAIN"
)
