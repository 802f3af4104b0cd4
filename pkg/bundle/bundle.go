package bundle

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/chiahaoLLLLL/Blockchain-record-system/pkg/domain"
	"github.com/chiahaoLLLLL/Blockchain-record-system/pkg/fingerprint"
)

// Build assembles the bundle for a commitment and its event log. The caller
// decides whether the commitment is exportable; Build itself does not check
// completion.
func Build(c domain.Commitment, events []domain.Event, now time.Time) (Bundle, error) {
	b := Bundle{
		BundleVersion: Version,
		GeneratedAt:   now.UTC().Format(time.RFC3339Nano),
		Commitment:    c,
		Events:        events,
		Canonicalization: Canonicalization{
			JSON:             CanonicalJSONRule,
			Encoding:         "utf-8",
			ManifestHashRule: ManifestHashRule,
			BundleHashRule:   BundleHashRuleName,
		},
	}

	commitmentHash, _, err := fingerprint.CanonicalJSON(c)
	if err != nil {
		return Bundle{}, err
	}
	eventsHash, _, err := fingerprint.CanonicalJSON(events)
	if err != nil {
		return Bundle{}, err
	}
	b.Manifest = []ManifestArtifact{
		{Artifact: "commitment", SHA256: commitmentHash},
		{Artifact: "events", SHA256: eventsHash},
	}
	sort.Slice(b.Manifest, func(i, j int) bool { return b.Manifest[i].Artifact < b.Manifest[j].Artifact })

	manifestHash, _, err := fingerprint.CanonicalJSON(b.Manifest)
	if err != nil {
		return Bundle{}, err
	}
	b.Hashes = Hashes{
		ManifestHash: manifestHash,
		BundleHash:   bundleHash(b.Manifest),
	}
	return b, nil
}

// bundleHash concatenates the manifest's artifact hashes in manifest order
// and fingerprints the result.
func bundleHash(manifest []ManifestArtifact) string {
	var sb strings.Builder
	for _, a := range manifest {
		sb.WriteString(a.Artifact)
		sb.WriteString(":")
		sb.WriteString(a.SHA256)
		sb.WriteString("\n")
	}
	return fingerprint.SumBytes([]byte(sb.String()))
}

// Verify re-computes every hash in a serialized bundle and re-checks the
// event chain. A non-VERIFIED status is a verdict about the bundle, not an
// error; the error return is reserved for verifier-side failures.
func Verify(bundleBytes []byte) (Result, error) {
	var b Bundle
	var rawRoot map[string]json.RawMessage
	if err := json.Unmarshal(bundleBytes, &b); err != nil {
		return Result{Status: StatusMalformed, Details: map[string]any{"reason": "invalid_json"}}, nil
	}
	if err := json.Unmarshal(bundleBytes, &rawRoot); err != nil {
		return Result{Status: StatusMalformed, Details: map[string]any{"reason": "invalid_json"}}, nil
	}
	if strings.TrimSpace(b.BundleVersion) == "" ||
		b.Commitment.ID == 0 ||
		strings.TrimSpace(b.Hashes.ManifestHash) == "" ||
		strings.TrimSpace(b.Hashes.BundleHash) == "" ||
		b.Manifest == nil {
		return Result{Status: StatusMalformed, Details: map[string]any{"reason": "missing_required_fields"}}, nil
	}
	if b.BundleVersion != Version {
		return Result{Status: StatusUnsupportedVersion, Details: map[string]any{"bundle_version": b.BundleVersion}}, nil
	}
	if b.Canonicalization.ManifestHashRule != ManifestHashRule ||
		b.Canonicalization.BundleHashRule != BundleHashRuleName {
		return Result{Status: StatusUnsupportedVersion, Details: map[string]any{
			"manifest_hash_rule": b.Canonicalization.ManifestHashRule,
			"bundle_hash_rule":   b.Canonicalization.BundleHashRule,
		}}, nil
	}

	for i := 1; i < len(b.Manifest); i++ {
		if b.Manifest[i-1].Artifact >= b.Manifest[i].Artifact {
			return Result{Status: StatusInvalidOrdering, Details: map[string]any{"index": i, "artifact": b.Manifest[i].Artifact}}, nil
		}
	}

	for _, entry := range b.Manifest {
		if strings.TrimSpace(entry.Artifact) == "" || strings.TrimSpace(entry.SHA256) == "" {
			return Result{Status: StatusMalformed, Details: map[string]any{"reason": "manifest_entry_missing_fields"}}, nil
		}
		raw, ok := rawRoot[entry.Artifact]
		if !ok {
			return Result{Status: StatusMalformed, Details: map[string]any{"reason": "artifact_payload_missing", "artifact": entry.Artifact}}, nil
		}
		computed, err := canonicalHashOfRaw(raw)
		if err != nil {
			return Result{Status: StatusMalformed, Details: map[string]any{"reason": "artifact_not_canonicalizable", "artifact": entry.Artifact}}, nil
		}
		if computed != entry.SHA256 {
			return Result{Status: StatusInvalidArtifact, Details: map[string]any{
				"artifact": entry.Artifact,
				"expected": entry.SHA256,
				"computed": computed,
			}}, nil
		}
	}

	manifestHash, _, err := fingerprint.CanonicalJSON(b.Manifest)
	if err != nil {
		return Result{}, err
	}
	if manifestHash != b.Hashes.ManifestHash {
		return Result{Status: StatusInvalidManifest, Details: map[string]any{
			"expected": b.Hashes.ManifestHash,
			"computed": manifestHash,
		}}, nil
	}
	if computed := bundleHash(b.Manifest); computed != b.Hashes.BundleHash {
		return Result{Status: StatusInvalidBundleHash, Details: map[string]any{
			"expected": b.Hashes.BundleHash,
			"computed": computed,
		}}, nil
	}

	if i := domain.VerifyChain(b.Events); i >= 0 {
		return Result{Status: StatusBrokenEventChain, Details: map[string]any{"index": i}}, nil
	}

	return Result{
		Status:       StatusVerified,
		CommitmentID: b.Commitment.ID,
		BundleHash:   b.Hashes.BundleHash,
	}, nil
}

// canonicalHashOfRaw re-canonicalizes a raw JSON value (decode, re-marshal
// with sorted keys) before fingerprinting, so whitespace and key order in
// the serialized bundle do not affect the verdict.
func canonicalHashOfRaw(raw json.RawMessage) (string, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}
	h, _, err := fingerprint.CanonicalJSON(v)
	return h, err
}
