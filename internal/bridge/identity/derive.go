package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/oculairmedia/matrix-agent-bridge/internal/bridge/storage"
)

// validLocalpart matches the Matrix localpart character set [a-z0-9._-].
// Anything outside it is stripped during sanitisation, same policy the
// teacher's provisioner applied to its single identity kind.
var validLocalpart = regexp.MustCompile(`[^a-z0-9._-]`)

// LocalpartDeriver turns an external key into a Matrix localpart. Each
// IdentityKind gets its own small implementation rather than a type switch
// sprawled through the package — the derivation rule is the only thing that
// varies between kinds.
type LocalpartDeriver interface {
	Derive(externalKey string) (string, error)
}

// deriverFor returns the LocalpartDeriver for kind, or an error for an
// unrecognized kind — callers treat this as a fatal configuration/input
// error, not a transient one.
func deriverFor(kind storage.IdentityKind) (LocalpartDeriver, error) {
	switch kind {
	case storage.KindLetta:
		return lettaDeriver{}, nil
	case storage.KindOpencode:
		return opencodeDeriver{}, nil
	case storage.KindCustom:
		return customDeriver{}, nil
	default:
		return nil, fmt.Errorf("identity: unknown identity kind %q", kind)
	}
}

// validLettaLocal strips anything that isn't [a-z0-9_] — the hyphens in a
// UUID have already been converted to underscores by the time this runs, so
// dots and remaining hyphens are not part of the legacy format.
var validLettaLocal = regexp.MustCompile(`[^a-z0-9_]`)

// lettaDeriver implements the legacy agent_<uuid> localpart format: the
// external key "agent-<uuid>" becomes "agent_<uuid-with-underscores>",
// matching the format already present on the homeserver from before this
// bridge existed.
type lettaDeriver struct{}

func (lettaDeriver) Derive(externalKey string) (string, error) {
	localpart := strings.ToLower(externalKey)
	localpart = strings.ReplaceAll(localpart, "-", "_")
	localpart = validLettaLocal.ReplaceAllString(localpart, "")
	if localpart == "" {
		return "", fmt.Errorf("identity: external key %q produces empty localpart", externalKey)
	}
	return localpart, nil
}

// opencodeDeriver derives "oc_<basename(dir)>_v2" from a filesystem
// directory path passed as the external key.
type opencodeDeriver struct{}

func (opencodeDeriver) Derive(externalKey string) (string, error) {
	base := strings.ToLower(filepath.Base(externalKey))
	base = validLocalpart.ReplaceAllString(base, "")
	if base == "" {
		return "", fmt.Errorf("identity: directory %q produces empty opencode localpart", externalKey)
	}
	return "oc_" + base + "_v2", nil
}

// customDeriver applies the generic sanitisation rule only: lower-case,
// strip anything outside the localpart character class.
type customDeriver struct{}

func (customDeriver) Derive(externalKey string) (string, error) {
	localpart := strings.ToLower(externalKey)
	localpart = validLocalpart.ReplaceAllString(localpart, "")
	if localpart == "" {
		return "", fmt.Errorf("identity: external key %q produces empty custom localpart", externalKey)
	}
	return localpart, nil
}

// derivePassword computes the deterministic 28-character secret for
// localpart using a keyed hash over (localpart, secret). The same inputs
// always yield the same password, which is what makes re-provisioning
// lossless: a lost access token never forces a new random credential, the
// IdentityManager just recomputes this and logs back in.
func derivePassword(localpart, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(localpart))
	digest := hex.EncodeToString(mac.Sum(nil))
	password := "MCP_" + digest
	if len(password) > 28 {
		password = password[:28]
	}
	return password
}
