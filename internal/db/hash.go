package db

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// CommandHash computes the binding hash for a command spec per I2:
// SHA-256(raw || 0x0A || cwd || 0x0A || canonical_json(argv) || 0x0A || shell_bool).
// Canonical JSON here means json.Marshal of the argv slice as-is: Go's
// encoding/json already produces a stable, unambiguous encoding for a
// []string with no map key ordering to worry about.
func CommandHash(raw, cwd string, argv []string, shell bool) (string, error) {
	argvJSON, err := json.Marshal(argv)
	if err != nil {
		return "", fmt.Errorf("marshalling argv for hashing: %w", err)
	}
	shellBool := "false"
	if shell {
		shellBool = "true"
	}

	h := sha256.New()
	h.Write([]byte(raw))
	h.Write([]byte{0x0A})
	h.Write([]byte(cwd))
	h.Write([]byte{0x0A})
	h.Write(argvJSON)
	h.Write([]byte{0x0A})
	h.Write([]byte(shellBool))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ComputeCommandHash computes the I2 binding hash for a command spec,
// swallowing the (never-occurring for a []string) marshal error so callers
// building a spec inline don't have to handle one.
func ComputeCommandHash(spec CommandSpec) string {
	hash, _ := CommandHash(spec.Raw, spec.Cwd, spec.Argv, spec.Shell)
	return hash
}

// VerifyCommandHash recomputes the hash for a command spec and reports
// whether it still matches the value bound at request creation time. The
// execution gate calls this immediately before executing to detect
// tampering between approval and execution (I2, P5).
func VerifyCommandHash(c *CommandSpec) (bool, error) {
	got, err := CommandHash(c.Raw, c.Cwd, c.Argv, c.Shell)
	if err != nil {
		return false, err
	}
	return got == c.Hash, nil
}
