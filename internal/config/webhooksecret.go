// Claims Intake Plane
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"crypto/sha256"
	"encoding/hex"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// webhookSecretSalt is a fixed, application-specific salt binding
	// derived secrets to this signing use case.
	webhookSecretSalt = "claims-intake-webhook-secrets"

	// webhookSecretSize is the derived secret length in bytes, matching
	// the SHA-256 output size of the HMAC the webhook dispatcher signs with.
	webhookSecretSize = 32
)

// WebhookSecretFor derives a per-tenant HMAC signing secret from the
// single configured master secret, so a leaked tenant secret cannot be
// used to forge signatures for any other tenant. The master secret
// never leaves this process; only the derived, tenant-scoped value is
// handed to the webhook dispatcher.
func (c *Config) WebhookSecretFor(tenant string) string {
	reader := hkdf.New(sha256.New, []byte(c.Security.WebhookSecret), []byte(webhookSecretSalt), []byte(tenant))
	key := make([]byte, webhookSecretSize)
	if _, err := io.ReadFull(reader, key); err != nil {
		// HKDF-SHA256 only fails when the requested output exceeds
		// 255*32 bytes; webhookSecretSize is a compile-time constant
		// well under that, so this is unreachable in practice, but a
		// signer must never silently sign with a zero-value secret.
		panic("config: hkdf read failed deriving webhook secret: " + err.Error())
	}
	return hex.EncodeToString(key)
}
