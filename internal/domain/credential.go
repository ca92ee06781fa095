package domain

// CredentialVerifier hashes card passwords and checks presented secrets
// against a stored hash.
type CredentialVerifier interface {
	Hash(secret string) (string, error)
	Verify(secret, hash string) bool
}
