package keyring

// lookupToken reads a key from an external security token. Hardware-token
// integration is stubbed: the lookup always reports no token present.
//
// TODO: read and decrypt a key from a token device once the token format
// is specified.
func lookupToken() []byte {
	return nil
}
