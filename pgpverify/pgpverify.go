// Package pgpverify verifies a clear-signed release document against a
// keyring and returns the verified payload. It mirrors the teacher's own
// use of github.com/ProtonMail/go-crypto/openpgp for signing (deb package)
// but on the reading/verification side instead.
package pgpverify

import (
	"bytes"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/clearsign"

	"github.com/etnz/apt-refresh/refresherr"
)

// LoadKeyring reads an (armored or binary) OpenPGP keyring.
func LoadKeyring(r []byte) (openpgp.EntityList, error) {
	if bytes.HasPrefix(bytes.TrimSpace(r), []byte("-----BEGIN PGP")) {
		return openpgp.ReadArmoredKeyRing(bytes.NewReader(r))
	}
	return openpgp.ReadKeyRing(bytes.NewReader(r))
}

// Verify checks text, a clear-signed document beginning with
// "-----BEGIN PGP SIGNED MESSAGE-----", against keyring and returns the
// verified payload. mirror is used only for error context.
//
// Verify never returns a payload when any signing key is untrusted: an
// unknown issuer or a signature that fails to check is reported as
// UntrustedKey/BadSignature with no body attached.
func Verify(text []byte, keyring openpgp.EntityList, mirror string) ([]byte, error) {
	block, _ := clearsign.Decode(text)
	if block == nil {
		return nil, &refresherr.NoSignature{}
	}

	signer, err := openpgp.CheckDetachedSignature(keyring, bytes.NewReader(block.Bytes), block.ArmoredSignature.Body, nil)
	if err != nil {
		if signer == nil && isUnknownIssuer(err) {
			return nil, &refresherr.UntrustedKey{Mirror: mirror}
		}
		return nil, &refresherr.BadSignature{Mirror: mirror}
	}
	if signer == nil {
		return nil, &refresherr.UntrustedKey{Mirror: mirror}
	}

	return block.Plaintext, nil
}

// isUnknownIssuer reports whether err indicates the signature was made by a
// key absent from the keyring, as opposed to a structurally bad signature.
func isUnknownIssuer(err error) bool {
	return err == openpgp.ErrUnknownIssuer
}
