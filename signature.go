/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package custodia

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"

	"github.com/anchorstack/custodia/config"
	"github.com/anchorstack/custodia/internal/apierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// SignatureVerifier validates the RSA/SHA-512 signature the custody provider
// attaches to every webhook delivery. Verification runs over the raw request
// body exactly as received; re-serializing the JSON would break the
// signature.
type SignatureVerifier struct {
	publicKey *rsa.PublicKey
}

// NewSignatureVerifier parses the configured webhook public key. An
// unparseable key is a configuration error and fails startup.
func NewSignatureVerifier(conf *config.Configuration) (*SignatureVerifier, error) {
	key, err := parseRSAPublicKey([]byte(conf.Custody.WebhookPublicKey))
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrConfig, "Invalid custody webhook public key", err)
	}
	return &SignatureVerifier{publicKey: key}, nil
}

func parseRSAPublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("no PEM block found in webhook public key")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse webhook public key")
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("webhook public key is not an RSA key")
	}
	return key, nil
}

// Verify checks the base64-encoded signature against the raw webhook body.
// A missing or empty signature header is a caller error; a signature that is
// present but does not match returns false with no error so attacker traffic
// cannot crash the ingestor.
func (v *SignatureVerifier) Verify(rawBody []byte, signature string) (bool, error) {
	if signature == "" {
		return false, apierror.NewAPIError(apierror.ErrBadRequest, "Missing webhook signature header", nil)
	}

	decoded, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		logrus.Warnf("webhook signature is not valid base64: %v", err)
		return false, nil
	}

	digest := sha512.Sum512(rawBody)
	if err := rsa.VerifyPKCS1v15(v.publicKey, crypto.SHA512, digest[:], decoded); err != nil {
		logrus.Warn("webhook signature verification failed")
		return false, nil
	}
	return true, nil
}
