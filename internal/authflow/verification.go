package authflow

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"time"

	"consentbot-go/internal/provider"
)

const (
	// verificationCodeLength is how many digits the verification code has.
	verificationCodeLength = 6

	// verificationCodeValidity is how long a verification code stays valid.
	verificationCodeValidity = 10 * time.Minute
)

// verificationCodeRe finds a standalone run of exactly six digits in
// free-form chat text.
var verificationCodeRe = regexp.MustCompile(`\b\d{6}\b`)

// codeBound is 10^verificationCodeLength, the exclusive upper bound for
// generated codes.
var codeBound = func() *big.Int {
	b := big.NewInt(10)
	return b.Exp(b, big.NewInt(verificationCodeLength), nil)
}()

// ConfirmResult is the outcome of a verification code confirmation.
type ConfirmResult int

const (
	// ConfirmValidated means the code matched and the token is now usable.
	ConfirmValidated ConfirmResult = iota

	// ConfirmReplay means the token was already validated; the confirmation
	// is a no-op and the token is left untouched.
	ConfirmReplay

	// ConfirmRejected means the code was missing, wrong, or expired. The
	// caller must discard the token: each login attempt gets exactly one
	// verification try, which keeps the code from being brute-forced.
	ConfirmRejected
)

// Verifier generates and checks the short-lived verification codes that
// bind a browser-authenticated identity back to the originating chat user.
type Verifier struct {
	now func() time.Time
}

// NewVerifier creates a Verifier using the wall clock.
func NewVerifier() *Verifier {
	return &Verifier{now: time.Now}
}

// Prepare marks the token unverified and attaches a freshly generated code
// with its expiration window. A previously outstanding code is superseded.
func (v *Verifier) Prepare(tok *provider.UserToken) error {
	code, err := generateVerificationCode()
	if err != nil {
		return fmt.Errorf("generating verification code: %w", err)
	}
	tok.VerificationCodeValidated = false
	tok.VerificationCode = code
	tok.VerificationCodeExpirationTime = v.now().Add(verificationCodeValidity)
	return nil
}

// ExtractCode finds the first standalone six-digit run in free-form chat
// text, or returns "" when there is none.
func (v *Verifier) ExtractCode(text string) string {
	return verificationCodeRe.FindString(text)
}

// Confirm checks a supplied code against the stored token. On
// ConfirmRejected the caller must discard the token entirely.
func (v *Verifier) Confirm(tok *provider.UserToken, supplied string) ConfirmResult {
	if tok.VerificationCodeValidated {
		return ConfirmReplay
	}
	if supplied == "" ||
		supplied != tok.VerificationCode ||
		v.now().After(tok.VerificationCodeExpirationTime) {
		return ConfirmRejected
	}
	tok.VerificationCodeValidated = true
	return ConfirmValidated
}

// generateVerificationCode draws a uniform random integer in
// [0, 10^length) from a CSPRNG and zero-pads it to fixed width.
func generateVerificationCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeBound)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", verificationCodeLength, n), nil
}
