package channel

import (
	"strings"
)

// CaptureResult is the outcome of recording an observed authorization token.
type CaptureResult int

const (
	// CaptureApplied means the token was stored on the account.
	CaptureApplied CaptureResult = iota
	// CaptureUnchanged means the account already held the same token.
	CaptureUnchanged
	// CaptureRejectedConflict means another account already owns the token.
	CaptureRejectedConflict
	// CaptureAccountNotFound means no official account matches the email.
	CaptureAccountNotFound
	// CaptureIgnored means the token was empty.
	CaptureIgnored
)

func (r CaptureResult) String() string {
	switch r {
	case CaptureApplied:
		return "applied"
	case CaptureUnchanged:
		return "unchanged"
	case CaptureRejectedConflict:
		return "rejected_conflict"
	case CaptureAccountNotFound:
		return "account_not_found"
	case CaptureIgnored:
		return "ignored"
	default:
		return "unknown"
	}
}

// ApplyCapture stores token on the official account identified by email unless
// a different official account already holds it. The token is expected without
// its "Bearer " prefix. conflictOwner names the account holding the token when
// the result is CaptureRejectedConflict.
func ApplyCapture(s *Settings, email, token string) (result CaptureResult, conflictOwner string) {
	token = strings.TrimSpace(token)
	if token == "" {
		return CaptureIgnored, ""
	}

	var target *Account
	for i := range s.Providers {
		p := &s.Providers[i]
		if p.Type != ProviderOfficial {
			continue
		}
		for j := range p.Accounts {
			if strings.EqualFold(p.Accounts[j].EmailAddress, email) {
				target = &p.Accounts[j]
				break
			}
		}
		if target != nil {
			break
		}
	}
	if target == nil {
		return CaptureAccountNotFound, ""
	}

	for i := range s.Providers {
		p := &s.Providers[i]
		if p.Type != ProviderOfficial {
			continue
		}
		for j := range p.Accounts {
			a := &p.Accounts[j]
			if a != target && a.CapturedAuthorization == token {
				return CaptureRejectedConflict, a.Label()
			}
		}
	}

	if target.CapturedAuthorization == token {
		return CaptureUnchanged, ""
	}
	target.CapturedAuthorization = token
	return CaptureApplied, ""
}
