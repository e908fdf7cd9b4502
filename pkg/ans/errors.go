package ans

import "errors"

var (
	ErrInvalidSubject        = errors.New("ans: invalid certificate subject")
	ErrCertificateInvalid    = errors.New("ans: certificate invalid")
	ErrDuplicateAgent        = errors.New("ans: agent already registered")
	ErrNotFound              = errors.New("ans: agent not found")
	ErrInvalidOffer          = errors.New("ans: invalid offer")
	ErrOracleOutputMalformed = errors.New("ans: scorer output malformed")
	ErrScoringUnavailable    = errors.New("ans: scoring unavailable")
	ErrCertificateRejected   = errors.New("ans: certificate rejected")
	ErrBindingInProgress     = errors.New("ans: binding already in progress")
	ErrInvalidRequest        = errors.New("ans: invalid request")
)
