package auth

// VerificationMethod names the check that produced an admin determination.
type VerificationMethod string

const (
	MethodCache       VerificationMethod = "cache"
	MethodEmail       VerificationMethod = "email"
	MethodProfileRole VerificationMethod = "profile-role"
)

// AdminVerificationResult is the outcome of the admin verification cascade.
// IsAdmin is only ever true when produced by an explicit email or role match.
type AdminVerificationResult struct {
	IsAdmin bool               `json:"is_admin"`
	Method  VerificationMethod `json:"method"`
	Profile *UserProfile       `json:"profile,omitempty"`
	Error   string             `json:"error,omitempty"`
}

// Failed reports whether the result was produced by a failed lookup.
func (r AdminVerificationResult) Failed() bool { return r.Error != "" }

// NotAdmin builds a fail-closed result for the given method and error message.
func NotAdmin(method VerificationMethod, errMsg string) AdminVerificationResult {
	return AdminVerificationResult{IsAdmin: false, Method: method, Error: errMsg}
}
