package app

import "fmt"

// DomainError is a request failure that already knows how it should be
// rendered: the HTTP status, the stable machine-readable code clients switch
// on (bad_credentials, account_violation, ...), and an optional details
// payload such as the authoritative record returned with a rejected
// progression write.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}
