package profile

import "regexp"

var (
	auth0IDPattern  = regexp.MustCompile(`^auth0\|[0-9a-fA-F]{24}$`)
	googleIDPattern = regexp.MustCompile(`^google-oauth2\|[0-9]{15,25}$`)
)

// ValidateUserID reports whether the user id matches one of the two
// accepted identity-provider formats.
func ValidateUserID(userID string) bool {
	return auth0IDPattern.MatchString(userID) || googleIDPattern.MatchString(userID)
}
