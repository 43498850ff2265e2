package credential

import (
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
)

// NewOAuthConfig builds the Google authorization config for mailbox
// access. The redirect must match the callback route registered with
// Google.
func NewOAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes: []string{
			gmail.GmailModifyScope,
		},
		Endpoint: google.Endpoint,
	}
}
