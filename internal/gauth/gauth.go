// Package gauth builds authorised HTTP clients for Google APIs from a
// service-account credentials file.
package gauth

import (
	"context"
	"net/http"
	"os"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/spherical/ocr-pipeline/internal/domain"
)

// Scopes requested for the service account: Drive read/write and Cloud Vision.
var Scopes = []string{
	"https://www.googleapis.com/auth/drive",
	"https://www.googleapis.com/auth/cloud-vision",
}

// NewHTTPClient returns an http.Client that attaches OAuth2 tokens minted
// from the credentials file. A zero timeout leaves the client unbounded.
func NewHTTPClient(ctx context.Context, credentialsFile string, timeout time.Duration) (*http.Client, error) {
	if credentialsFile == "" {
		return nil, domain.AuthError("credentials file not set", nil)
	}

	data, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, domain.AuthError("read credentials file", err)
	}

	creds, err := google.CredentialsFromJSON(ctx, data, Scopes...)
	if err != nil {
		return nil, domain.AuthError("parse credentials file", err)
	}

	client := oauth2.NewClient(ctx, creds.TokenSource)
	client.Timeout = timeout
	return client, nil
}
