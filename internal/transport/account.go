// Package transport implements the client side of the server's upload
// protocol: the multi-file bulk PUT and the poll job used for asynchronous
// upload finalization.
package transport

import (
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"
)

// BulkEndpointPath is the server route accepting multi-file uploads.
const BulkEndpointPath = "/remote.php/dav/bulk"

// Capabilities is the subset of the server capability document the upload
// path cares about.
type Capabilities struct {
	// SupportedChecksumTypes lists the checksum types the server verifies
	// on transmission, e.g. ["MD5", "SHA1"].
	SupportedChecksumTypes []string

	// UploadChecksumType is the type used for transmission checksums when
	// the content checksum cannot be reused. Default MD5.
	UploadChecksumType string

	// HTTPErrorCodesThatResetFailingChunkedUploads lists status codes that
	// count toward resetting a repeatedly failing upload.
	HTTPErrorCodesThatResetFailingChunkedUploads []int
}

// SupportsChecksumType reports whether the server accepts the given type as
// a transmission checksum.
func (c Capabilities) SupportsChecksumType(checksumType string) bool {
	return slices.Contains(c.SupportedChecksumTypes, checksumType)
}

// IsResettingErrorCode reports whether the status code is capability-listed
// as a reset trigger.
func (c Capabilities) IsResettingErrorCode(code int) bool {
	return slices.Contains(c.HTTPErrorCodesThatResetFailingChunkedUploads, code)
}

// Account holds the connection to one server account.
type Account struct {
	// URL is the account base URL, e.g. "https://cloud.example.com".
	URL *url.URL

	Username string
	Password string

	Capabilities Capabilities

	// Client is the HTTP client used by all jobs; its Timeout is treated as
	// the default job timeout.
	Client *http.Client
}

// NewAccount parses baseURL and returns an account with a default client.
func NewAccount(baseURL, username, password string) (*Account, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, err
	}
	return &Account{
		URL:      u,
		Username: username,
		Password: password,
		Capabilities: Capabilities{
			SupportedChecksumTypes: []string{"MD5"},
			UploadChecksumType:     "MD5",
		},
		Client: &http.Client{Timeout: 5 * time.Minute},
	}, nil
}

// BulkURL returns the absolute URL of the bulk upload endpoint.
func (a *Account) BulkURL() string {
	return a.URL.String() + BulkEndpointPath
}

// ResolveURL makes a server-relative path (such as a poll URL) absolute.
// Absolute URLs pass through unchanged.
func (a *Account) ResolveURL(ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	if u.IsAbs() {
		return ref
	}
	return a.URL.ResolveReference(u).String()
}

func (a *Account) authorize(req *http.Request) {
	if a.Username != "" {
		req.SetBasicAuth(a.Username, a.Password)
	}
}
