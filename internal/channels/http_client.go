package channels

import "net/http"

// HTTPClient abstracts the HTTP transport so adapters can be tested
// without network access.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}
