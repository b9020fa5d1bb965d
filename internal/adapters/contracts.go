package adapters

import "github.com/alexballas/go-ssdp"

// Searcher issues one SSDP M-SEARCH round and returns the responses
// collected during the listening window.
type Searcher interface {
	Search(searchType string, waitSec int, localAddr string) ([]ssdp.Service, error)
}
