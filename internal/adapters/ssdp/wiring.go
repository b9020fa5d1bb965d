package ssdp

import (
	gossdp "github.com/alexballas/go-ssdp"

	"github.com/renfield/mcp-dlna/internal/adapters"
)

// SearchAdapter wires the go-ssdp multicast search behind the adapters
// contract.
type SearchAdapter struct{}

func (SearchAdapter) Search(searchType string, waitSec int, localAddr string) ([]gossdp.Service, error) {
	return gossdp.Search(searchType, waitSec, localAddr)
}

var _ adapters.Searcher = SearchAdapter{}
