package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/fetch"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/filing"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/store"
)

type listFilingsResponse struct {
	Filings  []filing.CachedFiling `json:"filings"`
	InFlight []fetch.TaskInfo      `json:"in_flight"`
}

type filingResponse struct {
	Key    string              `json:"key"`
	Source fetch.Source        `json:"source,omitempty"`
	Filing filing.CachedFiling `json:"filing"`
}

func (s *Server) listFilings(w http.ResponseWriter, r *http.Request) {
	records, err := s.cache.List(r.Context())
	if err != nil {
		writeError(w, store.Unavailable("list", err))
		return
	}
	if records == nil {
		records = []filing.CachedFiling{}
	}
	inFlight := s.filings.InFlight()
	if inFlight == nil {
		inFlight = []fetch.TaskInfo{}
	}
	writeJSONStatus(w, listFilingsResponse{Filings: records, InFlight: inFlight}, http.StatusOK)
}

// getFiling returns the cached record for a fingerprint key. With
// ?fetch=true a miss is fetched before answering.
func (s *Server) getFiling(w http.ResponseWriter, r *http.Request) {
	fp, err := filing.ParseKey(chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, err)
		return
	}
	fetchOnMiss, _ := strconv.ParseBool(r.URL.Query().Get("fetch"))
	if fetchOnMiss {
		record, source, err := s.filings.Resolve(r.Context(), fp, nil)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSONStatus(w, filingResponse{Key: fp.Key(), Source: source, Filing: record}, http.StatusOK)
		return
	}

	record, err := s.filings.Lookup(r.Context(), fp)
	if errors.Is(err, store.ErrNotFound) {
		writeJSONStatus(w, errorResponse{Error: "filing not cached"}, http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONStatus(w, filingResponse{Key: fp.Key(), Source: fetch.SourceCache, Filing: record}, http.StatusOK)
}

func (s *Server) refreshFiling(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, err)
		return
	}
	fp := req.Fingerprint()
	record, err := s.filings.Refresh(r.Context(), fp)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONStatus(w, filingResponse{Key: fp.Key(), Source: fetch.SourceFetch, Filing: record}, http.StatusOK)
}
