// Package http collects small HTTP response helpers shared by the core's
// routes.
package http

import (
	"encoding/json"
	"net/http"
	"net/url"
	"path"

	"github.com/fluxauth/core/pkg/log"
)

// WriteError writes a JSON {"error": {"code", "message"}} body, the wire
// shape of apperr.Error (spec §7).
func WriteError(w http.ResponseWriter, logger log.Logger, code int, errCode, msg string) {
	e := struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}{}
	e.Error.Code = errCode
	e.Error.Message = msg

	b, err := json.Marshal(e)
	if err != nil {
		logger.Errorf("marshaling error response %#v: %v", e, err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(b)
}

// MergeQuery appends additional query values to an existing URL.
func MergeQuery(u url.URL, q url.Values) url.URL {
	uv := u.Query()
	for k, vs := range q {
		for _, v := range vs {
			uv.Add(k, v)
		}
	}
	u.RawQuery = uv.Encode()
	return u
}

// NewResourceLocation appends a resource id to the end of the requested URL path.
func NewResourceLocation(reqURL *url.URL, id string) string {
	var u url.URL
	u = *reqURL
	u.Path = path.Join(u.Path, id)
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
