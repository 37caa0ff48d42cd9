package processsvc

import (
	"encoding/json"
	"net/http"
)

// decodeJSONInto decodes the request body into dst, following arkeep's
// api.decodeJSON helper. It sets no body limit itself; handleProcess caps
// the body at 10MB before calling it. Unknown fields are allowed: a
// Process document's FunctionCall entries carry variant-specific fields
// ir.FunctionCall's UnmarshalJSON absorbs into Params, which
// json.Decoder.DisallowUnknownFields cannot see through.
func decodeJSONInto(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	return dec.Decode(dst)
}
