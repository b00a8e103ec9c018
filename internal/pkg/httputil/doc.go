// Package httputil holds the JSON helpers shared by the read and trigger
// handlers. Every error body is {"error": "...", "code": "..."}; handlers
// translate domain errors with FromError:
//
//	httputil.FromError(w, err,
//		httputil.Rule{Target: domain.ErrAccountNotFound, Status: http.StatusNotFound, Code: "account_not_found"})
package httputil
