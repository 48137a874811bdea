// Package httpdata moves data between flow requests and HTTP endpoints.
//
// An HttpData source address names an endpoint with "baseUrl" and optional
// "path", "method", "queryParams" and "mediaType" properties. The response
// body of that endpoint is the single part of the source. Request properties
// of the same names ("method", "pathSegments", "queryParams", "body",
// "mediaType") override the address, which lets a consumer proxy its own call
// through the data plane.
//
// An HttpData destination receives one request per part at
// baseUrl/<part name>. Server errors, 429 responses and network failures are
// retried and reported as ERROR_RETRY; any other non-2xx response is fatal.
//
// Both ends send the "authKey"/"authCode" property pair as a header when it is
// present on the address.
package httpdata
