package webassets

import "embed"

// FS contains the browser shim served at /static/session-client.js.
//
//go:embed session-client.js
var FS embed.FS
